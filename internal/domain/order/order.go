package order

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when no order exists for a session.
	ErrNotFound = errors.New("order not found")
	// ErrConflict is returned by a Repository when an order for the same
	// session already exists. Callers recover by loading the existing order.
	ErrConflict = errors.New("order already exists for session")
)

// Order is the durable record of a paid checkout session. At most one Order
// exists per SessionID.
type Order struct {
	ID         string
	UserID     string
	SessionID  string
	CouponCode string
	Items      []Item
	// Total is the amount charged, in the settlement currency.
	Total     decimal.Decimal
	Currency  string
	CreatedAt time.Time
}

// Item is a single purchased product. Price is the original source-currency
// unit price captured at checkout.
type Item struct {
	ProductID string          `json:"product_id"`
	Quantity  int             `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
}

// Repository defines persistence operations for orders.
type Repository interface {
	// InsertIfAbsent stores o unless an order for o.SessionID already exists.
	// It returns the stored order and whether it was created by this call.
	InsertIfAbsent(ctx context.Context, o *Order) (*Order, bool, error)
	// FindBySession returns the order for sessionID, or ErrNotFound.
	FindBySession(ctx context.Context, sessionID string) (*Order, error)
}
