package checkout

import (
	"context"

	"github.com/go-faster/errors"

	"github.com/xenking/kart-checkout/internal/domain/pricing"
)

// PaymentStatus is the gateway-reported payment state of a session.
type PaymentStatus string

const (
	PaymentPaid              PaymentStatus = "paid"
	PaymentUnpaid            PaymentStatus = "unpaid"
	PaymentNoPaymentRequired PaymentStatus = "no_payment_required"
)

// SessionStatus is the gateway-reported lifecycle state of a session.
type SessionStatus string

const (
	SessionOpen     SessionStatus = "open"
	SessionComplete SessionStatus = "complete"
	SessionExpired  SessionStatus = "expired"
)

// SessionParams describes a payment session to create.
type SessionParams struct {
	LineItems []pricing.LineItem
	// DiscountRef is the gateway reference of a one-time discount, or empty.
	DiscountRef string
	Metadata    map[string]string
	SuccessURL  string
	CancelURL   string
}

// Session is the gateway's view of a single payment attempt.
type Session struct {
	ID            string
	URL           string
	PaymentStatus PaymentStatus
	Status        SessionStatus
	// AmountTotal is the charged amount in settlement minor units.
	AmountTotal int64
	Currency    string
	Metadata    map[string]string
}

// Settled reports whether the session's payment obligation is met: paid, or
// completed without payment because a full discount brought the total to zero.
func (s *Session) Settled() bool {
	switch s.PaymentStatus {
	case PaymentPaid:
		return true
	case PaymentNoPaymentRequired:
		return s.Status == SessionComplete
	default:
		return false
	}
}

// ErrSessionNotFound is returned by gateways for session ids they do not know.
var ErrSessionNotFound = errors.New("checkout session not found")

// Gateway is the external payment provider. Every call is blocking and may
// fail; retries are the implementation's concern.
type Gateway interface {
	CreateSession(ctx context.Context, p SessionParams) (*Session, error)
	RetrieveSession(ctx context.Context, id string) (*Session, error)
	// CreateOneTimeDiscount creates a percentage discount the gateway lets
	// be redeemed exactly once, returning its reference.
	CreateOneTimeDiscount(ctx context.Context, percentOff int) (string, error)
}

// WebhookEvent is a verified gateway notification about a session.
type WebhookEvent struct {
	ID        string
	Type      string
	SessionID string
	// PaymentConfirmed is set for event types reporting a successful payment.
	PaymentConfirmed bool
}
