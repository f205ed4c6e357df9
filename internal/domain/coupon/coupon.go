package coupon

import (
	"context"
	"time"

	"github.com/go-faster/errors"
)

// ErrNotFound is returned by a Repository when no active coupon matches the
// (code, user) pair.
var ErrNotFound = errors.New("coupon not found")

// Coupon is a percentage discount owned by a single user. A user holds at
// most one active coupon at a time.
type Coupon struct {
	Code            string
	UserID          string
	DiscountPercent int
	Active          bool
	ExpiresAt       time.Time
	CreatedAt       time.Time
}

// ValidPercent reports whether p is a discount a checkout can apply.
func ValidPercent(p int) bool {
	return p >= 1 && p <= 100
}

// Expired reports whether the coupon is past its expiration at now. A zero
// ExpiresAt never expires.
func (c *Coupon) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// Repository provides lookup and consumption of coupons.
type Repository interface {
	// FindActive returns the active coupon matching code and userID, or
	// ErrNotFound.
	FindActive(ctx context.Context, code, userID string) (*Coupon, error)
	// Deactivate marks the (code, userID) coupon inactive. Deactivating an
	// already inactive or missing coupon is not an error.
	Deactivate(ctx context.Context, code, userID string) error
}

// Querier holds the coupon writes that must run inside one transaction.
type Querier interface {
	// LockUser serializes concurrent writers for the same user until the
	// surrounding transaction ends.
	LockUser(ctx context.Context, userID string) error
	DeleteForUser(ctx context.Context, userID string) error
	Insert(ctx context.Context, c *Coupon) error
}

// Store runs Querier operations atomically.
type Store interface {
	ExecTx(ctx context.Context, fn func(Querier) error) error
}
