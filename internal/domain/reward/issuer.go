// Package reward issues promotional coupons to shoppers whose spend crosses
// the reward threshold.
package reward

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-checkout/internal/domain/coupon"
)

// Config controls the shape of issued coupons.
type Config struct {
	Percent    int
	TTL        time.Duration
	CodePrefix string
	CodeLength int
}

// DefaultConfig returns a 10% coupon valid for 30 days.
func DefaultConfig() Config {
	return Config{
		Percent:    10,
		TTL:        30 * 24 * time.Hour,
		CodePrefix: "GIFT",
		CodeLength: 8,
	}
}

func (c Config) validate() error {
	switch {
	case c.Percent < 1 || c.Percent > 100:
		return errors.Errorf("reward percent must be within 1..100, got %d", c.Percent)
	case c.TTL <= 0:
		return errors.Errorf("reward TTL must be positive, got %s", c.TTL)
	case c.CodeLength < 4:
		return errors.Errorf("reward code length must be at least 4, got %d", c.CodeLength)
	}
	return nil
}

// Issuer replaces a user's coupon with a freshly minted one.
type Issuer struct {
	store coupon.Store
	cfg   Config
	codes *CodeGenerator
	now   func() time.Time
}

// NewIssuer creates an Issuer writing through store.
func NewIssuer(store coupon.Store, cfg Config, src RandomSource) (*Issuer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Issuer{
		store: store,
		cfg:   cfg,
		codes: NewCodeGenerator(cfg.CodePrefix, cfg.CodeLength, src),
		now:   time.Now,
	}, nil
}

// Issue deletes every coupon owned by userID and creates a new active one,
// in a single transaction. Concurrent calls for the same user resolve as
// last write wins and never leave two active coupons.
func (i *Issuer) Issue(ctx context.Context, userID string) (*coupon.Coupon, error) {
	if userID == "" {
		return nil, errors.New("user id is required")
	}

	now := i.now().UTC()
	c := &coupon.Coupon{
		Code:            i.codes.Next(),
		UserID:          userID,
		DiscountPercent: i.cfg.Percent,
		Active:          true,
		ExpiresAt:       now.Add(i.cfg.TTL),
		CreatedAt:       now,
	}

	if err := i.store.ExecTx(ctx, func(q coupon.Querier) error {
		if err := q.LockUser(ctx, userID); err != nil {
			return errors.Wrap(err, "lock user")
		}
		if err := q.DeleteForUser(ctx, userID); err != nil {
			return errors.Wrap(err, "delete previous coupons")
		}
		if err := q.Insert(ctx, c); err != nil {
			return errors.Wrap(err, "insert coupon")
		}
		return nil
	}); err != nil {
		return nil, errors.Wrap(err, "issue reward coupon")
	}

	zctx.From(ctx).Info("Reward coupon issued",
		zap.String("user_id", userID),
		zap.String("code", c.Code),
		zap.Time("expires_at", c.ExpiresAt),
	)
	return c, nil
}
