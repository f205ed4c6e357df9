package coupon

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
)

// Validator resolves a shopper-supplied coupon code.
type Validator interface {
	Resolve(ctx context.Context, code, userID string) (*Coupon, error)
}

// RepoValidator implements Validator on top of a Repository.
type RepoValidator struct {
	repo Repository
	now  func() time.Time
}

// NewRepoValidator creates a RepoValidator backed by the given Repository.
func NewRepoValidator(repo Repository) *RepoValidator {
	return &RepoValidator{repo: repo, now: time.Now}
}

// Resolve returns the active, unexpired coupon owned by userID for code. A
// coupon whose percentage cannot be applied resolves to none.
//
// A code that does not resolve is not an error: the checkout simply proceeds
// at full price. Only repository failures are returned.
func (v *RepoValidator) Resolve(ctx context.Context, code, userID string) (*Coupon, error) {
	code = strings.TrimSpace(code)
	if code == "" || userID == "" {
		return nil, nil
	}

	c, err := v.repo.FindActive(ctx, code, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "lookup coupon")
	}
	if !c.Active || c.Expired(v.now()) || !ValidPercent(c.DiscountPercent) {
		return nil, nil
	}

	return c, nil
}
