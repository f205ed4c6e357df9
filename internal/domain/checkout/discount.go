package checkout

import (
	"context"

	"github.com/go-faster/errors"

	"github.com/xenking/kart-checkout/internal/domain/coupon"
)

// DiscountBridge mirrors a validated local coupon as a single-use gateway
// discount. The gateway enforces the one-time redemption.
type DiscountBridge struct {
	gateway Gateway
}

// NewDiscountBridge creates a DiscountBridge on top of gateway.
func NewDiscountBridge(gateway Gateway) *DiscountBridge {
	return &DiscountBridge{gateway: gateway}
}

// Create returns the gateway reference of a new percentOff discount.
func (b *DiscountBridge) Create(ctx context.Context, percentOff int) (string, error) {
	if !coupon.ValidPercent(percentOff) {
		return "", errors.Errorf("discount percent must be within 1..100, got %d", percentOff)
	}

	ref, err := b.gateway.CreateOneTimeDiscount(ctx, percentOff)
	if err != nil {
		return "", &GatewayUnavailableError{Op: "create discount", Err: err}
	}
	if ref == "" {
		return "", &GatewayUnavailableError{Op: "create discount", Err: errors.New("empty discount reference")}
	}
	return ref, nil
}
