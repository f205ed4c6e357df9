// Package events publishes checkout domain events.
package events

import (
	"context"
	"time"

	"github.com/go-faster/jx"

	"github.com/xenking/kart-checkout/internal/domain/checkout"
	"github.com/xenking/kart-checkout/internal/domain/coupon"
	"github.com/xenking/kart-checkout/internal/domain/order"
)

// Event types.
const (
	TypeOrderReconciled = "order.reconciled"
	TypeRewardIssued    = "reward.issued"
)

// Nop discards all events.
type Nop struct{}

var _ checkout.Notifier = Nop{}

func (Nop) OrderReconciled(context.Context, *order.Order) error { return nil }

func (Nop) RewardIssued(context.Context, *coupon.Coupon) error { return nil }

// EncodeOrderReconciled renders the order.reconciled payload.
func EncodeOrderReconciled(o *order.Order) []byte {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("type")
	e.Str(TypeOrderReconciled)
	e.FieldStart("order_id")
	e.Str(o.ID)
	e.FieldStart("user_id")
	e.Str(o.UserID)
	e.FieldStart("session_id")
	e.Str(o.SessionID)
	if o.CouponCode != "" {
		e.FieldStart("coupon_code")
		e.Str(o.CouponCode)
	}
	e.FieldStart("total")
	e.Num(jx.Num(o.Total.String()))
	e.FieldStart("currency")
	e.Str(o.Currency)
	e.FieldStart("items")
	e.ArrStart()
	for _, it := range o.Items {
		e.ObjStart()
		e.FieldStart("product_id")
		e.Str(it.ProductID)
		e.FieldStart("quantity")
		e.Int(it.Quantity)
		e.FieldStart("price")
		e.Num(jx.Num(it.Price.String()))
		e.ObjEnd()
	}
	e.ArrEnd()
	e.FieldStart("created_at")
	e.Str(o.CreatedAt.UTC().Format(time.RFC3339))
	e.ObjEnd()
	return e.Bytes()
}

// EncodeRewardIssued renders the reward.issued payload.
func EncodeRewardIssued(c *coupon.Coupon) []byte {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("type")
	e.Str(TypeRewardIssued)
	e.FieldStart("user_id")
	e.Str(c.UserID)
	e.FieldStart("code")
	e.Str(c.Code)
	e.FieldStart("discount_percent")
	e.Int(c.DiscountPercent)
	e.FieldStart("expires_at")
	e.Str(c.ExpiresAt.UTC().Format(time.RFC3339))
	e.ObjEnd()
	return e.Bytes()
}
