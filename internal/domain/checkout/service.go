// Package checkout orchestrates payment sessions against an external gateway
// and reconciles confirmed payments into orders.
package checkout

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xenking/kart-checkout/internal/domain/coupon"
	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/domain/pricing"
)

// Config holds the immutable checkout settings.
type Config struct {
	SuccessURL string
	CancelURL  string
	// RewardThreshold is the post-discount spend, in source currency units,
	// at or above which a reward coupon is issued. Zero disables rewards.
	RewardThreshold decimal.Decimal
}

// RewardIssuer mints a reward coupon for a user.
type RewardIssuer interface {
	Issue(ctx context.Context, userID string) (*coupon.Coupon, error)
}

// Notifier receives checkout domain events. Delivery is best effort.
type Notifier interface {
	OrderReconciled(ctx context.Context, o *order.Order) error
	RewardIssued(ctx context.Context, c *coupon.Coupon) error
}

// CreateCheckoutRequest holds the input for a checkout attempt.
type CreateCheckoutRequest struct {
	UserID     string
	Items      []pricing.CartItem
	CouponCode string
}

// CreateCheckoutResult holds the output of a created checkout session.
type CreateCheckoutResult struct {
	SessionID string
	URL       string
	// DisplayedTotal is the gateway-computed charge in the settlement currency.
	DisplayedTotal decimal.Decimal
	Currency       string
	// SourceTotal is the post-discount total in the source currency.
	SourceTotal     decimal.Decimal
	DiscountApplied bool
	RewardIssued    bool
}

// Service creates checkout sessions.
type Service struct {
	cfg       Config
	engine    *pricing.Engine
	coupons   coupon.Validator
	discounts *DiscountBridge
	gateway   Gateway
	rewards   RewardIssuer
	notifier  Notifier

	tracer  trace.Tracer
	metrics *metrics
}

// NewService creates a checkout Service with the required dependencies.
func NewService(
	cfg Config,
	engine *pricing.Engine,
	coupons coupon.Validator,
	gateway Gateway,
	rewards RewardIssuer,
	notifier Notifier,
	opts ...Option,
) (*Service, error) {
	o := buildOptions(opts)
	m, err := newMetrics(o.meterProvider)
	if err != nil {
		return nil, errors.Wrap(err, "checkout metrics")
	}
	return &Service{
		cfg:       cfg,
		engine:    engine,
		coupons:   coupons,
		discounts: NewDiscountBridge(gateway),
		gateway:   gateway,
		rewards:   rewards,
		notifier:  notifier,
		tracer:    o.tracerProvider.Tracer(instrumentationName),
		metrics:   m,
	}, nil
}

// CreateCheckout prices the cart, applies the user's coupon if it resolves,
// and opens a gateway session. Nothing is created at the gateway when the
// cart is invalid or the discount cannot be mirrored. A failed reward
// issuance after the session exists is logged and does not fail the call.
func (s *Service) CreateCheckout(ctx context.Context, req CreateCheckoutRequest) (_ *CreateCheckoutResult, rerr error) {
	ctx, span := s.tracer.Start(ctx, "checkout.CreateCheckout",
		trace.WithAttributes(attribute.Int("checkout.items", len(req.Items))),
	)
	defer func() {
		result := "ok"
		if rerr != nil {
			result = "error"
			span.RecordError(rerr)
			span.SetStatus(codes.Error, rerr.Error())
		}
		s.metrics.sessions.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
		span.End()
	}()

	if req.UserID == "" {
		return nil, errors.New("user id is required")
	}

	quote, err := s.engine.Price(req.Items)
	if err != nil {
		return nil, err
	}

	c, err := s.coupons.Resolve(ctx, req.CouponCode, req.UserID)
	if err != nil {
		return nil, errors.Wrap(err, "resolve coupon")
	}

	meta := Metadata{
		UserID: req.UserID,
		Items:  make([]SnapshotItem, len(req.Items)),
	}
	if c != nil {
		meta.CouponCode = c.Code
	}
	for i, item := range req.Items {
		meta.Items[i] = SnapshotItem{
			ProductID: item.ID,
			Quantity:  item.Quantity,
			Price:     item.Price,
		}
	}
	md, err := EncodeMetadata(meta)
	if err != nil {
		if errors.Is(err, ErrSnapshotTooLarge) {
			return nil, &pricing.InvalidCartError{Index: -1, Reason: "too many items"}
		}
		return nil, errors.Wrap(err, "encode metadata")
	}

	params := SessionParams{
		LineItems:  quote.LineItems,
		Metadata:   md,
		SuccessURL: s.cfg.SuccessURL,
		CancelURL:  s.cfg.CancelURL,
	}
	sourceTotal := quote.SourceTotal
	if c != nil {
		ref, err := s.discounts.Create(ctx, c.DiscountPercent)
		if err != nil {
			return nil, err
		}
		params.DiscountRef = ref
		sourceTotal = pricing.Discount(sourceTotal, c.DiscountPercent)
	}

	sess, err := s.gateway.CreateSession(ctx, params)
	if err != nil {
		return nil, &GatewayUnavailableError{Op: "create session", Err: err}
	}
	span.SetAttributes(attribute.String("checkout.session_id", sess.ID))

	lg := zctx.From(ctx).With(
		zap.String("session_id", sess.ID),
		zap.String("user_id", req.UserID),
	)
	lg.Info("Checkout session created",
		zap.Stringer("source_total", sourceTotal),
		zap.Int64("amount_total", sess.AmountTotal),
		zap.Bool("discount", c != nil),
	)

	currency := sess.Currency
	if currency == "" {
		currency = s.engine.Currency()
	}
	res := &CreateCheckoutResult{
		SessionID:       sess.ID,
		URL:             sess.URL,
		DisplayedTotal:  decimal.New(sess.AmountTotal, -2),
		Currency:        currency,
		SourceTotal:     sourceTotal,
		DiscountApplied: c != nil,
	}
	res.RewardIssued = s.maybeIssueReward(ctx, lg, req.UserID, sourceTotal)

	return res, nil
}

func (s *Service) maybeIssueReward(ctx context.Context, lg *zap.Logger, userID string, total decimal.Decimal) bool {
	if !s.cfg.RewardThreshold.IsPositive() || total.LessThan(s.cfg.RewardThreshold) {
		return false
	}

	c, err := s.rewards.Issue(ctx, userID)
	if err != nil {
		lg.Warn("Reward issuance failed", zap.Error(err))
		s.metrics.rewards.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "error")))
		return false
	}
	s.metrics.rewards.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "ok")))

	pctx, cancel := context.WithTimeout(ctx, defaultPublishTimeout)
	defer cancel()
	if err := s.notifier.RewardIssued(pctx, c); err != nil {
		lg.Warn("Publish reward event", zap.Error(err))
	}
	return true
}
