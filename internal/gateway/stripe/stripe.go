// Package stripe implements checkout.Gateway on top of Stripe Checkout.
package stripe

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	stripego "github.com/stripe/stripe-go/v80"
	"github.com/stripe/stripe-go/v80/client"
	"github.com/stripe/stripe-go/v80/webhook"
	"go.uber.org/zap"

	"github.com/xenking/kart-checkout/internal/domain/checkout"
)

// Config configures the Stripe gateway.
type Config struct {
	SecretKey     string
	WebhookSecret string
	// BaseURL overrides the Stripe API endpoint. Used by tests.
	BaseURL    string
	MaxRetries int64
	Timeout    time.Duration
}

// Gateway is a Stripe-backed checkout.Gateway.
type Gateway struct {
	api           *client.API
	webhookSecret string
}

var _ checkout.Gateway = (*Gateway)(nil)

// New creates a Stripe gateway. Stripe client logs go to lg.
func New(cfg Config, lg *zap.Logger) (*Gateway, error) {
	if cfg.SecretKey == "" {
		return nil, errors.New("stripe secret key is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	backendCfg := &stripego.BackendConfig{
		HTTPClient:        &http.Client{Timeout: cfg.Timeout},
		LeveledLogger:     lg.Sugar(),
		MaxNetworkRetries: stripego.Int64(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		backendCfg.URL = stripego.String(cfg.BaseURL)
	}
	backend := stripego.GetBackendWithConfig(stripego.APIBackend, backendCfg)

	return &Gateway{
		api: client.New(cfg.SecretKey, &stripego.Backends{
			API:     backend,
			Connect: backend,
			Uploads: backend,
		}),
		webhookSecret: cfg.WebhookSecret,
	}, nil
}

func (g *Gateway) CreateSession(ctx context.Context, p checkout.SessionParams) (*checkout.Session, error) {
	params := &stripego.CheckoutSessionParams{
		Mode:               stripego.String(string(stripego.CheckoutSessionModePayment)),
		PaymentMethodTypes: stripego.StringSlice([]string{"card"}),
		SuccessURL:         stripego.String(p.SuccessURL),
		CancelURL:          stripego.String(p.CancelURL),
	}
	params.Context = ctx
	for _, li := range p.LineItems {
		product := &stripego.CheckoutSessionLineItemPriceDataProductDataParams{
			Name: stripego.String(li.DisplayName),
		}
		if len(li.Images) > 0 {
			product.Images = stripego.StringSlice(li.Images)
		}
		params.LineItems = append(params.LineItems, &stripego.CheckoutSessionLineItemParams{
			PriceData: &stripego.CheckoutSessionLineItemPriceDataParams{
				Currency:    stripego.String(li.Currency),
				UnitAmount:  stripego.Int64(li.UnitAmount),
				ProductData: product,
			},
			Quantity: stripego.Int64(li.Quantity),
		})
	}
	if p.DiscountRef != "" {
		params.Discounts = []*stripego.CheckoutSessionDiscountParams{
			{Coupon: stripego.String(p.DiscountRef)},
		}
	}
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}

	s, err := g.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, errors.Wrap(err, "create checkout session")
	}
	return convertSession(s), nil
}

func (g *Gateway) RetrieveSession(ctx context.Context, id string) (*checkout.Session, error) {
	params := &stripego.CheckoutSessionParams{}
	params.Context = ctx

	s, err := g.api.CheckoutSessions.Get(id, params)
	if err != nil {
		var stripeErr *stripego.Error
		if errors.As(err, &stripeErr) && stripeErr.Code == stripego.ErrorCodeResourceMissing {
			return nil, errors.Wrapf(checkout.ErrSessionNotFound, "get checkout session %s", id)
		}
		return nil, errors.Wrapf(err, "get checkout session %s", id)
	}
	return convertSession(s), nil
}

// CreateOneTimeDiscount creates a Stripe coupon that applies once and can be
// redeemed a single time.
func (g *Gateway) CreateOneTimeDiscount(ctx context.Context, percentOff int) (string, error) {
	params := &stripego.CouponParams{
		PercentOff:     stripego.Float64(float64(percentOff)),
		Duration:       stripego.String(string(stripego.CouponDurationOnce)),
		MaxRedemptions: stripego.Int64(1),
	}
	params.Context = ctx

	c, err := g.api.Coupons.New(params)
	if err != nil {
		return "", errors.Wrap(err, "create coupon")
	}
	return c.ID, nil
}

// ParseWebhook verifies the Stripe-Signature header of payload and extracts
// the checkout session it refers to.
func (g *Gateway) ParseWebhook(payload []byte, header http.Header) (*checkout.WebhookEvent, error) {
	if g.webhookSecret == "" {
		return nil, errors.New("webhook secret is not configured")
	}

	event, err := webhook.ConstructEventWithOptions(payload, header.Get("Stripe-Signature"), g.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true},
	)
	if err != nil {
		return nil, errors.Wrap(err, "verify signature")
	}

	out := &checkout.WebhookEvent{
		ID:   event.ID,
		Type: string(event.Type),
	}
	switch event.Type {
	case stripego.EventTypeCheckoutSessionCompleted,
		stripego.EventTypeCheckoutSessionAsyncPaymentSucceeded:
		out.PaymentConfirmed = true
	}
	if event.Data != nil {
		if id, ok := event.Data.Object["id"].(string); ok {
			out.SessionID = id
		}
	}
	return out, nil
}

func convertSession(s *stripego.CheckoutSession) *checkout.Session {
	return &checkout.Session{
		ID:            s.ID,
		URL:           s.URL,
		PaymentStatus: checkout.PaymentStatus(s.PaymentStatus),
		Status:        checkout.SessionStatus(s.Status),
		AmountTotal:   s.AmountTotal,
		Currency:      string(s.Currency),
		Metadata:      s.Metadata,
	}
}
