// Package handler exposes the checkout flow over HTTP.
package handler

import (
	"context"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/kart-checkout/internal/domain/checkout"
	"github.com/xenking/kart-checkout/internal/domain/order"
)

// maxBodyBytes bounds every request body the handler reads.
const maxBodyBytes = 1 << 20

// CheckoutService creates payment sessions.
type CheckoutService interface {
	CreateCheckout(ctx context.Context, req checkout.CreateCheckoutRequest) (*checkout.CreateCheckoutResult, error)
}

// Reconciler records orders for paid sessions.
type Reconciler interface {
	Reconcile(ctx context.Context, sessionID string) (*checkout.ReconcileResult, error)
	ReconcileFor(ctx context.Context, sessionID, userID string) (*checkout.ReconcileResult, error)
	Status(ctx context.Context, sessionID string) (checkout.SessionState, *order.Order, error)
}

// WebhookParser verifies and decodes gateway notifications.
type WebhookParser interface {
	ParseWebhook(payload []byte, header http.Header) (*checkout.WebhookEvent, error)
}

// Handler serves the checkout API.
type Handler struct {
	checkout   CheckoutService
	reconciler Reconciler
	orders     order.Repository
	// webhooks is nil when the gateway does not push notifications.
	webhooks WebhookParser
}

// New constructs a Handler. webhooks may be nil.
func New(
	svc CheckoutService,
	reconciler Reconciler,
	orders order.Repository,
	webhooks WebhookParser,
) *Handler {
	return &Handler{
		checkout:   svc,
		reconciler: reconciler,
		orders:     orders,
		webhooks:   webhooks,
	}
}

// Routes returns the API router. Paths are relative to the mount point.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	if h.webhooks != nil {
		r.Post("/checkout/webhook", h.Webhook)
	}

	r.Group(func(r chi.Router) {
		r.Use(RequireUser)

		r.Post("/checkout", h.CreateCheckout)
		r.Post("/checkout/confirm", h.ConfirmCheckout)
		r.Get("/checkout/{sessionID}", h.CheckoutStatus)
		r.Get("/orders/{sessionID}", h.GetOrder)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, e *jx.Encoder) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, badRequest("request body exceeds %d bytes", tooLarge.Limit)
		}
		return nil, errors.Wrap(err, "read body")
	}
	return body, nil
}
