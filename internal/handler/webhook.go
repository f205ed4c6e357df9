package handler

import (
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-checkout/internal/domain/checkout"
	"github.com/xenking/kart-checkout/pkg/httpmiddleware"
)

// Webhook handles POST /checkout/webhook. Only signature-verified events are
// acted upon; event types other than payment confirmations are acknowledged
// and ignored. Failures answer 5xx so the gateway redelivers.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	lg := zctx.From(r.Context())

	payload, err := readBody(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	ev, err := h.webhooks.ParseWebhook(payload, r.Header)
	if err != nil {
		lg.Warn("Rejected webhook", zap.Error(err))
		httpmiddleware.WriteError(w, http.StatusBadRequest, "invalid webhook signature")
		return
	}

	lg = lg.With(
		zap.String("event_id", ev.ID),
		zap.String("event_type", ev.Type),
		zap.String("session_id", ev.SessionID),
	)
	if !ev.PaymentConfirmed || ev.SessionID == "" {
		lg.Debug("Ignoring webhook event")
		w.WriteHeader(http.StatusOK)
		return
	}

	res, err := h.reconciler.Reconcile(r.Context(), ev.SessionID)
	if err != nil {
		var notPaid *checkout.SessionNotPaidError
		if errors.As(err, &notPaid) {
			// Async methods confirm later with a separate event.
			lg.Info("Webhook for unpaid session", zap.String("payment_status", string(notPaid.Status)))
			w.WriteHeader(http.StatusOK)
			return
		}
		if errors.Is(err, checkout.ErrSessionNotFound) {
			lg.Warn("Webhook for unknown session")
			w.WriteHeader(http.StatusOK)
			return
		}
		writeError(w, r, err)
		return
	}

	lg.Info("Webhook reconciled",
		zap.String("order_id", res.Order.ID),
		zap.Bool("created", res.Created),
	)
	w.WriteHeader(http.StatusOK)
}
