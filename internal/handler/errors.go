package handler

import (
	"fmt"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-checkout/internal/domain/checkout"
	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/domain/pricing"
	"github.com/xenking/kart-checkout/pkg/httpmiddleware"
)

// requestError reports a request body that cannot be decoded.
type requestError struct {
	msg string
}

func (e *requestError) Error() string { return e.msg }

func badRequest(format string, args ...any) error {
	return &requestError{msg: fmt.Sprintf(format, args...)}
}

// writeError maps domain errors to status codes. Server-side failures are
// logged and reported without internal detail.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		cartErr     *pricing.InvalidCartError
		reqErr      *requestError
		notPaidErr  *checkout.SessionNotPaidError
		gatewayErr  *checkout.GatewayUnavailableError
		metadataErr *checkout.MalformedMetadataError
	)

	switch {
	case errors.As(err, &cartErr):
		httpmiddleware.WriteError(w, http.StatusBadRequest, cartErr.Error())
	case errors.As(err, &reqErr):
		httpmiddleware.WriteError(w, http.StatusBadRequest, reqErr.msg)
	case errors.Is(err, checkout.ErrSessionNotFound):
		httpmiddleware.WriteError(w, http.StatusNotFound, "checkout session not found")
	case errors.Is(err, order.ErrNotFound):
		httpmiddleware.WriteError(w, http.StatusNotFound, "order not found")
	case errors.As(err, &notPaidErr):
		httpmiddleware.WriteError(w, http.StatusUnprocessableEntity, "payment not completed")
	case errors.As(err, &gatewayErr):
		zctx.From(r.Context()).Warn("Payment gateway unavailable", zap.Error(err))
		httpmiddleware.WriteError(w, http.StatusBadGateway, "payment gateway unavailable")
	case errors.As(err, &metadataErr):
		zctx.From(r.Context()).Error("Corrupted session metadata", zap.Error(err))
		httpmiddleware.WriteError(w, http.StatusInternalServerError, "internal error")
	default:
		zctx.From(r.Context()).Error("Request failed", zap.Error(err))
		httpmiddleware.WriteError(w, http.StatusInternalServerError, "internal error")
	}
}
