package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-checkout/pkg/httpmiddleware"
)

// UserIDHeader carries the authenticated shopper id set by the upstream
// identity proxy.
const UserIDHeader = "X-User-ID"

type userKey struct{}

// WithUser returns a copy of ctx carrying userID.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

// UserFromContext returns the shopper id stored by RequireUser.
func UserFromContext(ctx context.Context) string {
	id, _ := ctx.Value(userKey{}).(string)
	return id
}

// RequireUser rejects requests without a shopper id.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(UserIDHeader))
		if userID == "" {
			httpmiddleware.WriteError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		ctx := WithUser(r.Context(), userID)
		ctx = zctx.Base(ctx, zctx.From(ctx).With(zap.String("user_id", userID)))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
