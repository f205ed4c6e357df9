package sandbox

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/kart-checkout/internal/domain/checkout"
	"github.com/xenking/kart-checkout/internal/domain/pricing"
)

func params(discountRef string) checkout.SessionParams {
	return checkout.SessionParams{
		LineItems: []pricing.LineItem{
			{Currency: "usd", DisplayName: "Waffle", UnitAmount: 1200, Quantity: 2},
			{Currency: "usd", DisplayName: "Latte", UnitAmount: 300, Quantity: 1},
		},
		DiscountRef: discountRef,
		Metadata:    map[string]string{"user_id": "u1"},
		SuccessURL:  "http://shop.test/purchase-success?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:   "http://shop.test/purchase-cancel",
	}
}

func TestGateway_SessionLifecycle(t *testing.T) {
	ctx := context.Background()
	g := New("http://localhost:8080/", "usd")

	sess, err := g.CreateSession(ctx, params(""))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sess.ID, "cs_sandbox_"))
	assert.Equal(t, "http://localhost:8080/sandbox/pay/"+sess.ID, sess.URL)
	assert.Equal(t, int64(2700), sess.AmountTotal)
	assert.Equal(t, checkout.PaymentUnpaid, sess.PaymentStatus)
	assert.Equal(t, "u1", sess.Metadata["user_id"])

	target, err := g.Pay(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "http://shop.test/purchase-success?session_id="+sess.ID, target)

	got, err := g.RetrieveSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, checkout.PaymentPaid, got.PaymentStatus)
	assert.Equal(t, checkout.SessionComplete, got.Status)

	_, err = g.Expire(sess.ID)
	require.Error(t, err, "paid session cannot expire")
}

func TestGateway_DiscountIsSingleUse(t *testing.T) {
	ctx := context.Background()
	g := New("http://localhost:8080", "usd")

	ref, err := g.CreateOneTimeDiscount(ctx, 10)
	require.NoError(t, err)

	sess, err := g.CreateSession(ctx, params(ref))
	require.NoError(t, err)
	assert.Equal(t, int64(2430), sess.AmountTotal)

	_, err = g.CreateSession(ctx, params(ref))
	require.Error(t, err)

	_, err = g.CreateSession(ctx, params("co_unknown"))
	require.Error(t, err)
}

func TestGateway_Routes(t *testing.T) {
	ctx := context.Background()
	g := New("http://localhost:8080", "usd")
	srv := httptest.NewServer(g.Routes())
	t.Cleanup(srv.Close)

	client := srv.Client()
	client.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }

	sess, err := g.CreateSession(ctx, params(""))
	require.NoError(t, err)

	tests := []struct {
		name         string
		path         string
		wantStatus   int
		wantLocation string
	}{
		{name: "unknown", path: "/pay/cs_missing", wantStatus: http.StatusNotFound},
		{name: "cancel", path: "/cancel/" + sess.ID, wantStatus: http.StatusSeeOther, wantLocation: "http://shop.test/purchase-cancel"},
		{name: "pay expired", path: "/pay/" + sess.ID, wantStatus: http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := client.Get(srv.URL + tt.path)
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			if tt.wantLocation != "" {
				assert.Equal(t, tt.wantLocation, resp.Header.Get("Location"))
			}
		})
	}

	got, err := g.RetrieveSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, checkout.SessionExpired, got.Status)
	assert.Equal(t, checkout.State(got, false), checkout.StateAbandoned)
}

func TestGateway_FullDiscountNeedsNoPayment(t *testing.T) {
	ctx := context.Background()
	g := New("http://localhost:8080", "usd")

	ref, err := g.CreateOneTimeDiscount(ctx, 100)
	require.NoError(t, err)
	sess, err := g.CreateSession(ctx, params(ref))
	require.NoError(t, err)
	assert.Zero(t, sess.AmountTotal)

	_, err = g.Pay(sess.ID)
	require.NoError(t, err)

	got, err := g.RetrieveSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, checkout.PaymentNoPaymentRequired, got.PaymentStatus)
	assert.Equal(t, checkout.SessionComplete, got.Status)
	assert.True(t, got.Settled())

	_, err = g.Expire(sess.ID)
	require.Error(t, err, "completed session cannot expire")
}

func TestGateway_UnknownSession(t *testing.T) {
	_, err := New("http://localhost:8080", "usd").RetrieveSession(context.Background(), "cs_missing")
	require.ErrorIs(t, err, checkout.ErrSessionNotFound)
}
