package checkout

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/kart-checkout/internal/domain/coupon"
	"github.com/xenking/kart-checkout/internal/domain/pricing"
	"github.com/xenking/kart-checkout/internal/domain/reward"
)

type serviceEnv struct {
	svc      *Service
	gateway  *fakeGateway
	coupons  *couponDB
	notifier *recordingNotifier
}

func newServiceEnv(t *testing.T, rewards RewardIssuer) *serviceEnv {
	t.Helper()

	env := &serviceEnv{
		gateway:  newFakeGateway(),
		coupons:  &couponDB{},
		notifier: &recordingNotifier{},
	}
	engine, err := pricing.NewEngine(d("0.012"), "usd")
	require.NoError(t, err)

	if rewards == nil {
		iss, err := reward.NewIssuer(env.coupons, reward.DefaultConfig(), reward.NewRandomSource(1, 2))
		require.NoError(t, err)
		rewards = iss
	}

	env.svc, err = NewService(Config{
		SuccessURL:      "http://shop.test/purchase-success?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:       "http://shop.test/purchase-cancel",
		RewardThreshold: d("20000"),
	}, engine, coupon.NewRepoValidator(env.coupons), env.gateway, rewards, env.notifier)
	require.NoError(t, err)
	return env
}

func (env *serviceEnv) addCoupon(code, userID string, percent int, expiresAt time.Time) {
	env.coupons.rows = append(env.coupons.rows, coupon.Coupon{
		Code:            code,
		UserID:          userID,
		DiscountPercent: percent,
		Active:          true,
		ExpiresAt:       expiresAt,
	})
}

func cart(price string, qty int) []pricing.CartItem {
	return []pricing.CartItem{{ID: "p1", Name: "Waffle", Image: "https://img.test/p1.png", Price: d(price), Quantity: qty}}
}

func TestService_CreateCheckout_CouponBelowThreshold(t *testing.T) {
	env := newServiceEnv(t, nil)
	env.addCoupon("SAVE10", "u1", 10, time.Now().Add(time.Hour))

	res, err := env.svc.CreateCheckout(context.Background(), CreateCheckoutRequest{
		UserID:     "u1",
		Items:      cart("1000", 2),
		CouponCode: "SAVE10",
	})
	require.NoError(t, err)

	assert.True(t, res.DiscountApplied)
	assert.False(t, res.RewardIssued)
	assert.True(t, d("1800").Equal(res.SourceTotal), "source total %s", res.SourceTotal)
	assert.True(t, d("21.60").Equal(res.DisplayedTotal), "displayed total %s", res.DisplayedTotal)
	assert.Equal(t, "usd", res.Currency)
	assert.NotEmpty(t, res.SessionID)
	assert.NotEmpty(t, res.URL)

	p := env.gateway.lastParams
	require.Len(t, p.LineItems, 1)
	assert.Equal(t, int64(1200), p.LineItems[0].UnitAmount)
	assert.Equal(t, int64(2), p.LineItems[0].Quantity)
	assert.NotEmpty(t, p.DiscountRef)
	assert.Equal(t, "SAVE10", p.Metadata["coupon_code"])
	assert.Equal(t, "u1", p.Metadata["user_id"])
	assert.Contains(t, p.SuccessURL, "{CHECKOUT_SESSION_ID}")

	// The coupon is only consumed on reconciliation.
	active := env.coupons.activeFor("u1")
	require.Len(t, active, 1)
	assert.Equal(t, "SAVE10", active[0].Code)
	assert.Empty(t, env.notifier.rewards)
}

func TestService_CreateCheckout_NoCouponFullPrice(t *testing.T) {
	env := newServiceEnv(t, nil)

	res, err := env.svc.CreateCheckout(context.Background(), CreateCheckoutRequest{
		UserID: "u1",
		Items:  cart("1000", 2),
	})
	require.NoError(t, err)

	assert.False(t, res.DiscountApplied)
	assert.True(t, d("24").Equal(res.DisplayedTotal))
	assert.True(t, d("2000").Equal(res.SourceTotal))
	assert.Zero(t, env.gateway.discountCalls)
	assert.Empty(t, env.gateway.lastParams.DiscountRef)
	assert.Equal(t, "", env.gateway.lastParams.Metadata["coupon_code"])
}

func TestService_CreateCheckout_UnusableCouponDegrades(t *testing.T) {
	tests := []struct {
		name  string
		setup func(env *serviceEnv)
		code  string
	}{
		{name: "unknown code", code: "NOPE"},
		{
			name:  "expired",
			code:  "OLD10",
			setup: func(env *serviceEnv) { env.addCoupon("OLD10", "u1", 10, time.Now().Add(-time.Minute)) },
		},
		{
			name:  "owned by another user",
			code:  "THEIRS",
			setup: func(env *serviceEnv) { env.addCoupon("THEIRS", "u2", 10, time.Now().Add(time.Hour)) },
		},
		{
			name:  "zero percent",
			code:  "ZERO",
			setup: func(env *serviceEnv) { env.addCoupon("ZERO", "u1", 0, time.Now().Add(time.Hour)) },
		},
		{
			name: "already consumed",
			code: "USED",
			setup: func(env *serviceEnv) {
				env.addCoupon("USED", "u1", 10, time.Now().Add(time.Hour))
				env.coupons.rows[0].Active = false
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newServiceEnv(t, nil)
			if tt.setup != nil {
				tt.setup(env)
			}

			res, err := env.svc.CreateCheckout(context.Background(), CreateCheckoutRequest{
				UserID:     "u1",
				Items:      cart("1000", 2),
				CouponCode: tt.code,
			})
			require.NoError(t, err)
			assert.False(t, res.DiscountApplied)
			assert.True(t, d("24").Equal(res.DisplayedTotal))
			assert.Zero(t, env.gateway.discountCalls)
			assert.Equal(t, "", env.gateway.lastParams.Metadata["coupon_code"])
		})
	}
}

func TestService_CreateCheckout_RewardAboveThreshold(t *testing.T) {
	env := newServiceEnv(t, nil)
	env.addCoupon("PRIOR", "u1", 5, time.Now().Add(time.Hour))
	env.addCoupon("OTHER", "u2", 5, time.Now().Add(time.Hour))

	res, err := env.svc.CreateCheckout(context.Background(), CreateCheckoutRequest{
		UserID: "u1",
		Items:  cart("25000", 1),
	})
	require.NoError(t, err)
	assert.True(t, res.RewardIssued)
	assert.True(t, d("300").Equal(res.DisplayedTotal))

	all := env.coupons.forUser("u1")
	require.Len(t, all, 1, "prior coupon is replaced")
	c := all[0]
	assert.True(t, c.Active)
	assert.Equal(t, 10, c.DiscountPercent)
	assert.True(t, strings.HasPrefix(c.Code, "GIFT"))
	assert.WithinDuration(t, time.Now().Add(30*24*time.Hour), c.ExpiresAt, time.Minute)

	assert.Len(t, env.coupons.activeFor("u2"), 1, "other users untouched")
	assert.Equal(t, []string{c.Code}, env.notifier.rewards)
}

func TestService_CreateCheckout_RewardThreshold(t *testing.T) {
	tests := []struct {
		name       string
		price      string
		coupon     bool
		wantReward bool
	}{
		{name: "exactly threshold", price: "20000", wantReward: true},
		{name: "just below", price: "19999.99", wantReward: false},
		{name: "discount drops below", price: "21000", coupon: true, wantReward: false},
		{name: "discount stays above", price: "23000", coupon: true, wantReward: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newServiceEnv(t, nil)
			req := CreateCheckoutRequest{UserID: "u1", Items: cart(tt.price, 1)}
			if tt.coupon {
				env.addCoupon("SAVE10", "u1", 10, time.Now().Add(time.Hour))
				req.CouponCode = "SAVE10"
			}

			res, err := env.svc.CreateCheckout(context.Background(), req)
			require.NoError(t, err)
			assert.Equal(t, tt.wantReward, res.RewardIssued)
		})
	}
}

func TestService_CreateCheckout_RewardFailureIsNotFatal(t *testing.T) {
	issuer := &failingIssuer{}
	env := newServiceEnv(t, issuer)

	res, err := env.svc.CreateCheckout(context.Background(), CreateCheckoutRequest{
		UserID: "u1",
		Items:  cart("25000", 1),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, issuer.calls)
	assert.False(t, res.RewardIssued)
	assert.NotEmpty(t, res.SessionID)
}

func TestService_CreateCheckout_InvalidCart(t *testing.T) {
	tests := []struct {
		name  string
		items []pricing.CartItem
	}{
		{name: "empty", items: nil},
		{name: "zero quantity", items: cart("10", 0)},
		{name: "negative price", items: cart("-1", 1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newServiceEnv(t, nil)
			env.addCoupon("SAVE10", "u1", 10, time.Now().Add(time.Hour))

			_, err := env.svc.CreateCheckout(context.Background(), CreateCheckoutRequest{
				UserID:     "u1",
				Items:      tt.items,
				CouponCode: "SAVE10",
			})
			var cartErr *pricing.InvalidCartError
			require.ErrorAs(t, err, &cartErr)
			assert.Zero(t, env.gateway.discountCalls)
			assert.Zero(t, env.gateway.createCalls)
		})
	}
}

func TestService_CreateCheckout_GatewayFailures(t *testing.T) {
	t.Run("discount", func(t *testing.T) {
		env := newServiceEnv(t, nil)
		env.addCoupon("SAVE10", "u1", 10, time.Now().Add(time.Hour))
		env.gateway.discountErr = errors.New("connection reset")

		_, err := env.svc.CreateCheckout(context.Background(), CreateCheckoutRequest{
			UserID:     "u1",
			Items:      cart("25000", 1),
			CouponCode: "SAVE10",
		})
		var gwErr *GatewayUnavailableError
		require.ErrorAs(t, err, &gwErr)
		assert.Equal(t, "create discount", gwErr.Op)
		assert.Zero(t, env.gateway.createCalls, "no session without discount")
		assert.Equal(t, "SAVE10", env.coupons.activeFor("u1")[0].Code, "no reward issued")
	})
	t.Run("session", func(t *testing.T) {
		env := newServiceEnv(t, nil)
		env.gateway.createErr = errors.New("503 service unavailable")

		_, err := env.svc.CreateCheckout(context.Background(), CreateCheckoutRequest{
			UserID: "u1",
			Items:  cart("25000", 1),
		})
		var gwErr *GatewayUnavailableError
		require.ErrorAs(t, err, &gwErr)
		assert.Equal(t, "create session", gwErr.Op)
		assert.Empty(t, env.coupons.forUser("u1"), "no reward without a session")
	})
}

func TestService_CreateCheckout_RequiresUser(t *testing.T) {
	env := newServiceEnv(t, nil)

	_, err := env.svc.CreateCheckout(context.Background(), CreateCheckoutRequest{Items: cart("10", 1)})
	require.Error(t, err)
	assert.Zero(t, env.gateway.createCalls)
}
