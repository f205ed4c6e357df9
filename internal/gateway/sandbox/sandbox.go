// Package sandbox implements an in-process checkout.Gateway for local runs
// and tests. Sessions are paid by visiting their URL.
package sandbox

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/kart-checkout/internal/domain/checkout"
	"github.com/xenking/kart-checkout/internal/domain/pricing"
)

// ErrNotFound is returned for unknown sessions.
var ErrNotFound = checkout.ErrSessionNotFound

type discount struct {
	percent  int
	redeemed bool
}

type session struct {
	checkout.Session
	successURL string
	cancelURL  string
}

// Gateway is an in-memory payment gateway.
type Gateway struct {
	baseURL  string
	currency string

	mu        sync.Mutex
	sessions  map[string]*session
	discounts map[string]*discount
}

var _ checkout.Gateway = (*Gateway)(nil)

// New creates a sandbox gateway. Session URLs point at baseURL + "/sandbox/pay/{id}".
func New(baseURL, currency string) *Gateway {
	return &Gateway{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		currency:  currency,
		sessions:  make(map[string]*session),
		discounts: make(map[string]*discount),
	}
}

func (g *Gateway) CreateSession(_ context.Context, p checkout.SessionParams) (*checkout.Session, error) {
	if len(p.LineItems) == 0 {
		return nil, errors.New("line items are required")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	var total int64
	for _, li := range p.LineItems {
		total += li.UnitAmount * li.Quantity
	}
	if p.DiscountRef != "" {
		d, ok := g.discounts[p.DiscountRef]
		if !ok {
			return nil, errors.Errorf("unknown discount %q", p.DiscountRef)
		}
		if d.redeemed {
			return nil, errors.Errorf("discount %q already redeemed", p.DiscountRef)
		}
		d.redeemed = true
		total = pricing.Discount(decimal.NewFromInt(total), d.percent).IntPart()
	}

	id := "cs_sandbox_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	md := make(map[string]string, len(p.Metadata))
	for k, v := range p.Metadata {
		md[k] = v
	}
	s := &session{
		Session: checkout.Session{
			ID:            id,
			URL:           g.baseURL + "/sandbox/pay/" + id,
			PaymentStatus: checkout.PaymentUnpaid,
			Status:        checkout.SessionOpen,
			AmountTotal:   total,
			Currency:      g.currency,
			Metadata:      md,
		},
		successURL: p.SuccessURL,
		cancelURL:  p.CancelURL,
	}
	g.sessions[id] = s

	out := s.Session
	return &out, nil
}

func (g *Gateway) RetrieveSession(_ context.Context, id string) (*checkout.Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	s, ok := g.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := s.Session
	return &out, nil
}

func (g *Gateway) CreateOneTimeDiscount(_ context.Context, percentOff int) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ref := "co_sandbox_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	g.discounts[ref] = &discount{percent: percentOff}
	return ref, nil
}

// Pay marks an open session paid and returns the success redirect target.
func (g *Gateway) Pay(id string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	s, ok := g.sessions[id]
	if !ok {
		return "", ErrNotFound
	}
	if s.Status == checkout.SessionExpired {
		return "", errors.Errorf("session %s is expired", id)
	}
	s.PaymentStatus = checkout.PaymentPaid
	if s.AmountTotal == 0 {
		s.PaymentStatus = checkout.PaymentNoPaymentRequired
	}
	s.Status = checkout.SessionComplete
	return strings.ReplaceAll(s.successURL, "{CHECKOUT_SESSION_ID}", id), nil
}

// Expire abandons an open session and returns the cancel redirect target.
func (g *Gateway) Expire(id string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	s, ok := g.sessions[id]
	if !ok {
		return "", ErrNotFound
	}
	if s.Status == checkout.SessionComplete {
		return "", errors.Errorf("session %s is already paid", id)
	}
	s.Status = checkout.SessionExpired
	return s.cancelURL, nil
}

// Routes returns the hosted payment page handlers, mounted under /sandbox.
func (g *Gateway) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/pay/{sessionID}", g.redirect(g.Pay))
	r.Get("/cancel/{sessionID}", g.redirect(g.Expire))
	return r
}

func (g *Gateway) redirect(action func(id string) (string, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "sessionID")
		target, err := action(id)
		if err != nil {
			zctx.From(r.Context()).Warn("Sandbox payment action failed",
				zap.String("session_id", id),
				zap.Error(err),
			)
			status := http.StatusConflict
			if errors.Is(err, ErrNotFound) {
				status = http.StatusNotFound
			}
			http.Error(w, err.Error(), status)
			return
		}
		http.Redirect(w, r, target, http.StatusSeeOther)
	}
}
