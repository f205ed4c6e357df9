package checkout

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/domain/coupon"
	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/domain/pricing"
)

// fakeGateway computes session totals the way a real gateway would: the sum
// of unit amounts, reduced by the referenced percentage discount.
type fakeGateway struct {
	mu        sync.Mutex
	seq       int
	sessions  map[string]*Session
	discounts map[string]int

	createErr   error
	discountErr error
	retrieveErr error

	createCalls   int
	discountCalls int
	retrieveCalls int
	lastParams    SessionParams
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		sessions:  make(map[string]*Session),
		discounts: make(map[string]int),
	}
}

func (g *fakeGateway) CreateSession(_ context.Context, p SessionParams) (*Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.createCalls++
	g.lastParams = p
	if g.createErr != nil {
		return nil, g.createErr
	}

	var total int64
	for _, li := range p.LineItems {
		total += li.UnitAmount * li.Quantity
	}
	if p.DiscountRef != "" {
		pct, ok := g.discounts[p.DiscountRef]
		if !ok {
			return nil, errors.Errorf("unknown discount %q", p.DiscountRef)
		}
		total = pricing.Discount(decimal.NewFromInt(total), pct).IntPart()
	}

	g.seq++
	s := &Session{
		ID:            fmt.Sprintf("cs_test_%d", g.seq),
		URL:           fmt.Sprintf("https://pay.example.com/cs_test_%d", g.seq),
		PaymentStatus: PaymentUnpaid,
		Status:        SessionOpen,
		AmountTotal:   total,
		Currency:      "usd",
		Metadata:      p.Metadata,
	}
	g.sessions[s.ID] = s
	out := *s
	return &out, nil
}

func (g *fakeGateway) RetrieveSession(_ context.Context, id string) (*Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.retrieveCalls++
	if g.retrieveErr != nil {
		return nil, g.retrieveErr
	}
	s, ok := g.sessions[id]
	if !ok {
		return nil, errors.Wrapf(ErrSessionNotFound, "no such session %q", id)
	}
	out := *s
	return &out, nil
}

func (g *fakeGateway) CreateOneTimeDiscount(_ context.Context, percentOff int) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.discountCalls++
	if g.discountErr != nil {
		return "", g.discountErr
	}
	ref := fmt.Sprintf("disc_%d", len(g.discounts)+1)
	g.discounts[ref] = percentOff
	return ref, nil
}

func (g *fakeGateway) markPaid(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	s := g.sessions[id]
	s.PaymentStatus = PaymentPaid
	if s.AmountTotal == 0 {
		s.PaymentStatus = PaymentNoPaymentRequired
	}
	s.Status = SessionComplete
}

func (g *fakeGateway) put(s *Session) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.sessions[s.ID] = s
}

// couponDB is an in-memory coupon.Repository and coupon.Store.
type couponDB struct {
	mu   sync.Mutex
	rows []coupon.Coupon

	deactivateCalls int
}

func (db *couponDB) FindActive(_ context.Context, code, userID string) (*coupon.Coupon, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	for _, c := range db.rows {
		if c.Code == code && c.UserID == userID && c.Active {
			out := c
			return &out, nil
		}
	}
	return nil, coupon.ErrNotFound
}

func (db *couponDB) Deactivate(_ context.Context, code, userID string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	db.deactivateCalls++
	for i := range db.rows {
		if db.rows[i].Code == code && db.rows[i].UserID == userID {
			db.rows[i].Active = false
		}
	}
	return nil
}

type couponTx struct {
	rows []coupon.Coupon
}

func (tx *couponTx) LockUser(context.Context, string) error { return nil }

func (tx *couponTx) DeleteForUser(_ context.Context, userID string) error {
	kept := tx.rows[:0]
	for _, c := range tx.rows {
		if c.UserID != userID {
			kept = append(kept, c)
		}
	}
	tx.rows = kept
	return nil
}

func (tx *couponTx) Insert(_ context.Context, c *coupon.Coupon) error {
	tx.rows = append(tx.rows, *c)
	return nil
}

func (db *couponDB) ExecTx(_ context.Context, fn func(coupon.Querier) error) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx := &couponTx{rows: append([]coupon.Coupon(nil), db.rows...)}
	if err := fn(tx); err != nil {
		return err
	}
	db.rows = tx.rows
	return nil
}

func (db *couponDB) forUser(userID string) []coupon.Coupon {
	db.mu.Lock()
	defer db.mu.Unlock()

	var out []coupon.Coupon
	for _, c := range db.rows {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	return out
}

func (db *couponDB) activeFor(userID string) []coupon.Coupon {
	var out []coupon.Coupon
	for _, c := range db.forUser(userID) {
		if c.Active {
			out = append(out, c)
		}
	}
	return out
}

// memOrders is an in-memory order.Repository keyed by session id.
type memOrders struct {
	mu        sync.Mutex
	bySession map[string]order.Order
	// findMisses makes the next N FindBySession calls report ErrNotFound to
	// simulate a concurrent writer in another process.
	findMisses int
	inserts    int
}

func newMemOrders() *memOrders {
	return &memOrders{bySession: make(map[string]order.Order)}
}

func (r *memOrders) InsertIfAbsent(_ context.Context, o *order.Order) (*order.Order, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.bySession[o.SessionID]; ok {
		return &existing, false, nil
	}
	r.inserts++
	r.bySession[o.SessionID] = *o
	out := *o
	return &out, true, nil
}

func (r *memOrders) FindBySession(_ context.Context, sessionID string) (*order.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.findMisses > 0 {
		r.findMisses--
		return nil, order.ErrNotFound
	}
	o, ok := r.bySession[sessionID]
	if !ok {
		return nil, order.ErrNotFound
	}
	return &o, nil
}

func (r *memOrders) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bySession)
}

type recordingNotifier struct {
	mu      sync.Mutex
	orders  []string
	rewards []string
}

func (n *recordingNotifier) OrderReconciled(_ context.Context, o *order.Order) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.orders = append(n.orders, o.ID)
	return nil
}

func (n *recordingNotifier) RewardIssued(_ context.Context, c *coupon.Coupon) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.rewards = append(n.rewards, c.Code)
	return nil
}

// stalledNotifier never delivers; it waits for its context to end.
type stalledNotifier struct {
	calls atomic.Int32
}

func (n *stalledNotifier) OrderReconciled(ctx context.Context, _ *order.Order) error {
	n.calls.Add(1)
	<-ctx.Done()
	return ctx.Err()
}

func (n *stalledNotifier) RewardIssued(ctx context.Context, _ *coupon.Coupon) error {
	<-ctx.Done()
	return ctx.Err()
}

type failingIssuer struct {
	calls int
}

func (f *failingIssuer) Issue(context.Context, string) (*coupon.Coupon, error) {
	f.calls++
	return nil, errors.New("database is down")
}
