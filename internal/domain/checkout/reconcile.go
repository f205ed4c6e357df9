package checkout

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/xenking/kart-checkout/internal/domain/coupon"
	"github.com/xenking/kart-checkout/internal/domain/order"
)

const (
	defaultFlightTimeout  = 30 * time.Second
	defaultPublishTimeout = 5 * time.Second
)

// ReconcileResult is the outcome of a reconciliation.
type ReconcileResult struct {
	Order *order.Order
	// Created reports whether the order was persisted by this reconciliation
	// run. Callers collapsed into the same run share its result.
	Created bool
}

// Reconciler turns confirmed gateway payments into orders exactly once per
// session id.
type Reconciler struct {
	gateway  Gateway
	coupons  coupon.Repository
	orders   order.Repository
	notifier Notifier

	group          singleflight.Group
	flightTimeout  time.Duration
	publishTimeout time.Duration

	newID  func() string
	now    func() time.Time
	tracer trace.Tracer

	metrics *metrics
}

// NewReconciler creates a Reconciler.
func NewReconciler(
	gateway Gateway,
	coupons coupon.Repository,
	orders order.Repository,
	notifier Notifier,
	opts ...Option,
) (*Reconciler, error) {
	o := buildOptions(opts)
	m, err := newMetrics(o.meterProvider)
	if err != nil {
		return nil, errors.Wrap(err, "reconciler metrics")
	}
	return &Reconciler{
		gateway:  gateway,
		coupons:  coupons,
		orders:   orders,
		notifier: notifier,

		flightTimeout:  defaultFlightTimeout,
		publishTimeout: defaultPublishTimeout,

		newID:   uuid.NewString,
		now:     time.Now,
		tracer:  o.tracerProvider.Tracer(instrumentationName),
		metrics: m,
	}, nil
}

// Reconcile records the order for a paid session. Repeated and concurrent
// calls for the same session return the same order. It is meant for trusted
// callers such as verified gateway webhooks; see ReconcileFor.
func (r *Reconciler) Reconcile(ctx context.Context, sessionID string) (*ReconcileResult, error) {
	return r.do(ctx, sessionID, "")
}

// ReconcileFor is Reconcile on behalf of userID. Sessions and orders of other
// users are reported as order.ErrNotFound before anything is changed.
func (r *Reconciler) ReconcileFor(ctx context.Context, sessionID, userID string) (*ReconcileResult, error) {
	if userID == "" {
		return nil, errors.New("user id is required")
	}
	return r.do(ctx, sessionID, userID)
}

// flight is the shared outcome of one collapsed reconciliation. The order
// event is published once, by whichever caller claims it first.
type flight struct {
	result  *ReconcileResult
	publish atomic.Bool
}

func (r *Reconciler) do(ctx context.Context, sessionID, userID string) (*ReconcileResult, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}

	key := sessionID
	if userID != "" {
		key += "\x00" + userID
	}
	ch := r.group.DoChan(key, func() (any, error) {
		// Detached from the first caller, bounded by flightTimeout.
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.flightTimeout)
		defer cancel()

		res, err := r.reconcile(fctx, sessionID, userID)
		if err != nil {
			return nil, err
		}
		f := &flight{result: res}
		f.publish.Store(res.Created)
		return f, nil
	})

	var f *flight
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		f = res.Val.(*flight)
	}

	if f.publish.CompareAndSwap(true, false) {
		r.publishReconciled(ctx, f.result.Order)
	}
	return f.result, nil
}

// publishReconciled emits the order event on the caller's context, bounded by
// publishTimeout. Failures are logged only.
func (r *Reconciler) publishReconciled(ctx context.Context, o *order.Order) {
	ctx, cancel := context.WithTimeout(ctx, r.publishTimeout)
	defer cancel()

	if err := r.notifier.OrderReconciled(ctx, o); err != nil {
		zctx.From(ctx).Warn("Publish order event",
			zap.String("session_id", o.SessionID),
			zap.String("order_id", o.ID),
			zap.Error(err),
		)
	}
}

func (r *Reconciler) reconcile(ctx context.Context, sessionID, userID string) (_ *ReconcileResult, rerr error) {
	ctx, span := r.tracer.Start(ctx, "checkout.Reconcile",
		trace.WithAttributes(attribute.String("checkout.session_id", sessionID)),
	)
	result := "error"
	defer func() {
		if rerr != nil {
			span.RecordError(rerr)
			span.SetStatus(codes.Error, rerr.Error())
		}
		r.metrics.reconciliations.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
		span.End()
	}()

	lg := zctx.From(ctx).With(zap.String("session_id", sessionID))

	existing, err := r.orders.FindBySession(ctx, sessionID)
	switch {
	case err == nil:
		if userID != "" && existing.UserID != userID {
			result = "foreign"
			return nil, order.ErrNotFound
		}
		result = "duplicate"
		return &ReconcileResult{Order: existing}, nil
	case !errors.Is(err, order.ErrNotFound):
		return nil, errors.Wrap(err, "find order")
	}

	sess, err := r.retrieve(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			result = "unknown"
		}
		return nil, err
	}
	if !sess.Settled() {
		result = "unpaid"
		return nil, &SessionNotPaidError{SessionID: sessionID, Status: sess.PaymentStatus}
	}

	meta, err := DecodeMetadata(sessionID, sess.Metadata)
	if err != nil {
		lg.Error("Session metadata is corrupted", zap.Error(err))
		return nil, err
	}
	if userID != "" && meta.UserID != userID {
		result = "foreign"
		lg.Warn("Confirmation for another user's session", zap.String("user_id", userID))
		return nil, order.ErrNotFound
	}

	if meta.CouponCode != "" {
		if err := r.coupons.Deactivate(ctx, meta.CouponCode, meta.UserID); err != nil {
			return nil, errors.Wrap(err, "deactivate coupon")
		}
	}

	o := &order.Order{
		ID:         r.newID(),
		UserID:     meta.UserID,
		SessionID:  sessionID,
		CouponCode: meta.CouponCode,
		Items:      make([]order.Item, len(meta.Items)),
		Total:      decimal.New(sess.AmountTotal, -2),
		Currency:   sess.Currency,
		CreatedAt:  r.now().UTC(),
	}
	for i, it := range meta.Items {
		o.Items[i] = order.Item{
			ProductID: it.ProductID,
			Quantity:  it.Quantity,
			Price:     it.Price,
		}
	}

	stored, created, err := r.orders.InsertIfAbsent(ctx, o)
	if err != nil {
		return nil, errors.Wrap(err, "insert order")
	}
	if !created {
		result = "duplicate"
		lg.Info("Session already reconciled", zap.String("order_id", stored.ID))
		return &ReconcileResult{Order: stored}, nil
	}

	result = "ok"
	lg.Info("Order created",
		zap.String("order_id", stored.ID),
		zap.String("user_id", stored.UserID),
		zap.Stringer("total", stored.Total),
	)
	return &ReconcileResult{Order: stored, Created: true}, nil
}

// retrieve fetches the session, keeping unknown sessions apart from gateway
// faults.
func (r *Reconciler) retrieve(ctx context.Context, sessionID string) (*Session, error) {
	sess, err := r.gateway.RetrieveSession(ctx, sessionID)
	switch {
	case err == nil:
		return sess, nil
	case errors.Is(err, ErrSessionNotFound):
		return nil, errors.Wrapf(err, "retrieve session %s", sessionID)
	default:
		return nil, &GatewayUnavailableError{Op: "retrieve session", Err: err}
	}
}

// Status reports the lifecycle state of a checkout attempt along with its
// order once reconciled.
func (r *Reconciler) Status(ctx context.Context, sessionID string) (SessionState, *order.Order, error) {
	o, err := r.orders.FindBySession(ctx, sessionID)
	switch {
	case err == nil:
		return StateReconciled, o, nil
	case !errors.Is(err, order.ErrNotFound):
		return "", nil, errors.Wrap(err, "find order")
	}

	sess, err := r.retrieve(ctx, sessionID)
	if err != nil {
		return "", nil, err
	}
	return State(sess, false), nil, nil
}
