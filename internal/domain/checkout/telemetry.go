package checkout

import (
	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/xenking/kart-checkout/internal/domain/checkout"

// Option configures a Service or Reconciler.
type Option func(*options)

type options struct {
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
}

// WithMeterProvider sets the meter provider used for checkout metrics.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) { o.meterProvider = mp }
}

// WithTracerProvider sets the tracer provider used for checkout spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracerProvider = tp }
}

func buildOptions(opts []Option) options {
	o := options{
		meterProvider:  otel.GetMeterProvider(),
		tracerProvider: otel.GetTracerProvider(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

type metrics struct {
	sessions        metric.Int64Counter
	rewards         metric.Int64Counter
	reconciliations metric.Int64Counter
}

func newMetrics(mp metric.MeterProvider) (*metrics, error) {
	meter := mp.Meter(instrumentationName)

	sessions, err := meter.Int64Counter("checkout.sessions",
		metric.WithDescription("Checkout session creation attempts by result"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "sessions counter")
	}
	rewards, err := meter.Int64Counter("checkout.rewards",
		metric.WithDescription("Reward coupon issuance attempts by result"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "rewards counter")
	}
	reconciliations, err := meter.Int64Counter("checkout.reconciliations",
		metric.WithDescription("Payment reconciliations by result"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "reconciliations counter")
	}

	return &metrics{
		sessions:        sessions,
		rewards:         rewards,
		reconciliations: reconciliations,
	}, nil
}
