package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xenking/kart-checkout/internal/domain/checkout"
	"github.com/xenking/kart-checkout/internal/domain/coupon"
	"github.com/xenking/kart-checkout/internal/domain/pricing"
	"github.com/xenking/kart-checkout/internal/domain/reward"
	"github.com/xenking/kart-checkout/internal/events"
	"github.com/xenking/kart-checkout/internal/gateway/sandbox"
	"github.com/xenking/kart-checkout/internal/gateway/stripe"
	"github.com/xenking/kart-checkout/internal/handler"
	"github.com/xenking/kart-checkout/internal/repository"
	"github.com/xenking/kart-checkout/pkg/health"
	"github.com/xenking/kart-checkout/pkg/httpmiddleware"
)

const serviceName = "kart-checkout"

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown. It is the single wiring point for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))

	srv, err := newServer(ctx, lg, m.MeterProvider(), m.TracerProvider(), cfg)
	if err != nil {
		return err
	}
	defer srv.Close()

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler:           srv.Handler,
	}

	srv.health.Start(ctx, 10*time.Second)
	srv.health.SetReady(true)

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		srv.health.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		srv.health.Stop()
		close(shutdownDone)
	}()

	lg.Info("Server listening", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	return nil
}

// Server is the assembled application.
type Server struct {
	Handler http.Handler
	// Sandbox is set when payments run against the in-process gateway.
	Sandbox *sandbox.Gateway

	health  *health.Health
	closers []func()
}

// Close releases the database pool and event producer.
func (s *Server) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func newServer(
	ctx context.Context,
	lg *zap.Logger,
	mp metric.MeterProvider,
	tp trace.TracerProvider,
	cfg *Config,
) (_ *Server, rerr error) {
	srv := &Server{health: health.New()}
	defer func() {
		if rerr != nil {
			srv.Close()
		}
	}()

	// PostgreSQL pool + migrations.
	pool, err := repository.NewPool(ctx, cfg.DatabaseURL, cfg.MaxConns)
	if err != nil {
		return nil, errors.Wrap(err, "create db pool")
	}
	srv.closers = append(srv.closers, pool.Close)

	if err := repository.RunMigrations(ctx, pool); err != nil {
		return nil, errors.Wrap(err, "run migrations")
	}

	// Health checks.
	srv.health.AddReadinessCheck("postgres", 5*time.Second, health.PingCheck(pool))
	srv.health.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))

	// Domain events.
	notifier, closeNotifier, err := newNotifier(ctx, lg, cfg.Kafka)
	if err != nil {
		return nil, err
	}
	srv.closers = append(srv.closers, closeNotifier)

	// Payment gateway.
	gw, err := newGateway(lg, cfg)
	if err != nil {
		return nil, err
	}
	srv.Sandbox = gw.sandbox

	// Repositories.
	couponRepo := repository.NewCouponRepository(pool)
	orderRepo := repository.NewOrderRepository(pool)

	// Domain services.
	rate, err := cfg.ExchangeRate()
	if err != nil {
		return nil, err
	}
	threshold, err := cfg.RewardThreshold()
	if err != nil {
		return nil, err
	}
	engine, err := pricing.NewEngine(rate, cfg.Checkout.Currency)
	if err != nil {
		return nil, errors.Wrap(err, "create pricing engine")
	}
	issuer, err := reward.NewIssuer(couponRepo, reward.Config{
		Percent:    cfg.Reward.Percent,
		TTL:        cfg.Reward.TTL,
		CodePrefix: cfg.Reward.CodePrefix,
		CodeLength: cfg.Reward.CodeLength,
	}, reward.NewRandomSource(0, 0))
	if err != nil {
		return nil, errors.Wrap(err, "create reward issuer")
	}

	telemetry := []checkout.Option{
		checkout.WithMeterProvider(mp),
		checkout.WithTracerProvider(tp),
	}
	checkoutSvc, err := checkout.NewService(checkout.Config{
		SuccessURL:      cfg.SuccessURL(),
		CancelURL:       cfg.CancelURL(),
		RewardThreshold: threshold,
	}, engine, coupon.NewRepoValidator(couponRepo), gw.gateway, issuer, notifier, telemetry...)
	if err != nil {
		return nil, errors.Wrap(err, "create checkout service")
	}
	reconciler, err := checkout.NewReconciler(gw.gateway, couponRepo, orderRepo, notifier, telemetry...)
	if err != nil {
		return nil, errors.Wrap(err, "create reconciler")
	}

	// HTTP handlers.
	h := handler.New(checkoutSvc, reconciler, orderRepo, gw.webhooks)

	limiter := httpmiddleware.RateLimit(httpmiddleware.RateLimitConfig{})
	if cfg.RateLimit.Max > 0 && cfg.RateLimit.Window > 0 {
		l := httpmiddleware.NewLimiter(cfg.RateLimit.Max, cfg.RateLimit.Window)
		go l.RunSweeper(ctx)
		limiter = httpmiddleware.RateLimitWith(l, httpmiddleware.HeaderOrIP(handler.UserIDHeader))
	}

	// Router: health endpoints, API routes and the sandbox payment pages.
	r := chi.NewRouter()
	r.Get("/livez", srv.health.LiveEndpoint)
	r.Get("/readyz", srv.health.ReadyEndpoint)
	r.Mount("/api", limiter(h.Routes()))
	if gw.sandbox != nil {
		r.Mount("/sandbox", gw.sandbox.Routes())
	}

	srv.Handler = httpmiddleware.Wrap(r,
		httpmiddleware.Recovery(),
		httpmiddleware.CORS(httpmiddleware.CORSConfig{
			Origins:     cfg.CORSOrigins(),
			Headers:     []string{"Content-Type", handler.UserIDHeader, httpmiddleware.RequestIDHeader},
			Expose:      []string{httpmiddleware.RequestIDHeader, "Retry-After"},
			Credentials: true,
			MaxAge:      24 * time.Hour,
		}),
		httpmiddleware.RequestID(),
		httpmiddleware.InjectLogger(lg),
		httpmiddleware.Instrument(serviceName, mp, tp),
		httpmiddleware.LogRequests(),
	)
	return srv, nil
}

type gatewaySet struct {
	gateway  checkout.Gateway
	webhooks handler.WebhookParser
	// sandbox is set when no Stripe key is configured.
	sandbox *sandbox.Gateway
}

func newGateway(lg *zap.Logger, cfg *Config) (*gatewaySet, error) {
	if cfg.Stripe.SecretKey == "" {
		lg.Warn("Stripe secret key not set, using sandbox gateway",
			zap.String("pay_url", cfg.PublicURL+"/sandbox/pay/{session_id}"),
		)
		sb := sandbox.New(cfg.PublicURL, cfg.Checkout.Currency)
		return &gatewaySet{gateway: sb, sandbox: sb}, nil
	}

	sg, err := stripe.New(stripe.Config{
		SecretKey:     cfg.Stripe.SecretKey,
		WebhookSecret: cfg.Stripe.WebhookSecret,
		MaxRetries:    cfg.Stripe.MaxRetries,
		Timeout:       cfg.Stripe.Timeout,
	}, lg.Named("stripe"))
	if err != nil {
		return nil, errors.Wrap(err, "create stripe gateway")
	}
	set := &gatewaySet{gateway: sg}
	if cfg.Stripe.WebhookSecret != "" {
		set.webhooks = sg
	} else {
		lg.Info("Stripe webhook secret not set, webhook endpoint disabled")
	}
	return set, nil
}

func newNotifier(ctx context.Context, lg *zap.Logger, cfg KafkaConfig) (checkout.Notifier, func(), error) {
	if len(cfg.Brokers) == 0 {
		lg.Info("Kafka brokers not set, domain events disabled")
		return events.Nop{}, func() {}, nil
	}

	client, err := events.NewClient(cfg.Brokers, serviceName, cfg.DeliveryTimeout)
	if err != nil {
		return nil, nil, err
	}
	if err := events.EnsureTopic(ctx, client, cfg.Topic, cfg.Partitions, cfg.ReplicationFactor); err != nil {
		client.Close()
		return nil, nil, err
	}
	lg.Info("Publishing domain events",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("topic", cfg.Topic),
	)
	return events.NewKafkaPublisher(client, cfg.Topic), client.Close, nil
}
