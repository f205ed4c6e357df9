package app

import (
	"os"
	"strings"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Config holds the complete application configuration, loadable from
// environment variables (CHECKOUT_ prefix), flags, or YAML config files.
type Config struct {
	Addr        string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL string `usage:"PostgreSQL connection URL (CHECKOUT_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	MaxConns    int32  `default:"10" usage:"Maximum PostgreSQL pool connections" flag:"max-conns"`
	// ClientURL is the storefront origin used for redirect targets and CORS.
	ClientURL string `default:"http://localhost:5173" usage:"Storefront base URL" flag:"client-url"`
	// PublicURL is this server's externally reachable base URL. Sandbox
	// payment pages are served from it.
	PublicURL string `default:"http://localhost:8080" usage:"Public base URL of the API" flag:"public-url"`

	Checkout  CheckoutConfig
	Reward    RewardConfig
	Stripe    StripeConfig
	Kafka     KafkaConfig
	RateLimit RateLimitConfig
	CORS      CORSConfig
	Graceful  GracefulConfig
}

// CheckoutConfig controls pricing.
type CheckoutConfig struct {
	ExchangeRate    string `default:"0.012" usage:"Source to settlement currency rate" flag:"exchange-rate"`
	Currency        string `default:"usd" usage:"Settlement currency code"`
	RewardThreshold string `default:"20000" usage:"Post-discount source total that earns a reward coupon, 0 disables" flag:"reward-threshold"`
}

// RewardConfig shapes issued reward coupons.
type RewardConfig struct {
	Percent    int           `default:"10" usage:"Reward coupon discount percent"`
	TTL        time.Duration `default:"720h" usage:"Reward coupon lifetime"`
	CodePrefix string        `default:"GIFT" usage:"Reward coupon code prefix" flag:"reward-code-prefix"`
	CodeLength int           `default:"8" usage:"Random characters after the prefix" flag:"reward-code-length"`
}

// StripeConfig selects the Stripe gateway. Without a secret key the
// in-process sandbox gateway is used.
type StripeConfig struct {
	SecretKey     string        `usage:"Stripe secret API key" flag:"stripe-secret-key"`
	WebhookSecret string        `usage:"Stripe webhook signing secret" flag:"stripe-webhook-secret"`
	MaxRetries    int64         `default:"2" usage:"Stripe client network retries" flag:"stripe-max-retries"`
	Timeout       time.Duration `default:"10s" usage:"Stripe HTTP timeout" flag:"stripe-timeout"`
}

// KafkaConfig enables domain event publishing when Brokers is set.
type KafkaConfig struct {
	Brokers           []string      `usage:"Kafka seed brokers"`
	Topic             string        `default:"checkout.events" usage:"Domain event topic"`
	Partitions        int32         `default:"3" usage:"Partitions when creating the topic"`
	ReplicationFactor int16         `default:"1" usage:"Replication factor when creating the topic" flag:"kafka-replication-factor"`
	DeliveryTimeout   time.Duration `default:"10s" usage:"Give up on an unacknowledged event after this long"`
}

// RateLimitConfig controls the per-client sliding window rate limiter.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window, 0 disables"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// CORSConfig controls cross-origin access. Empty origins default to ClientURL.
type CORSConfig struct {
	Origins []string `usage:"Allowed CORS origins"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables, YAML config files,
// and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "CHECKOUT",
		Files:     []string{"config.yaml", "/etc/checkout/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return errors.New("database URL is required: set CHECKOUT_DATABASE_URL or DATABASE_URL")
	}
	rate, err := c.ExchangeRate()
	if err != nil {
		return err
	}
	if !rate.IsPositive() {
		return errors.Errorf("exchange rate must be positive, got %s", rate)
	}
	threshold, err := c.RewardThreshold()
	if err != nil {
		return err
	}
	if threshold.IsNegative() {
		return errors.Errorf("reward threshold must not be negative, got %s", threshold)
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.DeliveryTimeout <= 0 {
		return errors.Errorf("kafka delivery timeout must be positive, got %s", c.Kafka.DeliveryTimeout)
	}
	return nil
}

// ExchangeRate parses the configured rate.
func (c *Config) ExchangeRate() (decimal.Decimal, error) {
	rate, err := decimal.NewFromString(c.Checkout.ExchangeRate)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "parse exchange rate")
	}
	return rate, nil
}

// RewardThreshold parses the configured threshold.
func (c *Config) RewardThreshold() (decimal.Decimal, error) {
	v, err := decimal.NewFromString(c.Checkout.RewardThreshold)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "parse reward threshold")
	}
	return v, nil
}

// SuccessURL is the gateway redirect after payment. The gateway substitutes
// the session id placeholder.
func (c *Config) SuccessURL() string {
	return strings.TrimSuffix(c.ClientURL, "/") + "/purchase-success?session_id={CHECKOUT_SESSION_ID}"
}

// CancelURL is the gateway redirect after an abandoned payment.
func (c *Config) CancelURL() string {
	return strings.TrimSuffix(c.ClientURL, "/") + "/purchase-cancel"
}

// CORSOrigins returns the allowed origins.
func (c *Config) CORSOrigins() []string {
	if len(c.CORS.Origins) > 0 {
		return c.CORS.Origins
	}
	return []string{c.ClientURL}
}

// applyPlatformDefaults maps platform-provided environment variables (Railway,
// Render, etc.) that use standard names like DATABASE_URL and PORT to the
// application's CHECKOUT_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.DatabaseURL = v
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
	if c.Stripe.SecretKey == "" {
		c.Stripe.SecretKey = os.Getenv("STRIPE_SECRET_KEY")
	}
}
