package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	_ "github.com/joho/godotenv/autoload"
)

type Config struct {
	Env  string
	Port string

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSchema   string

	RedisURL string

	Currency string

	MpesaBaseURL        string
	MpesaConsumerKey    string
	MpesaConsumerSecret string
	MpesaShortcode      string
	MpesaPasskey        string
	MpesaCallbackURL    string

	StripeSecretKey  string
	StripeWebhookKey string
	FrontendURL      string

	// Secrets Manager entry holding provider credentials; optional.
	ProviderSecretID string
	// SNS topic for payment outcome events; empty disables publishing.
	PaymentTopicARN string

	PollInterval     time.Duration
	PollMaxInterval  time.Duration
	PollMaxElapsed   time.Duration
	ReconcileEvery   time.Duration
	ReconcileAfter   time.Duration
	AbandonAfter     time.Duration
	IdempotencyTTL   time.Duration
	CheckoutRatePerM int
	AllowedOrigins   string
}

func Load() (*Config, error) {
	cfg := &Config{
		Env:  getEnv("APP_ENV", "development"),
		Port: getEnv("PORT", "8080"),

		DBHost:     os.Getenv("BLUEPRINT_DB_HOST"),
		DBPort:     getEnv("BLUEPRINT_DB_PORT", "5432"),
		DBUser:     os.Getenv("BLUEPRINT_DB_USERNAME"),
		DBPassword: os.Getenv("BLUEPRINT_DB_PASSWORD"),
		DBName:     os.Getenv("BLUEPRINT_DB_DATABASE"),
		DBSchema:   getEnv("BLUEPRINT_DB_SCHEMA", "public"),

		RedisURL: os.Getenv("REDIS_URL"),
		Currency: getEnv("CURRENCY", "kes"),

		MpesaBaseURL:        getEnv("MPESA_BASE_URL", "https://sandbox.safaricom.co.ke"),
		MpesaConsumerKey:    os.Getenv("MPESA_CONSUMER_KEY"),
		MpesaConsumerSecret: os.Getenv("MPESA_CONSUMER_SECRET"),
		MpesaShortcode:      os.Getenv("MPESA_SHORTCODE"),
		MpesaPasskey:        os.Getenv("MPESA_PASSKEY"),
		MpesaCallbackURL:    os.Getenv("MPESA_CALLBACK_URL"),

		StripeSecretKey:  os.Getenv("STRIPE_API_KEY"),
		StripeWebhookKey: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		FrontendURL:      getEnv("FRONTEND_URL", "http://localhost:3000"),

		ProviderSecretID: os.Getenv("PROVIDER_SECRET_ID"),
		PaymentTopicARN:  os.Getenv("PAYMENT_SNS_TOPIC_ARN"),

		AllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),
	}

	var err error
	durations := []struct {
		key  string
		def  time.Duration
		dest *time.Duration
	}{
		{"POLL_INTERVAL", 5 * time.Second, &cfg.PollInterval},
		{"POLL_MAX_INTERVAL", 30 * time.Second, &cfg.PollMaxInterval},
		{"POLL_MAX_ELAPSED", 3 * time.Minute, &cfg.PollMaxElapsed},
		{"RECONCILE_EVERY", time.Minute, &cfg.ReconcileEvery},
		{"RECONCILE_AFTER", 2 * time.Minute, &cfg.ReconcileAfter},
		{"ABANDON_AFTER", 30 * time.Minute, &cfg.AbandonAfter},
		{"IDEMPOTENCY_TTL", 10 * time.Minute, &cfg.IdempotencyTTL},
	}
	for _, d := range durations {
		if *d.dest, err = getDuration(d.key, d.def); err != nil {
			return nil, err
		}
	}
	if cfg.CheckoutRatePerM, err = getInt("CHECKOUT_RATE_PER_MINUTE", 30); err != nil {
		return nil, err
	}

	if cfg.DBUser == "" || cfg.DBPassword == "" || cfg.DBName == "" || cfg.DBHost == "" {
		return nil, fmt.Errorf("missing required database environment variables")
	}
	return cfg, nil
}

// DSN builds the pgx connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=disable&search_path=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSchema,
	)
}

func (c *Config) MpesaEnabled() bool {
	return c.MpesaConsumerKey != "" && c.MpesaConsumerSecret != "" && c.MpesaShortcode != "" && c.MpesaPasskey != ""
}

func (c *Config) StripeEnabled() bool {
	return c.StripeSecretKey != ""
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func getInt(key string, fallback int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
