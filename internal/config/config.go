package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int

	RedisAddr     string
	RedisPassword string

	MercadoPagoAccessToken   string
	MercadoPagoWebhookSecret string
	MercadoPagoBaseURL       string

	StripeSecretKey     string
	StripeWebhookSecret string

	ProviderTimeout time.Duration
	SweepInterval   time.Duration

	CheckoutSuccessURL string
	CheckoutCancelURL  string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "luna"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: strings.ToLower(strings.TrimSpace(getenv("ENVIRONMENT", "development"))),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),

		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "luna"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 3600),

		RedisAddr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisPassword: getenv("REDIS_PASSWORD", ""),

		MercadoPagoAccessToken:   strings.TrimSpace(getenv("MERCADOPAGO_ACCESS_TOKEN", "")),
		MercadoPagoWebhookSecret: strings.TrimSpace(getenv("MERCADOPAGO_WEBHOOK_SECRET", "")),
		MercadoPagoBaseURL:       strings.TrimSpace(getenv("MERCADOPAGO_BASE_URL", "https://api.mercadopago.com")),

		StripeSecretKey:     strings.TrimSpace(getenv("STRIPE_SECRET_KEY", "")),
		StripeWebhookSecret: strings.TrimSpace(getenv("STRIPE_WEBHOOK_SECRET", "")),

		ProviderTimeout: getenvDuration("PROVIDER_TIMEOUT", 8*time.Second),
		SweepInterval:   getenvDuration("SUBSCRIPTION_SWEEP_INTERVAL", time.Hour),

		CheckoutSuccessURL: getenv("CHECKOUT_SUCCESS_URL", "https://app.lunachat.io/payment/success"),
		CheckoutCancelURL:  getenv("CHECKOUT_CANCEL_URL", "https://app.lunachat.io/payment/failure"),
	}
}

// IsProduction gates the hard signature-rejection policy. Unverified
// webhooks are never processed when this returns true.
func (c Config) IsProduction() bool {
	return c.Environment == "production"
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}
