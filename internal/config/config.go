// Package config provides configuration loading and validation for the credit
// ledger service. It uses koanf to read an optional YAML file and lets
// environment variables override every key.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds all configuration values for the service.
type Config struct {
	// Server settings
	Port        int    `koanf:"port"`
	MetricsPort int    `koanf:"metrics_port"` // 0 serves /metrics on Port
	Env         string `koanf:"env"`
	LogLevel    string `koanf:"log_level"` // empty picks a default from Env

	// Storage
	DatabaseURL string `koanf:"database_url"`
	RedisURL    string `koanf:"redis_url"` // optional; in-memory stores when empty

	// JWT Authentication
	JWTSecretCurrent  string `koanf:"jwt_secret_current"`
	JWTSecretPrevious string `koanf:"jwt_secret_previous"`
	// Optional claim checks for identity provider tokens (e.g. aud=authenticated).
	JWTAudience string `koanf:"jwt_audience"`
	JWTIssuer   string `koanf:"jwt_issuer"`

	// Stripe
	StripeAPIKey        string `koanf:"stripe_api_key"`
	StripeWebhookSecret string `koanf:"stripe_webhook_secret"`

	// Checkout
	AllowedReturnOrigins    []string `koanf:"allowed_return_origins"`
	CORSAllowedOrigins      []string `koanf:"cors_allowed_origins"`
	ServiceCreditPriceCents int64    `koanf:"service_credit_price_cents"`
	Currency                string   `koanf:"currency"`

	// Rate limiting, requests per window
	RateLimitGlobal   int           `koanf:"rate_limit_global"`
	RateLimitCheckout int           `koanf:"rate_limit_checkout"`
	RateLimitWindow   time.Duration `koanf:"rate_limit_window"`
	// TrustProxyHeaders keys the IP limiter on X-Forwarded-For / X-Real-IP.
	// Enable only behind a proxy that overwrites them.
	TrustProxyHeaders bool          `koanf:"trust_proxy_headers"`

	// Background jobs
	ReplayInterval    time.Duration `koanf:"replay_interval"` // 0 disables the periodic replay
	ReplayMaxAttempts int           `koanf:"replay_max_attempts"`
	IdempotencyTTL    time.Duration `koanf:"idempotency_ttl"`

	// Tracing
	TracingEnabled    bool    `koanf:"tracing_enabled"`
	TracingExporter   string  `koanf:"tracing_exporter"`
	TracingEndpoint   string  `koanf:"tracing_endpoint"`
	TracingSampleRate float64 `koanf:"tracing_sample_rate"`
	TracingInsecure   bool    `koanf:"tracing_insecure"`
}

// Configuration validation errors.
var (
	ErrMissingDatabaseURL          = errors.New("DATABASE_URL is required")
	ErrMissingJWTSecret            = errors.New("JWT_SECRET is required")
	ErrMissingStripeAPIKey         = errors.New("STRIPE_API_KEY is required")
	ErrMissingStripeWebhookSecret  = errors.New("STRIPE_WEBHOOK_SECRET is required")
	ErrMissingAllowedReturnOrigins = errors.New("ALLOWED_RETURN_ORIGINS is required in production")
	ErrInvalidPort                 = errors.New("PORT must be a valid integer")
	ErrInvalidValue                = errors.New("invalid configuration value")
)

// Default values for non-secret configuration.
const (
	DefaultPort                    = 8080
	DefaultEnv                     = "development"
	DefaultServiceCreditPriceCents = 400
	DefaultCurrency                = "usd"
	DefaultRateLimitGlobal         = 100
	DefaultRateLimitCheckout       = 10
	DefaultRateLimitWindow         = time.Minute
	DefaultReplayInterval          = 5 * time.Minute
	DefaultReplayMaxAttempts       = 5
	DefaultIdempotencyTTL          = 24 * time.Hour
	DefaultTracingExporter         = "otlp-http"
	DefaultTracingSampleRate       = 0.1
)

// LoadDotEnv loads variables from a .env file into the process environment
// without overriding variables that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// Load reads configuration from an optional YAML file and the environment.
// Environment variables take precedence over file values.
// Returns the loaded config and a slice of errors (empty if valid).
func Load(configFilePath string) (*Config, []error) {
	k := koanf.New(".")

	if configFilePath != "" {
		if err := k.Load(file.Provider(configFilePath), yaml.Parser()); err != nil {
			return nil, []error{fmt.Errorf("failed to load config file %s: %w", configFilePath, err)}
		}
	}

	l := &loader{k: k}
	cfg := &Config{
		Port:        l.int("PORT", "port", DefaultPort),
		MetricsPort: l.int("METRICS_PORT", "metrics_port", 0),
		Env:         l.string("ENV", "env", DefaultEnv),
		LogLevel:    l.string("LOG_LEVEL", "log_level", ""),

		DatabaseURL: l.string("DATABASE_URL", "database_url", ""),
		RedisURL:    l.string("REDIS_URL", "redis_url", ""),

		// JWT_SECRET is the single-key form of JWT_SECRET_CURRENT.
		JWTSecretCurrent:  l.string("JWT_SECRET_CURRENT", "jwt_secret_current", l.string("JWT_SECRET", "jwt_secret", "")),
		JWTSecretPrevious: l.string("JWT_SECRET_PREVIOUS", "jwt_secret_previous", ""),
		JWTAudience:       l.string("JWT_AUDIENCE", "jwt_audience", ""),
		JWTIssuer:         l.string("JWT_ISSUER", "jwt_issuer", ""),

		StripeAPIKey:        l.string("STRIPE_API_KEY", "stripe_api_key", ""),
		StripeWebhookSecret: l.string("STRIPE_WEBHOOK_SECRET", "stripe_webhook_secret", ""),

		AllowedReturnOrigins:    l.list("ALLOWED_RETURN_ORIGINS", "allowed_return_origins"),
		CORSAllowedOrigins:      l.list("CORS_ALLOWED_ORIGINS", "cors_allowed_origins"),
		ServiceCreditPriceCents: int64(l.int("SERVICE_CREDIT_PRICE_CENTS", "service_credit_price_cents", DefaultServiceCreditPriceCents)),
		Currency:                strings.ToLower(l.string("CURRENCY", "currency", DefaultCurrency)),

		RateLimitGlobal:   l.int("RATE_LIMIT_GLOBAL", "rate_limit_global", DefaultRateLimitGlobal),
		RateLimitCheckout: l.int("RATE_LIMIT_CHECKOUT", "rate_limit_checkout", DefaultRateLimitCheckout),
		RateLimitWindow:   l.duration("RATE_LIMIT_WINDOW", "rate_limit_window", DefaultRateLimitWindow),
		TrustProxyHeaders: l.bool("TRUST_PROXY_HEADERS", "trust_proxy_headers", false),

		ReplayInterval:    l.duration("REPLAY_INTERVAL", "replay_interval", DefaultReplayInterval),
		ReplayMaxAttempts: l.int("REPLAY_MAX_ATTEMPTS", "replay_max_attempts", DefaultReplayMaxAttempts),
		IdempotencyTTL:    l.duration("IDEMPOTENCY_TTL", "idempotency_ttl", DefaultIdempotencyTTL),

		TracingEnabled:    l.bool("TRACING_ENABLED", "tracing_enabled", false),
		TracingExporter:   l.string("TRACING_EXPORTER", "tracing_exporter", DefaultTracingExporter),
		TracingEndpoint:   l.string("TRACING_ENDPOINT", "tracing_endpoint", ""),
		TracingSampleRate: l.float("TRACING_SAMPLE_RATE", "tracing_sample_rate", DefaultTracingSampleRate),
		TracingInsecure:   l.bool("TRACING_INSECURE", "tracing_insecure", false),
	}

	return cfg, append(l.errs, cfg.Validate()...)
}

// loader resolves one key at a time: environment first, then the file, then the default.
// Parse failures are collected rather than aborting the load.
type loader struct {
	k    *koanf.Koanf
	errs []error
}

func (l *loader) raw(envKey, koanfKey string) (string, bool) {
	if val := strings.TrimSpace(os.Getenv(envKey)); val != "" {
		return val, true
	}
	if l.k.Exists(koanfKey) {
		return strings.TrimSpace(l.k.String(koanfKey)), true
	}
	return "", false
}

func (l *loader) string(envKey, koanfKey, def string) string {
	if val, ok := l.raw(envKey, koanfKey); ok && val != "" {
		return val
	}
	return def
}

func (l *loader) int(envKey, koanfKey string, def int) int {
	val, ok := l.raw(envKey, koanfKey)
	if !ok || val == "" {
		return def
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		if envKey == "PORT" || envKey == "METRICS_PORT" {
			l.errs = append(l.errs, fmt.Errorf("%s must be a valid integer: %w", envKey, ErrInvalidPort))
		} else {
			l.errs = append(l.errs, fmt.Errorf("%w: %s must be an integer, got %q", ErrInvalidValue, envKey, val))
		}
		return def
	}
	return i
}

func (l *loader) float(envKey, koanfKey string, def float64) float64 {
	val, ok := l.raw(envKey, koanfKey)
	if !ok || val == "" {
		return def
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("%w: %s must be a number, got %q", ErrInvalidValue, envKey, val))
		return def
	}
	return f
}

func (l *loader) bool(envKey, koanfKey string, def bool) bool {
	val, ok := l.raw(envKey, koanfKey)
	if !ok || val == "" {
		return def
	}
	switch strings.ToLower(val) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	}
	l.errs = append(l.errs, fmt.Errorf("%w: %s must be a boolean, got %q", ErrInvalidValue, envKey, val))
	return def
}

func (l *loader) duration(envKey, koanfKey string, def time.Duration) time.Duration {
	val, ok := l.raw(envKey, koanfKey)
	if !ok || val == "" {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("%w: %s must be a duration, got %q", ErrInvalidValue, envKey, val))
		return def
	}
	return d
}

// list reads a comma-separated environment variable or a YAML list.
func (l *loader) list(envKey, koanfKey string) []string {
	var items []string
	if val := os.Getenv(envKey); strings.TrimSpace(val) != "" {
		items = strings.Split(val, ",")
	} else {
		items = l.k.Strings(koanfKey)
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// IsProduction reports whether the service runs in production.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that all required configuration values are present and in range.
func (c *Config) Validate() []error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, ErrMissingDatabaseURL)
	}
	if c.JWTSecretCurrent == "" {
		errs = append(errs, ErrMissingJWTSecret)
	}
	if c.StripeAPIKey == "" {
		errs = append(errs, ErrMissingStripeAPIKey)
	}
	if c.StripeWebhookSecret == "" {
		errs = append(errs, ErrMissingStripeWebhookSecret)
	}
	if c.IsProduction() && len(c.AllowedReturnOrigins) == 0 {
		errs = append(errs, ErrMissingAllowedReturnOrigins)
	}

	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("%w: PORT %d out of range", ErrInvalidValue, c.Port))
	}
	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		errs = append(errs, fmt.Errorf("%w: METRICS_PORT %d out of range", ErrInvalidValue, c.MetricsPort))
	}
	if c.ServiceCreditPriceCents <= 0 {
		errs = append(errs, fmt.Errorf("%w: SERVICE_CREDIT_PRICE_CENTS must be positive", ErrInvalidValue))
	}
	if len(c.Currency) != 3 {
		errs = append(errs, fmt.Errorf("%w: CURRENCY must be a 3-letter ISO code, got %q", ErrInvalidValue, c.Currency))
	}
	if c.RateLimitGlobal <= 0 || c.RateLimitCheckout <= 0 || c.RateLimitWindow <= 0 {
		errs = append(errs, fmt.Errorf("%w: rate limits and window must be positive", ErrInvalidValue))
	}
	if c.ReplayInterval < 0 || c.ReplayMaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("%w: REPLAY_INTERVAL must not be negative and REPLAY_MAX_ATTEMPTS must be positive", ErrInvalidValue))
	}
	if c.TracingSampleRate < 0 || c.TracingSampleRate > 1 {
		errs = append(errs, fmt.Errorf("%w: TRACING_SAMPLE_RATE must be between 0 and 1", ErrInvalidValue))
	}

	return errs
}

// LogSummary returns a summary of the configuration suitable for logging.
// All secrets are masked to prevent accidental exposure.
func (c *Config) LogSummary() map[string]string {
	return map[string]string{
		"port":                       strconv.Itoa(c.Port),
		"metrics_port":               strconv.Itoa(c.MetricsPort),
		"env":                        c.Env,
		"log_level":                  c.LogLevel,
		"database_url":               maskDatabaseURL(c.DatabaseURL),
		"redis_url":                  maskDatabaseURL(c.RedisURL),
		"jwt_secret_current":         maskSecret(c.JWTSecretCurrent),
		"jwt_secret_previous":        maskSecret(c.JWTSecretPrevious),
		"jwt_audience":               c.JWTAudience,
		"jwt_issuer":                 c.JWTIssuer,
		"stripe_api_key":             maskStripeKey(c.StripeAPIKey),
		"stripe_webhook_secret":      maskSecret(c.StripeWebhookSecret),
		"allowed_return_origins":     strings.Join(c.AllowedReturnOrigins, ","),
		"cors_allowed_origins":       strings.Join(c.CORSAllowedOrigins, ","),
		"service_credit_price_cents": strconv.FormatInt(c.ServiceCreditPriceCents, 10),
		"currency":                   c.Currency,
		"rate_limit_global":          strconv.Itoa(c.RateLimitGlobal),
		"rate_limit_checkout":        strconv.Itoa(c.RateLimitCheckout),
		"rate_limit_window":          c.RateLimitWindow.String(),
		"trust_proxy_headers":        strconv.FormatBool(c.TrustProxyHeaders),
		"replay_interval":            c.ReplayInterval.String(),
		"replay_max_attempts":        strconv.Itoa(c.ReplayMaxAttempts),
		"idempotency_ttl":            c.IdempotencyTTL.String(),
		"tracing_enabled":            strconv.FormatBool(c.TracingEnabled),
		"tracing_exporter":           c.TracingExporter,
		"tracing_endpoint":           c.TracingEndpoint,
	}
}

// maskSecret masks a secret value, showing only the first 4 characters followed by ****
// If the secret is shorter than 8 characters, it's fully masked.
func maskSecret(s string) string {
	if s == "" {
		return "<not set>"
	}
	if len(s) < 8 {
		return "****"
	}
	return s[:4] + "****"
}

// maskStripeKey masks a Stripe API key, preserving the prefix (sk_live_, sk_test_, etc.)
func maskStripeKey(s string) string {
	if s == "" {
		return "<not set>"
	}
	parts := strings.SplitN(s, "_", 3)
	if len(parts) == 3 {
		return parts[0] + "_" + parts[1] + "_****"
	}
	return maskSecret(s)
}

// maskDatabaseURL masks the password in a connection URL (postgres://, redis://).
func maskDatabaseURL(s string) string {
	if s == "" {
		return "<not set>"
	}
	schemeEnd := strings.Index(s, "://")
	if schemeEnd == -1 {
		return maskSecret(s)
	}

	rest := s[schemeEnd+3:]
	atIndex := strings.LastIndex(rest, "@")
	if atIndex == -1 {
		return s
	}
	colonIndex := strings.Index(rest[:atIndex], ":")
	if colonIndex == -1 {
		return s
	}
	return s[:schemeEnd+3] + rest[:colonIndex] + ":****" + rest[atIndex:]
}
