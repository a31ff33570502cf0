// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Origins allowed to embed the cancel-flow widget; empty allows any
	CORSOrigins []string

	// Database (optional, uses in-memory stores if not set)
	DatabaseURL string

	// Cancel flow
	FlowConfigPath    string        // YAML file with options, plans, offer and copy
	EventWriteTimeout time.Duration // per best-effort event write
	EventQueueSize    int           // churn events buffered before dropping

	// Billing provider
	StripeSecretKey     string            // default key for every organization
	StripeOrgKeys       map[string]string // per-organization overrides
	BillingAPIEndpoint  string            // when set, billing goes through the flow-event HTTP contract
	ProviderTimeout     time.Duration
	ProviderMaxAttempts int

	// Event fan-out
	KafkaBrokers     []string
	KafkaEventsTopic string

	// Risk batch
	RiskEnabled     bool
	RiskInterval    time.Duration
	RiskWorkers     int
	RiskUnitTimeout time.Duration

	// Notifications
	NotifyWebhookURL    string
	NotifyWebhookSecret string

	// Operator API
	AdminAPIKey string // platform key accepted without a stored row

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "json"
	DefaultEventWriteTimeout   = 2 * time.Second
	DefaultEventQueueSize      = 1024
	DefaultProviderTimeout     = 3 * time.Second
	DefaultProviderMaxAttempts = 2
	DefaultKafkaEventsTopic    = "churn-events"
	DefaultRiskInterval        = 24 * time.Hour
	DefaultRiskWorkers         = 8
	DefaultRiskUnitTimeout     = 30 * time.Second

	maxProviderTimeout = 10 * time.Second
	maxProviderRetries = 3
)

// Load reads configuration from environment variables.
// It loads a .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		CORSOrigins:         splitList(os.Getenv("CORS_ORIGINS")),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		FlowConfigPath:      os.Getenv("FLOW_CONFIG"),
		EventWriteTimeout:   getEnvDuration("EVENT_WRITE_TIMEOUT", DefaultEventWriteTimeout),
		EventQueueSize:      int(getEnvInt64("EVENT_QUEUE_SIZE", DefaultEventQueueSize)),
		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeOrgKeys:       parseKeyList(os.Getenv("STRIPE_ORG_KEYS")),
		BillingAPIEndpoint:  os.Getenv("BILLING_API_ENDPOINT"),
		ProviderTimeout:     getEnvDuration("PROVIDER_TIMEOUT", DefaultProviderTimeout),
		ProviderMaxAttempts: int(getEnvInt64("PROVIDER_MAX_ATTEMPTS", DefaultProviderMaxAttempts)),
		KafkaBrokers:        splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaEventsTopic:    getEnv("KAFKA_EVENTS_TOPIC", DefaultKafkaEventsTopic),
		RiskEnabled:         getEnvBool("RISK_ENABLED", true),
		RiskInterval:        getEnvDuration("RISK_INTERVAL", DefaultRiskInterval),
		RiskWorkers:         int(getEnvInt64("RISK_WORKERS", DefaultRiskWorkers)),
		RiskUnitTimeout:     getEnvDuration("RISK_UNIT_TIMEOUT", DefaultRiskUnitTimeout),
		NotifyWebhookURL:    os.Getenv("NOTIFY_WEBHOOK_URL"),
		NotifyWebhookSecret: os.Getenv("NOTIFY_WEBHOOK_SECRET"),
		AdminAPIKey:         os.Getenv("ADMIN_API_KEY"),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that configuration values are usable
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if c.ProviderTimeout <= 0 || c.ProviderTimeout > maxProviderTimeout {
		return fmt.Errorf("PROVIDER_TIMEOUT must be between 0 and %s", maxProviderTimeout)
	}
	if c.ProviderMaxAttempts < 1 || c.ProviderMaxAttempts > maxProviderRetries {
		return fmt.Errorf("PROVIDER_MAX_ATTEMPTS must be between 1 and %d", maxProviderRetries)
	}
	if c.EventQueueSize < 0 {
		return fmt.Errorf("EVENT_QUEUE_SIZE must not be negative")
	}
	if c.RiskWorkers < 1 {
		return fmt.Errorf("RISK_WORKERS must be at least 1")
	}
	if c.RiskInterval <= 0 {
		return fmt.Errorf("RISK_INTERVAL must be positive")
	}
	if c.AdminAPIKey != "" && (!strings.HasPrefix(c.AdminAPIKey, "sk_") || len(c.AdminAPIKey) < 24) {
		return fmt.Errorf("ADMIN_API_KEY must start with sk_ and be at least 24 characters")
	}
	if c.IsProduction() && c.StripeSecretKey == "" && len(c.StripeOrgKeys) == 0 && c.BillingAPIEndpoint == "" {
		return fmt.Errorf("production requires STRIPE_SECRET_KEY, STRIPE_ORG_KEYS or BILLING_API_ENDPOINT")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// splitList parses "a,b, c" into ["a" "b" "c"].
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseKeyList parses "org_a=sk_1,org_b=sk_2". Malformed pairs are ignored.
func parseKeyList(s string) map[string]string {
	out := make(map[string]string)
	for _, pair := range splitList(s) {
		org, key, ok := strings.Cut(pair, "=")
		org, key = strings.TrimSpace(org), strings.TrimSpace(key)
		if !ok || org == "" || key == "" {
			continue
		}
		out[org] = key
	}
	return out
}
