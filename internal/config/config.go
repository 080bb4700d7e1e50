package config

import (
	"log"
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
	LogLevel    string

	OTLPEndpoint   string
	MetricsEnabled bool
	MetricsProto   string

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
	RedisDB       int

	Billing   BillingConfig
	Quota     QuotaConfig
	Retention RetentionConfig
}

// BillingConfig controls the compute-time ledger.
type BillingConfig struct {
	// GranularitySeconds is the billing increment; requested amounts are
	// rounded up to a multiple of it, never down.
	GranularitySeconds int64
	// BonusMonthlyCapSeconds caps daily-source draws per calendar month
	// for newly materialized balances.
	BonusMonthlyCapSeconds int64
	// PricingCatalogVersion stamps new balances for audit.
	PricingCatalogVersion string
}

// QuotaConfig controls the discrete per-period counters.
type QuotaConfig struct {
	// Limits maps metric name to the plan's base allowance per calendar
	// month, e.g. "generations=100,deployments=20".
	Limits map[string]int64
	// RateLimitPerMinute is the per-identifier request ceiling.
	RateLimitPerMinute int64
	// CollisionWindow is how far apart two timestamps may be before a
	// replayed idempotency key counts as a collision.
	CollisionWindow time.Duration
}

// RetentionConfig bounds how long transient records are kept.
type RetentionConfig struct {
	IdempotencyWindow time.Duration
	RateLimitWindow   time.Duration
	AuditWindow       time.Duration
	// SafetyFloor is never pruned regardless of the windows above.
	SafetyFloor time.Duration
	Schedule    string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "meterd"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),
		LogLevel:    getenv("LOG_LEVEL", "info"),

		OTLPEndpoint:   getenv("OTLP_ENDPOINT", "localhost:4317"),
		MetricsEnabled: getenvBool("METRICS_ENABLED", false),
		MetricsProto:   strings.ToLower(getenv("METRICS_PROTOCOL", "grpc")),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "meterd"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 1800),

		RedisAddr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisPassword: getenv("REDIS_PASSWORD", ""),
		RedisDB:       getenvInt("REDIS_DB", 0),

		Billing: BillingConfig{
			GranularitySeconds:     getenvInt64("BILLING_GRANULARITY_SECONDS", 10),
			BonusMonthlyCapSeconds: getenvInt64("BONUS_MONTHLY_CAP_SECONDS", 18000),
			PricingCatalogVersion:  getenv("PRICING_CATALOG_VERSION", "v1"),
		},
		Quota: QuotaConfig{
			Limits:             parseLimits(getenv("QUOTA_PLAN_LIMITS", "generations=100")),
			RateLimitPerMinute: getenvInt64("QUOTA_RATE_LIMIT_PER_MINUTE", 20),
			CollisionWindow:    getenvDuration("QUOTA_COLLISION_WINDOW", 48*time.Hour),
		},
		Retention: RetentionConfig{
			IdempotencyWindow: getenvDuration("RETENTION_IDEMPOTENCY", 180*24*time.Hour),
			RateLimitWindow:   getenvDuration("RETENTION_RATE_LIMIT", time.Hour),
			AuditWindow:       getenvDuration("RETENTION_AUDIT", 7*365*24*time.Hour),
			SafetyFloor:       getenvDuration("RETENTION_SAFETY_FLOOR", 7*24*time.Hour),
			Schedule:          getenv("RETENTION_SCHEDULE", "@hourly"),
		},
	}
}

func parseLimits(raw string) map[string]int64 {
	limits := make(map[string]int64)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, value, ok := strings.Cut(pair, "=")
		if !ok {
			log.Printf("config: skipping malformed quota limit %q", pair)
			continue
		}
		parsed, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil || parsed < 0 {
			log.Printf("config: skipping malformed quota limit %q", pair)
			continue
		}
		limits[strings.TrimSpace(name)] = parsed
	}
	return limits
}

func getenv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getenvBool(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvInt64(key string, fallback int64) int64 {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}
