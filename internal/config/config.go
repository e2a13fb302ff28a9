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

	HTTPAddr string
	Currency string
	NodeID   int64

	LogLevel  string
	LogFormat string

	OtelEnabled       bool
	OTLPEndpoint      string
	OTLPProtocol      string
	OtelSamplingRatio float64

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime time.Duration
	DBConnMaxIdleTime time.Duration
	DBTracing         bool
	DBMetrics         bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	UsageRateLimitEnabled bool
	UsageIngestRate       float64
	UsageIngestBurst      int
	UsageIngestLockTTL    time.Duration
	UsageLiveBacklog      int
	UsageLiveBuffer       int

	SchedulerEnabled  bool
	SchedulerInterval time.Duration

	RunMigrations bool
	SeedCatalog   bool
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:               getenv("APP_SERVICE", "walletledger"),
		AppVersion:            getenv("APP_VERSION", "0.1.0"),
		Environment:           getenv("ENVIRONMENT", "development"),
		HTTPAddr:              getenv("HTTP_ADDR", ":8080"),
		Currency:              strings.ToUpper(getenv("LEDGER_CURRENCY", "IDR")),
		NodeID:                int64(getenvInt("SNOWFLAKE_NODE_ID", 1)),
		LogLevel:              strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogFormat:             strings.ToLower(getenv("LOG_FORMAT", "json")),
		OTLPEndpoint:          getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTLPProtocol:          strings.ToLower(getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc")),
		OtelSamplingRatio:     getenvFloat("OTEL_SAMPLING_RATIO", 0.1),
		DBType:                getenv("DATABASE_TYPE", "postgres"),
		DBHost:                getenv("DATABASE_HOST", "localhost"),
		DBPort:                getenv("DATABASE_PORT", "5432"),
		DBName:                getenv("DATABASE_NAME", "walletledger"),
		DBUser:                getenv("DATABASE_USER", "postgres"),
		DBPassword:            getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:             getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:         getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:         getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime:     getenvDuration("DATABASE_CONN_MAX_LIFETIME", 30*time.Minute),
		DBConnMaxIdleTime:     getenvDuration("DATABASE_CONN_MAX_IDLE_TIME", 5*time.Minute),
		DBTracing:             getenvBool("DATABASE_TRACING", false),
		DBMetrics:             getenvBool("DATABASE_METRICS", true),
		RedisAddr:             strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisPassword:         getenv("REDIS_PASSWORD", ""),
		RedisDB:               getenvInt("REDIS_DB", 0),
		UsageRateLimitEnabled: getenvBool("USAGE_RATE_LIMIT_ENABLED", false),
		UsageIngestRate:       getenvFloat("USAGE_INGEST_RATE", 50),
		UsageIngestBurst:      getenvInt("USAGE_INGEST_BURST", 100),
		UsageIngestLockTTL:    getenvDuration("USAGE_INGEST_LOCK_TTL", 5*time.Second),
		UsageLiveBacklog:      getenvInt("USAGE_LIVE_BACKLOG", 50),
		UsageLiveBuffer:       getenvInt("USAGE_LIVE_BUFFER", 16),
		SchedulerEnabled:      getenvBool("SCHEDULER_ENABLED", true),
		SchedulerInterval:     getenvDuration("SCHEDULER_INTERVAL", time.Hour),
		RunMigrations:         getenvBool("RUN_MIGRATIONS", true),
		SeedCatalog:           getenvBool("SEED_CATALOG", true),
	}

	cfg.OtelEnabled = getenvBool("OTEL_ENABLED", cfg.IsProduction())

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
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

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
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
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}
