package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPPort string

	MongoURI     string
	MongoDB      string
	RedisAddr    string
	SessionStore string // mongo | memory
	ChatStore    string // redis | memory
	Relay        string // redis | memory

	SessionCacheTTL time.Duration // zero disables the Redis session cache

	OutboxDriver        string // sqlite | postgres
	OutboxDSN           string
	OutboxNotifyChannel string
	OutboxPollInterval  time.Duration
	ReconcileInterval   time.Duration
	BillingWebhookURL   string
	RecordsWebhookURL   string

	JWTSecret string
	TokenTTL  time.Duration
	DevTokens bool

	NegotiationTimeout time.Duration
	ChatTTL            time.Duration

	FeeCurrency string
	FeeVideo    int64
	FeeAudio    int64
	FeeChat     int64

	AllowedOrigins []string

	LogFile      string
	LogLevel     string
	Telemetry    bool
	TelemetryDir string
}

func Load() *Config {
	return &Config{
		HTTPPort: getEnv("PORT", "8080"),

		MongoURI:     getEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDB:      getEnv("MONGO_DB", "teleconsult"),
		RedisAddr:    strings.TrimPrefix(getEnv("REDIS_ADDR", "localhost:6379"), "redis://"),
		SessionStore: getEnv("SESSION_STORE", "mongo"),
		ChatStore:    getEnv("CHAT_STORE", "redis"),
		Relay:        getEnv("RELAY", "redis"),

		SessionCacheTTL: getEnvDuration("SESSION_CACHE_TTL", 0),

		OutboxDriver:        getEnv("OUTBOX_DRIVER", "sqlite"),
		OutboxDSN:           getEnv("OUTBOX_DSN", "file:outbox.sqlite?_pragma=journal_mode(WAL)"),
		OutboxNotifyChannel: getEnv("OUTBOX_NOTIFY_CHANNEL", "finalize_events"),
		OutboxPollInterval:  getEnvDuration("OUTBOX_POLL_INTERVAL", 30*time.Second),
		ReconcileInterval:   getEnvDuration("FINALIZE_RECONCILE_INTERVAL", time.Minute),
		BillingWebhookURL:   os.Getenv("BILLING_WEBHOOK_URL"),
		RecordsWebhookURL:   os.Getenv("RECORDS_WEBHOOK_URL"),

		JWTSecret: getEnv("JWT_SECRET", "super-secret-key-change-in-production"),
		TokenTTL:  getEnvDuration("TOKEN_TTL", 12*time.Hour),
		DevTokens: getEnvBool("DEV_TOKENS", false),

		NegotiationTimeout: getEnvDuration("NEGOTIATION_TIMEOUT", 30*time.Second),
		ChatTTL:            getEnvDuration("CHAT_TTL", 0),

		FeeCurrency: getEnv("FEE_CURRENCY", "USD"),
		FeeVideo:    getEnvInt("FEE_VIDEO", 5000),
		FeeAudio:    getEnvInt("FEE_AUDIO", 4000),
		FeeChat:     getEnvInt("FEE_CHAT", 2500),

		AllowedOrigins: getEnvList("ALLOWED_ORIGINS", []string{"*"}),

		LogFile:      os.Getenv("LOG_FILE"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		Telemetry:    getEnvBool("TELEMETRY", false),
		TelemetryDir: getEnv("TELEMETRY_DIR", "log"),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int64) int64 {
	if val, err := strconv.ParseInt(os.Getenv(key), 10, 64); err == nil {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return val
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return val
	}
	return defaultVal
}

func getEnvList(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var out []string
	for _, item := range strings.Split(val, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
