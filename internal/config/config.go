package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates runtime configuration for the service.
type Config struct {
	App          AppConfig
	Postgres     PostgresConfig
	Redis        RedisConfig
	Logger       LoggerConfig
	Auth         AuthConfig
	Distribution DistributionConfig
	Reclaim      ReclaimConfig
	Gateway      GatewayConfig
	AMQP         AMQPConfig
}

// AppConfig controls server level behavior.
type AppConfig struct {
	Name                  string
	Env                   string
	Host                  string
	Port                  string
	Version               string
	RequestTimeoutSeconds int
}

// PostgresConfig holds DB connection values.
type PostgresConfig struct {
	DSN            string
	MaxConns       int32
	MinConns       int32
	RunMigrations  bool
	ConnMaxIdleSec int32
	ConnMaxLifeSec int32
}

// RedisConfig holds Redis connection values.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// LoggerConfig configures logging behavior.
type LoggerConfig struct {
	Level string
}

// AuthConfig defines console token parameters.
type AuthConfig struct {
	JWTSecret             string
	AccessTokenTTLMinutes int
}

// DistributionConfig controls queue routing defaults.
type DistributionConfig struct {
	DefaultQueueID string
}

// ReclaimConfig drives both reclaim scheduler variants.
type ReclaimConfig struct {
	IntervalSeconds    int
	TimeoutMinutes     int
	BotTimeoutMinutes  int
	BotFallbackQueueID string
	SettingsKey        string
	LockKey            string
	LockTTLSeconds     int
}

// GatewayConfig controls the websocket notification gateway.
type GatewayConfig struct {
	AllowedOrigins      []string
	HeartbeatSeconds    int
	SendBuffer          int
	MaxFrameBytes       int
	WriteTimeoutSeconds int
}

// AMQPConfig configures the broker relay. An empty URL disables it.
type AMQPConfig struct {
	URL                string
	Exchange           string
	InboundQueue       string
	InboundBindingKey  string
	Producer           string
	PublishBuffer      int
	Prefetch           int
	ConnTimeoutSeconds int
}

// Load reads configuration from environment variables, applying defaults where possible.
func Load() (*Config, error) {
	_ = godotenv.Load()

	redisDB, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	maxConns := int32(getEnvAsInt("POSTGRES_MAX_CONNS", 10))
	minConns := int32(getEnvAsInt("POSTGRES_MIN_CONNS", 2))
	runMigrations := getEnvAsBool("POSTGRES_RUN_MIGRATIONS", true)
	connMaxIdle := int32(getEnvAsInt("POSTGRES_CONN_MAX_IDLE_SECONDS", 30))
	connMaxLife := int32(getEnvAsInt("POSTGRES_CONN_MAX_LIFE_SECONDS", 300))

	cfg := &Config{
		App: AppConfig{
			Name:                  getEnv("APP_NAME", "conversation-engine"),
			Env:                   getEnv("APP_ENV", "development"),
			Host:                  getEnv("APP_HOST", "0.0.0.0"),
			Port:                  getEnv("APP_PORT", "8080"),
			Version:               getEnv("APP_VERSION", "dev"),
			RequestTimeoutSeconds: getEnvAsInt("HTTP_REQUEST_TIMEOUT_SECONDS", 30),
		},
		Postgres: PostgresConfig{
			DSN:            os.Getenv("POSTGRES_DSN"),
			MaxConns:       maxConns,
			MinConns:       minConns,
			RunMigrations:  runMigrations,
			ConnMaxIdleSec: connMaxIdle,
			ConnMaxLifeSec: connMaxLife,
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "127.0.0.1:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       redisDB,
		},
		Logger: LoggerConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Auth: AuthConfig{
			JWTSecret:             getEnv("AUTH_JWT_SECRET", "dev-secret"),
			AccessTokenTTLMinutes: getEnvAsInt("AUTH_ACCESS_TOKEN_TTL_MINUTES", 60),
		},
		Distribution: DistributionConfig{
			DefaultQueueID: getEnv("DISTRIBUTION_DEFAULT_QUEUE_ID", "default"),
		},
		Reclaim: ReclaimConfig{
			IntervalSeconds:    getEnvAsInt("RECLAIM_INTERVAL_SECONDS", 60),
			TimeoutMinutes:     getEnvAsInt("RECLAIM_TIMEOUT_MINUTES", 30),
			BotTimeoutMinutes:  getEnvAsInt("RECLAIM_BOT_TIMEOUT_MINUTES", 15),
			BotFallbackQueueID: getEnv("RECLAIM_BOT_FALLBACK_QUEUE_ID", "default"),
			SettingsKey:        getEnv("RECLAIM_SETTINGS_KEY", "conversation-engine:reclaim:timeouts"),
			LockKey:            getEnv("RECLAIM_LOCK_KEY", "conversation-engine:reclaim:lock"),
			LockTTLSeconds:     getEnvAsInt("RECLAIM_LOCK_TTL_SECONDS", 50),
		},
		Gateway: GatewayConfig{
			AllowedOrigins:      getEnvAsList("GATEWAY_ALLOWED_ORIGINS", nil),
			HeartbeatSeconds:    getEnvAsInt("GATEWAY_HEARTBEAT_SECONDS", 30),
			SendBuffer:          getEnvAsInt("GATEWAY_SEND_BUFFER", 64),
			MaxFrameBytes:       getEnvAsInt("GATEWAY_MAX_FRAME_BYTES", 64*1024),
			WriteTimeoutSeconds: getEnvAsInt("GATEWAY_WRITE_TIMEOUT_SECONDS", 10),
		},
		AMQP: AMQPConfig{
			URL:                os.Getenv("AMQP_URL"),
			Exchange:           getEnv("AMQP_EXCHANGE", "crm.conversations"),
			InboundQueue:       getEnv("AMQP_INBOUND_QUEUE", "conversation-engine.inbound"),
			InboundBindingKey:  getEnv("AMQP_INBOUND_BINDING_KEY", "inbound.message.v1"),
			Producer:           getEnv("AMQP_PRODUCER", "conversation-engine"),
			PublishBuffer:      getEnvAsInt("AMQP_PUBLISH_BUFFER", 1024),
			Prefetch:           getEnvAsInt("AMQP_PREFETCH", 16),
			ConnTimeoutSeconds: getEnvAsInt("AMQP_CONN_TIMEOUT_SECONDS", 30),
		},
	}

	return cfg, nil
}

// Addr returns the HTTP bind address.
func (a AppConfig) Addr() string {
	return fmt.Sprintf("%s:%s", a.Host, a.Port)
}

// RequestTimeout returns the configured request timeout duration.
func (a AppConfig) RequestTimeout() time.Duration {
	if a.RequestTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(a.RequestTimeoutSeconds) * time.Second
}

// Interval returns the scan period, defaulting to one minute.
func (r ReclaimConfig) Interval() time.Duration {
	if r.IntervalSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(r.IntervalSeconds) * time.Second
}

// HeartbeatInterval returns the ping period.
func (g GatewayConfig) HeartbeatInterval() time.Duration {
	if g.HeartbeatSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(g.HeartbeatSeconds) * time.Second
}

// WriteTimeout returns the per-frame write deadline.
func (g GatewayConfig) WriteTimeout() time.Duration {
	if g.WriteTimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(g.WriteTimeoutSeconds) * time.Second
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsBool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsList(key string, fallback []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
