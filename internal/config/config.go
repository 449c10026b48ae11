package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server    ServerConfig
	Log       LogConfig
	Redis     RedisConfig
	NATS      NATSConfig
	Database  DatabaseConfig
	Gateway   GatewayConfig
	Dispatch  DispatchConfig
	RateLimit RateLimitConfig
	Deferral  DeferralConfig
}

type ServerConfig struct {
	Address string
}

type LogConfig struct {
	Level  string
	Format string
}

type RedisConfig struct {
	Address  string
	Password string
	DB       int
}

// NATSConfig selects the broker. An empty URL runs the in-memory broker.
type NATSConfig struct {
	URL          string
	Stream       string
	Destinations Destinations
}

type Destinations struct {
	Single     string
	Batch      string
	Template   string
	DeadLetter string
}

// DatabaseConfig holds the audit store DSN. Empty means audit goes to the log.
type DatabaseConfig struct {
	PostgresURL string
}

type GatewayConfig struct {
	URL        string
	Timeout    time.Duration
	ContentMax int
}

type DispatchConfig struct {
	BatchSize       int
	InterBatchDelay time.Duration
	MaxRetryCount   int
	BackoffBase     time.Duration
	BackoffCap      time.Duration
	SourceSystem    string
}

type RateLimitConfig struct {
	Max    int
	Window time.Duration
}

type DeferralConfig struct {
	PollInterval time.Duration
}

func LoadAll() (*Config, error) {
	var errs []error

	intVal := func(key string, def int) int {
		v, err := getEnvInt(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	required := func(key string) string {
		v, err := requireEnv(key)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}

	cfg := &Config{
		Server: ServerConfig{
			Address: getEnv("SERVER_ADDRESS", ":8080"),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Redis: RedisConfig{
			Address:  required("REDIS_ADDR"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       intVal("REDIS_DB", 0),
		},
		NATS: NATSConfig{
			URL:    os.Getenv("NATS_URL"),
			Stream: getEnv("NATS_STREAM", "NOTIFY"),
			Destinations: Destinations{
				Single:     getEnv("DEST_SINGLE", "notify.sms.single"),
				Batch:      getEnv("DEST_BATCH", "notify.sms.batch"),
				Template:   getEnv("DEST_TEMPLATE", "notify.sms.template"),
				DeadLetter: getEnv("DEST_DEAD_LETTER", "notify.sms.dlq"),
			},
		},
		Database: DatabaseConfig{
			PostgresURL: os.Getenv("POSTGRES_URL"),
		},
		Gateway: GatewayConfig{
			URL:        required("GATEWAY_URL"),
			Timeout:    time.Duration(intVal("GATEWAY_TIMEOUT_SECONDS", 10)) * time.Second,
			ContentMax: intVal("CONTENT_MAX", 160),
		},
		Dispatch: DispatchConfig{
			BatchSize:       intVal("DISPATCH_BATCH_SIZE", 50),
			InterBatchDelay: time.Duration(intVal("DISPATCH_INTER_BATCH_DELAY_MS", 1000)) * time.Millisecond,
			MaxRetryCount:   intVal("DISPATCH_MAX_RETRY_COUNT", 3),
			BackoffBase:     time.Duration(intVal("DISPATCH_BACKOFF_BASE_SECONDS", 10)) * time.Second,
			BackoffCap:      time.Duration(intVal("DISPATCH_BACKOFF_CAP_SECONDS", 300)) * time.Second,
			SourceSystem:    getEnv("SOURCE_SYSTEM", "records-admin"),
		},
		RateLimit: RateLimitConfig{
			Max:    intVal("RATE_LIMIT_MAX", 10),
			Window: time.Duration(intVal("RATE_LIMIT_WINDOW_SECONDS", 60)) * time.Second,
		},
		Deferral: DeferralConfig{
			PollInterval: time.Duration(intVal("DEFERRAL_POLL_INTERVAL_MS", 1000)) * time.Millisecond,
		},
	}

	if err := joinErrors(errs); err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validate(cfg *Config) error {
	var errs []error
	positive := func(ok bool, key string) {
		if !ok {
			errs = append(errs, fmt.Errorf("%s must be > 0", key))
		}
	}

	positive(cfg.Gateway.ContentMax > 0, "CONTENT_MAX")
	positive(cfg.Gateway.Timeout > 0, "GATEWAY_TIMEOUT_SECONDS")
	positive(cfg.Dispatch.BatchSize > 0, "DISPATCH_BATCH_SIZE")
	positive(cfg.Dispatch.BackoffBase > 0, "DISPATCH_BACKOFF_BASE_SECONDS")
	positive(cfg.Dispatch.BackoffCap > 0, "DISPATCH_BACKOFF_CAP_SECONDS")
	positive(cfg.RateLimit.Max > 0, "RATE_LIMIT_MAX")
	positive(cfg.RateLimit.Window > 0, "RATE_LIMIT_WINDOW_SECONDS")
	positive(cfg.Deferral.PollInterval > 0, "DEFERRAL_POLL_INTERVAL_MS")

	if cfg.Dispatch.InterBatchDelay < 0 {
		errs = append(errs, errors.New("DISPATCH_INTER_BATCH_DELAY_MS must be >= 0"))
	}
	if cfg.Dispatch.MaxRetryCount < 0 {
		errs = append(errs, errors.New("DISPATCH_MAX_RETRY_COUNT must be >= 0"))
	}
	if cfg.Dispatch.BackoffCap < cfg.Dispatch.BackoffBase {
		errs = append(errs, errors.New("DISPATCH_BACKOFF_CAP_SECONDS must be >= DISPATCH_BACKOFF_BASE_SECONDS"))
	}

	return joinErrors(errs)
}

func requireEnv(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("missing required env var: %s", key)
	}
	return val, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("invalid int for env %s: %q", key, v)
	}
	return i, nil
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}
