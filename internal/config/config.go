// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all process configuration values
type Config struct {
	Port        string // HTTP port of cmd/server
	MetricsPort string // metrics port of cmd/worker

	DBDriver    string // "postgres" | "sqlite"
	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	QueueDriver string // "redis" | "memory"
	QueueName   string

	AMQPURL         string
	Transport       string // "smtp" | "amqp" | "log"
	RelayQueue      string
	DeadLetterQueue string

	SMTPTimeout     time.Duration
	SMTPPreviewBase string

	Throttle Throttle
	Retry    Retry

	PollInterval    time.Duration
	ReclaimSchedule string

	LogLevel  string
	LogPretty bool

	ThrottleFile string
}

// Throttle groups the settings that can be changed while the worker runs.
type Throttle struct {
	MinDelayBetweenSends time.Duration `yaml:"min_delay_between_sends"`
	MaxPerHourPerSender  int           `yaml:"max_per_hour_per_sender"`
	WorkerConcurrency    int           `yaml:"worker_concurrency"`
}

// Retry is the delay queue's bounded retry policy.
type Retry struct {
	MaxAttempts      int
	BackoffInitial   time.Duration
	BackoffMax       time.Duration
	MaxPostponements int
	LeaseTimeout     time.Duration
}

// Load reads .env (when present) and the process environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Port:            getEnv("PORT", "4000"),
		MetricsPort:     getEnv("METRICS_PORT", "9100"),
		DBDriver:        getEnv("DB_DRIVER", "postgres"),
		DatabaseURL:     getEnv("DATABASE_URL", ""),
		RedisAddr:       getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:   getEnv("REDIS_PASSWORD", ""),
		QueueDriver:     getEnv("QUEUE_DRIVER", "redis"),
		QueueName:       getEnv("QUEUE_NAME", "email-queue"),
		AMQPURL:         getEnv("AMQP_URL", ""),
		Transport:       getEnv("TRANSPORT", "smtp"),
		RelayQueue:      getEnv("RELAY_QUEUE", "outbound_emails"),
		DeadLetterQueue: getEnv("DEAD_LETTER_QUEUE", "email_dead_letters"),
		SMTPPreviewBase: getEnv("SMTP_PREVIEW_BASE", ""),
		ReclaimSchedule: getEnv("RECLAIM_SCHEDULE", "@every 30s"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		ThrottleFile:    getEnv("THROTTLE_FILE", ""),
	}

	var err error
	if cfg.RedisDB, err = getInt("REDIS_DB", 0); err != nil {
		return cfg, err
	}
	if cfg.LogPretty, err = getBool("LOG_PRETTY", false); err != nil {
		return cfg, err
	}
	if cfg.PollInterval, err = getDuration("POLL_INTERVAL", 250*time.Millisecond); err != nil {
		return cfg, err
	}
	if cfg.SMTPTimeout, err = getDuration("SMTP_TIMEOUT", 30*time.Second); err != nil {
		return cfg, err
	}

	minDelayMs, err := getInt("MIN_DELAY_BETWEEN_EMAILS_MS", 2000)
	if err != nil {
		return cfg, err
	}
	cfg.Throttle.MinDelayBetweenSends = time.Duration(minDelayMs) * time.Millisecond
	if cfg.Throttle.MaxPerHourPerSender, err = getInt("MAX_EMAILS_PER_HOUR_PER_SENDER", 200); err != nil {
		return cfg, err
	}
	if cfg.Throttle.WorkerConcurrency, err = getInt("WORKER_CONCURRENCY", 5); err != nil {
		return cfg, err
	}

	if cfg.Retry.MaxAttempts, err = getInt("RETRY_MAX_ATTEMPTS", 5); err != nil {
		return cfg, err
	}
	backoffMs, err := getInt("RETRY_BACKOFF_MS", 2000)
	if err != nil {
		return cfg, err
	}
	cfg.Retry.BackoffInitial = time.Duration(backoffMs) * time.Millisecond
	backoffMaxMs, err := getInt("RETRY_BACKOFF_MAX_MS", 10*60*1000)
	if err != nil {
		return cfg, err
	}
	cfg.Retry.BackoffMax = time.Duration(backoffMaxMs) * time.Millisecond
	if cfg.Retry.MaxPostponements, err = getInt("MAX_POSTPONEMENTS", 72); err != nil {
		return cfg, err
	}
	if cfg.Retry.LeaseTimeout, err = getDuration("LEASE_TIMEOUT", 5*time.Minute); err != nil {
		return cfg, err
	}

	if cfg.ThrottleFile != "" {
		t, err := LoadThrottleFile(cfg.ThrottleFile, cfg.Throttle)
		if err != nil {
			return cfg, err
		}
		cfg.Throttle = t
	}

	return cfg, cfg.Validate()
}

// Validate fails fast on settings the processes cannot run with.
func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("missing required env: DATABASE_URL")
	}
	switch c.DBDriver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("DB_DRIVER: unsupported driver %q", c.DBDriver)
	}
	switch c.QueueDriver {
	case "redis", "memory":
	default:
		return fmt.Errorf("QUEUE_DRIVER: unsupported driver %q", c.QueueDriver)
	}
	switch c.Transport {
	case "smtp", "amqp", "log":
	default:
		return fmt.Errorf("TRANSPORT: unsupported transport %q", c.Transport)
	}
	if c.Transport == "amqp" && c.AMQPURL == "" {
		return fmt.Errorf("TRANSPORT=amqp requires AMQP_URL")
	}
	if err := c.Throttle.Validate(); err != nil {
		return err
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be >= 1")
	}
	if c.Retry.MaxPostponements < 1 {
		return fmt.Errorf("MAX_POSTPONEMENTS must be >= 1")
	}
	return nil
}

func (t Throttle) Validate() error {
	if t.MinDelayBetweenSends < 0 {
		return fmt.Errorf("min delay between sends must be >= 0")
	}
	if t.MaxPerHourPerSender < 1 {
		return fmt.Errorf("max emails per hour per sender must be >= 1")
	}
	if t.WorkerConcurrency < 1 {
		return fmt.Errorf("worker concurrency must be >= 1")
	}
	return nil
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) (int, error) {
	v := getEnv(key, "")
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, v, err)
	}
	return n, nil
}

func getBool(key string, def bool) (bool, error) {
	v := getEnv(key, "")
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: invalid bool %q: %w", key, v, err)
	}
	return b, nil
}

func getDuration(key string, def time.Duration) (time.Duration, error) {
	v := getEnv(key, "")
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, v, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", key)
	}
	return d, nil
}
