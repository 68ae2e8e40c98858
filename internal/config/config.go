// Package config loads relay settings from the environment, an optional .env
// file and command-line flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/adhocore/gronx"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"

	QueueLocal = "local"
	QueueAsynq = "asynq"
)

// Config holds every relay setting.
type Config struct {
	HTTPAddr    string   `env:"RELAY_HTTP_ADDR" envDefault:":3100"`
	CORSOrigins []string `env:"RELAY_CORS_ORIGINS" envSeparator:","`

	LogLevel  string `env:"RELAY_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"RELAY_LOG_FORMAT" envDefault:"json"`

	StoreDriver  string        `env:"RELAY_STORE_DRIVER" envDefault:"sqlite"`
	SQLitePath   string        `env:"RELAY_SQLITE_PATH" envDefault:"relay.db"`
	PostgresURL  string        `env:"RELAY_POSTGRES_URL"`
	StoreTimeout time.Duration `env:"RELAY_STORE_TIMEOUT" envDefault:"5s"`

	Retention     time.Duration `env:"RELAY_RETENTION" envDefault:"720h"`
	RetentionCron string        `env:"RELAY_RETENTION_CRON" envDefault:"0 * * * *"`

	HistoryConversations   int     `env:"RELAY_HISTORY_CONVERSATIONS" envDefault:"256"`
	HistoryPerConversation int     `env:"RELAY_HISTORY_PER_CONVERSATION" envDefault:"200"`
	SendBuffer             int     `env:"RELAY_SEND_BUFFER" envDefault:"64"`
	FramesPerSecond        float64 `env:"RELAY_FRAMES_PER_SECOND" envDefault:"40"`

	NotificationTitle string  `env:"RELAY_NOTIFICATION_TITLE" envDefault:"New private message"`
	PushQueue         string  `env:"RELAY_PUSH_QUEUE" envDefault:"local"`
	PushWorkers       int     `env:"RELAY_PUSH_WORKERS" envDefault:"4"`
	PushQueueSize     int     `env:"RELAY_PUSH_QUEUE_SIZE" envDefault:"1024"`
	PushRate          float64 `env:"RELAY_PUSH_RATE" envDefault:"50"`
	RedisURL          string  `env:"RELAY_REDIS_URL"`

	ExpoURL            string `env:"RELAY_EXPO_URL" envDefault:"https://exp.host/--/api/v2/push/send"`
	FCMProjectID       string `env:"RELAY_FCM_PROJECT_ID"`
	FCMCredentialsFile string `env:"RELAY_FCM_CREDENTIALS_FILE"`
}

// Load reads envFile when it exists, then the environment, then args.
// Variables already set in the environment win over the file.
func Load(envFile string, fs *flag.FlagSet, args []string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	fs.StringVar(&cfg.HTTPAddr, "addr", cfg.HTTPAddr, "HTTP listen address")
	fs.StringVar(&cfg.StoreDriver, "store", cfg.StoreDriver, "Store driver: sqlite, postgres or memory")
	fs.StringVar(&cfg.SQLitePath, "sqlite-path", cfg.SQLitePath, "SQLite database file")
	fs.StringVar(&cfg.PostgresURL, "postgres-url", cfg.PostgresURL, "Postgres connection URL")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the relay cannot start with.
func (c Config) Validate() error {
	var errs []error
	switch c.StoreDriver {
	case DriverSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("RELAY_SQLITE_PATH is required for the sqlite store"))
		}
	case DriverPostgres:
		if c.PostgresURL == "" {
			errs = append(errs, errors.New("RELAY_POSTGRES_URL is required for the postgres store"))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.StoreDriver))
	}
	switch c.PushQueue {
	case QueueLocal:
	case QueueAsynq:
		if c.RedisURL == "" {
			errs = append(errs, errors.New("RELAY_REDIS_URL is required for the asynq push queue"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown push queue %q", c.PushQueue))
	}
	if !gronx.IsValid(c.RetentionCron) {
		errs = append(errs, fmt.Errorf("invalid RELAY_RETENTION_CRON %q", c.RetentionCron))
	}
	if c.Retention <= 0 {
		errs = append(errs, errors.New("RELAY_RETENTION must be positive"))
	}
	if c.StoreTimeout <= 0 {
		errs = append(errs, errors.New("RELAY_STORE_TIMEOUT must be positive"))
	}
	for name, v := range map[string]int{
		"RELAY_HISTORY_CONVERSATIONS":    c.HistoryConversations,
		"RELAY_HISTORY_PER_CONVERSATION": c.HistoryPerConversation,
		"RELAY_SEND_BUFFER":              c.SendBuffer,
		"RELAY_PUSH_WORKERS":             c.PushWorkers,
		"RELAY_PUSH_QUEUE_SIZE":          c.PushQueueSize,
	} {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if (c.FCMProjectID == "") != (c.FCMCredentialsFile == "") {
		errs = append(errs, errors.New("RELAY_FCM_PROJECT_ID and RELAY_FCM_CREDENTIALS_FILE must be set together"))
	}
	return errors.Join(errs...)
}
