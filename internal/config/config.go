// Package config loads relay configuration from the environment.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

var validate = validator.New()

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
)

// Config is the top-level relay configuration.
type Config struct {
	ListenAddr      string        `env:"LISTEN_ADDR,default=:3000" validate:"required"`
	AllowedOrigins  string        `env:"CORS_ORIGIN,default=*"`
	HistoryLimit    int           `env:"HISTORY_LIMIT,default=50" validate:"min=1,max=1000"`
	MaxConns        int           `env:"MAX_CONNS,default=0" validate:"min=0"`
	IdleTimeout     time.Duration `env:"IDLE_TIMEOUT,default=0s"`
	MaxMessageBytes int           `env:"MAX_MESSAGE_BYTES,default=65536" validate:"min=512"`
	LogLevel        string        `env:"LOG_LEVEL,default=info" validate:"oneof=debug info warn error"`
	LogFormat       string        `env:"LOG_FORMAT,default=json" validate:"oneof=json text"`

	StoreDriver   string `env:"STORE_DRIVER,default=memory" validate:"oneof=memory redis sqlite postgres mongo"`
	StoreDSN      string `env:"STORE_DSN"`
	MongoDatabase string `env:"MONGO_DATABASE,default=chatdb"`
	RedisAddr     string `env:"REDIS_ADDR"`
}

// StoreConfig selects and addresses the persistence backend.
type StoreConfig struct {
	Driver        string
	DSN           string
	MongoDatabase string
	RedisAddr     string
}

// Store returns the persistence settings.
func (c *Config) Store() StoreConfig {
	return StoreConfig{
		Driver:        c.StoreDriver,
		DSN:           c.StoreDSN,
		MongoDatabase: c.MongoDatabase,
		RedisAddr:     c.RedisAddr,
	}
}

// Load reads an optional .env file, decodes the environment into a Config
// and validates it.
func Load() (*Config, error) {
	// A missing .env file is not an error; the environment may be complete.
	_ = godotenv.Load()

	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints and driver-specific requirements.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	switch c.StoreDriver {
	case DriverRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("invalid config: REDIS_ADDR is required for the %s driver", c.StoreDriver)
		}
	case DriverSQLite, DriverPostgres, DriverMongo:
		if c.StoreDSN == "" {
			return fmt.Errorf("invalid config: STORE_DSN is required for the %s driver", c.StoreDriver)
		}
	}
	return nil
}

// Origins returns the configured origin allow-list. An empty list or a
// single "*" means every origin is allowed.
func (c *Config) Origins() []string {
	var origins []string
	for _, o := range strings.Split(c.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// NewLogger builds the process logger.
func NewLogger(level, format string, w io.Writer) *slog.Logger {
	logLevel := slog.LevelInfo
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: logLevel}
	if format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}
