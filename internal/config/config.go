package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/go-playground/validator/v10"
)

// Config holds runtime configuration for the panel front-ends.
type Config struct {
	// Server
	Port     int    `env:"PORT" envDefault:"8080" validate:"min=1,max=65535"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Upload limits
	MaxUploadSize int64 `env:"MAX_UPLOAD_SIZE" envDefault:"26214400" validate:"min=1"` // 25MB in bytes

	// Backend
	BackendURL     string        `env:"BACKEND_URL" envDefault:"http://localhost:8000" validate:"required,url"`
	BackendTimeout time.Duration `env:"BACKEND_TIMEOUT" envDefault:"0s"` // 0 waits for the backend indefinitely

	// Show the failure slot on the rendered page. Off keeps failed submissions silent.
	SurfaceFailures bool `env:"SURFACE_FAILURES" envDefault:"false"`

	// Sessions
	SessionProvider string        `env:"SESSION_PROVIDER" envDefault:"memory" validate:"oneof=memory redis postgres"`
	SessionCapacity int           `env:"SESSION_CAPACITY" envDefault:"1024" validate:"min=1"`
	SessionTTL      time.Duration `env:"SESSION_TTL" envDefault:"24h"`
	RedisAddr       string        `env:"REDIS_ADDR" validate:"required_if=SessionProvider redis"`
	RedisPassword   string        `env:"REDIS_PASSWORD"`
	DBURL           string        `env:"DB_URL" validate:"required_if=SessionProvider postgres"`
	SessionTable    string        `env:"SESSION_TABLE" envDefault:"panel_sessions"`

	// Events
	EventsProvider string `env:"EVENTS_PROVIDER" envDefault:"none" validate:"oneof=none nats"`
	NATSURL        string `env:"NATS_URL" validate:"required_if=EventsProvider nats"`
	EventsSubject  string `env:"EVENTS_SUBJECT" envDefault:"medot.panel.events"`
}

var validate = validator.New()

// Load reads configuration from environment variables with defaults.
func Load() Config {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		slog.Warn("failed to parse env; using defaults where set", "err", err)
	}
	return cfg
}

// Validate reports the first group of invalid settings.
func Validate(cfg Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
