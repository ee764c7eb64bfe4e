// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/google/uuid"

	"github.com/fairyhunter13/market-crawl-worker/internal/domain"
)

// Config holds all worker configuration parsed from environment variables.
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"dev"`

	// WorkerID is the consumer name inside the tier consumer group. It must
	// be unique per process; when unset a random identity is generated.
	WorkerID      string `env:"WORKER_ID"`
	PriorityLevel string `env:"PRIORITY_LEVEL" envDefault:"NORMAL"`

	MaxConcurrentTasks int `env:"MAX_CONCURRENT_TASKS" envDefault:"10"`
	// TaskTimeoutSeconds is the default per-request timeout hint. Both this
	// and the per-task hint are hard-capped at 45s in the request stage.
	TaskTimeoutSeconds      int `env:"TASK_TIMEOUT_SECONDS" envDefault:"30"`
	GracefulShutdownTimeout int `env:"GRACEFUL_SHUTDOWN_TIMEOUT" envDefault:"120"`

	DragonflyHost     string `env:"DRAGONFLY_HOST" envDefault:"localhost"`
	DragonflyPort     int    `env:"DRAGONFLY_PORT" envDefault:"6379"`
	DragonflyDB       int    `env:"DRAGONFLY_DB" envDefault:"0"`
	DragonflyPassword string `env:"DRAGONFLY_PASSWORD"`

	EnableProxyInjection  bool `env:"ENABLE_PROXY_INJECTION" envDefault:"true"`
	EnableCookieInjection bool `env:"ENABLE_COOKIE_INJECTION" envDefault:"true"`

	// ConsumerBlockTimeout bounds a single blocking stream read.
	ConsumerBlockTimeout time.Duration `env:"CONSUMER_BLOCK_TIMEOUT" envDefault:"2s"`

	AdminPort int `env:"ADMIN_PORT" envDefault:"9090"`

	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"market-crawl-worker"`
}

// Load parses environment variables into a Config and validates the tier.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	if _, err := domain.ParseTier(cfg.PriorityLevel); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = "crawler-worker-" + uuid.NewString()[:8]
	}
	if cfg.MaxConcurrentTasks <= 0 {
		cfg.MaxConcurrentTasks = 1
	}
	if cfg.ConsumerBlockTimeout <= 0 || cfg.ConsumerBlockTimeout > 2*time.Second {
		cfg.ConsumerBlockTimeout = 2 * time.Second
	}
	return cfg, nil
}

// Tier returns the parsed priority tier. Load guarantees validity.
func (c Config) Tier() domain.Tier {
	t, _ := domain.ParseTier(c.PriorityLevel)
	return t
}

// BrokerAddr returns the host:port of the Dragonfly broker.
func (c Config) BrokerAddr() string {
	return fmt.Sprintf("%s:%d", c.DragonflyHost, c.DragonflyPort)
}

// TaskTimeout returns the default per-request timeout as a duration.
func (c Config) TaskTimeout() time.Duration {
	return time.Duration(c.TaskTimeoutSeconds) * time.Second
}

// DrainDeadline returns the graceful shutdown budget as a duration.
func (c Config) DrainDeadline() time.Duration {
	return time.Duration(c.GracefulShutdownTimeout) * time.Second
}

// IsDev reports whether the worker is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the worker is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the worker is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }
