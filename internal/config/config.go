// Package config loads marketplace configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Config is the root configuration for the marketplace server.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Proxy    ProxyConfig
	Logging  LoggingConfig
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host            string        `env:"SERVER_HOST,default=0.0.0.0"`
	Port            int           `env:"SERVER_PORT,default=8080"`
	ReadTimeout     time.Duration `env:"SERVER_READ_TIMEOUT,default=30s"`
	WriteTimeout    time.Duration `env:"SERVER_WRITE_TIMEOUT,default=120s"`
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT,default=10s"`
}

// DatabaseConfig controls the persistence collaborator. An empty DSN selects
// the in-memory store, which is only suitable for local development.
type DatabaseConfig struct {
	Driver          string `env:"DB_DRIVER,default=postgres"`
	DSN             string `env:"DATABASE_URL,default="`
	MaxOpenConns    int    `env:"DB_MAX_OPEN_CONNS,default=25"`
	MaxIdleConns    int    `env:"DB_MAX_IDLE_CONNS,default=5"`
	ConnMaxLifetime int    `env:"DB_CONN_MAX_LIFETIME_SECONDS,default=300"`
}

// RedisConfig controls the rate-window and nonce stores. An empty URL selects
// the in-memory implementations.
type RedisConfig struct {
	URL string `env:"REDIS_URL,default="`
}

// ProxyConfig controls the payment-gated routing core.
type ProxyConfig struct {
	BaseURL           string        `env:"PROXY_BASE_URL,default=https://api.tokenlab.io"`
	RateWindow        time.Duration `env:"PROXY_RATE_WINDOW,default=60s"`
	RateFailOpen      bool          `env:"PROXY_RATE_FAIL_OPEN,default=true"`
	ReconcileInterval time.Duration `env:"PROXY_RECONCILE_INTERVAL,default=30s"`
	ReconcileGrace    time.Duration `env:"PROXY_RECONCILE_GRACE,default=30s"`
	APIRatePerSecond  int           `env:"API_RATE_PER_SECOND,default=100"`
	APIRateBurst      int           `env:"API_RATE_BURST,default=200"`
}

// LoggingConfig controls structured log output.
type LoggingConfig struct {
	Level  string `env:"LOG_LEVEL,default=info"`
	Format string `env:"LOG_FORMAT,default=json"`
	Output string `env:"LOG_OUTPUT,default=stdout"`
}

// Load reads configuration from the environment, honouring a local .env file
// when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	return &cfg, nil
}
