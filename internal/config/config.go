// Package config provides Viper-based configuration loading for the gateway.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// GatewayConfig holds WebSocket listener settings.
type GatewayConfig struct {
	// Host is the bind address for the WebSocket listener.
	Host string `mapstructure:"host"`
	// Port is the TCP port for the WebSocket listener.
	Port int `mapstructure:"port"`
	// HeartbeatInterval is the interval advertised to clients in the hello
	// frame. A connection that misses two intervals is closed.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	// WriteTimeout is the per-frame write deadline for outbound frames.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// OutboundBuffer is the per-connection outbound queue depth. A full
	// queue closes the connection rather than buffering without bound.
	OutboundBuffer int `mapstructure:"outbound_buffer"`
	// MaxFrameBytes is the largest inbound frame accepted before the
	// connection is closed.
	MaxFrameBytes int64 `mapstructure:"max_frame_bytes"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (g GatewayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", g.Host, g.Port)
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// DSN returns the PostgreSQL connection string.
//
// Precondition: Host, Port, User, and Name must be non-empty.
// Postcondition: Returns a valid PostgreSQL DSN string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode,
	)
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// TracingConfig holds OpenTelemetry export settings.
type TracingConfig struct {
	// Enabled turns span export on. When false the gateway still creates
	// spans but no provider is registered, so they are no-ops.
	Enabled bool `mapstructure:"enabled"`
	// Endpoint is the OTLP HTTP collector endpoint URL.
	Endpoint string `mapstructure:"endpoint"`
	// ServiceName identifies this process in exported traces.
	ServiceName string `mapstructure:"service_name"`
}

// MetricsConfig holds the Prometheus scrape endpoint settings.
type MetricsConfig struct {
	// Host is the bind address for the metrics HTTP listener.
	Host string `mapstructure:"host"`
	// Port is the TCP port for the metrics HTTP listener.
	Port int `mapstructure:"port"`
}

// Addr returns the "host:port" listen address.
func (m MetricsConfig) Addr() string {
	return fmt.Sprintf("%s:%d", m.Host, m.Port)
}

// Config is the top-level application configuration.
type Config struct {
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Database DatabaseConfig `mapstructure:"database"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// Load reads configuration from the given file path, applying environment
// variable overrides with the RIFT_ prefix (e.g. RIFT_DATABASE_PASSWORD).
//
// Precondition: path must point to a readable YAML configuration file.
// Postcondition: Returns a validated Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	v.SetEnvPrefix("RIFT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file %q: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("gateway.host", "0.0.0.0")
	v.SetDefault("gateway.port", 3002)
	v.SetDefault("gateway.heartbeat_interval", 45*time.Second)
	v.SetDefault("gateway.write_timeout", 10*time.Second)
	v.SetDefault("gateway.outbound_buffer", 64)
	v.SetDefault("gateway.max_frame_bytes", 1<<20)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", time.Hour)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("tracing.service_name", "rift-gateway")
	v.SetDefault("metrics.host", "127.0.0.1")
	v.SetDefault("metrics.port", 9090)
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	if err := validateGateway(c.Gateway); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateDatabase(c.Database); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateLogging(c.Logging); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateTracing(c.Tracing); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateMetrics(c.Metrics); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateGateway(g GatewayConfig) error {
	if g.Port < 1 || g.Port > 65535 {
		return fmt.Errorf("gateway.port must be in [1, 65535], got %d", g.Port)
	}
	if g.HeartbeatInterval <= 0 {
		return errors.New("gateway.heartbeat_interval must be positive")
	}
	if g.WriteTimeout <= 0 {
		return errors.New("gateway.write_timeout must be positive")
	}
	if g.OutboundBuffer < 1 {
		return fmt.Errorf("gateway.outbound_buffer must be >= 1, got %d", g.OutboundBuffer)
	}
	if g.MaxFrameBytes < 1024 {
		return fmt.Errorf("gateway.max_frame_bytes must be >= 1024, got %d", g.MaxFrameBytes)
	}
	return nil
}

func validateDatabase(d DatabaseConfig) error {
	if d.Host == "" {
		return errors.New("database.host must not be empty")
	}
	if d.Port < 1 || d.Port > 65535 {
		return fmt.Errorf("database.port must be in [1, 65535], got %d", d.Port)
	}
	if d.User == "" {
		return errors.New("database.user must not be empty")
	}
	if d.Name == "" {
		return errors.New("database.name must not be empty")
	}
	if d.MaxConns < 1 {
		return fmt.Errorf("database.max_conns must be >= 1, got %d", d.MaxConns)
	}
	if d.MinConns < 0 || d.MinConns > d.MaxConns {
		return fmt.Errorf("database.min_conns must be in [0, max_conns], got %d", d.MinConns)
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	if l.Format != "json" && l.Format != "console" {
		return fmt.Errorf("logging.format must be \"json\" or \"console\", got %q", l.Format)
	}
	return nil
}

func validateTracing(t TracingConfig) error {
	if t.Enabled && t.Endpoint == "" {
		return errors.New("tracing.endpoint must be set when tracing.enabled is true")
	}
	if t.ServiceName == "" {
		return errors.New("tracing.service_name must not be empty")
	}
	return nil
}

func validateMetrics(m MetricsConfig) error {
	if m.Port < 1 || m.Port > 65535 {
		return fmt.Errorf("metrics.port must be in [1, 65535], got %d", m.Port)
	}
	return nil
}
