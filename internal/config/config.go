// Package config provides Viper-based configuration loading for the chat relay.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds network listener settings.
type ServerConfig struct {
	// Host is the bind address for the HTTP and realtime listener.
	Host string `mapstructure:"host"`
	// Port is the TCP port for the HTTP and realtime listener.
	Port int `mapstructure:"port"`
	// HealthPort is the TCP port for the gRPC health service. Zero disables it.
	HealthPort int `mapstructure:"health_port"`
	// ShutdownTimeout bounds graceful HTTP shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr returns the "host:port" HTTP listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// HealthAddr returns the "host:port" gRPC health listen address.
func (s ServerConfig) HealthAddr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.HealthPort)
}

// IdentityConfig holds token signing settings.
type IdentityConfig struct {
	// SigningKey is the HMAC key; it must be at least 32 bytes.
	SigningKey string `mapstructure:"signing_key"`
	// Issuer is the iss claim written and required on tokens.
	Issuer string `mapstructure:"issuer"`
	// Audience is the aud claim written and required on tokens.
	Audience string `mapstructure:"audience"`
	// TokenDuration is the lifetime of an issued token.
	TokenDuration time.Duration `mapstructure:"token_duration"`
}

// PresenceConfig holds liveness and eviction settings.
type PresenceConfig struct {
	// SweepInterval is the period of the idle-session reaper.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	// IdleTimeout is the inactivity after which a session is reaped.
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
	// HeartbeatInterval is the per-connection ping and abort-check period.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	// SendBuffer is the per-connection outbound event buffer size.
	SendBuffer int `mapstructure:"send_buffer"`
}

// AdmissionConfig holds the global command rate limit.
type AdmissionConfig struct {
	// Capacity is the token bucket size.
	Capacity int `mapstructure:"capacity"`
	// RefillTokens is the number of tokens added every RefillPeriod.
	RefillTokens int `mapstructure:"refill_tokens"`
	// RefillPeriod is the replenishment period.
	RefillPeriod time.Duration `mapstructure:"refill_period"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Identity  IdentityConfig  `mapstructure:"identity"`
	Presence  PresenceConfig  `mapstructure:"presence"`
	Admission AdmissionConfig `mapstructure:"admission"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	if err := validateServer(c.Server); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateIdentity(c.Identity); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validatePresence(c.Presence); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateAdmission(c.Admission); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateLogging(c.Logging); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateServer(s ServerConfig) error {
	var errs []string
	if s.Port < 1 || s.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port must be 1-65535, got %d", s.Port))
	}
	if s.HealthPort < 0 || s.HealthPort > 65535 {
		errs = append(errs, fmt.Sprintf("server.health_port must be 0-65535, got %d", s.HealthPort))
	}
	if s.HealthPort != 0 && s.HealthPort == s.Port {
		errs = append(errs, "server.health_port must differ from server.port")
	}
	if s.ShutdownTimeout < 0 {
		errs = append(errs, "server.shutdown_timeout must not be negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateIdentity(i IdentityConfig) error {
	var errs []string
	if len(i.SigningKey) < 32 {
		errs = append(errs, fmt.Sprintf("identity.signing_key must be at least 32 bytes, got %d", len(i.SigningKey)))
	}
	if i.Issuer == "" {
		errs = append(errs, "identity.issuer must not be empty")
	}
	if i.Audience == "" {
		errs = append(errs, "identity.audience must not be empty")
	}
	if i.TokenDuration <= 0 {
		errs = append(errs, "identity.token_duration must be > 0")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validatePresence(p PresenceConfig) error {
	var errs []string
	if p.SweepInterval <= 0 {
		errs = append(errs, "presence.sweep_interval must be > 0")
	}
	if p.IdleTimeout <= 0 {
		errs = append(errs, "presence.idle_timeout must be > 0")
	}
	if p.HeartbeatInterval <= 0 {
		errs = append(errs, "presence.heartbeat_interval must be > 0")
	}
	if p.SendBuffer < 1 {
		errs = append(errs, fmt.Sprintf("presence.send_buffer must be >= 1, got %d", p.SendBuffer))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateAdmission(a AdmissionConfig) error {
	var errs []string
	if a.Capacity < 1 {
		errs = append(errs, fmt.Sprintf("admission.capacity must be >= 1, got %d", a.Capacity))
	}
	if a.RefillTokens < 1 {
		errs = append(errs, fmt.Sprintf("admission.refill_tokens must be >= 1, got %d", a.RefillTokens))
	}
	if a.RefillPeriod <= 0 {
		errs = append(errs, "admission.refill_period must be > 0")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	// Environment variable overrides with CHAT_ prefix
	v.SetEnvPrefix("CHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	return LoadFromViper(v)
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Defaults returns a Viper instance holding only the default values.
func Defaults() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.health_port", 8081)
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("identity.issuer", "privatechat")
	v.SetDefault("identity.audience", "privatechat-clients")
	v.SetDefault("identity.token_duration", "24h")

	v.SetDefault("presence.sweep_interval", "1m")
	v.SetDefault("presence.idle_timeout", "30m")
	v.SetDefault("presence.heartbeat_interval", "15s")
	v.SetDefault("presence.send_buffer", 64)

	v.SetDefault("admission.capacity", 20)
	v.SetDefault("admission.refill_tokens", 20)
	v.SetDefault("admission.refill_period", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
