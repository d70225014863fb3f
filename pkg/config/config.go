// Package config loads the engine configuration.
//
// Defaults come first, then the optional YAML file, then VAGUS_* environment
// variables. The result is validated as a whole before anything is built
// from it.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/admission"
	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/ans"
	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/authority"
	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/brake"
	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/contracts"
	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/reflex"
)

// CurrentVersion is the config_version written by Default.
const CurrentVersion = "1.0.0"

// SupportedVersions is the range of config_version values this build reads.
const SupportedVersions = ">= 1.0.0, < 2.0.0"

// Predicate kinds for the reflex evidence predicate.
const (
	PredicateNever = "never"
	PredicateTone  = "tone"
	PredicateCEL   = "cel"
)

// Config is the full engine configuration.
type Config struct {
	Version    string               `yaml:"config_version"`
	Server     ServerConfig         `yaml:"server"`
	Auth       AuthConfig           `yaml:"auth"`
	Log        LogConfig            `yaml:"log"`
	Database   DatabaseConfig       `yaml:"database"`
	Redis      RedisConfig          `yaml:"redis"`
	Kafka      KafkaConfig          `yaml:"kafka"`
	Telemetry  TelemetryConfig      `yaml:"telemetry"`
	Hysteresis ans.HysteresisConfig `yaml:"hysteresis"`
	HardCaps   brake.HardCaps       `yaml:"hard_caps"`
	Admission  AdmissionConfig      `yaml:"admission"`
	Reflex     ReflexConfig         `yaml:"reflex"`
	// Roles grants roles to principals at startup, e.g. {"ops-1": ["operator"]}.
	Roles map[string][]string `yaml:"roles"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr      string  `yaml:"addr"`
	RateLimit float64 `yaml:"rate_limit_rps"`
	RateBurst int     `yaml:"rate_limit_burst"`
}

// AuthConfig configures bearer token verification. An empty secret rejects
// every authenticated request.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
}

// LogConfig configures slog.
type LogConfig struct {
	Level string `yaml:"level"`
}

// DatabaseConfig selects the persistence backend. An empty driver keeps
// everything in memory.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// RedisConfig enables the shared sliding window when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// KafkaConfig enables the notification sink when Brokers is non-empty.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	Async   bool     `yaml:"async"`
}

// TelemetryConfig configures the OpenTelemetry exporters.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	SampleRate  float64 `yaml:"sample_rate"`
	Insecure    bool    `yaml:"insecure"`
	Environment string  `yaml:"environment"`
}

// AdmissionConfig holds the issuer's admission controls.
type AdmissionConfig struct {
	RateLimit      admission.Limits        `yaml:"rate_limit"`
	CircuitBreaker admission.BreakerConfig `yaml:"circuit_breaker"`
}

// ReflexConfig holds the reflex arc tuning and its evidence predicate.
type ReflexConfig struct {
	reflex.Config `yaml:",inline"`
	Predicate     string `yaml:"predicate"`
	ToneThreshold uint32 `yaml:"tone_threshold"`
	Expression    string `yaml:"expression"`
}

// Default returns a configuration that runs a single in-memory node.
func Default() *Config {
	return &Config{
		Version: CurrentVersion,
		Server: ServerConfig{
			Addr:      ":8080",
			RateLimit: 50,
			RateBurst: 100,
		},
		Auth:  AuthConfig{Issuer: "vagus"},
		Log:   LogConfig{Level: "INFO"},
		Redis: RedisConfig{Prefix: "vagus:admission"},
		Kafka: KafkaConfig{Topic: "vagus.events"},
		Telemetry: TelemetryConfig{
			Endpoint:    "localhost:4317",
			SampleRate:  1.0,
			Insecure:    true,
			Environment: "development",
		},
		Hysteresis: ans.DefaultConfig(),
		HardCaps:   brake.DefaultHardCaps(),
		Admission: AdmissionConfig{
			RateLimit:      admission.DefaultLimits(),
			CircuitBreaker: admission.DefaultBreakerConfig(),
		},
		Reflex: ReflexConfig{
			Config:    reflex.DefaultConfig(),
			Predicate: PredicateNever,
		},
		Roles: map[string][]string{},
	}
}

// Load builds the configuration from defaults, the YAML file at path (skipped
// when path is empty) and the environment, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := cfg.decode(data); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// applyEnv overrides the deployment-specific fields from VAGUS_* variables.
func (c *Config) applyEnv() error {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	str("VAGUS_ADDR", &c.Server.Addr)
	str("VAGUS_LOG_LEVEL", &c.Log.Level)
	str("VAGUS_JWT_SECRET", &c.Auth.JWTSecret)
	str("VAGUS_DB_DRIVER", &c.Database.Driver)
	str("VAGUS_DATABASE_URL", &c.Database.DSN)
	str("VAGUS_REDIS_ADDR", &c.Redis.Addr)
	str("VAGUS_REDIS_PASSWORD", &c.Redis.Password)
	str("VAGUS_KAFKA_TOPIC", &c.Kafka.Topic)
	str("VAGUS_OTLP_ENDPOINT", &c.Telemetry.Endpoint)

	if v := os.Getenv("VAGUS_KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("VAGUS_TELEMETRY_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: VAGUS_TELEMETRY_ENABLED: %w", err)
		}
		c.Telemetry.Enabled = enabled
	}
	if v := os.Getenv("VAGUS_REFLEX_COOLDOWN_SEC"); v != "" {
		sec, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("config: VAGUS_REFLEX_COOLDOWN_SEC: %w", err)
		}
		c.Reflex.CooldownSec = sec
	}
	return nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	v, err := semver.NewVersion(c.Version)
	if err != nil {
		return fmt.Errorf("config: config_version %q: %w", c.Version, err)
	}
	constraint, err := semver.NewConstraint(SupportedVersions)
	if err != nil {
		return fmt.Errorf("config: version constraint: %w", err)
	}
	if !constraint.Check(v) {
		return fmt.Errorf("config: config_version %s not in %s", v, SupportedVersions)
	}

	if c.Server.Addr == "" {
		return fmt.Errorf("config: server.addr required")
	}
	if c.Server.RateLimit < 0 || c.Server.RateBurst < 0 {
		return fmt.Errorf("config: server rate limit must not be negative")
	}
	switch strings.ToUpper(c.Log.Level) {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return fmt.Errorf("config: unknown log level %q", c.Log.Level)
	}
	switch strings.ToLower(c.Database.Driver) {
	case "":
	case "sqlite", "sqlite3", "postgres", "postgresql", "pq":
		if c.Database.DSN == "" {
			return fmt.Errorf("config: database.dsn required for driver %q", c.Database.Driver)
		}
	default:
		return fmt.Errorf("config: unsupported database driver %q", c.Database.Driver)
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return fmt.Errorf("config: kafka.topic required when brokers are set")
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		return fmt.Errorf("config: telemetry.sample_rate must be within [0, 1]")
	}

	if err := c.Hysteresis.Validate(); err != nil {
		return fmt.Errorf("config: hysteresis: %w", err)
	}
	if c.HardCaps.MaxDurationMs == 0 || c.HardCaps.MaxEnergyJ == 0 {
		return fmt.Errorf("config: hard_caps must be positive")
	}
	if err := c.Admission.RateLimit.Validate(); err != nil {
		return fmt.Errorf("config: admission.rate_limit: %w", err)
	}
	if err := c.Admission.CircuitBreaker.Validate(); err != nil {
		return fmt.Errorf("config: admission.circuit_breaker: %w", err)
	}
	if err := c.Reflex.Config.Validate(); err != nil {
		return fmt.Errorf("config: reflex: %w", err)
	}
	switch c.Reflex.Predicate {
	case "", PredicateNever:
	case PredicateTone:
		if c.Reflex.ToneThreshold == 0 || c.Reflex.ToneThreshold > contracts.MaxTone {
			return fmt.Errorf("config: reflex.tone_threshold must be within (0, %d]", contracts.MaxTone)
		}
	case PredicateCEL:
		if strings.TrimSpace(c.Reflex.Expression) == "" {
			return fmt.Errorf("config: reflex.expression required for cel predicate")
		}
	default:
		return fmt.Errorf("config: unknown reflex predicate %q", c.Reflex.Predicate)
	}

	known := make(map[authority.Role]bool)
	for _, r := range authority.Roles() {
		known[r] = true
	}
	for principal, roles := range c.Roles {
		if principal == "" || strings.HasPrefix(principal, "system:") {
			return fmt.Errorf("config: roles: principal %q is reserved", principal)
		}
		for _, r := range roles {
			if !known[authority.Role(r)] {
				return fmt.Errorf("config: roles: unknown role %q for %s", r, principal)
			}
		}
	}
	return nil
}

// Grants returns the configured role grants in registry form.
func (c *Config) Grants() map[contracts.Principal][]authority.Role {
	out := make(map[contracts.Principal][]authority.Role, len(c.Roles))
	for principal, roles := range c.Roles {
		rs := make([]authority.Role, 0, len(roles))
		for _, r := range roles {
			rs = append(rs, authority.Role(r))
		}
		out[contracts.Principal(principal)] = rs
	}
	return out
}

// Predicate builds the reflex evidence predicate.
func (c *Config) Predicate() (reflex.DangerPredicate, error) {
	switch c.Reflex.Predicate {
	case PredicateTone:
		return reflex.ToneThreshold{Threshold: c.Reflex.ToneThreshold}, nil
	case PredicateCEL:
		return reflex.NewCELPredicate(c.Reflex.Expression)
	default:
		return reflex.Never{}, nil
	}
}
