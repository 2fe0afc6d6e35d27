// Package config loads console configuration from YAML or TOML files.
// Environment variables in the form ${VAR_NAME} are expanded before parsing
// and duration fields take Go duration strings such as "3s".
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every validation failure returned by Validate.
var ErrInvalid = errors.New("invalid config")

// Config is the complete console configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server" toml:"server"`
	Auth    AuthConfig    `yaml:"auth" toml:"auth"`
	Channel ChannelConfig `yaml:"channel" toml:"channel"`
	Relay   RelayConfig   `yaml:"relay" toml:"relay"`
	Metrics MetricsConfig `yaml:"metrics" toml:"metrics"`
	Logging LoggingConfig `yaml:"logging" toml:"logging"`
}

// ServerConfig locates the backend.
type ServerConfig struct {
	// Origin is the console origin; REST calls go to <origin>/api and the
	// socket to ws(s)://<host>/api/ws.
	Origin string `yaml:"origin" toml:"origin" validate:"required,url"`
}

// AuthConfig holds credential settings.
type AuthConfig struct {
	TokenFile   string `yaml:"token_file" toml:"token_file" validate:"required"`
	Username    string `yaml:"username" toml:"username"`
	PasswordEnv string `yaml:"password_env" toml:"password_env"`
}

// Password returns the value of the variable named by PasswordEnv.
func (a AuthConfig) Password() string {
	if a.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(a.PasswordEnv)
}

// ChannelConfig tunes the real-time channel.
type ChannelConfig struct {
	Path           string        `yaml:"path" toml:"path" validate:"required,startswith=/"`
	MaxAttempts    int           `yaml:"max_attempts" toml:"max_attempts" validate:"min=1"`
	ReconnectDelay time.Duration `yaml:"-" toml:"-" validate:"gt=0"`
	DialTimeout    time.Duration `yaml:"-" toml:"-" validate:"gt=0"`
	WriteTimeout   time.Duration `yaml:"-" toml:"-" validate:"gt=0"`

	// Raw string values for unmarshaling
	ReconnectDelayRaw string `yaml:"reconnect_delay" toml:"reconnect_delay"`
	DialTimeoutRaw    string `yaml:"dial_timeout" toml:"dial_timeout"`
	WriteTimeoutRaw   string `yaml:"write_timeout" toml:"write_timeout"`
}

// RelayConfig controls NATS forwarding of channel events.
type RelayConfig struct {
	Enabled bool     `yaml:"enabled" toml:"enabled"`
	URL     string   `yaml:"url" toml:"url" validate:"omitempty,url"`
	Prefix  string   `yaml:"prefix" toml:"prefix"`
	Events  []string `yaml:"events" toml:"events" validate:"dive,required"`
}

// MetricsConfig controls the Prometheus listener of the watch command.
type MetricsConfig struct {
	// Addr is the listen address; empty disables the listener.
	Addr string `yaml:"addr" toml:"addr" validate:"omitempty,hostname_port"`
	Path string `yaml:"path" toml:"path" validate:"required,startswith=/"`
}

// LoggingConfig selects the log level and handler format.
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" toml:"format" validate:"oneof=text json"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Origin: "http://localhost:8080"},
		Auth:   AuthConfig{TokenFile: DefaultTokenFile()},
		Channel: ChannelConfig{
			Path:           "/api/ws",
			MaxAttempts:    5,
			ReconnectDelay: 3 * time.Second,
			DialTimeout:    10 * time.Second,
			WriteTimeout:   5 * time.Second,
		},
		Relay:   RelayConfig{Prefix: "xybot.events"},
		Metrics: MetricsConfig{Path: "/metrics"},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// DefaultTokenFile is auth.yaml under the user's config directory, or the
// working directory when that cannot be determined.
func DefaultTokenFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "auth.yaml"
	}
	return filepath.Join(dir, "xybot-console", "auth.yaml")
}

// Load reads the file at path over the defaults, parses durations and
// validates the result. Files ending in .toml are decoded as TOML, anything
// else as YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} with the variable's value, or with the
// empty string when it is unset.
func expandEnvVars(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envPattern.FindStringSubmatch(match)[1])
	})
}

func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"reconnect_delay", cfg.Channel.ReconnectDelayRaw, &cfg.Channel.ReconnectDelay},
		{"dial_timeout", cfg.Channel.DialTimeoutRaw, &cfg.Channel.DialTimeout},
		{"write_timeout", cfg.Channel.WriteTimeoutRaw, &cfg.Channel.WriteTimeout},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(strings.TrimSpace(f.raw))
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return toSnakeCase(f.Name)
		}
		return name
	})
	return v
}

func toSnakeCase(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Validate checks field constraints and the relations between sections.
// All failures are reported together, wrapped in ErrInvalid.
func (c *Config) Validate() error {
	var problems []string
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		for _, e := range verrs {
			problems = append(problems, formatValidationMessage(e))
		}
	}
	if c.Relay.Enabled && c.Relay.URL == "" {
		problems = append(problems, "relay.url is required when relay is enabled")
	}
	if c.Auth.PasswordEnv != "" && c.Auth.Username == "" {
		problems = append(problems, "auth.username is required when auth.password_env is set")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

func formatValidationMessage(e validator.FieldError) string {
	field := strings.TrimPrefix(e.Namespace(), "Config.")
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "hostname_port":
		return fmt.Sprintf("%s must be host:port", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "gt":
		return fmt.Sprintf("%s must be positive", field)
	case "startswith":
		return fmt.Sprintf("%s must start with %q", field, e.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", field, e.Tag())
	}
}
