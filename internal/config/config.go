// Package config
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

// EnvPrefix is prepended to every environment override, e.g. BACKUPDESK_API_BASE_URL
const EnvPrefix = "BACKUPDESK"

type Config struct {
	API         APIConfig         `mapstructure:"api" yaml:"api"`
	Session     SessionConfig     `mapstructure:"session" yaml:"session"`
	Credentials CredentialsConfig `mapstructure:"credentials" yaml:"credentials"`
	Stream      StreamConfig      `mapstructure:"stream" yaml:"stream"`
	Metrics     MetricsConfig     `mapstructure:"metrics" yaml:"metrics"`
	Logging     LoggingConfig     `mapstructure:"logging" yaml:"logging"`
}

type APIConfig struct {
	BaseURL   string `mapstructure:"base_url" yaml:"base_url" validate:"required,url"`
	TimeoutMS int    `mapstructure:"timeout_ms" yaml:"timeout_ms" validate:"gt=0"`
	UserAgent string `mapstructure:"user_agent" yaml:"user_agent"`
}

type SessionConfig struct {
	RefreshThresholdSeconds  int `mapstructure:"refresh_threshold_seconds" yaml:"refresh_threshold_seconds" validate:"gte=0"`
	IdleTimeoutMinutes       int `mapstructure:"idle_timeout_minutes" yaml:"idle_timeout_minutes" validate:"gte=0"`
	IdleCheckIntervalSeconds int `mapstructure:"idle_check_interval_seconds" yaml:"idle_check_interval_seconds" validate:"gt=0"`
}

type CredentialsConfig struct {
	Backend  string      `mapstructure:"backend" yaml:"backend" validate:"oneof=file redis memory"`
	FilePath string      `mapstructure:"file_path" yaml:"file_path"`
	Redis    RedisConfig `mapstructure:"redis" yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db" validate:"gte=0"`
	Profile  string `mapstructure:"profile" yaml:"profile"`
}

type StreamConfig struct {
	Transport            string `mapstructure:"transport" yaml:"transport" validate:"oneof=sse websocket"`
	PushIntervalSeconds  int    `mapstructure:"push_interval_seconds" yaml:"push_interval_seconds" validate:"gt=0"`
	PollIntervalMS       int    `mapstructure:"poll_interval_ms" yaml:"poll_interval_ms" validate:"gt=0"`
	PushRetryDelayMS     int    `mapstructure:"push_retry_delay_ms" yaml:"push_retry_delay_ms" validate:"gte=0"`
	FleetIntervalSeconds int    `mapstructure:"fleet_interval_seconds" yaml:"fleet_interval_seconds" validate:"gt=0"`
	NodeIntervalSeconds  int    `mapstructure:"node_interval_seconds" yaml:"node_interval_seconds" validate:"gt=0"`
	FleetReconnectMS     int    `mapstructure:"fleet_reconnect_ms" yaml:"fleet_reconnect_ms" validate:"gt=0"`
	BatchConcurrency     int    `mapstructure:"batch_concurrency" yaml:"batch_concurrency" validate:"gt=0"`
	WatchBuffer          int    `mapstructure:"watch_buffer" yaml:"watch_buffer" validate:"gt=0"`
}

type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr" validate:"required_if=Enabled true"`
}

type LoggingConfig struct {
	Level    string `mapstructure:"level" yaml:"level" validate:"oneof=debug info warn error"`
	Format   string `mapstructure:"format" yaml:"format" validate:"oneof=console json"`
	Output   string `mapstructure:"output" yaml:"output" validate:"oneof=stderr stdout file"`
	FilePath string `mapstructure:"file_path" yaml:"file_path" validate:"required_if=Output file"`
}

// Defaults returns the built-in configuration values keyed the way viper sees them
func Defaults() map[string]any {
	return map[string]any{
		"api.base_url":   "http://localhost:8081/api/v1",
		"api.timeout_ms": 30000,
		"api.user_agent": "backupdesk/1.0",

		"session.refresh_threshold_seconds":   300,
		"session.idle_timeout_minutes":        30,
		"session.idle_check_interval_seconds": 60,

		"credentials.backend":        "file",
		"credentials.file_path":      "",
		"credentials.redis.addr":     "localhost:6379",
		"credentials.redis.password": "",
		"credentials.redis.db":       0,
		"credentials.redis.profile":  "default",

		"stream.transport":              "sse",
		"stream.push_interval_seconds":  2,
		"stream.poll_interval_ms":       2000,
		"stream.push_retry_delay_ms":    3000,
		"stream.fleet_interval_seconds": 5,
		"stream.node_interval_seconds":  2,
		"stream.fleet_reconnect_ms":     5000,
		"stream.batch_concurrency":      8,
		"stream.watch_buffer":           64,

		"metrics.enabled":     false,
		"metrics.listen_addr": "127.0.0.1:9464",

		"logging.level":     "info",
		"logging.format":    "console",
		"logging.output":    "stderr",
		"logging.file_path": "",
	}
}

// Load reads configuration from file and applies environment variable overrides.
// An empty configPath searches the user config dir and the working directory;
// a missing file is not an error there, only when named explicitly.
func Load(configPath string) (*Config, error) {
	v := newViper()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("backupdesk")
		v.SetConfigType("yaml")
		if dir, err := Dir(); err == nil {
			v.AddConfigPath(dir)
		}
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Environment overrides: BACKUPDESK_STREAM_TRANSPORT=websocket
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return decode(v)
}

// Default returns the configuration built from Defaults only, ignoring files
// and environment
func Default() *Config {
	cfg, err := decode(newViper())
	if err != nil {
		// Defaults are static; a failure here is a programming error
		panic(err)
	}
	return cfg
}

func newViper() *viper.Viper {
	v := viper.New()
	for key, value := range Defaults() {
		v.SetDefault(key, value)
	}
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate ensures all required configuration values are set
func (c *Config) Validate() error {
	return validate.Struct(c)
}

// WriteDefault renders the default configuration as YAML at path
func WriteDefault(path string) error {
	cfg := Default()

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to render config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Dir returns the per-user directory holding config and session files
func Dir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("could not get user config directory: %w", err)
	}
	return filepath.Join(base, "backupdesk"), nil
}

// GetTimeout returns the HTTP request timeout as a duration
func (a *APIConfig) GetTimeout() time.Duration {
	return time.Duration(a.TimeoutMS) * time.Millisecond
}

// GetRefreshThreshold returns how close to expiry a token is refreshed
func (s *SessionConfig) GetRefreshThreshold() time.Duration {
	return time.Duration(s.RefreshThresholdSeconds) * time.Second
}

// GetIdleTimeout returns the inactivity limit before a forced logout
func (s *SessionConfig) GetIdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutMinutes) * time.Minute
}

// GetIdleCheckInterval returns how often inactivity is evaluated
func (s *SessionConfig) GetIdleCheckInterval() time.Duration {
	return time.Duration(s.IdleCheckIntervalSeconds) * time.Second
}

// GetPollInterval returns the polling fallback period
func (s *StreamConfig) GetPollInterval() time.Duration {
	return time.Duration(s.PollIntervalMS) * time.Millisecond
}

// GetPushRetryDelay returns the wait before the single push reconnect attempt
func (s *StreamConfig) GetPushRetryDelay() time.Duration {
	return time.Duration(s.PushRetryDelayMS) * time.Millisecond
}

// GetFleetReconnect returns the fleet stream reconnect delay
func (s *StreamConfig) GetFleetReconnect() time.Duration {
	return time.Duration(s.FleetReconnectMS) * time.Millisecond
}

// IsLogLevelValid checks if the log level is valid
func (l *LoggingConfig) IsLogLevelValid() bool {
	switch strings.ToLower(l.Level) {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}
