// Package config loads server and client configuration from flags,
// environment variables, and an optional config file, in that order of
// precedence, following the layered viper/mapstructure/yaml pattern used
// throughout the rest of this code's ambient stack.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/holtby/stftp/pkg/cryptoutil"
)

const envPrefix = "STFTP"

// LoggingConfig controls the internal/logger setup.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	Output string `mapstructure:"output" yaml:"output"`
}

// MetricsConfig controls the optional Prometheus HTTP endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr" yaml:"addr"`
}

// ServerConfig is the stftp server's full configuration.
type ServerConfig struct {
	Port       int           `mapstructure:"port" yaml:"port"`
	BackupDir  string        `mapstructure:"backup_dir" yaml:"backup_dir"`
	KeyHex     string        `mapstructure:"key_hex" yaml:"key_hex"`
	MaxRetries int           `mapstructure:"max_retries" yaml:"max_retries"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Logging    LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Metrics    MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// ClientConfig is the stftp client's full configuration.
type ClientConfig struct {
	ServerAddr string        `mapstructure:"server_addr" yaml:"server_addr"`
	ServerPort int           `mapstructure:"server_port" yaml:"server_port"`
	KeyHex     string        `mapstructure:"key_hex" yaml:"key_hex"`
	MaxRetries int           `mapstructure:"max_retries" yaml:"max_retries"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Logging    LoggingConfig `mapstructure:"logging" yaml:"logging"`
}

// DefaultKeyHex is the compiled-in AES-128 key shared out of band between
// every client and server, preserved from the source protocol as a
// known weakness, not an oversight.
const DefaultKeyHex = "000102030405060708090a0b0c0d0e0f"

// DefaultServerConfig returns the out-of-the-box server configuration.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Port:       69,
		BackupDir:  "backup",
		KeyHex:     DefaultKeyHex,
		MaxRetries: 5,
		Timeout:    3 * time.Second,
		Logging:    LoggingConfig{Level: "INFO", Format: "text", Output: "stdout"},
		Metrics:    MetricsConfig{Enabled: false, Addr: ":9109"},
	}
}

// DefaultClientConfig returns the out-of-the-box client configuration.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		ServerAddr: "127.0.0.1",
		ServerPort: 69,
		KeyHex:     DefaultKeyHex,
		MaxRetries: 5,
		Timeout:    3 * time.Second,
		Logging:    LoggingConfig{Level: "INFO", Format: "text", Output: "stdout"},
	}
}

// LoadServerConfig builds a ServerConfig from defaults, an optional YAML
// file at configPath, and STFTP_-prefixed environment variables, in
// ascending precedence. An empty configPath skips the file layer.
func LoadServerConfig(configPath string) (*ServerConfig, error) {
	cfg := DefaultServerConfig()

	v := newViper(configPath)
	fileFound, err := readConfigFile(v, configPath)
	if err != nil {
		return nil, err
	}
	if fileFound {
		if err := v.Unmarshal(cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
			return nil, fmt.Errorf("config: unmarshal server config: %w", err)
		}
	}
	applyServerEnvOverrides(cfg)

	if err := ValidateServerConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadClientConfig builds a ClientConfig the same way LoadServerConfig
// builds a ServerConfig.
func LoadClientConfig(configPath string) (*ClientConfig, error) {
	cfg := DefaultClientConfig()

	v := newViper(configPath)
	fileFound, err := readConfigFile(v, configPath)
	if err != nil {
		return nil, err
	}
	if fileFound {
		if err := v.Unmarshal(cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
			return nil, fmt.Errorf("config: unmarshal client config: %w", err)
		}
	}
	applyClientEnvOverrides(cfg)

	if err := ValidateClientConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newViper(configPath string) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	}
	return v
}

func readConfigFile(v *viper.Viper, configPath string) (bool, error) {
	if configPath == "" {
		return false, nil
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("config: read config file: %w", err)
	}
	return true, nil
}

// applyServerEnvOverrides lets a small set of STFTP_* environment variables
// override individual fields without requiring a full config file, mirroring
// the flag > env > file > default precedence from the CLI layer.
func applyServerEnvOverrides(cfg *ServerConfig) {
	if v := os.Getenv("STFTP_KEY_HEX"); v != "" {
		cfg.KeyHex = v
	}
	if v := os.Getenv("STFTP_BACKUP_DIR"); v != "" {
		cfg.BackupDir = v
	}
	if v := os.Getenv("STFTP_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

func applyClientEnvOverrides(cfg *ClientConfig) {
	if v := os.Getenv("STFTP_KEY_HEX"); v != "" {
		cfg.KeyHex = v
	}
	if v := os.Getenv("STFTP_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// durationDecodeHook lets config files express Timeout as "3s" rather than
// a raw nanosecond count.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// ValidateServerConfig checks field-level constraints the way this
// codebase validates configuration elsewhere: explicit per-field checks
// rather than a struct-tag validator, since no such library earns its
// keep here.
func ValidateServerConfig(cfg *ServerConfig) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", cfg.Port)
	}
	if cfg.BackupDir == "" {
		return fmt.Errorf("config: backup_dir must not be empty")
	}
	if _, err := cryptoutil.ParseKeyHex(cfg.KeyHex); err != nil {
		return fmt.Errorf("config: key_hex: %w", err)
	}
	if cfg.MaxRetries < 1 {
		return fmt.Errorf("config: max_retries must be at least 1")
	}
	if cfg.Timeout <= 0 {
		return fmt.Errorf("config: timeout must be positive")
	}
	if err := validateLogging(cfg.Logging); err != nil {
		return err
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Addr == "" {
		return fmt.Errorf("config: metrics.addr must be set when metrics.enabled is true")
	}
	return nil
}

// ValidateClientConfig mirrors ValidateServerConfig for the client's
// smaller field set.
func ValidateClientConfig(cfg *ClientConfig) error {
	if cfg.ServerAddr == "" {
		return fmt.Errorf("config: server_addr must not be empty")
	}
	if cfg.ServerPort < 1 || cfg.ServerPort > 65535 {
		return fmt.Errorf("config: server_port %d out of range", cfg.ServerPort)
	}
	if _, err := cryptoutil.ParseKeyHex(cfg.KeyHex); err != nil {
		return fmt.Errorf("config: key_hex: %w", err)
	}
	if cfg.MaxRetries < 1 {
		return fmt.Errorf("config: max_retries must be at least 1")
	}
	if cfg.Timeout <= 0 {
		return fmt.Errorf("config: timeout must be positive")
	}
	return validateLogging(cfg.Logging)
}

func validateLogging(cfg LoggingConfig) error {
	switch strings.ToUpper(cfg.Level) {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return fmt.Errorf("config: logging.level %q is not one of DEBUG, INFO, WARN, ERROR", cfg.Level)
	}
	switch cfg.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: logging.format %q is not one of text, json", cfg.Format)
	}
	if cfg.Output == "" {
		return fmt.Errorf("config: logging.output must not be empty")
	}
	return nil
}

// SaveServerConfig writes cfg to path as YAML. Used by the
// `stftp-server config init` subcommand to bootstrap a starting config
// file.
func SaveServerConfig(cfg *ServerConfig, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal server config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}
