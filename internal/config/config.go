// Package config loads server configuration from an optional YAML file and
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds all server configuration. Every key can be overridden by an
// environment variable of the same name in upper case (FINDER_ROOT, ...).
type Config struct {
	// Server
	ListenAddr      string        `mapstructure:"listen_addr" yaml:"listen_addr" validate:"required"`
	MetricsAddr     string        `mapstructure:"metrics_addr" yaml:"metrics_addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" validate:"gt=0"`

	// TLS (optional, both or neither)
	TLSCertFile string `mapstructure:"tls_cert_file" yaml:"tls_cert_file" validate:"required_with=TLSKeyFile"`
	TLSKeyFile  string `mapstructure:"tls_key_file" yaml:"tls_key_file" validate:"required_with=TLSCertFile"`

	// Logging
	LogLevel  string `mapstructure:"log_level" yaml:"log_level" validate:"oneof=debug info warn error"`
	LogFormat string `mapstructure:"log_format" yaml:"log_format" validate:"oneof=json console"`
	LogOutput string `mapstructure:"log_output" yaml:"log_output"`

	// Volumes
	FinderRoot      string `mapstructure:"finder_root" yaml:"finder_root" validate:"required"`
	PrincipalNaming string `mapstructure:"principal_naming" yaml:"principal_naming" validate:"oneof=uuid sha256"`
	PrincipalSalt   string `mapstructure:"principal_salt" yaml:"principal_salt"`
	VolumeLabel     string `mapstructure:"volume_label" yaml:"volume_label"`
	ListWorkers     int    `mapstructure:"list_workers" yaml:"list_workers" validate:"min=1,max=256"`

	// Auth
	JWTSecret string        `mapstructure:"jwt_secret" yaml:"jwt_secret" validate:"required,min=16"`
	TokenTTL  time.Duration `mapstructure:"token_ttl" yaml:"token_ttl" validate:"gt=0"`

	// Database (optional, enables password login and WebDAV basic auth)
	DatabaseURL string `mapstructure:"database_url" yaml:"database_url"`

	// OIDC (optional)
	OIDCIssuerURL string `mapstructure:"oidc_issuer_url" yaml:"oidc_issuer_url" validate:"omitempty,url"`
	OIDCClientID  string `mapstructure:"oidc_client_id" yaml:"oidc_client_id" validate:"required_with=OIDCIssuerURL"`

	// Quotas
	RequestsPerMinute int `mapstructure:"requests_per_minute" yaml:"requests_per_minute" validate:"min=0"`

	// WebDAV
	WebDAVEnabled bool `mapstructure:"webdav_enabled" yaml:"webdav_enabled"`
}

var defaults = map[string]any{
	"listen_addr":         ":8080",
	"metrics_addr":        ":9090",
	"shutdown_timeout":    "30s",
	"tls_cert_file":       "",
	"tls_key_file":        "",
	"log_level":           "info",
	"log_format":          "json",
	"log_output":          "stdout",
	"finder_root":         "/data/finder",
	"principal_naming":    "uuid",
	"principal_salt":      "",
	"volume_label":        "Home",
	"list_workers":        8,
	"jwt_secret":          "",
	"token_ttl":           "720h",
	"database_url":        "",
	"oidc_issuer_url":     "",
	"oidc_client_id":      "",
	"requests_per_minute": 0,
	"webdav_enabled":      true,
}

// Load reads configuration. configPath may be empty, in which case
// $XDG_CONFIG_HOME/finder/config.yaml is used if it exists. Environment
// variables take precedence over the file.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// Defaults returns the configuration used when nothing is overridden. It
// does not pass validation because it has no JWT secret.
func Defaults() *Config {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("config defaults do not decode: %v", err))
	}
	return &cfg
}

func setupViper(v *viper.Viper, configPath string) {
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "finder")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "finder")
}

// DefaultConfigPath returns where Load looks when no path is given.
func DefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

const sampleHeader = `# finder server configuration.
# Every key may be overridden by an environment variable of the same name in
# upper case, e.g. FINDER_ROOT=/srv/finder or JWT_SECRET=...
`

// Sample renders a documented default configuration as YAML.
func Sample() ([]byte, error) {
	cfg := Defaults()
	cfg.JWTSecret = "change-me-to-a-long-random-secret"
	body, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal sample config: %w", err)
	}
	return append([]byte(sampleHeader), body...), nil
}
