// Package config loads settings from defaults, an optional .safedeps.yaml,
// a .env file and SAFEDEPS_* environment variables, in increasing priority.
// Command-line flags are bound on top by the CLI.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvPrefix = "SAFEDEPS"
	FileName  = ".safedeps"
)

// Config is the typed view of every setting
type Config struct {
	Debug          bool          `mapstructure:"debug"`
	JSONLogs       bool          `mapstructure:"json_logs"`
	LogFile        string        `mapstructure:"log_file"`
	Registry       string        `mapstructure:"registry"`
	OSVURL         string        `mapstructure:"osv_url"`
	Catalog        string        `mapstructure:"catalog"`
	Agent          string        `mapstructure:"agent"`
	MinNode        string        `mapstructure:"min_node"`
	HTTPTimeout    time.Duration `mapstructure:"http_timeout"`
	InstallTimeout time.Duration `mapstructure:"install_timeout"`
	MetricsAddr    string        `mapstructure:"metrics_addr"`

	Optimize OptimizeConfig `mapstructure:"optimize"`
	Fix      FixConfig      `mapstructure:"fix"`
	Server   ServerConfig   `mapstructure:"server"`
}

type OptimizeConfig struct {
	Pin  bool `mapstructure:"pin"`
	Prod bool `mapstructure:"prod"`
}

type FixConfig struct {
	RangeStyle string `mapstructure:"range_style"`
	Limit      int    `mapstructure:"limit"`
	Test       bool   `mapstructure:"test"`
	TestScript string `mapstructure:"test_script"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
	// AllowedRoots restricts which project paths clients may name. Empty
	// allows any path.
	AllowedRoots []string `mapstructure:"allowed_roots"`
}

// SetDefaults registers every key so environment overrides reach Unmarshal
func SetDefaults(v *viper.Viper) {
	v.SetDefault("debug", false)
	v.SetDefault("json_logs", false)
	v.SetDefault("log_file", "")
	v.SetDefault("registry", "https://registry.npmjs.org")
	v.SetDefault("osv_url", "https://api.osv.dev")
	v.SetDefault("catalog", "")
	v.SetDefault("agent", "")
	v.SetDefault("min_node", "")
	v.SetDefault("http_timeout", 30*time.Second)
	v.SetDefault("install_timeout", 10*time.Minute)
	v.SetDefault("metrics_addr", "")

	v.SetDefault("optimize.pin", false)
	v.SetDefault("optimize.prod", false)

	v.SetDefault("fix.range_style", "preserve")
	v.SetDefault("fix.limit", 0)
	v.SetDefault("fix.test", false)
	v.SetDefault("fix.test_script", "test")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.allowed_roots", []string{})
}

// Load reads configuration for the project in dir. cfgFile, when set,
// replaces the .safedeps.yaml lookup and must exist.
func Load(v *viper.Viper, dir, cfgFile string) (*Config, error) {
	if err := godotenv.Load(filepath.Join(dir, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(dir)
		v.SetConfigName(FileName)
		v.SetConfigType("yaml")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values viper cannot type-check
func (c *Config) Validate() error {
	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("http_timeout must be positive, got %s", c.HTTPTimeout)
	}
	if c.InstallTimeout <= 0 {
		return fmt.Errorf("install_timeout must be positive, got %s", c.InstallTimeout)
	}
	if c.Fix.Limit < 0 {
		return fmt.Errorf("fix.limit must not be negative, got %d", c.Fix.Limit)
	}
	if c.Registry == "" {
		return fmt.Errorf("registry must be set")
	}
	return nil
}
