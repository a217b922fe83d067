// Package config loads dojo-insight configuration from a YAML file, a .env
// file and DOJO_ prefixed environment variables, in increasing precedence.
//
// Example (config.yaml):
//
//	upstream:
//	  base_url: https://dojo.example.com
//	  api_key: ${DOJO_UPSTREAM_API_KEY}
//	cache:
//	  ttl: 5m
//	server:
//	  address: ":8080"
//
// Every key can be overridden from the environment: upstream.api_key is
// DOJO_UPSTREAM_API_KEY, cache.ttl is DOJO_CACHE_TTL.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/exploopio/insight/pkg/cache"
	"github.com/exploopio/insight/pkg/client"
	inserrors "github.com/exploopio/insight/pkg/errors"
	"github.com/exploopio/insight/pkg/query"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DOJO"

// Config is the process configuration. It is read once at start.
type Config struct {
	Upstream    UpstreamConfig `yaml:"upstream" mapstructure:"upstream"`
	Cache       CacheConfig    `yaml:"cache" mapstructure:"cache"`
	Query       QueryConfig    `yaml:"query" mapstructure:"query"`
	AliasesFile string         `yaml:"aliases_file" mapstructure:"aliases_file"`
	// Components extends the built-in component dictionary.
	Components []string     `yaml:"components" mapstructure:"components"`
	Server     ServerConfig `yaml:"server" mapstructure:"server"`
	Log        LogConfig    `yaml:"log" mapstructure:"log"`
}

// UpstreamConfig configures the tracker client.
type UpstreamConfig struct {
	BaseURL    string        `yaml:"base_url" mapstructure:"base_url"`
	APIKey     string        `yaml:"api_key" mapstructure:"api_key"`
	AuthScheme string        `yaml:"auth_scheme" mapstructure:"auth_scheme"`
	Timeout    time.Duration `yaml:"timeout" mapstructure:"timeout"`
	RateLimit  float64       `yaml:"rate_limit" mapstructure:"rate_limit"`
	Burst      int           `yaml:"burst" mapstructure:"burst"`
	PageSize   int           `yaml:"page_size" mapstructure:"page_size"`
}

type CacheConfig struct {
	TTL time.Duration `yaml:"ttl" mapstructure:"ttl"`
}

type QueryConfig struct {
	DefaultLimit int `yaml:"default_limit" mapstructure:"default_limit"`
	TopProducts  int `yaml:"top_products" mapstructure:"top_products"`
}

type ServerConfig struct {
	Address     string `yaml:"address" mapstructure:"address"`
	MetricsPath string `yaml:"metrics_path" mapstructure:"metrics_path"`
}

type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`   // debug, info, warn, error
	Format string `yaml:"format" mapstructure:"format"` // json or console
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Upstream: UpstreamConfig{
			AuthScheme: "Token",
			Timeout:    30 * time.Second,
			PageSize:   cache.DefaultPageSize,
		},
		Cache: CacheConfig{TTL: cache.DefaultTTL},
		Query: QueryConfig{
			DefaultLimit: query.DefaultLimit,
			TopProducts:  5,
		},
		Server: ServerConfig{
			Address:     ":8080",
			MetricsPath: "/metrics",
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads configuration. An empty path searches ./config.yaml and
// $HOME/.dojo-insight/config.yaml; a missing file there is not an error. A
// .env file in the working directory is loaded first when present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v, Default())

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home + "/.dojo-insight")
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Upstream.APIKey = os.ExpandEnv(cfg.Upstream.APIKey)
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("upstream.base_url", d.Upstream.BaseURL)
	v.SetDefault("upstream.api_key", d.Upstream.APIKey)
	v.SetDefault("upstream.auth_scheme", d.Upstream.AuthScheme)
	v.SetDefault("upstream.timeout", d.Upstream.Timeout)
	v.SetDefault("upstream.rate_limit", d.Upstream.RateLimit)
	v.SetDefault("upstream.burst", d.Upstream.Burst)
	v.SetDefault("upstream.page_size", d.Upstream.PageSize)
	v.SetDefault("cache.ttl", d.Cache.TTL)
	v.SetDefault("query.default_limit", d.Query.DefaultLimit)
	v.SetDefault("query.top_products", d.Query.TopProducts)
	v.SetDefault("aliases_file", d.AliasesFile)
	v.SetDefault("components", d.Components)
	v.SetDefault("server.address", d.Server.Address)
	v.SetDefault("server.metrics_path", d.Server.MetricsPath)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// Validate checks the settings every command needs. A missing API key is
// reported as errors.ErrMissingAPIKey so callers can point at the variable.
func (c *Config) Validate() error {
	const op = "config.Validate"
	if c.Upstream.BaseURL == "" {
		return inserrors.E(op, "upstream.base_url is required", inserrors.ErrInvalidConfig)
	}
	u, err := url.Parse(c.Upstream.BaseURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return inserrors.E(op, fmt.Sprintf("upstream.base_url %q is not an http(s) URL", c.Upstream.BaseURL), inserrors.ErrInvalidConfig)
	}
	if c.Upstream.APIKey == "" {
		return inserrors.E(op, "set upstream.api_key or "+EnvPrefix+"_UPSTREAM_API_KEY", inserrors.ErrMissingAPIKey)
	}
	switch c.Upstream.AuthScheme {
	case "", "Token", "Bearer":
	default:
		return inserrors.E(op, fmt.Sprintf("upstream.auth_scheme %q must be Token or Bearer", c.Upstream.AuthScheme), inserrors.ErrInvalidConfig)
	}
	if c.Upstream.PageSize < 0 || c.Query.DefaultLimit < 0 || c.Query.TopProducts < 0 {
		return inserrors.E(op, "sizes and limits must not be negative", inserrors.ErrInvalidConfig)
	}
	if c.Cache.TTL < 0 {
		return inserrors.E(op, "cache.ttl must not be negative", inserrors.ErrInvalidConfig)
	}
	return nil
}

// ClientConfig maps the upstream section onto a client configuration.
func (c *Config) ClientConfig() *client.Config {
	cc := client.DefaultConfig()
	cc.BaseURL = strings.TrimRight(c.Upstream.BaseURL, "/")
	cc.APIKey = c.Upstream.APIKey
	if c.Upstream.AuthScheme != "" {
		cc.AuthScheme = c.Upstream.AuthScheme
	}
	if c.Upstream.Timeout > 0 {
		cc.Timeout = c.Upstream.Timeout
	}
	cc.RateLimit = c.Upstream.RateLimit
	cc.Burst = c.Upstream.Burst
	return cc
}
