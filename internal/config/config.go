// Package config provides configuration management for the address
// pool daemon.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for poold.
type Config struct {
	Server      ServerConfig      `mapstructure:"server" yaml:"server"`
	Pool        PoolConfig        `mapstructure:"pool" yaml:"pool"`
	Route       RouteConfig       `mapstructure:"route" yaml:"route"`
	RateLimiter RateLimiterConfig `mapstructure:"rate_limiter" yaml:"rate_limiter"`
	Metrics     MetricsConfig     `mapstructure:"metrics" yaml:"metrics"`
	Logging     LoggingConfig     `mapstructure:"logging" yaml:"logging"`
}

// ServerConfig holds HTTP server configuration for the RPC surface.
type ServerConfig struct {
	Port            int           `mapstructure:"port" yaml:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// PoolConfig holds the address-pool tuning parameters.
type PoolConfig struct {
	Iface              string        `mapstructure:"iface" yaml:"iface"`
	PrefixBits         int           `mapstructure:"prefix_bits" yaml:"prefix_bits"`
	UsableNum          int           `mapstructure:"usable_num" yaml:"usable_num"`
	CheckURL           string        `mapstructure:"check_url" yaml:"check_url"`
	CheckTimeout       time.Duration `mapstructure:"check_timeout" yaml:"check_timeout"`
	CheckParallelism   int           `mapstructure:"check_parallelism" yaml:"check_parallelism"`
	SaveInterval       time.Duration `mapstructure:"save_interval" yaml:"save_interval"`
	MirrorSyncInterval time.Duration `mapstructure:"mirror_sync_interval" yaml:"mirror_sync_interval"`
	DBRoot             string        `mapstructure:"db_root" yaml:"db_root"`
	DefaultDBName      string        `mapstructure:"default_dbname" yaml:"default_dbname"`
}

// RouteConfig holds the NDP-proxy reconcile loop's tuning parameters.
type RouteConfig struct {
	NdppdConfPath string        `mapstructure:"ndppd_conf_path" yaml:"ndppd_conf_path"`
	RestartCmd    []string      `mapstructure:"restart_cmd" yaml:"restart_cmd"`
	CheckInterval time.Duration `mapstructure:"check_interval" yaml:"check_interval"`
}

// RateLimiterConfig holds RPC-surface rate limiting.
type RateLimiterConfig struct {
	Enabled           bool    `mapstructure:"enabled" yaml:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	BurstSize         int     `mapstructure:"burst_size" yaml:"burst_size"`
}

// MetricsConfig holds Prometheus metrics configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Port    int    `mapstructure:"port" yaml:"port"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	Output string `mapstructure:"output" yaml:"output"`
}

// Load reads configuration from file and environment variables.
// configPath may be empty, in which case config.yaml is looked up in
// the working directory and /etc/poold/. A config file that does not
// exist, whether named or searched for, leaves the defaults in place.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/poold/")
	}

	v.SetEnvPrefix("POOLD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 16000)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("pool.iface", "eth0")
	v.SetDefault("pool.prefix_bits", 64)
	v.SetDefault("pool.usable_num", 20)
	v.SetDefault("pool.check_url", "http://ifconfig.me/ip")
	v.SetDefault("pool.check_timeout", "5s")
	v.SetDefault("pool.check_parallelism", 8)
	v.SetDefault("pool.save_interval", "2s")
	v.SetDefault("pool.mirror_sync_interval", "2s")
	v.SetDefault("pool.db_root", "/var/lib/poold")
	v.SetDefault("pool.default_dbname", "default")

	v.SetDefault("route.ndppd_conf_path", "/etc/ndppd.conf")
	v.SetDefault("route.restart_cmd", []string{"systemctl", "restart", "ndppd"})
	v.SetDefault("route.check_interval", "1800s")

	v.SetDefault("rate_limiter.enabled", true)
	v.SetDefault("rate_limiter.requests_per_second", 200.0)
	v.SetDefault("rate_limiter.burst_size", 50)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 16001)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Pool.Iface == "" {
		return fmt.Errorf("pool.iface is required")
	}
	if c.Pool.PrefixBits <= 0 || c.Pool.PrefixBits > 128 {
		return fmt.Errorf("invalid pool.prefix_bits: %d", c.Pool.PrefixBits)
	}
	if c.Pool.UsableNum <= 0 {
		return fmt.Errorf("pool.usable_num must be positive")
	}
	if c.Pool.CheckURL == "" {
		return fmt.Errorf("pool.check_url is required")
	}
	if c.Pool.CheckTimeout <= 0 {
		return fmt.Errorf("pool.check_timeout must be positive")
	}
	if len(c.Route.RestartCmd) == 0 {
		return fmt.Errorf("route.restart_cmd is required")
	}
	if c.RateLimiter.Enabled && c.RateLimiter.RequestsPerSecond <= 0 {
		return fmt.Errorf("rate_limiter.requests_per_second must be positive when enabled")
	}
	return nil
}
