// Package config provides configuration management for rdmalink.
//
// Configuration is loaded from multiple sources with the following precedence:
//  1. Command-line flags (highest priority)
//  2. Environment variables (RDMALINK_* prefix, e.g. RDMALINK_RDMA_DEVICE_NAME)
//  3. Configuration file (rdmalink.yaml)
//  4. Default values (lowest priority)
//
// Example usage:
//
//	cfg, err := config.Load("/etc/rdmalink/rdmalink.yaml", config.Options{})
//	if err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/piwi3910/rdmalink/internal/bench"
	"github.com/piwi3910/rdmalink/internal/control"
	"github.com/piwi3910/rdmalink/internal/metrics"
	"github.com/piwi3910/rdmalink/internal/transport"
	"github.com/piwi3910/rdmalink/internal/transport/rdma"
)

// EnvPrefix is the prefix of environment overrides.
const EnvPrefix = "RDMALINK"

// Config holds all configuration for rdmalink
type Config struct {
	// Transport selects the communicator: rdma or tcp
	Transport string `mapstructure:"transport" yaml:"transport"`

	// LogLevel is a zerolog level name
	LogLevel string `mapstructure:"log_level" yaml:"log_level"`

	Control control.Config `mapstructure:"control" yaml:"control"`
	RDMA    rdma.Config    `mapstructure:"rdma" yaml:"rdma"`
	Bench   bench.Config   `mapstructure:"bench" yaml:"bench"`
	Metrics MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`

	// File is the configuration file that was read, if any
	File string `mapstructure:"-" yaml:"-"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Address string `mapstructure:"address" yaml:"address"`
}

// Options are command line overrides. Zero values leave the loaded value alone.
type Options struct {
	Transport string
	Device    string
	Address   string
	LogLevel  string
	Port      int
	// GIDIndex overrides rdma.gid_index when non-nil
	GIDIndex *int
	// Simulated overrides rdma.simulated when non-nil
	Simulated *bool
}

// Load loads configuration from file and applies command line options
func Load(configPath string, opts Options) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("rdmalink")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/rdmalink")
		v.AddConfigPath("$HOME/.rdmalink")

		// Ignore error if config file not found
		_ = v.ReadInConfig()
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	applyOptions(v, opts)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.File = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyOptions(v *viper.Viper, opts Options) {
	if opts.Transport != "" {
		v.Set("transport", opts.Transport)
	}

	if opts.Device != "" {
		v.Set("rdma.device_name", opts.Device)
	}

	if opts.Address != "" {
		v.Set("control.address", opts.Address)
	}

	if opts.Port != 0 {
		v.Set("control.port", opts.Port)
	}

	if opts.GIDIndex != nil {
		v.Set("rdma.gid_index", *opts.GIDIndex)
	}

	if opts.LogLevel != "" {
		v.Set("log_level", opts.LogLevel)
	}

	if opts.Simulated != nil {
		v.Set("rdma.simulated", *opts.Simulated)
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("transport", transport.NameRDMA)
	v.SetDefault("log_level", "info")

	// Control channel
	ctl := control.DefaultConfig()
	v.SetDefault("control.address", ctl.Address)
	v.SetDefault("control.port", ctl.Port)
	v.SetDefault("control.dial_timeout", ctl.DialTimeout)
	v.SetDefault("control.dial_retries", ctl.DialRetries)
	v.SetDefault("control.retry_interval", ctl.RetryInterval)

	// RDMA connection context
	r := rdma.DefaultConfig()
	v.SetDefault("rdma.device_name", r.DeviceName)
	v.SetDefault("rdma.simulated", r.Simulated)
	v.SetDefault("rdma.ib_port", r.IBPort)
	v.SetDefault("rdma.gid_index", r.GIDIndex)
	v.SetDefault("rdma.cq_depth", r.CQDepth)
	v.SetDefault("rdma.max_send_wr", r.MaxSendWR)
	v.SetDefault("rdma.max_recv_wr", r.MaxRecvWR)
	v.SetDefault("rdma.max_send_sge", r.MaxSendSGE)
	v.SetDefault("rdma.max_recv_sge", r.MaxRecvSGE)
	v.SetDefault("rdma.path_mtu", r.PathMTU)
	v.SetDefault("rdma.pkey_index", r.PKeyIndex)
	v.SetDefault("rdma.hop_limit", r.HopLimit)
	v.SetDefault("rdma.min_rnr_timer", r.MinRNRTimer)
	v.SetDefault("rdma.max_dest_rd_atomic", r.MaxDestRdAtomic)
	v.SetDefault("rdma.max_rd_atomic", r.MaxRdAtomic)
	v.SetDefault("rdma.timeout", r.Timeout)
	v.SetDefault("rdma.retry_count", r.RetryCount)
	v.SetDefault("rdma.rnr_retry", r.RNRRetry)
	v.SetDefault("rdma.poll_interval", r.PollInterval)
	v.SetDefault("rdma.poll_timeout", r.PollTimeout)

	// Bandwidth test
	b := bench.DefaultConfig()
	v.SetDefault("bench.buffer_size", b.BufferSize)
	v.SetDefault("bench.chunk_size", b.ChunkSize)
	v.SetDefault("bench.iterations", b.Iterations)
	v.SetDefault("bench.warmup", b.Warmup)

	// Metrics
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.address", metrics.DefaultAddress)
}

// Validate checks every section.
func (c *Config) Validate() error {
	if _, err := transport.ParseName(c.Transport); err != nil {
		return fmt.Errorf("invalid transport: %w", err)
	}

	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}

	if c.Control.Port <= 0 || c.Control.Port > 65535 {
		return fmt.Errorf("control.port must be between 1 and 65535, got %d", c.Control.Port)
	}

	if c.Control.DialRetries < 0 {
		return fmt.Errorf("control.dial_retries must not be negative, got %d", c.Control.DialRetries)
	}

	if err := c.RDMA.Validate(); err != nil {
		return err
	}

	if err := c.Bench.Validate(); err != nil {
		return err
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return errors.New("metrics.address is required when metrics are enabled")
	}

	return nil
}

// YAML renders the effective configuration.
func (c *Config) YAML() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}

	return out, nil
}
