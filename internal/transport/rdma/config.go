package rdma

import (
	"errors"
	"fmt"
	"time"
)

// Default connection parameters.
const (
	DefaultDeviceName      = "mlx5_0"
	DefaultIBPort          = 1
	DefaultGIDIndex        = 0
	DefaultCQDepth         = 16
	DefaultMaxSendWR       = 8
	DefaultMaxRecvWR       = 8
	DefaultMaxSGE          = 1
	DefaultPathMTU         = 1024
	DefaultHopLimit        = 1
	DefaultMinRNRTimer     = 12
	DefaultMaxDestRdAtomic = 1
	DefaultMaxRdAtomic     = 1
	DefaultTimeout         = 14
	DefaultRetryCount      = 7
	DefaultRNRRetry        = 7
)

// Config errors.
var (
	ErrInvalidConfig = errors.New("invalid RDMA configuration")
)

// Config holds the tuning knobs of a connection context.
type Config struct {
	DeviceName      string        `mapstructure:"device_name" yaml:"device_name"`
	PollInterval    time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	PollTimeout     time.Duration `mapstructure:"poll_timeout" yaml:"poll_timeout"`
	GIDIndex        int           `mapstructure:"gid_index" yaml:"gid_index"`
	CQDepth         int           `mapstructure:"cq_depth" yaml:"cq_depth"`
	MaxSendWR       int           `mapstructure:"max_send_wr" yaml:"max_send_wr"`
	MaxRecvWR       int           `mapstructure:"max_recv_wr" yaml:"max_recv_wr"`
	MaxSendSGE      int           `mapstructure:"max_send_sge" yaml:"max_send_sge"`
	MaxRecvSGE      int           `mapstructure:"max_recv_sge" yaml:"max_recv_sge"`
	PathMTU         int           `mapstructure:"path_mtu" yaml:"path_mtu"`
	PKeyIndex       uint16        `mapstructure:"pkey_index" yaml:"pkey_index"`
	IBPort          uint8         `mapstructure:"ib_port" yaml:"ib_port"`
	HopLimit        uint8         `mapstructure:"hop_limit" yaml:"hop_limit"`
	MinRNRTimer     uint8         `mapstructure:"min_rnr_timer" yaml:"min_rnr_timer"`
	MaxDestRdAtomic uint8         `mapstructure:"max_dest_rd_atomic" yaml:"max_dest_rd_atomic"`
	MaxRdAtomic     uint8         `mapstructure:"max_rd_atomic" yaml:"max_rd_atomic"`
	Timeout         uint8         `mapstructure:"timeout" yaml:"timeout"`
	RetryCount      uint8         `mapstructure:"retry_count" yaml:"retry_count"`
	RNRRetry        uint8         `mapstructure:"rnr_retry" yaml:"rnr_retry"`
	Simulated       bool          `mapstructure:"simulated" yaml:"simulated"`
}

// DefaultConfig returns a default RDMA configuration.
func DefaultConfig() *Config {
	return &Config{
		DeviceName:      DefaultDeviceName,
		IBPort:          DefaultIBPort,
		GIDIndex:        DefaultGIDIndex,
		CQDepth:         DefaultCQDepth,
		MaxSendWR:       DefaultMaxSendWR,
		MaxRecvWR:       DefaultMaxRecvWR,
		MaxSendSGE:      DefaultMaxSGE,
		MaxRecvSGE:      DefaultMaxSGE,
		PathMTU:         DefaultPathMTU,
		HopLimit:        DefaultHopLimit,
		MinRNRTimer:     DefaultMinRNRTimer,
		MaxDestRdAtomic: DefaultMaxDestRdAtomic,
		MaxRdAtomic:     DefaultMaxRdAtomic,
		Timeout:         DefaultTimeout,
		RetryCount:      DefaultRetryCount,
		RNRRetry:        DefaultRNRRetry,
		Simulated:       !HardwareSupport,
	}
}

// Validate checks that every value is representable by the provider.
func (c *Config) Validate() error {
	if c.DeviceName == "" {
		return fmt.Errorf("%w: device name is required", ErrInvalidConfig)
	}

	if c.IBPort == 0 {
		return fmt.Errorf("%w: ib_port must be at least 1", ErrInvalidConfig)
	}

	if c.GIDIndex < 0 {
		return fmt.Errorf("%w: gid_index must be non-negative", ErrInvalidConfig)
	}

	for name, v := range map[string]int{
		"cq_depth":     c.CQDepth,
		"max_send_wr":  c.MaxSendWR,
		"max_recv_wr":  c.MaxRecvWR,
		"max_send_sge": c.MaxSendSGE,
		"max_recv_sge": c.MaxRecvSGE,
	} {
		if v < 1 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, name)
		}
	}

	if c.CQDepth < c.MaxSendWR+c.MaxRecvWR {
		return fmt.Errorf("%w: cq_depth %d cannot hold %d outstanding work requests",
			ErrInvalidConfig, c.CQDepth, c.MaxSendWR+c.MaxRecvWR)
	}

	if _, ok := MTUFromBytes(c.PathMTU); !ok {
		return fmt.Errorf("%w: path_mtu %d is not one of 256, 512, 1024, 2048, 4096", ErrInvalidConfig, c.PathMTU)
	}

	// Retry counters are 3-bit fields; timers are 5-bit.
	if c.RetryCount > 7 || c.RNRRetry > 7 {
		return fmt.Errorf("%w: retry_count and rnr_retry must be at most 7", ErrInvalidConfig)
	}

	if c.Timeout > 31 || c.MinRNRTimer > 31 {
		return fmt.Errorf("%w: timeout and min_rnr_timer must be at most 31", ErrInvalidConfig)
	}

	if c.HopLimit == 0 {
		return fmt.Errorf("%w: hop_limit must be at least 1", ErrInvalidConfig)
	}

	if c.PollInterval < 0 || c.PollTimeout < 0 {
		return fmt.Errorf("%w: poll durations must be non-negative", ErrInvalidConfig)
	}

	return nil
}

// SpinPolicy controls how completions are awaited.
//
// The zero value spins without bound, yielding the processor between empty
// polls. A positive Interval sleeps between empty polls instead, and a
// positive Timeout gives up with ErrCompletionTimeout.
type SpinPolicy struct {
	Interval time.Duration
	Timeout  time.Duration
}

// SpinPolicy returns the completion wait policy described by the config.
func (c *Config) SpinPolicy() SpinPolicy {
	return SpinPolicy{Interval: c.PollInterval, Timeout: c.PollTimeout}
}

func (c *Config) pathMTU() PathMTU {
	mtu, _ := MTUFromBytes(c.PathMTU)
	return mtu
}
