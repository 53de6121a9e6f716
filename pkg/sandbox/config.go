package sandbox

import (
	"fmt"
	"runtime"
	"time"
)

const (
	// DefaultTimeout applies when Options.Timeout is zero
	DefaultTimeout = 5 * time.Second

	// MaxTimeout is the hard cap for any script run
	MaxTimeout = 30 * time.Second

	defaultMaxCallStackSize = 256
	defaultMaxReuseCount    = 1000
	defaultMaxLogs          = 200
)

// Config holds sandbox-wide settings
type Config struct {
	// PoolSize is the maximum number of pooled VMs
	PoolSize int `json:"pool_size,omitempty"`

	// MaxReuseCount recreates a VM after this many runs
	MaxReuseCount int `json:"max_reuse_count,omitempty"`

	// DefaultTimeout applies when a run does not set one
	DefaultTimeout time.Duration `json:"default_timeout,omitempty"`

	// MaxTimeout caps every run's timeout
	MaxTimeout time.Duration `json:"max_timeout,omitempty"`

	// MaxCallStackSize bounds recursion depth
	MaxCallStackSize int `json:"max_call_stack_size,omitempty"`

	// MaxLogs bounds captured console lines per run
	MaxLogs int `json:"max_logs,omitempty"`
}

// DefaultConfig returns the default sandbox configuration
func DefaultConfig() Config {
	return Config{
		PoolSize:         runtime.GOMAXPROCS(0) * 2,
		MaxReuseCount:    defaultMaxReuseCount,
		DefaultTimeout:   DefaultTimeout,
		MaxTimeout:       MaxTimeout,
		MaxCallStackSize: defaultMaxCallStackSize,
		MaxLogs:          defaultMaxLogs,
	}
}

// ApplyDefaults sets default values for unset fields
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	if c.PoolSize <= 0 {
		c.PoolSize = d.PoolSize
	}
	if c.MaxReuseCount <= 0 {
		c.MaxReuseCount = d.MaxReuseCount
	}
	if c.MaxTimeout <= 0 || c.MaxTimeout > MaxTimeout {
		c.MaxTimeout = MaxTimeout
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = DefaultTimeout
	}
	if c.DefaultTimeout > c.MaxTimeout {
		c.DefaultTimeout = c.MaxTimeout
	}
	if c.MaxCallStackSize <= 0 {
		c.MaxCallStackSize = d.MaxCallStackSize
	}
	if c.MaxLogs <= 0 {
		c.MaxLogs = d.MaxLogs
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.PoolSize <= 0 {
		return fmt.Errorf("pool_size must be positive")
	}
	if c.DefaultTimeout <= 0 {
		return fmt.Errorf("default_timeout must be positive")
	}
	if c.MaxTimeout > MaxTimeout {
		return fmt.Errorf("max_timeout must not exceed %s", MaxTimeout)
	}
	if c.MaxCallStackSize <= 0 {
		return fmt.Errorf("max_call_stack_size must be positive")
	}
	return nil
}

// EffectiveTimeout resolves a requested timeout against the defaults and the cap
func (c *Config) EffectiveTimeout(requested time.Duration) time.Duration {
	if requested <= 0 {
		requested = c.DefaultTimeout
	}
	if requested > c.MaxTimeout {
		requested = c.MaxTimeout
	}
	return requested
}

// Options control a single script run
type Options struct {
	// Timeout for this run; zero means the sandbox default
	Timeout time.Duration

	// AllowConsole exposes a capturing console object
	AllowConsole bool

	// Async wraps the source in an async function so it may use await
	Async bool
}
