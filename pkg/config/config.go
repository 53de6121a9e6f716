// Package config loads engine configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	"github.com/wehubfusion/Daedalus/pkg/executor"
	"github.com/wehubfusion/Daedalus/pkg/params"
	"github.com/wehubfusion/Daedalus/pkg/sandbox"
)

// Source indicates where a configuration value came from
type Source string

const (
	SourceEnvVar     Source = "environment_variable"
	SourceAutoDetect Source = "auto_detect"
	SourceDefault    Source = "default"
)

// Environment variables read by Load
const (
	EnvMaxConcurrent   = "DAEDALUS_MAX_CONCURRENT"
	EnvParamCacheTTL   = "DAEDALUS_PARAM_CACHE_TTL"
	EnvParamCacheSweep = "DAEDALUS_PARAM_CACHE_SWEEP"
	EnvScriptTimeout   = "DAEDALUS_SCRIPT_TIMEOUT"
	EnvScriptPoolSize  = "DAEDALUS_SCRIPT_POOL_SIZE"
	EnvHTTPTimeout     = "DAEDALUS_HTTP_TIMEOUT"
	EnvInternalBaseURL = "DAEDALUS_INTERNAL_BASE_URL"
	EnvReservedHeaders = "DAEDALUS_RESERVED_HEADERS"
)

const (
	defaultMaxConcurrent = 10
	defaultParamCacheTTL = 5 * time.Minute
	defaultHTTPTimeout   = 10 * time.Second
)

var defaultReservedHeaders = []string{"Authorization", "Cookie"}

// Config holds engine-wide settings
type Config struct {
	// MaxConcurrent bounds concurrent API parameter fetches
	MaxConcurrent int

	// ParamCacheTTL is the default lifetime of cached parameter values
	ParamCacheTTL time.Duration

	// ParamCacheSweep is the background sweep interval (default ParamCacheTTL/2)
	ParamCacheSweep time.Duration

	// ScriptTimeout is the default sandbox timeout, capped at sandbox.MaxTimeout
	ScriptTimeout time.Duration

	// ScriptPoolSize is the number of pooled script VMs
	ScriptPoolSize int

	// HTTPTimeout is the default per-attempt HTTP timeout
	HTTPTimeout time.Duration

	// InternalBaseURL is prepended to "/"-rooted internal request paths
	InternalBaseURL string

	// ReservedHeaders are owned by the internal transport and stripped from internal requests
	ReservedHeaders []string

	Source        Source
	IsKubernetes  bool
	EffectiveCPUs int
}

// Load reads configuration with priority: env vars > auto-detection > defaults
func Load() *Config {
	cfg := &Config{
		IsKubernetes:  isKubernetes(),
		EffectiveCPUs: concurrency.GetEffectiveCPUs(),
		Source:        SourceDefault,
	}

	if n := getEnvInt(EnvMaxConcurrent, 0); n > 0 {
		cfg.MaxConcurrent = n
		cfg.Source = SourceEnvVar
	} else {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}

	cfg.ParamCacheTTL = getEnvMillis(EnvParamCacheTTL, defaultParamCacheTTL)
	cfg.ParamCacheSweep = getEnvMillis(EnvParamCacheSweep, cfg.ParamCacheTTL/2)

	cfg.ScriptTimeout = getEnvMillis(EnvScriptTimeout, sandbox.DefaultTimeout)
	if cfg.ScriptTimeout > sandbox.MaxTimeout {
		cfg.ScriptTimeout = sandbox.MaxTimeout
	}

	if n := getEnvInt(EnvScriptPoolSize, 0); n > 0 {
		cfg.ScriptPoolSize = n
	} else {
		cfg.ScriptPoolSize = defaultPoolSize(cfg.IsKubernetes, cfg.EffectiveCPUs)
		if cfg.Source == SourceDefault {
			cfg.Source = SourceAutoDetect
		}
	}

	cfg.HTTPTimeout = getEnvMillis(EnvHTTPTimeout, defaultHTTPTimeout)
	cfg.InternalBaseURL = strings.TrimRight(os.Getenv(EnvInternalBaseURL), "/")

	if raw := os.Getenv(EnvReservedHeaders); raw != "" {
		cfg.ReservedHeaders = splitList(raw)
	} else {
		cfg.ReservedHeaders = append([]string(nil), defaultReservedHeaders...)
	}

	return cfg
}

// ResolverConfig projects the settings used by the parameter resolver
func (c *Config) ResolverConfig() params.ResolverConfig {
	return params.ResolverConfig{
		MaxConcurrent:   c.MaxConcurrent,
		DefaultCacheTTL: c.ParamCacheTTL,
		SweepInterval:   c.ParamCacheSweep,
		ScriptTimeout:   c.ScriptTimeout,
		HTTPTimeout:     c.HTTPTimeout,
		APIBaseURL:      c.InternalBaseURL,
	}
}

// SandboxConfig projects the settings used by the script sandbox
func (c *Config) SandboxConfig() sandbox.Config {
	cfg := sandbox.DefaultConfig()
	cfg.PoolSize = c.ScriptPoolSize
	cfg.DefaultTimeout = c.ScriptTimeout
	return cfg
}

// HTTPConfig projects the settings used by the HTTP executor
func (c *Config) HTTPConfig() executor.HTTPSettings {
	return executor.HTTPSettings{
		DefaultTimeout:  c.HTTPTimeout,
		InternalBaseURL: c.InternalBaseURL,
		ReservedHeaders: append([]string(nil), c.ReservedHeaders...),
	}
}

// String returns a formatted representation of the config
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{MaxConcurrent: %d, ParamCacheTTL: %s, ScriptTimeout: %s, ScriptPoolSize: %d, HTTPTimeout: %s, InternalBaseURL: %q, IsK8s: %t, CPUs: %d, Source: %s}",
		c.MaxConcurrent,
		c.ParamCacheTTL,
		c.ScriptTimeout,
		c.ScriptPoolSize,
		c.HTTPTimeout,
		c.InternalBaseURL,
		c.IsKubernetes,
		c.EffectiveCPUs,
		c.Source,
	)
}

// isKubernetes detects if the application is running in Kubernetes
func isKubernetes() bool {
	return os.Getenv("KUBERNETES_SERVICE_HOST") != ""
}

func defaultPoolSize(isK8s bool, cpus int) int {
	if isK8s {
		return max(cpus, 2)
	}
	return max(cpus*2, 4)
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return n
		}
	}
	return defaultValue
}

// getEnvMillis reads a positive millisecond count
func getEnvMillis(key string, defaultValue time.Duration) time.Duration {
	if ms := getEnvInt(key, 0); ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
