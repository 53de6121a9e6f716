package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/wehubfusion/Daedalus/pkg/sandbox"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		EnvMaxConcurrent, EnvParamCacheTTL, EnvParamCacheSweep, EnvScriptTimeout,
		EnvScriptPoolSize, EnvHTTPTimeout, EnvInternalBaseURL, EnvReservedHeaders,
	} {
		t.Setenv(key, "")
	}

	cfg := Load()

	assert.Equal(t, 10, cfg.MaxConcurrent)
	assert.Equal(t, 5*time.Minute, cfg.ParamCacheTTL)
	assert.Equal(t, 150*time.Second, cfg.ParamCacheSweep)
	assert.Equal(t, sandbox.DefaultTimeout, cfg.ScriptTimeout)
	assert.Equal(t, 10*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, []string{"Authorization", "Cookie"}, cfg.ReservedHeaders)
	assert.Positive(t, cfg.ScriptPoolSize)
	assert.Equal(t, SourceAutoDetect, cfg.Source)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv(EnvMaxConcurrent, "3")
	t.Setenv(EnvParamCacheTTL, "1000")
	t.Setenv(EnvParamCacheSweep, "")
	t.Setenv(EnvScriptTimeout, "60000")
	t.Setenv(EnvScriptPoolSize, "7")
	t.Setenv(EnvHTTPTimeout, "2500")
	t.Setenv(EnvInternalBaseURL, "http://gateway.local/")
	t.Setenv(EnvReservedHeaders, "Authorization, X-Tenant ,")

	cfg := Load()

	assert.Equal(t, 3, cfg.MaxConcurrent)
	assert.Equal(t, SourceEnvVar, cfg.Source)
	assert.Equal(t, time.Second, cfg.ParamCacheTTL)
	assert.Equal(t, 500*time.Millisecond, cfg.ParamCacheSweep)
	assert.Equal(t, sandbox.MaxTimeout, cfg.ScriptTimeout, "script timeout is capped")
	assert.Equal(t, 7, cfg.ScriptPoolSize)
	assert.Equal(t, 2500*time.Millisecond, cfg.HTTPTimeout)
	assert.Equal(t, "http://gateway.local", cfg.InternalBaseURL)
	assert.Equal(t, []string{"Authorization", "X-Tenant"}, cfg.ReservedHeaders)
}

func TestProjections(t *testing.T) {
	t.Setenv(EnvInternalBaseURL, "http://gateway.local")
	cfg := Load()

	rc := cfg.ResolverConfig()
	assert.Equal(t, cfg.MaxConcurrent, rc.MaxConcurrent)
	assert.Equal(t, cfg.ParamCacheTTL, rc.DefaultCacheTTL)

	sc := cfg.SandboxConfig()
	assert.Equal(t, cfg.ScriptPoolSize, sc.PoolSize)
	assert.Equal(t, cfg.ScriptTimeout, sc.DefaultTimeout)

	hc := cfg.HTTPConfig()
	assert.Equal(t, "http://gateway.local", hc.InternalBaseURL)
	assert.Equal(t, cfg.HTTPTimeout, hc.DefaultTimeout)
	assert.Contains(t, cfg.String(), "MaxConcurrent: ")
}
