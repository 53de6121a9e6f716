package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("DAEDALUS_TRACE_ENDPOINT", "collector:4318")
	t.Setenv("DAEDALUS_TRACE_ENVIRONMENT", "prod")
	t.Setenv("DAEDALUS_TRACE_INSECURE", "false")
	t.Setenv("DAEDALUS_TRACE_SAMPLE_RATIO", "0.25")

	cfg := ConfigFromEnv("daedalus-test")
	assert.Equal(t, "daedalus-test", cfg.ServiceName)
	assert.Equal(t, "collector:4318", cfg.OTLPEndpoint)
	assert.Equal(t, "prod", cfg.Environment)
	assert.False(t, cfg.Insecure)
	assert.Equal(t, 0.25, cfg.SampleRatio)
}

func TestConfigFromEnvIgnoresInvalidRatio(t *testing.T) {
	t.Setenv("DAEDALUS_TRACE_SAMPLE_RATIO", "2")
	assert.Equal(t, 1.0, ConfigFromEnv("svc").SampleRatio)
}

func TestSetupAndShutdown(t *testing.T) {
	shutdown, err := SetupTracing(context.Background(), DefaultConfig("daedalus-test"), nil)
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, ShutdownTracing(shutdown, nil))
	assert.NoError(t, ShutdownTracing(nil, nil))
}
