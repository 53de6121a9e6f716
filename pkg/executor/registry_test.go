package executor

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sync"
	"testing"

	"github.com/getsentry/sentry-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/params"
)

type stubExecutor struct {
	typ string
	fn  func(cfg *Config) *Result
}

func (s *stubExecutor) Type() string { return s.typ }

func (s *stubExecutor) Execute(_ context.Context, cfg *Config, _ params.ParamContext) *Result {
	return s.fn(cfg)
}

func TestRegistryDispatch(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubExecutor{typ: "Custom", fn: func(cfg *Config) *Result {
		return newBuilder(cfg.Type).success(cfg.ID)
	}})

	assert.True(t, r.IsSupported("custom"))
	assert.True(t, r.IsSupported(" CUSTOM "))
	assert.False(t, r.IsSupported("http"))
	assert.Equal(t, []string{"custom"}, r.Types())

	res := r.Execute(context.Background(), &Config{ID: "c-1", Type: "custom"}, params.NewContext(nil))
	require.True(t, res.Success)
	assert.Equal(t, "c-1", res.Data)

	r.Clear()
	assert.False(t, r.IsSupported("custom"))
	assert.Empty(t, r.Types())
}

func TestRegistryFailuresNeverPanic(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubExecutor{typ: "panics", fn: func(*Config) *Result { panic("kaboom") }})
	r.Register(&stubExecutor{typ: "nil", fn: func(*Config) *Result { return nil }})
	pctx := params.NewContext(nil)

	res := r.Execute(context.Background(), &Config{ID: "x", Type: "mqtt"}, pctx)
	require.False(t, res.Success)
	assert.Equal(t, errors.TypeValidation, res.ErrorType)
	assert.Contains(t, res.Error, `no executor registered for type "mqtt"`)
	assert.Equal(t, "mqtt", res.Type)

	res = r.Execute(context.Background(), nil, pctx)
	require.False(t, res.Success)
	assert.Equal(t, errors.TypeValidation, res.ErrorType)

	res = r.Execute(context.Background(), &Config{Type: "panics"}, pctx)
	require.False(t, res.Success)
	assert.Equal(t, errors.TypeSystem, res.ErrorType)
	assert.Contains(t, res.Error, "kaboom")

	res = r.Execute(context.Background(), &Config{Type: "nil"}, pctx)
	require.False(t, res.Success)
	assert.Equal(t, errors.TypeSystem, res.ErrorType)

	m := r.Metrics().GetMetrics()
	assert.Equal(t, int64(3), m.TotalFailures)
	assert.Equal(t, int64(1), m.FailuresByType[errors.TypeValidation])
	assert.Equal(t, int64(2), m.FailuresByType[errors.TypeSystem])
	assert.Equal(t, float64(100), r.Metrics().ErrorRate())
}

func TestDefaultRegistry(t *testing.T) {
	sb := newTestSandbox(t)
	r := NewDefaultRegistry(Dependencies{
		Resolver:  newTestResolver(t, sb),
		Evaluator: sb,
		Settings:  DefaultHTTPSettings(),
	})

	assert.Equal(t, []string{"api", "http", "json", "script", "static", "websocket", "ws"}, r.Types())

	var cfg Config
	require.NoError(t, json.Unmarshal([]byte(`{
		"id": "ds-json",
		"type": "static",
		"config": {
			"data": {"greeting": "hello ${who}"},
			"dynamicParams": [{"name": "who", "source": "context", "defaultValue": "world"}]
		}
	}`), &cfg))

	res := r.Execute(context.Background(), &cfg, params.NewContext(nil))
	require.True(t, res.Success, res.Error)
	assert.Equal(t, map[string]any{"greeting": "hello world"}, res.Data)
	assert.Equal(t, "static", res.Type)

	res = r.Execute(context.Background(), &Config{Type: "script", Script: &ScriptConfig{Script: "return 1 + 1;"}}, params.NewContext(nil))
	require.True(t, res.Success, res.Error)
	assert.Equal(t, float64(2), res.Data)

	m := r.Metrics().GetMetrics()
	assert.Equal(t, int64(2), m.TotalSuccesses)
	assert.Equal(t, int64(1), m.ExecutionsByKind["static"])
	assert.Equal(t, int64(1), m.ExecutionsByKind["script"])

	r.Metrics().Reset()
	assert.Equal(t, int64(0), r.Metrics().GetMetrics().TotalExecutions)
}

func TestRegistryReportsSystemFailures(t *testing.T) {
	var mu sync.Mutex
	var events []*sentry.Event
	client, err := sentry.NewClient(sentry.ClientOptions{
		BeforeSend: func(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			mu.Lock()
			events = append(events, event)
			mu.Unlock()
			return nil
		},
	})
	require.NoError(t, err)
	hub := sentry.NewHub(client, sentry.NewScope())

	r := NewRegistry(WithSentryHub(hub))
	r.Register(&stubExecutor{typ: "boom", fn: func(cfg *Config) *Result {
		return newBuilder(cfg.Type).fail(stderrors.New("unexpected state"))
	}})
	r.Register(&stubExecutor{typ: "invalid", fn: func(cfg *Config) *Result {
		return newBuilder(cfg.Type).failure(errors.TypeValidation, "bad")
	}})

	r.Execute(context.Background(), &Config{ID: "a", Type: "boom"}, params.NewContext(nil))
	r.Execute(context.Background(), &Config{ID: "b", Type: "invalid"}, params.NewContext(nil))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 1)
	assert.Equal(t, "boom", events[0].Tags["datasource.type"])
	assert.Equal(t, string(errors.TypeUnknown), events[0].Tags["error.type"])
}

func TestResultJSON(t *testing.T) {
	res := newBuilder("http").failure(errors.TypeTimeout, "request timed out after 1s")
	raw, err := json.Marshal(res)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, false, decoded["success"])
	assert.Equal(t, "timeout", decoded["errorType"])
	assert.Equal(t, "request timed out", decoded["message"])
	assert.Equal(t, float64(res.TimestampMs()), decoded["timestamp"])
	assert.Contains(t, decoded, "executionTime")
	assert.True(t, res.Retryable())
}
