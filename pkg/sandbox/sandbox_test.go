package sandbox

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	engineerrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

func newTestSandbox(t *testing.T, poolSize int) *Sandbox {
	t.Helper()
	cfg := DefaultConfig()
	cfg.PoolSize = poolSize
	sb, err := New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sb.Close() })
	return sb
}

func TestRunBasic(t *testing.T) {
	sb := newTestSandbox(t, 2)
	ctx := context.Background()

	tests := []struct {
		name     string
		source   string
		bindings map[string]any
		want     any
	}{
		{"arithmetic", "return 2 + 2", nil, float64(4)},
		{"string", "return 'Hello ' + 'World'", nil, "Hello World"},
		{"bindings", "return context.a + dependencies.b", map[string]any{
			"context":      map[string]any{"a": 1},
			"dependencies": map[string]any{"b": 2},
		}, float64(3)},
		{"object", "return { sum: input.a + input.b, tags: ['x'] }", map[string]any{
			"input": map[string]any{"a": 5, "b": 3},
		}, map[string]any{"sum": float64(8), "tags": []any{"x"}}},
		{"null", "return null", nil, nil},
		{"date math", "return new Date(0).getTime()", nil, float64(0)},
		{"encoding", "return atob(btoa('daedalus'))", nil, "daedalus"},
		{"text title", "return text.title('pump station north')", nil, "Pump Station North"},
		{"text upper locale", "return text.upper('istanbul', 'tr')", nil, "İSTANBUL"},
		{"text lower", "return text.lower('MIXED Case')", nil, "mixed case"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := sb.Run(ctx, tt.source, tt.bindings, Options{})
			require.True(t, res.Success, "unexpected error: %v", res.Error)
			assert.True(t, res.Defined)
			assert.Equal(t, tt.want, res.Value)
		})
	}
}

func TestRunUndefinedResult(t *testing.T) {
	sb := newTestSandbox(t, 1)
	res := sb.Run(context.Background(), "var x = 1;", nil, Options{})
	require.True(t, res.Success)
	assert.False(t, res.Defined)
	assert.Nil(t, res.Value)
}

func TestRunBindingsAreCopies(t *testing.T) {
	sb := newTestSandbox(t, 1)
	input := map[string]any{"a": float64(1)}

	res := sb.Run(context.Background(), "context.a = 99; return context.a", map[string]any{"context": input}, Options{})
	require.True(t, res.Success)
	assert.Equal(t, float64(99), res.Value)
	assert.Equal(t, float64(1), input["a"])
}

func TestRunInfiniteLoopTimesOut(t *testing.T) {
	sb := newTestSandbox(t, 1)
	timeout := 100 * time.Millisecond

	start := time.Now()
	res := sb.Run(context.Background(), "while(true){}", nil, Options{Timeout: timeout})
	elapsed := time.Since(start)

	require.False(t, res.Success)
	assert.Equal(t, ErrorTypeTimeout, res.Error.Type)
	assert.Equal(t, engineerrors.TypeTimeout, res.Error.EngineType())
	assert.Less(t, elapsed, timeout+time.Second)

	// the runtime is reusable after an interrupt
	res = sb.Run(context.Background(), "return 1", nil, Options{})
	require.True(t, res.Success, "unexpected error: %v", res.Error)
	assert.Equal(t, float64(1), res.Value)
}

func TestRunContextCancelIsAbort(t *testing.T) {
	sb := newTestSandbox(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	res := sb.Run(ctx, "while(true){}", nil, Options{Timeout: 5 * time.Second})
	require.False(t, res.Success)
	assert.Equal(t, ErrorTypeAbort, res.Error.Type)
	assert.Equal(t, engineerrors.TypeAbort, res.Error.EngineType())
}

func TestRunRestrictedGlobals(t *testing.T) {
	sb := newTestSandbox(t, 1)
	ctx := context.Background()

	for _, source := range []string{"process.exit()", "require('fs')", "setTimeout(function(){}, 1)", "return fetch('http://x')"} {
		t.Run(source, func(t *testing.T) {
			res := sb.Run(ctx, source, nil, Options{})
			require.False(t, res.Success)
			assert.Equal(t, ErrorTypeReference, res.Error.Type)
			assert.Equal(t, engineerrors.TypeScript, res.Error.EngineType())
		})
	}

	for _, name := range []string{"eval", "Function", "globalThis", "Reflect", "Proxy", "console"} {
		res := sb.Run(ctx, "return typeof "+name, nil, Options{})
		require.True(t, res.Success)
		assert.Equal(t, "undefined", res.Value, name)
	}
}

func TestRunBuiltinsAreFrozen(t *testing.T) {
	sb := newTestSandbox(t, 1)
	res := sb.Run(context.Background(), "Array.prototype.evil = 1; return [].evil", nil, Options{})
	require.True(t, res.Success)
	assert.False(t, res.Defined)
}

func TestRunIntrinsicsDoNotLeakBetweenRuns(t *testing.T) {
	sb := newTestSandbox(t, 1)
	ctx := context.Background()

	tampering := []string{
		`Object.getPrototypeOf(function(){}).apply = function() { return "hijacked"; }`,
		`(function(){}).constructor.prototype.leak = "from-run-1"`,
		`(function(){}).constructor.injected = true`,
		`Object.getPrototypeOf(async function(){}).leak = "async"`,
		`Object.getPrototypeOf(Object.getPrototypeOf([][Symbol.iterator]())).next = function() { return {done: true}; }`,
		`Object.getPrototypeOf([][Symbol.iterator]()).next = function() { return {done: true}; }`,
	}
	for _, src := range tampering {
		sb.Run(ctx, src, nil, Options{})
	}

	res := sb.Run(ctx, "return Math.max.apply(null, [1, 2, 3])", nil, Options{})
	require.True(t, res.Success, "%+v", res.Error)
	assert.Equal(t, float64(3), res.Value)

	res = sb.Run(ctx, "return typeof (function(){}).leak", nil, Options{})
	require.True(t, res.Success)
	assert.Equal(t, "undefined", res.Value)

	res = sb.Run(ctx, "return typeof (function(){}).constructor.injected", nil, Options{})
	require.True(t, res.Success)
	assert.Equal(t, "undefined", res.Value)

	res = sb.Run(ctx, "return typeof (async function(){}).leak", nil, Options{})
	require.True(t, res.Success)
	assert.Equal(t, "undefined", res.Value)

	res = sb.Run(ctx, "var n = 0; for (var x of [1, 2, 3]) { n += x; } return n", nil, Options{})
	require.True(t, res.Success)
	assert.Equal(t, float64(6), res.Value)
}

func TestRunIntrinsicTamperingFailsInStrictMode(t *testing.T) {
	sb := newTestSandbox(t, 1)
	res := sb.Run(context.Background(),
		`"use strict"; Object.getPrototypeOf(function(){}).apply = null; return 1`, nil, Options{})
	require.False(t, res.Success)
	assert.Equal(t, ErrorTypeRuntime, res.Error.Type)
}

func TestRunGlobalsDoNotLeakBetweenRuns(t *testing.T) {
	sb := newTestSandbox(t, 1)
	ctx := context.Background()

	res := sb.Run(ctx, "leaked = 42; return leaked", nil, Options{})
	require.True(t, res.Success)

	res = sb.Run(ctx, "return typeof leaked", nil, Options{})
	require.True(t, res.Success)
	assert.Equal(t, "undefined", res.Value)
}

func TestRunErrors(t *testing.T) {
	sb := newTestSandbox(t, 1)
	ctx := context.Background()

	res := sb.Run(ctx, "return (;", nil, Options{})
	require.False(t, res.Success)
	assert.Equal(t, ErrorTypeSyntax, res.Error.Type)

	res = sb.Run(ctx, "throw new Error('boom')", nil, Options{})
	require.False(t, res.Success)
	assert.Equal(t, ErrorTypeRuntime, res.Error.Type)
	assert.Contains(t, res.Error.Message, "boom")
	assert.Equal(t, 1, res.Error.Line)

	res = sb.Run(ctx, "function f() { return f(); } return f()", nil, Options{})
	require.False(t, res.Success)
	assert.Equal(t, ErrorTypeRuntime, res.Error.Type)

	res = sb.Run(ctx, "return 1", map[string]any{"not-valid": 1}, Options{})
	require.False(t, res.Success)
	assert.Equal(t, ErrorTypeInternal, res.Error.Type)
}

func TestRunPromises(t *testing.T) {
	sb := newTestSandbox(t, 1)
	ctx := context.Background()

	res := sb.Run(ctx, "return Promise.resolve(21).then(function(v) { return v * 2 })", nil, Options{})
	require.True(t, res.Success, "unexpected error: %v", res.Error)
	assert.Equal(t, float64(42), res.Value)

	res = sb.Run(ctx, "const v = await Promise.resolve(context.n); return v + 1", map[string]any{
		"context": map[string]any{"n": 5},
	}, Options{})
	require.True(t, res.Success, "unexpected error: %v", res.Error)
	assert.Equal(t, float64(6), res.Value)

	res = sb.Run(ctx, "return 'sync body'", nil, Options{Async: true})
	require.True(t, res.Success)
	assert.Equal(t, "sync body", res.Value)

	res = sb.Run(ctx, "return Promise.reject(new Error('nope'))", nil, Options{})
	require.False(t, res.Success)
	assert.Equal(t, ErrorTypeRuntime, res.Error.Type)
	assert.Contains(t, res.Error.Message, "nope")

	res = sb.Run(ctx, "return new Promise(function() {})", nil, Options{})
	require.False(t, res.Success)
	assert.Equal(t, ErrorTypeTimeout, res.Error.Type)
}

func TestRunConsoleCapture(t *testing.T) {
	sb := newTestSandbox(t, 1)
	ctx := context.Background()

	res := sb.Run(ctx, "console.log('hi', 1); console.warn({a: 1}); return true", nil, Options{AllowConsole: true})
	require.True(t, res.Success, "unexpected error: %v", res.Error)
	assert.Equal(t, []LogEntry{
		{Level: "log", Message: "hi 1"},
		{Level: "warn", Message: `{"a":1}`},
	}, res.Logs)

	res = sb.Run(ctx, "console.log('hidden')", nil, Options{})
	require.False(t, res.Success)
	assert.Equal(t, ErrorTypeReference, res.Error.Type)
	assert.Empty(t, res.Logs)
}

func TestRunConcurrent(t *testing.T) {
	sb := newTestSandbox(t, 2)
	var wg sync.WaitGroup

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			res := sb.Run(context.Background(), "return input * 2", map[string]any{"input": n}, Options{})
			assert.True(t, res.Success)
			assert.Equal(t, float64(n*2), res.Value)
		}(i)
	}
	wg.Wait()

	stats := sb.Stats()
	assert.LessOrEqual(t, stats.CurrentSize, 2)
	assert.Equal(t, int64(16), stats.TotalAcquired)
}

func TestEffectiveTimeout(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, DefaultTimeout, cfg.EffectiveTimeout(0))
	assert.Equal(t, time.Second, cfg.EffectiveTimeout(time.Second))
	assert.Equal(t, MaxTimeout, cfg.EffectiveTimeout(time.Hour))

	cfg = Config{DefaultTimeout: time.Hour}
	cfg.ApplyDefaults()
	assert.Equal(t, MaxTimeout, cfg.DefaultTimeout)
}

func TestCompile(t *testing.T) {
	sb := newTestSandbox(t, 1)
	assert.NoError(t, sb.Compile("return context.id", []string{"context"}, false))

	err := sb.Compile("return (", nil, false)
	require.Error(t, err)
	var se *ScriptError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ErrorTypeSyntax, se.Type)
}
