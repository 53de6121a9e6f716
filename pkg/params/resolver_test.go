package params

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/wehubfusion/Daedalus/pkg/errors"
)

func newTestResolver(t *testing.T, cfg ResolverConfig, opts ...ResolverOption) *Resolver {
	t.Helper()
	r, err := NewResolver(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(r.Dispose)
	return r
}

func int64Ptr(v int64) *int64 { return &v }

func float64Ptr(v float64) *float64 { return &v }

func TestResolveStatic(t *testing.T) {
	r := newTestResolver(t, ResolverConfig{})
	value := map[string]any{"unit": "celsius"}

	for _, pctx := range []ParamContext{NewContext(nil), NewContext(map[string]any{"unit": "kelvin"})} {
		res := r.ResolveAll(context.Background(), []DynamicParam{
			{Name: "unit", Source: SourceStatic, StaticValue: value},
		}, pctx)
		require.True(t, res.Success)
		assert.Equal(t, value, res.ResolvedParams["unit"])
	}
}

func TestResolveContext(t *testing.T) {
	r := newTestResolver(t, ResolverConfig{})
	pctx := NewContext(map[string]any{
		"id":     "42",
		"device": map[string]any{"serial": "SN-1"},
		"$system": map[string]any{
			"userId":    "u-7",
			"timeRange": map[string]any{"start": 1000, "end": 2000},
		},
	})

	res := r.ResolveAll(context.Background(), []DynamicParam{
		{Name: "id", Source: SourceContext},
		{Name: "device.serial", Source: SourceContext},
		{Name: "user", Source: SourceContext, ContextPath: "$system.userId"},
		{Name: "from", Source: SourceContext, Type: TypeNumber, ContextPath: "$system.timeRange.start"},
	}, pctx)

	require.True(t, res.Success, "errors: %v", res.Errors)
	assert.Equal(t, "42", res.ResolvedParams["id"])
	assert.Equal(t, "SN-1", res.ResolvedParams["device.serial"])
	assert.Equal(t, "u-7", res.ResolvedParams["user"])
	assert.Equal(t, float64(1000), res.ResolvedParams["from"])
	assert.Empty(t, res.Warnings)
}

func TestResolveRequiredAndDefaults(t *testing.T) {
	r := newTestResolver(t, ResolverConfig{})
	ctx := context.Background()

	res := r.ResolveAll(ctx, []DynamicParam{
		{Name: "tenant", Source: SourceContext, Required: true},
	}, NewContext(nil))
	assert.False(t, res.Success)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "tenant", res.Errors[0].Param)
	assert.Equal(t, errors.TypeValidation, res.Errors[0].Type)
	assert.ErrorIs(t, res.Err(), errors.ErrRequiredParams)

	res = r.ResolveAll(ctx, []DynamicParam{
		{Name: "tenant", Source: SourceContext, Required: true, DefaultValue: "default"},
	}, NewContext(nil))
	assert.True(t, res.Success)
	assert.NoError(t, res.Err())
	assert.Equal(t, "default", res.ResolvedParams["tenant"])
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0].Message, "using default value")
}

func TestResolveOptionalFailureIsWarning(t *testing.T) {
	r := newTestResolver(t, ResolverConfig{})

	res := r.ResolveAll(context.Background(), []DynamicParam{
		{Name: "filter", Source: SourceContext},
		{Name: "limit", Source: SourceStatic, StaticValue: 10},
	}, NewContext(nil))

	assert.True(t, res.Success)
	assert.Empty(t, res.Errors)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, "filter", res.Warnings[0].Param)
	assert.NotContains(t, res.ResolvedParams, "filter")
	assert.Equal(t, 10, res.ResolvedParams["limit"])
}

func TestResolveAPIDeduplicatesConcurrentCalls(t *testing.T) {
	var hits atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"name": "pump-1"}})
	}))
	defer srv.Close()

	r := newTestResolver(t, ResolverConfig{}, WithHTTPClient(srv.Client()))
	params := []DynamicParam{{
		Name:      "name",
		Source:    SourceAPI,
		Required:  true,
		APIConfig: &APIConfig{URL: srv.URL + "/devices", Method: "GET", DataPath: "data.name", CacheTime: int64Ptr(0)},
	}}

	var wg sync.WaitGroup
	results := make([]*ResolutionResult, 2)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = r.ResolveAll(context.Background(), params, NewContext(nil))
		}()
	}

	require.Eventually(t, func() bool { return hits.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), hits.Load())
	for _, res := range results {
		require.True(t, res.Success, "errors: %v", res.Errors)
		assert.Equal(t, "pump-1", res.ResolvedParams["name"])
	}
}

func TestResolveAPICacheTTL(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := hits.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{"version": n})
	}))
	defer srv.Close()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(d)
	}

	r := newTestResolver(t, ResolverConfig{}, WithHTTPClient(srv.Client()), WithClock(clock))
	params := []DynamicParam{{
		Name:      "version",
		Source:    SourceAPI,
		APIConfig: &APIConfig{URL: srv.URL, DataPath: "version", CacheTime: int64Ptr(1000)},
	}}
	ctx := context.Background()

	first := r.ResolveAll(ctx, params, NewContext(nil))
	second := r.ResolveAll(ctx, params, NewContext(nil))
	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, first.ResolvedParams["version"], second.ResolvedParams["version"])

	advance(1001 * time.Millisecond)
	third := r.ResolveAll(ctx, params, NewContext(nil))
	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, float64(2), third.ResolvedParams["version"])

	stats := r.CacheStats()
	assert.Equal(t, int64(1), stats.Hits)

	r.ClearCache()
	r.ResolveAll(ctx, params, NewContext(nil))
	assert.Equal(t, int32(3), hits.Load())
}

func TestResolveAPIPlaceholdersAndBaseURL(t *testing.T) {
	var gotPath, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`{"items":[{"value":7}]}`))
	}))
	defer srv.Close()

	r := newTestResolver(t, ResolverConfig{APIBaseURL: srv.URL}, WithHTTPClient(srv.Client()))
	res := r.ResolveAll(context.Background(), []DynamicParam{{
		Name:   "reading",
		Source: SourceAPI,
		Type:   TypeNumber,
		APIConfig: &APIConfig{
			URL:      "/devices/${id}/readings",
			Params:   map[string]any{"tenant": "${$system.tenantId}"},
			DataPath: "items.0.value",
		},
	}}, NewContext(map[string]any{"id": "42", "$system": map[string]any{"tenantId": "t1"}}))

	require.True(t, res.Success, "errors: %v", res.Errors)
	assert.Equal(t, "/devices/42/readings", gotPath)
	assert.Equal(t, "tenant=t1", gotQuery)
	assert.Equal(t, float64(7), res.ResolvedParams["reading"])
}

func TestResolveAPIFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/unauthorized":
			w.WriteHeader(http.StatusUnauthorized)
		case "/broken":
			w.WriteHeader(http.StatusBadGateway)
		default:
			_, _ = w.Write([]byte("not json"))
		}
	}))
	defer srv.Close()

	r := newTestResolver(t, ResolverConfig{}, WithHTTPClient(srv.Client()))
	tests := []struct {
		path string
		want errors.ErrorType
	}{
		{"/unauthorized", errors.TypeAuth},
		{"/broken", errors.TypeNetwork},
		{"/text", errors.TypeParse},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			res := r.ResolveAll(context.Background(), []DynamicParam{{
				Name:      "v",
				Source:    SourceAPI,
				Required:  true,
				APIConfig: &APIConfig{URL: srv.URL + tt.path},
			}}, NewContext(nil))
			assert.False(t, res.Success)
			require.Len(t, res.Errors, 1)
			assert.Equal(t, tt.want, res.Errors[0].Type)
		})
	}

	res := r.ResolveAll(context.Background(), []DynamicParam{{
		Name:      "v",
		Source:    SourceAPI,
		Required:  true,
		APIConfig: &APIConfig{URL: srv.URL + "/${missing}"},
	}}, NewContext(nil))
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0].Message, "missing")
}

func TestResolveAPIFailuresRedactCredentials(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	dead := srv.URL
	srv.Close()

	core, logs := observer.New(zap.DebugLevel)
	r := newTestResolver(t, ResolverConfig{}, WithLogger(zap.New(core)))

	res := r.ResolveAll(context.Background(), []DynamicParam{
		{Name: "a", Source: SourceAPI, Required: true, APIConfig: &APIConfig{URL: dead + "/x?token=SUPERSECRET"}},
		{Name: "b", Source: SourceAPI, APIConfig: &APIConfig{URL: dead + "/y?password=HUNTER2"}},
		{Name: "c", Source: SourceAPI, DefaultValue: "fallback", APIConfig: &APIConfig{URL: dead + "/z?api_key=KEY123"}},
	}, NewContext(nil))

	require.False(t, res.Success)
	require.Len(t, res.Errors, 1)
	require.Len(t, res.Warnings, 2)

	surfaced := []string{res.Errors[0].Message, res.Err().Error()}
	for _, w := range res.Warnings {
		surfaced = append(surfaced, w.Message)
	}
	for _, entry := range logs.All() {
		surfaced = append(surfaced, entry.Message)
		for _, f := range entry.Context {
			surfaced = append(surfaced, f.String)
		}
	}

	for _, text := range surfaced {
		assert.NotContains(t, text, "SUPERSECRET")
		assert.NotContains(t, text, "HUNTER2")
		assert.NotContains(t, text, "KEY123")
	}
	assert.Contains(t, res.Errors[0].Message, "token="+errors.Redacted)
	assert.Equal(t, "fallback", res.ResolvedParams["c"])
}

func TestResolveComputedLintWarnings(t *testing.T) {
	r := newTestResolver(t, ResolverConfig{})

	res := r.ResolveAll(context.Background(), []DynamicParam{
		{Name: "kind", Source: SourceComputed, ComputedConfig: &ComputedConfig{
			ComputeScript: "var o = {};\nreturn typeof o.__proto__",
		}},
		{Name: "clean", Source: SourceComputed, ComputedConfig: &ComputedConfig{
			ComputeScript: "// eval(x) in a comment\nreturn 'process.env'",
		}},
	}, NewContext(nil))

	require.True(t, res.Success)
	assert.Equal(t, "object", res.ResolvedParams["kind"])
	assert.Equal(t, "process.env", res.ResolvedParams["clean"])
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, "kind", res.Warnings[0].Param)
	assert.Equal(t, "compute script line 2: __proto__ access is not allowed", res.Warnings[0].Message)
}

func TestResolveComputedChain(t *testing.T) {
	r := newTestResolver(t, ResolverConfig{})

	res := r.ResolveAll(context.Background(), []DynamicParam{
		{Name: "total", Source: SourceComputed, Required: true, ComputedConfig: &ComputedConfig{
			ComputeScript: "return dependencies.scaled + context.offset",
			Dependencies:  []string{"scaled"},
		}},
		{Name: "scaled", Source: SourceComputed, ComputedConfig: &ComputedConfig{
			ComputeScript: "return dependencies.base * 3",
			Dependencies:  []string{"base"},
		}},
		{Name: "base", Source: SourceStatic, StaticValue: 2},
		{Name: "label", Source: SourceComputed, ComputedConfig: &ComputedConfig{
			ComputeScript: "const id = await Promise.resolve(context.$system.deviceId); return 'dev-' + id",
			Async:         true,
		}},
	}, NewContext(map[string]any{"offset": 4, "$system": map[string]any{"deviceId": "d9"}}))

	require.True(t, res.Success, "errors: %v", res.Errors)
	assert.Equal(t, float64(6), res.ResolvedParams["scaled"])
	assert.Equal(t, float64(10), res.ResolvedParams["total"])
	assert.Equal(t, "dev-d9", res.ResolvedParams["label"])
}

func TestResolveComputedFailures(t *testing.T) {
	r := newTestResolver(t, ResolverConfig{})
	ctx := context.Background()

	res := r.ResolveAll(ctx, []DynamicParam{
		{Name: "a", Source: SourceComputed, Required: true, ComputedConfig: &ComputedConfig{
			ComputeScript: "return dependencies.b", Dependencies: []string{"b"},
		}},
		{Name: "b", Source: SourceComputed, Required: true, ComputedConfig: &ComputedConfig{
			ComputeScript: "return dependencies.a", Dependencies: []string{"a"},
		}},
	}, NewContext(nil))
	assert.False(t, res.Success)
	require.Len(t, res.Errors, 2)
	for _, e := range res.Errors {
		assert.Contains(t, e.Message, "dependency cycle")
	}

	res = r.ResolveAll(ctx, []DynamicParam{
		{Name: "missing", Source: SourceContext, Required: true},
		{Name: "derived", Source: SourceComputed, Required: true, ComputedConfig: &ComputedConfig{
			ComputeScript: "return dependencies.missing", Dependencies: []string{"missing"},
		}},
	}, NewContext(nil))
	require.Len(t, res.Errors, 2)
	assert.Equal(t, "derived", res.Errors[1].Param)
	assert.Equal(t, "dependency missing not resolved", res.Errors[1].Message)

	res = r.ResolveAll(ctx, []DynamicParam{
		{Name: "spin", Source: SourceComputed, Required: true, ComputedConfig: &ComputedConfig{
			ComputeScript: "while(true){}", Timeout: 50,
		}},
		{Name: "boom", Source: SourceComputed, Required: true, ComputedConfig: &ComputedConfig{
			ComputeScript: "throw new Error('bad input')",
		}},
	}, NewContext(nil))
	require.Len(t, res.Errors, 2)
	byParam := map[string]ParamError{}
	for _, e := range res.Errors {
		byParam[e.Param] = e
	}
	assert.Equal(t, errors.TypeTimeout, byParam["spin"].Type)
	assert.Equal(t, errors.TypeScript, byParam["boom"].Type)
	assert.Contains(t, byParam["boom"].Message, "bad input")
}

func TestResolveCoercionAndValidation(t *testing.T) {
	r := newTestResolver(t, ResolverConfig{})
	pctx := NewContext(map[string]any{
		"limit":  "25",
		"big":    500,
		"code":   "AB-12",
		"mode":   "fast",
		"filter": `{"field":"temp"}`,
	})

	res := r.ResolveAll(context.Background(), []DynamicParam{
		{Name: "limit", Source: SourceContext, Type: TypeNumber, Validation: &Validation{Min: float64Ptr(1), Max: float64Ptr(100)}},
		{Name: "big", Source: SourceContext, Type: TypeNumber, Validation: &Validation{Max: float64Ptr(100)}},
		{Name: "code", Source: SourceContext, Validation: &Validation{Pattern: `^[A-Z]{2}-\d+$`}},
		{Name: "mode", Source: SourceContext, Validation: &Validation{Enum: []any{"slow", "normal"}}, DefaultValue: "normal"},
		{Name: "filter", Source: SourceContext, Type: TypeObject, Validation: &Validation{
			Schema: json.RawMessage(`{"type":"object","required":["field"]}`),
		}},
	}, pctx)

	require.True(t, res.Success)
	assert.Equal(t, float64(25), res.ResolvedParams["limit"])
	assert.Equal(t, "AB-12", res.ResolvedParams["code"])
	assert.Equal(t, "normal", res.ResolvedParams["mode"])
	assert.Equal(t, map[string]any{"field": "temp"}, res.ResolvedParams["filter"])
	assert.NotContains(t, res.ResolvedParams, "big")

	warned := map[string]string{}
	for _, w := range res.Warnings {
		warned[w.Param] = w.Message
	}
	assert.Contains(t, warned["big"], "exceeds maximum")
	assert.Contains(t, warned["mode"], "using default value")
}

func TestResolveSingle(t *testing.T) {
	r := newTestResolver(t, ResolverConfig{})
	ctx := context.Background()

	v, err := r.Resolve(ctx, &DynamicParam{Name: "id", Source: SourceContext}, NewContext(map[string]any{"id": 1}))
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	_, err = r.Resolve(ctx, &DynamicParam{Name: "id", Source: SourceContext, DefaultValue: 2}, NewContext(nil))
	assert.Error(t, err, "Resolve does not apply defaults")

	_, err = r.Resolve(ctx, &DynamicParam{Name: "x", Source: SourceComputed, ComputedConfig: &ComputedConfig{
		ComputeScript: "return 1", Dependencies: []string{"y"},
	}}, NewContext(nil))
	assert.Equal(t, errors.TypeValidation, errors.Classify(err))
}

func TestResolverDispose(t *testing.T) {
	r, err := NewResolver(ResolverConfig{})
	require.NoError(t, err)

	r.Dispose()
	r.Dispose()

	res := r.ResolveAll(context.Background(), []DynamicParam{{Name: "a", Source: SourceStatic, StaticValue: 1}}, NewContext(nil))
	assert.False(t, res.Success)

	_, err = r.Resolve(context.Background(), &DynamicParam{Name: "a", Source: SourceStatic, StaticValue: 1}, NewContext(nil))
	assert.ErrorIs(t, err, errors.ErrDisposed)
}

func TestResolveAllRespectsConcurrencyLimit(t *testing.T) {
	var active, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		active.Add(-1)
		_, _ = w.Write([]byte(`1`))
	}))
	defer srv.Close()

	r := newTestResolver(t, ResolverConfig{MaxConcurrent: 2}, WithHTTPClient(srv.Client()))
	var params []DynamicParam
	for _, name := range strings.Split("a b c d e f", " ") {
		params = append(params, DynamicParam{
			Name:      name,
			Source:    SourceAPI,
			APIConfig: &APIConfig{URL: srv.URL + "/" + name},
		})
	}

	res := r.ResolveAll(context.Background(), params, NewContext(nil))
	require.True(t, res.Success)
	assert.Len(t, res.ResolvedParams, 6)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}
