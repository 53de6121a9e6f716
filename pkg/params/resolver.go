package params

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/wehubfusion/Daedalus/pkg/cache"
	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/pathutil"
	"github.com/wehubfusion/Daedalus/pkg/sandbox"
	"github.com/wehubfusion/Daedalus/pkg/template"
)

// ResolverConfig holds resolver settings
type ResolverConfig struct {
	// MaxConcurrent bounds parallel resolutions and outbound API calls
	MaxConcurrent int `json:"max_concurrent,omitempty"`

	// DefaultCacheTTL applies to cacheable values without their own cache time
	DefaultCacheTTL time.Duration `json:"default_cache_ttl,omitempty"`

	// SweepInterval is the expired-entry sweep period; zero means DefaultCacheTTL/2
	SweepInterval time.Duration `json:"sweep_interval,omitempty"`

	// MaxCacheEntries bounds the cache; zero means unbounded
	MaxCacheEntries int `json:"max_cache_entries,omitempty"`

	// ScriptTimeout applies to computed parameters without their own timeout
	ScriptTimeout time.Duration `json:"script_timeout,omitempty"`

	// HTTPTimeout bounds each API parameter request
	HTTPTimeout time.Duration `json:"http_timeout,omitempty"`

	// APIBaseURL is prepended to "/"-rooted API parameter URLs
	APIBaseURL string `json:"api_base_url,omitempty"`
}

// DefaultResolverConfig returns the default resolver configuration
func DefaultResolverConfig() ResolverConfig {
	return ResolverConfig{
		MaxConcurrent:   10,
		DefaultCacheTTL: 5 * time.Minute,
		ScriptTimeout:   sandbox.DefaultTimeout,
		HTTPTimeout:     10 * time.Second,
	}
}

// ApplyDefaults sets default values for unset fields
func (c *ResolverConfig) ApplyDefaults() {
	d := DefaultResolverConfig()
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = d.MaxConcurrent
	}
	if c.DefaultCacheTTL <= 0 {
		c.DefaultCacheTTL = d.DefaultCacheTTL
	}
	if c.ScriptTimeout <= 0 {
		c.ScriptTimeout = d.ScriptTimeout
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = d.HTTPTimeout
	}
}

// ResolverOption configures a Resolver
type ResolverOption func(*Resolver)

// WithFetcher replaces the HTTP fetcher used by API parameters
func WithFetcher(f APIFetcher) ResolverOption {
	return func(r *Resolver) { r.fetcher = f }
}

// WithEvaluator sets the script evaluator used by computed parameters.
// The resolver does not close an evaluator it did not create.
func WithEvaluator(e sandbox.Evaluator) ResolverOption {
	return func(r *Resolver) { r.evaluator = e }
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) ResolverOption {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithClock overrides the cache clock
func WithClock(now func() time.Time) ResolverOption {
	return func(r *Resolver) { r.now = now }
}

// WithLimiter shares an outbound request limiter with other components
func WithLimiter(l *concurrency.Limiter) ResolverOption {
	return func(r *Resolver) { r.limiter = l }
}

// WithHTTPClient sets the client used by the default fetcher
func WithHTTPClient(c *http.Client) ResolverOption {
	return func(r *Resolver) { r.httpClient = c }
}

// Resolver resolves dynamic parameters. It owns the parameter cache and
// the in-flight API request map; one instance may serve many concurrent
// ResolveAll calls.
type Resolver struct {
	config     ResolverConfig
	cache      *cache.ParamCache
	fetcher    APIFetcher
	evaluator  sandbox.Evaluator
	limiter    *concurrency.Limiter
	httpClient *http.Client
	logger     *zap.Logger
	now        func() time.Time

	inflight singleflight.Group

	ownSandbox *sandbox.Sandbox
	stopSweep  context.CancelFunc
	disposed   atomic.Bool
}

// NewResolver creates a resolver and starts its cache sweep.
// Without WithEvaluator a private sandbox is created for computed parameters.
func NewResolver(config ResolverConfig, opts ...ResolverOption) (*Resolver, error) {
	config.ApplyDefaults()

	r := &Resolver{
		config: config,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.cache = cache.New(cache.Config{
		DefaultTTL:    config.DefaultCacheTTL,
		SweepInterval: config.SweepInterval,
		MaxEntries:    config.MaxCacheEntries,
	}, r.logger)
	if r.now != nil {
		r.cache.SetClock(r.now)
	}

	if r.fetcher == nil {
		if r.limiter == nil {
			r.limiter = concurrency.NewLimiter(config.MaxConcurrent)
		}
		client := r.httpClient
		if client == nil {
			client = &http.Client{
				Timeout:   config.HTTPTimeout,
				Transport: otelhttp.NewTransport(http.DefaultTransport),
			}
		}
		r.fetcher = NewHTTPFetcher(client, config.APIBaseURL, r.limiter, r.logger)
	}

	if r.evaluator == nil {
		sbCfg := sandbox.DefaultConfig()
		sbCfg.DefaultTimeout = config.ScriptTimeout
		sb, err := sandbox.New(sbCfg, r.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create sandbox: %w", err)
		}
		r.ownSandbox = sb
		r.evaluator = sb
	}

	sweepCtx, cancel := context.WithCancel(context.Background())
	r.stopSweep = cancel
	r.cache.Start(sweepCtx)

	return r, nil
}

// ResolveAll resolves every parameter concurrently. Computed parameters
// run after the parameters they depend on. Failures fall back to the
// declared default (a warning); otherwise a required parameter records an
// error and an optional one a warning.
func (r *Resolver) ResolveAll(ctx context.Context, params []DynamicParam, pctx ParamContext) *ResolutionResult {
	start := time.Now()
	result := &ResolutionResult{
		Success:        true,
		ResolvedParams: make(map[string]any, len(params)),
	}
	if r.disposed.Load() {
		result.Success = false
		result.Errors = append(result.Errors, ParamError{Message: "resolver disposed", Type: errors.TypeSystem})
		return result
	}

	levels, invalid := plan(params)
	ctxHash := contextHash(pctx)
	var mu sync.Mutex

	settle := func(p *DynamicParam, value any, err error) {
		mu.Lock()
		defer mu.Unlock()
		r.settle(result, p, value, err)
	}

	for i := range params {
		p := &params[i]
		err, bad := invalid[nameOrIndex(p, i)]
		if !bad {
			continue
		}
		if p.Name == "" {
			result.Errors = append(result.Errors, ParamError{
				Param:   nameOrIndex(p, i),
				Message: errMessage(err),
				Type:    errors.TypeValidation,
			})
			continue
		}
		settle(p, nil, err)
	}

	r.lintComputed(result, params, invalid)

	for _, level := range levels {
		g := new(errgroup.Group)
		g.SetLimit(r.config.MaxConcurrent)

		for _, p := range level {
			deps, depErr := r.dependencies(p, result.ResolvedParams, &mu)
			g.Go(func() error {
				if depErr != nil {
					settle(p, nil, depErr)
					return nil
				}
				value, err := r.resolveValue(ctx, p, pctx, ctxHash, deps)
				settle(p, value, err)
				return nil
			})
		}
		_ = g.Wait()
	}

	result.ExecutionTime = time.Since(start)
	r.logger.Debug("Parameters resolved",
		zap.Int("params", len(params)),
		zap.Int("resolved", len(result.ResolvedParams)),
		zap.Int("errors", len(result.Errors)),
		zap.Int("warnings", len(result.Warnings)),
		zap.Duration("duration", result.ExecutionTime))
	return result
}

// Resolve resolves a single parameter without default fallback.
// Computed parameters with dependencies must go through ResolveAll.
func (r *Resolver) Resolve(ctx context.Context, p *DynamicParam, pctx ParamContext) (any, error) {
	if r.disposed.Load() {
		return nil, errors.New(errors.TypeSystem, "resolver disposed", errors.ErrDisposed)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if len(p.Dependencies()) > 0 {
		return nil, errors.Newf(errors.TypeValidation, "parameter %s: has dependencies, resolve it with its dependencies", p.Name)
	}
	return r.resolveValue(ctx, p, pctx, contextHash(pctx), nil)
}

// ClearCache drops every cached value
func (r *Resolver) ClearCache() {
	r.cache.Clear()
}

// CacheStats returns cache statistics
func (r *Resolver) CacheStats() cache.Stats {
	return r.cache.Stats()
}

// Dispose stops the cache sweep, clears the cache and closes the private
// sandbox. Later calls fail with ErrDisposed. Dispose is idempotent.
func (r *Resolver) Dispose() {
	if !r.disposed.CompareAndSwap(false, true) {
		return
	}
	r.stopSweep()
	r.cache.Stop()
	r.cache.Clear()
	if r.ownSandbox != nil {
		if err := r.ownSandbox.Close(); err != nil {
			r.logger.Warn("Failed to close sandbox", zap.Error(err))
		}
	}
}

// settle records the outcome of one parameter; the caller holds the lock
func (r *Resolver) settle(result *ResolutionResult, p *DynamicParam, value any, err error) {
	if err == nil {
		result.ResolvedParams[p.Name] = value
		return
	}

	msg := errMessage(err)
	if p.HasDefault() {
		def, cerr := coerce(p.DefaultValue, p.Type)
		if cerr != nil {
			def = p.DefaultValue
		}
		result.ResolvedParams[p.Name] = def
		result.Warnings = append(result.Warnings, ParamWarning{
			Param:   p.Name,
			Message: "using default value: " + msg,
		})
		r.logger.Debug("Parameter fell back to default", zap.String("param", p.Name), zap.String("reason", msg))
		return
	}

	if p.Required {
		result.Success = false
		result.Errors = append(result.Errors, ParamError{
			Param:   p.Name,
			Message: msg,
			Type:    errors.Classify(err),
		})
		r.logger.Warn("Required parameter unresolved", zap.String("param", p.Name), zap.String("error", msg))
		return
	}

	result.Warnings = append(result.Warnings, ParamWarning{Param: p.Name, Message: msg})
}

// lintComputed adds advisory warnings for valid compute scripts. Scripts
// that do not parse fail when they run.
func (r *Resolver) lintComputed(result *ResolutionResult, params []DynamicParam, invalid map[string]error) {
	for i := range params {
		p := &params[i]
		if p.Source != SourceComputed || p.ComputedConfig == nil {
			continue
		}
		if _, bad := invalid[nameOrIndex(p, i)]; bad {
			continue
		}
		lint := sandbox.Lint(p.ComputedConfig.ComputeScript)
		if !lint.Parsed() {
			continue
		}
		for _, w := range lint.Warnings {
			result.Warnings = append(result.Warnings, ParamWarning{
				Param:   p.Name,
				Message: fmt.Sprintf("compute script line %d: %s", w.Line, w.Message),
			})
		}
	}
}

func (r *Resolver) dependencies(p *DynamicParam, resolved map[string]any, mu *sync.Mutex) (map[string]any, error) {
	names := p.Dependencies()
	if len(names) == 0 {
		return nil, nil
	}
	mu.Lock()
	defer mu.Unlock()
	deps := make(map[string]any, len(names))
	for _, name := range names {
		v, ok := resolved[name]
		if !ok {
			return nil, errors.Newf(errors.TypeValidation, "dependency %s not resolved", name)
		}
		deps[name] = v
	}
	return deps, nil
}

// resolveValue runs the source strategy, then coercion and validation.
// Cacheable results are served from and written to the cache.
func (r *Resolver) resolveValue(ctx context.Context, p *DynamicParam, pctx ParamContext, ctxHash string, deps map[string]any) (any, error) {
	ttl := r.cacheTTL(p)
	var key string
	if ttl > 0 {
		key = r.cacheKey(p, ctxHash, deps)
		if v, ok := r.cache.Get(key); ok {
			r.logger.Debug("Parameter cache hit", zap.String("param", p.Name))
			return v, nil
		}
	}

	var (
		value any
		err   error
	)
	switch p.Source {
	case SourceContext:
		path := p.lookupPath()
		v, ok := pctx.Lookup(path)
		if !ok {
			err = errors.Newf(errors.TypeValidation, "context value %s not found", path)
		}
		value = v
	case SourceStatic:
		value = p.StaticValue
	case SourceAPI:
		value, err = r.resolveAPI(ctx, p, pctx)
	case SourceComputed:
		value, err = r.resolveComputed(ctx, p, pctx, deps)
	default:
		err = errors.Newf(errors.TypeValidation, "unknown source %q", p.Source)
	}
	if err != nil {
		return nil, err
	}

	value, err = coerce(value, p.Type)
	if err != nil {
		return nil, errors.New(errors.TypeValidation, "type conversion failed", err)
	}
	if err := checkValidation(value, p.Validation); err != nil {
		return nil, errors.New(errors.TypeValidation, "validation failed", err)
	}

	if ttl > 0 {
		r.cache.Put(key, value, ttl, configHash(p))
	}
	return value, nil
}

func (r *Resolver) resolveAPI(ctx context.Context, p *DynamicParam, pctx ParamContext) (any, error) {
	cfg := p.APIConfig
	values := pctx.Flatten()

	if missing := template.MissingNames(cfg.URL, values); len(missing) > 0 {
		return nil, errors.Newf(errors.TypeValidation, "unresolved url placeholders: %s", strings.Join(missing, ", "))
	}

	req := APIRequest{
		URL:    template.Substitute(cfg.URL, values),
		Method: strings.ToUpper(cfg.Method),
		Body:   template.SubstituteDeep(cfg.Body, values),
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	if cfg.Params != nil {
		req.Params, _ = template.SubstituteDeep(cfg.Params, values).(map[string]any)
	}
	if cfg.Headers != nil {
		req.Headers, _ = template.SubstituteDeep(cfg.Headers, values).(map[string]string)
	}

	// The shared call is detached from any single caller; each caller
	// still stops waiting when its own context ends.
	ch := r.inflight.DoChan(requestKey(req), func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.config.HTTPTimeout)
		defer cancel()
		return r.fetcher.Fetch(fctx, req)
	})

	var body any
	select {
	case <-ctx.Done():
		return nil, errors.New(errors.Classify(ctx.Err()), "api request cancelled", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			r.logger.Debug("Joined in-flight api request", zap.String("param", p.Name))
		}
		body = res.Val
	}

	if cfg.DataPath == "" {
		return body, nil
	}
	v, ok := pathutil.Get(body, cfg.DataPath)
	if !ok {
		return nil, errors.Newf(errors.TypeParse, "dataPath %s not found in response", cfg.DataPath)
	}
	return v, nil
}

func (r *Resolver) resolveComputed(ctx context.Context, p *DynamicParam, pctx ParamContext, deps map[string]any) (any, error) {
	cfg := p.ComputedConfig
	if deps == nil {
		deps = map[string]any{}
	}

	timeout := r.config.ScriptTimeout
	if cfg.Timeout > 0 {
		timeout = time.Duration(cfg.Timeout) * time.Millisecond
	}

	res := r.evaluator.Run(ctx, cfg.ComputeScript, map[string]any{
		"context":      pctx.Flatten(),
		"dependencies": deps,
	}, sandbox.Options{Timeout: timeout, Async: cfg.Async})

	if !res.Success {
		return nil, errors.New(res.Error.EngineType(), "compute script failed", res.Error)
	}
	if !res.Defined {
		return nil, errors.Newf(errors.TypeScript, "compute script returned no value")
	}
	return res.Value, nil
}

// cacheTTL returns how long a resolved value may be cached; zero disables caching
func (r *Resolver) cacheTTL(p *DynamicParam) time.Duration {
	switch p.Source {
	case SourceAPI:
		if ct := p.APIConfig.CacheTime; ct != nil {
			return time.Duration(*ct) * time.Millisecond
		}
	case SourceComputed:
		if !p.ComputedConfig.Async {
			return 0
		}
	}
	return r.config.DefaultCacheTTL
}

func (r *Resolver) cacheKey(p *DynamicParam, ctxHash string, deps map[string]any) string {
	if len(deps) > 0 {
		if raw, err := json.Marshal(deps); err == nil {
			ctxHash = cache.Hash(ctxHash + ":" + string(raw))
		}
	}
	return cache.Key(p.Name, configHash(p), ctxHash)
}

// errMessage renders err for results and logs with credentials masked
func errMessage(err error) string {
	var appErr *errors.Error
	if stderrors.As(err, &appErr) {
		if appErr.Err != nil {
			return errors.Redact(appErr.Message + ": " + appErr.Err.Error())
		}
		return errors.Redact(appErr.Message)
	}
	return errors.Redact(err.Error())
}
