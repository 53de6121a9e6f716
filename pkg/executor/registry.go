package executor

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"

	"github.com/getsentry/sentry-go"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/params"
	"github.com/wehubfusion/Daedalus/pkg/sandbox"
)

// Executor runs one kind of data source
type Executor interface {
	// Type returns the data source type this executor handles
	Type() string

	// Execute runs the data source; it never returns nil and never panics
	// across the registry boundary
	Execute(ctx context.Context, cfg *Config, pctx params.ParamContext) *Result
}

// Registry maps data source types to executors
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor

	logger  *zap.Logger
	hub     *sentry.Hub
	metrics *MetricsCollector
}

// RegistryOption configures a Registry
type RegistryOption func(*Registry)

// WithLogger sets the registry logger
func WithLogger(logger *zap.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithSentryHub reports system and unknown failures to Sentry
func WithSentryHub(hub *sentry.Hub) RegistryOption {
	return func(r *Registry) {
		r.hub = hub
	}
}

// NewRegistry creates an empty registry
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		executors: make(map[string]Executor),
		logger:    zap.NewNop(),
		metrics:   NewMetricsCollector(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register registers an executor under its own type
func (r *Registry) Register(executor Executor) {
	r.RegisterWithName(executor, executor.Type())
}

// RegisterWithName registers an executor under an additional type name
func (r *Registry) RegisterWithName(executor Executor, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[normalizeType(name)] = executor
}

// IsSupported checks if an executor exists for a type
func (r *Registry) IsSupported(typ string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.executors[normalizeType(typ)]
	return ok
}

// Types returns all registered type names, sorted
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.executors))
	for typ := range r.executors {
		types = append(types, typ)
	}
	sort.Strings(types)
	return types
}

// Clear removes every registered executor
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors = make(map[string]Executor)
}

// Metrics returns the registry's execution counters
func (r *Registry) Metrics() *MetricsCollector {
	return r.metrics
}

// Execute dispatches cfg to the executor registered for cfg.Type. Unknown
// types, nil configs and executor panics all become failure results.
func (r *Registry) Execute(ctx context.Context, cfg *Config, pctx params.ParamContext) (result *Result) {
	if cfg == nil {
		return newBuilder("").failure(errors.TypeValidation, "data source config is nil")
	}
	b := newBuilder(cfg.Type)

	r.mu.RLock()
	executor, ok := r.executors[normalizeType(cfg.Type)]
	r.mu.RUnlock()
	if !ok {
		result = b.fail(errors.New(errors.TypeValidation, fmt.Sprintf("no executor registered for type %q", cfg.Type), errors.ErrUnsupportedType))
		r.record(cfg, result)
		return result
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Executor panicked",
				zap.String("type", cfg.Type),
				zap.String("id", cfg.ID),
				zap.Any("panic", rec),
				zap.ByteString("stack", debug.Stack()))
			result = b.failure(errors.TypeSystem, fmt.Sprintf("executor panicked: %v", rec))
		}
		r.record(cfg, result)
	}()

	result = executor.Execute(ctx, cfg, pctx)
	if result == nil {
		result = b.failure(errors.TypeSystem, "executor returned no result")
	}
	return result
}

func (r *Registry) record(cfg *Config, result *Result) {
	r.metrics.Record(normalizeType(cfg.Type), result)

	if result.Success {
		r.logger.Debug("Data source executed",
			zap.String("id", cfg.ID),
			zap.String("type", cfg.Type),
			zap.Duration("duration", result.ExecutionTime),
			zap.Int("warnings", len(result.Warnings)))
		return
	}

	r.logger.Warn("Data source execution failed",
		zap.String("id", cfg.ID),
		zap.String("type", cfg.Type),
		zap.String("error_type", string(result.ErrorType)),
		zap.String("error", result.Error),
		zap.Duration("duration", result.ExecutionTime))

	if r.hub != nil && (result.ErrorType == errors.TypeSystem || result.ErrorType == errors.TypeUnknown) {
		r.hub.WithScope(func(scope *sentry.Scope) {
			scope.SetTag("datasource.type", cfg.Type)
			scope.SetTag("error.type", string(result.ErrorType))
			scope.SetContext("datasource", sentry.Context{
				"id":        cfg.ID,
				"result_id": result.ID,
			})
			r.hub.CaptureException(errors.Newf(result.ErrorType, "%s", result.Error))
		})
	}
}

func normalizeType(typ string) string {
	return strings.ToLower(strings.TrimSpace(typ))
}

// Dependencies are the shared components the built-in executors use
type Dependencies struct {
	Resolver  ParamResolver
	Evaluator sandbox.Evaluator
	Settings  HTTPSettings
	Clients   HTTPClients
	Dialer    *websocket.Dialer
	Logger    *zap.Logger
	Options   []RegistryOption
}

// NewDefaultRegistry creates a registry with every built-in executor
// registered under its canonical type and aliases
func NewDefaultRegistry(deps Dependencies) *Registry {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := append([]RegistryOption{WithLogger(logger)}, deps.Options...)
	registry := NewRegistry(opts...)

	executors := map[Kind]Executor{
		KindHTTP:      NewHTTPExecutor(deps.Settings, deps.Clients, deps.Resolver, deps.Evaluator, logger.Named("http")),
		KindJSON:      NewJSONExecutor(deps.Resolver, logger.Named("json")),
		KindWebSocket: NewWebSocketExecutor(deps.Resolver, deps.Dialer, logger.Named("websocket")),
		KindScript:    NewScriptExecutor(deps.Resolver, deps.Evaluator, logger.Named("script")),
	}
	for alias, kind := range kindAliases {
		registry.RegisterWithName(executors[kind], alias)
	}
	return registry
}
