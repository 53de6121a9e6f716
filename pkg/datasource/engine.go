package datasource

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/executor"
	"github.com/wehubfusion/Daedalus/pkg/params"
	"github.com/wehubfusion/Daedalus/pkg/trigger"
)

// DefaultMaxParallel bounds concurrent data source executions per component
const DefaultMaxParallel = 8

// Dispatcher executes a single data source config; *executor.Registry implements it
type Dispatcher interface {
	Execute(ctx context.Context, cfg *executor.Config, pctx params.ParamContext) *executor.Result
}

var _ Dispatcher = (*executor.Registry)(nil)

// ContextFunc builds the parameter context for a triggered run
type ContextFunc func(ctx context.Context) params.ParamContext

// Sink receives the results of a triggered run
type Sink func(ctx context.Context, cfg *ComponentConfig, results map[string]*executor.Result)

// Engine runs component configurations
type Engine struct {
	dispatcher  Dispatcher
	store       ConfigStore
	mapper      *FieldMapper
	logger      *zap.Logger
	tracer      trace.Tracer
	maxParallel int
	triggerDeps trigger.Dependencies
}

// Option configures an Engine
type Option func(*Engine)

// WithLogger sets the engine logger
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMaxParallel bounds concurrent data source executions
func WithMaxParallel(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxParallel = n
		}
	}
}

// WithTriggerDependencies supplies what event triggers need
func WithTriggerDependencies(deps trigger.Dependencies) Option {
	return func(e *Engine) {
		e.triggerDeps = deps
	}
}

// NewEngine creates an engine. store may be nil when ExecuteByID is not used.
func NewEngine(dispatcher Dispatcher, store ConfigStore, opts ...Option) *Engine {
	e := &Engine{
		dispatcher:  dispatcher,
		store:       store,
		mapper:      NewFieldMapper(),
		logger:      zap.NewNop(),
		tracer:      otel.Tracer("daedalus/datasource"),
		maxParallel: DefaultMaxParallel,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.triggerDeps.Logger == nil {
		e.triggerDeps.Logger = e.logger
	}
	return e
}

// Execute runs every data source of cfg concurrently and returns the
// results keyed by data source id. A nil or disabled config yields an
// empty map.
func (e *Engine) Execute(ctx context.Context, cfg *ComponentConfig, pctx params.ParamContext) map[string]*executor.Result {
	results := make(map[string]*executor.Result)
	if cfg == nil || !cfg.Enabled || len(cfg.DataSources) == 0 {
		return results
	}

	ctx, span := e.tracer.Start(ctx, "datasource.execute",
		trace.WithAttributes(
			attribute.String("component.config_id", cfg.ID),
			attribute.Int("component.sources", len(cfg.DataSources))))
	defer span.End()

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(e.maxParallel)

	for i := range cfg.DataSources {
		ds := cfg.DataSources[i]
		key := sourceKey(ds, i)
		g.Go(func() error {
			res := e.dispatcher.Execute(ctx, &ds.Config, pctx)
			res = e.applyMapping(res, ds.FieldMapping)
			mu.Lock()
			results[key] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, res := range results {
		if !res.Success {
			failed++
		}
	}
	span.SetAttributes(attribute.Int("component.failed", failed))
	e.logger.Debug("Component executed",
		zap.String("config_id", cfg.ID),
		zap.Int("sources", len(results)),
		zap.Int("failed", failed))
	return results
}

// applyMapping returns a copy of res with mapped data. Results are never
// modified in place.
func (e *Engine) applyMapping(res *executor.Result, mapping map[string]string) *executor.Result {
	if res == nil || !res.Success || len(mapping) == 0 {
		return res
	}

	mapped, missing, err := e.mapper.Apply(res.Data, mapping)
	out := *res
	out.Warnings = append([]string(nil), res.Warnings...)
	if err != nil {
		out.Success = false
		out.Data = nil
		out.ErrorType = errors.TypeTransform
		out.Error = err.Error()
		out.Message = errors.HumanMessage(errors.TypeTransform)
		return &out
	}
	out.Data = mapped
	out.Warnings = append(out.Warnings, missing...)
	return &out
}

// ExecuteByID loads a config from the store and executes it
func (e *Engine) ExecuteByID(ctx context.Context, id string, pctx params.ParamContext) (map[string]*executor.Result, error) {
	if e.store == nil {
		return nil, fmt.Errorf("no config store configured")
	}
	cfg, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load component config %s: %w", id, err)
	}
	return e.Execute(ctx, cfg, pctx), nil
}

// Binding is a set of running triggers for one component config
type Binding struct {
	configID string
	triggers []trigger.Trigger
	manual   []*trigger.ManualTrigger
	logger   *zap.Logger

	once sync.Once
}

// Fire fires every manual trigger of the binding
func (b *Binding) Fire() error {
	if len(b.manual) == 0 {
		return fmt.Errorf("component config %s has no manual trigger", b.configID)
	}
	var errs []error
	for _, m := range b.manual {
		errs = append(errs, m.Fire())
	}
	return stderrors.Join(errs...)
}

// Stop stops every trigger. It is idempotent.
func (b *Binding) Stop() {
	b.once.Do(func() {
		for _, t := range b.triggers {
			t.Stop()
		}
		b.logger.Debug("Binding stopped", zap.String("config_id", b.configID))
	})
}

// Bind starts the triggers of cfg; each fire executes cfg and hands the
// results to sink. A nil pctxFn derives the context from event payloads.
// WebSocket triggers are skipped.
func (e *Engine) Bind(ctx context.Context, cfg *ComponentConfig, pctxFn ContextFunc, sink Sink) (*Binding, error) {
	if cfg == nil {
		return nil, fmt.Errorf("component config is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if pctxFn == nil {
		pctxFn = PayloadContext
	}

	b := &Binding{configID: cfg.ID, logger: e.logger}
	fire := func(ctx context.Context) {
		sink(ctx, cfg, e.Execute(ctx, cfg, pctxFn(ctx)))
	}

	for i, tc := range cfg.Triggers {
		t, err := trigger.New(tc, e.triggerDeps)
		if stderrors.Is(err, trigger.ErrUnsupportedTrigger) && strings.EqualFold(string(tc.Type), string(trigger.TypeWebSocket)) {
			e.logger.Warn("Skipping websocket trigger",
				zap.String("config_id", cfg.ID),
				zap.Int("index", i))
			continue
		}
		if err == nil {
			err = t.Start(ctx, fire)
		}
		if err != nil {
			b.Stop()
			return nil, fmt.Errorf("failed to start trigger %d of %s: %w", i, cfg.ID, err)
		}
		b.triggers = append(b.triggers, t)
		if m, ok := t.(*trigger.ManualTrigger); ok {
			b.manual = append(b.manual, m)
		}
	}

	e.logger.Info("Component bound",
		zap.String("config_id", cfg.ID),
		zap.Int("triggers", len(b.triggers)))
	return b, nil
}

// PayloadContext builds a parameter context from a JSON object event
// payload, or an empty context when there is none
func PayloadContext(ctx context.Context) params.ParamContext {
	payload, ok := trigger.PayloadFrom(ctx)
	if !ok || len(payload) == 0 {
		return params.NewContext(nil)
	}
	var values map[string]any
	if err := json.Unmarshal(payload, &values); err != nil {
		return params.NewContext(nil)
	}
	return params.NewContext(values)
}
