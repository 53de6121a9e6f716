package executor

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/params"
	"github.com/wehubfusion/Daedalus/pkg/sandbox"
)

// ScriptExecutor runs script data sources in the sandbox
type ScriptExecutor struct {
	resolver  ParamResolver
	evaluator sandbox.Evaluator
	logger    *zap.Logger
}

var _ Executor = (*ScriptExecutor)(nil)

// NewScriptExecutor creates a script executor
func NewScriptExecutor(resolver ParamResolver, evaluator sandbox.Evaluator, logger *zap.Logger) *ScriptExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ScriptExecutor{resolver: resolver, evaluator: evaluator, logger: logger}
}

// Type returns the canonical kind
func (e *ScriptExecutor) Type() string {
	return string(KindScript)
}

// Execute runs the script with `context` and `params` bound. An undefined
// return value yields a successful result without data.
func (e *ScriptExecutor) Execute(ctx context.Context, cfg *Config, pctx params.ParamContext) *Result {
	b := newBuilder(cfg.Type)
	sc := cfg.Script
	if sc == nil || strings.TrimSpace(sc.Script) == "" {
		return b.failure(errors.TypeValidation, "script is required")
	}
	if sc.Timeout < 0 {
		return b.failure(errors.TypeValidation, "script timeout must not be negative")
	}
	if e.evaluator == nil {
		return b.failure(errors.TypeSystem, "no script evaluator is configured")
	}

	resolved := map[string]any{}
	if len(sc.DynamicParams) > 0 {
		if e.resolver == nil {
			return b.failure(errors.TypeSystem, "dynamic parameters declared but no resolver is configured")
		}
		res := e.resolver.ResolveAll(ctx, sc.DynamicParams, pctx)
		for _, w := range res.Warnings {
			b.warn("param " + w.Param + ": " + w.Message)
		}
		if !res.Success {
			return b.fail(res.Err())
		}
		resolved = res.ResolvedParams
	}

	lintScript(b, "script", sc.Script)
	res := e.evaluator.Run(ctx, sc.Script, map[string]any{
		"context": pctx.Flatten(),
		"params":  resolved,
	}, sandbox.Options{
		Timeout:      time.Duration(sc.Timeout) * time.Millisecond,
		AllowConsole: sc.AllowConsole,
		Async:        sc.Async,
	})

	for _, entry := range res.Logs {
		e.logger.Debug("Script console output",
			zap.String("level", entry.Level),
			zap.String("message", entry.Message))
	}

	if !res.Success {
		return b.fail(errors.New(res.Error.EngineType(), "script failed", res.Error))
	}
	if !res.Defined {
		return b.success(nil)
	}
	return b.success(res.Value)
}
