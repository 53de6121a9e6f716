package executor

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/params"
	"github.com/wehubfusion/Daedalus/pkg/template"
)

// JSONExecutor serves static data with placeholders filled in
type JSONExecutor struct {
	resolver ParamResolver
	logger   *zap.Logger
}

var _ Executor = (*JSONExecutor)(nil)

// NewJSONExecutor creates a JSON executor
func NewJSONExecutor(resolver ParamResolver, logger *zap.Logger) *JSONExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JSONExecutor{resolver: resolver, logger: logger}
}

// Type returns the canonical kind
func (e *JSONExecutor) Type() string {
	return string(KindJSON)
}

// Execute substitutes placeholders in the configured data. String data is
// parsed as JSON afterwards; a string that is not JSON is a parse failure.
func (e *JSONExecutor) Execute(ctx context.Context, cfg *Config, pctx params.ParamContext) *Result {
	b := newBuilder(cfg.Type)
	if cfg.JSON == nil {
		return b.failure(errors.TypeValidation, "json config is missing")
	}

	values, err := templateValues(ctx, e.resolver, cfg.JSON.DynamicParams, pctx, b)
	if err != nil {
		return b.fail(err)
	}

	for _, name := range template.ExtractNamesDeep(cfg.JSON.Data) {
		warnMissing(b, "data", "${"+name+"}", values)
	}

	data := template.SubstituteDeep(cfg.JSON.Data, values)
	s, ok := data.(string)
	if !ok {
		return b.success(data)
	}
	if strings.TrimSpace(s) == "" {
		return b.success(nil)
	}

	var parsed any
	if err := json.Unmarshal([]byte(s), &parsed); err != nil {
		e.logger.Debug("Static data is not valid JSON", zap.Error(err))
		return b.fail(errors.New(errors.TypeParse, "data is not valid JSON", err))
	}
	return b.success(parsed)
}
