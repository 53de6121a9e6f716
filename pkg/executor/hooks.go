package executor

import (
	"context"
	"fmt"

	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/sandbox"
	"github.com/wehubfusion/Daedalus/pkg/template"
)

// Hook failures are script errors whatever went wrong inside the script,
// so they never trigger a retry.

// runPreRequestHook lets a script rewrite the request. The script receives
// `config` ({method, url, headers, params, body}); an object return value
// replaces the fields it contains, undefined keeps the request as is.
func runPreRequestHook(ctx context.Context, eval sandbox.Evaluator, cfg *HTTPConfig) (*HTTPConfig, error) {
	if eval == nil {
		return nil, errors.Newf(errors.TypeScript, "pre-request script configured but no script evaluator is available")
	}

	view := map[string]any{
		"method":  cfg.method(),
		"url":     cfg.URL,
		"headers": headersToAny(cfg.Headers),
		"params":  cfg.Params,
		"body":    cfg.Body,
	}
	res := eval.Run(ctx, cfg.PreRequestScript, map[string]any{"config": view}, sandbox.Options{})
	if !res.Success {
		return nil, errors.New(errors.TypeScript, "pre-request script failed", res.Error)
	}
	if !res.Defined || res.Value == nil {
		return cfg, nil
	}

	m, ok := res.Value.(map[string]any)
	if !ok {
		return nil, errors.Newf(errors.TypeScript, "pre-request script must return an object")
	}

	out := cfg.clone()
	if v, ok := m["method"].(string); ok && v != "" {
		out.Method = v
	}
	if v, ok := m["url"].(string); ok && v != "" {
		out.URL = v
	}
	if v, ok := m["headers"].(map[string]any); ok {
		out.Headers = make(map[string]string, len(v))
		for k, hv := range v {
			out.Headers[k] = template.Stringify(hv)
		}
	}
	if v, ok := m["params"].(map[string]any); ok {
		out.Params = v
	}
	if v, ok := m["body"]; ok {
		out.Body = v
		if v != nil {
			out.RawBody = ""
		}
	}
	return out, nil
}

// runResponseHook lets a script transform the normalized data. The script
// receives `response` (the data), `status` and `headers`; a defined return
// value replaces the data.
func runResponseHook(ctx context.Context, eval sandbox.Evaluator, script string, data any, meta *HTTPMeta) (any, error) {
	if eval == nil {
		return nil, errors.Newf(errors.TypeScript, "response script configured but no script evaluator is available")
	}

	bindings := map[string]any{
		"response": data,
		"status":   0,
		"headers":  map[string]any{},
	}
	if meta != nil {
		bindings["status"] = meta.Status
		bindings["headers"] = headersToAny(meta.Headers)
	}

	res := eval.Run(ctx, script, bindings, sandbox.Options{})
	if !res.Success {
		return nil, errors.New(errors.TypeScript, "response script failed", res.Error)
	}
	if !res.Defined {
		return data, nil
	}
	return res.Value, nil
}

// lintScript records advisory findings for a script that parses. Syntax
// errors are left to the run, which reports them as failures.
func lintScript(b *builder, field, script string) {
	res := sandbox.Lint(script)
	if !res.Parsed() {
		return
	}
	for _, w := range res.Warnings {
		b.warn(fmt.Sprintf("%s line %d: %s", field, w.Line, w.Message))
	}
}

func headersToAny(h map[string]string) map[string]any {
	out := make(map[string]any, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
