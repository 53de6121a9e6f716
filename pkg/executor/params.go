package executor

import (
	"context"

	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/params"
	"github.com/wehubfusion/Daedalus/pkg/template"
)

// ParamResolver resolves dynamic parameter declarations; *params.Resolver
// implements it
type ParamResolver interface {
	ResolveAll(ctx context.Context, decls []params.DynamicParam, pctx params.ParamContext) *params.ResolutionResult
}

var _ ParamResolver = (*params.Resolver)(nil)

// templateValues resolves decls and returns the values visible to ${...}
// placeholders: the flattened context overlaid with the resolved
// parameters. Resolution warnings are recorded on b.
func templateValues(ctx context.Context, resolver ParamResolver, decls []params.DynamicParam, pctx params.ParamContext, b *builder) (map[string]any, error) {
	values := pctx.Flatten()
	if len(decls) == 0 {
		return values, nil
	}
	if resolver == nil {
		return nil, errors.Newf(errors.TypeSystem, "dynamic parameters declared but no resolver is configured")
	}

	res := resolver.ResolveAll(ctx, decls, pctx)
	for _, w := range res.Warnings {
		b.warn("param " + w.Param + ": " + errors.Redact(w.Message))
	}
	if !res.Success {
		return nil, res.Err()
	}
	for k, v := range res.ResolvedParams {
		values[k] = v
	}
	return values, nil
}

// warnMissing records placeholders that had no value
func warnMissing(b *builder, field, tmpl string, values map[string]any) {
	for _, name := range template.MissingNames(tmpl, values) {
		b.warn("unresolved placeholder ${" + name + "} in " + field)
	}
}
