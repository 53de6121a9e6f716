// Package params declares dynamic parameters and resolves them against a
// caller-supplied context before a data source executes.
package params

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/pathutil"
)

// Source selects the resolution strategy
type Source string

const (
	SourceContext  Source = "context"
	SourceStatic   Source = "static"
	SourceAPI      Source = "api"
	SourceComputed Source = "computed"
)

// Type is the declared value type; resolved values are coerced to it
type Type string

const (
	TypeString  Type = "string"
	TypeNumber  Type = "number"
	TypeBoolean Type = "boolean"
	TypeObject  Type = "object"
	TypeArray   Type = "array"
)

// SystemKey is the reserved context key holding the system block
const SystemKey = "$system"

// DynamicParam declares one parameter. Exactly one source-specific block
// (StaticValue, APIConfig or ComputedConfig) is set, matching Source;
// context parameters set none and use Name as the lookup path.
type DynamicParam struct {
	Name           string          `json:"name"`
	Source         Source          `json:"source"`
	Type           Type            `json:"type,omitempty"`
	Required       bool            `json:"required,omitempty"`
	DefaultValue   any             `json:"defaultValue,omitempty"`
	Description    string          `json:"description,omitempty"`
	StaticValue    any             `json:"staticValue,omitempty"`
	APIConfig      *APIConfig      `json:"apiConfig,omitempty"`
	ComputedConfig *ComputedConfig `json:"computedConfig,omitempty"`
	Validation     *Validation     `json:"validation,omitempty"`

	// ContextPath overrides Name as the lookup path for context parameters
	ContextPath string `json:"contextPath,omitempty"`
}

// HasDefault reports whether a fallback value is declared
func (p *DynamicParam) HasDefault() bool {
	return p.DefaultValue != nil
}

// lookupPath returns the context path for context parameters
func (p *DynamicParam) lookupPath() string {
	if p.ContextPath != "" {
		return p.ContextPath
	}
	return p.Name
}

// Dependencies returns the declared dependencies of a computed parameter
func (p *DynamicParam) Dependencies() []string {
	if p.Source != SourceComputed || p.ComputedConfig == nil {
		return nil
	}
	return p.ComputedConfig.Dependencies
}

// APIConfig describes an API-sourced parameter
type APIConfig struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Params  map[string]any    `json:"params,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    any               `json:"body,omitempty"`

	// DataPath extracts a value from the response body
	DataPath string `json:"dataPath,omitempty"`

	// CacheTime in milliseconds; nil uses the resolver default, 0 disables caching
	CacheTime *int64 `json:"cacheTime,omitempty"`
}

// ComputedConfig describes a script-computed parameter
type ComputedConfig struct {
	// ComputeScript is a function body receiving context and dependencies
	ComputeScript string   `json:"computeScript"`
	Dependencies  []string `json:"dependencies,omitempty"`
	Async         bool     `json:"async,omitempty"`

	// Timeout in milliseconds; zero uses the sandbox default
	Timeout int64 `json:"timeout,omitempty"`
}

// Validation constrains a resolved value
type Validation struct {
	// Min and Max bound numbers, or the length of strings and arrays
	Min *float64 `json:"min,omitempty"`
	Max *float64 `json:"max,omitempty"`

	Pattern string `json:"pattern,omitempty"`
	Enum    []any  `json:"enum,omitempty"`

	// Schema is a JSON Schema applied to object and array values
	Schema json.RawMessage `json:"schema,omitempty"`
}

// TimeRange is the dashboard time window in unix milliseconds
type TimeRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// SystemContext is the reserved $system block of a ParamContext
type SystemContext struct {
	Timestamp int64      `json:"timestamp,omitempty"`
	UserID    string     `json:"userId,omitempty"`
	TenantID  string     `json:"tenantId,omitempty"`
	DeviceID  string     `json:"deviceId,omitempty"`
	TimeRange *TimeRange `json:"timeRange,omitempty"`
}

// ParamContext is the caller-supplied bag parameters resolve against.
// It is treated as read-only during a resolution pass.
type ParamContext struct {
	Values map[string]any
	System SystemContext
}

// NewContext builds a context from plain values.
// A "$system" entry, if present, populates System.
func NewContext(values map[string]any) ParamContext {
	pctx := ParamContext{Values: make(map[string]any, len(values))}
	for k, v := range values {
		if k == SystemKey {
			if raw, err := json.Marshal(v); err == nil {
				_ = json.Unmarshal(raw, &pctx.System)
			}
			continue
		}
		pctx.Values[k] = v
	}
	return pctx
}

// UnmarshalJSON reads an open object with an optional "$system" member
func (c *ParamContext) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	c.Values = make(map[string]any, len(raw))
	c.System = SystemContext{}
	for k, v := range raw {
		if k == SystemKey {
			if err := json.Unmarshal(v, &c.System); err != nil {
				return err
			}
			continue
		}
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			return err
		}
		c.Values[k] = val
	}
	return nil
}

// MarshalJSON writes the flattened form
func (c ParamContext) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Flatten())
}

// SystemMap returns the system block as a JSON-shaped map
func (c ParamContext) SystemMap() map[string]any {
	out := map[string]any{}
	raw, err := json.Marshal(c.System)
	if err != nil {
		return out
	}
	_ = json.Unmarshal(raw, &out)
	return out
}

// Flatten returns the values plus the "$system" block in one map
func (c ParamContext) Flatten() map[string]any {
	out := make(map[string]any, len(c.Values)+1)
	for k, v := range c.Values {
		out[k] = v
	}
	out[SystemKey] = c.SystemMap()
	return out
}

// Lookup resolves a dotted path. "$system.*" addresses the system block;
// other paths address Values with an exact key taking precedence.
func (c ParamContext) Lookup(path string) (any, bool) {
	if path == SystemKey {
		return c.SystemMap(), true
	}
	if rest, ok := strings.CutPrefix(path, SystemKey+"."); ok {
		v, found := pathutil.Get(c.SystemMap(), rest)
		return v, found && v != nil
	}
	if c.Values == nil {
		return nil, false
	}
	v, found := pathutil.Get(c.Values, path)
	return v, found && v != nil
}

// ParamError is a resolution failure for one parameter
type ParamError struct {
	Param   string           `json:"param"`
	Message string           `json:"message"`
	Type    errors.ErrorType `json:"type"`
}

// ParamWarning is a non-fatal resolution note
type ParamWarning struct {
	Param   string `json:"param"`
	Message string `json:"message"`
}

// ResolutionResult is the outcome of ResolveAll.
// Success is false only when a required parameter ended up unresolved.
type ResolutionResult struct {
	Success        bool           `json:"success"`
	ResolvedParams map[string]any `json:"resolvedParams"`
	Errors         []ParamError   `json:"errors,omitempty"`
	Warnings       []ParamWarning `json:"warnings,omitempty"`
	ExecutionTime  time.Duration  `json:"-"`
}

// ExecutionTimeMs returns the resolution time in milliseconds
func (r *ResolutionResult) ExecutionTimeMs() int64 {
	return r.ExecutionTime.Milliseconds()
}

// Err returns a combined error when the resolution failed
func (r *ResolutionResult) Err() error {
	if r.Success {
		return nil
	}
	names := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		names = append(names, e.Param+": "+e.Message)
	}
	return errors.New(errors.TypeValidation, strings.Join(names, "; "), errors.ErrRequiredParams)
}
