package params

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/template"
)

var allowedAPIMethods = map[string]bool{"GET": true, "POST": true}

// Validate checks the declaration: known source and type, and exactly one
// source-specific block matching Source.
func (p *DynamicParam) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return errors.Newf(errors.TypeValidation, "parameter name is required")
	}

	switch p.Type {
	case "", TypeString, TypeNumber, TypeBoolean, TypeObject, TypeArray:
	default:
		return errors.Newf(errors.TypeValidation, "parameter %s: unknown type %q", p.Name, p.Type)
	}

	hasStatic := p.StaticValue != nil
	hasAPI := p.APIConfig != nil
	hasComputed := p.ComputedConfig != nil

	switch p.Source {
	case SourceContext:
		if hasStatic || hasAPI || hasComputed {
			return errors.Newf(errors.TypeValidation, "parameter %s: context source takes no source config", p.Name)
		}
	case SourceStatic:
		if !hasStatic || hasAPI || hasComputed {
			return errors.Newf(errors.TypeValidation, "parameter %s: static source requires staticValue only", p.Name)
		}
	case SourceAPI:
		if !hasAPI || hasStatic || hasComputed {
			return errors.Newf(errors.TypeValidation, "parameter %s: api source requires apiConfig only", p.Name)
		}
		if strings.TrimSpace(p.APIConfig.URL) == "" {
			return errors.Newf(errors.TypeValidation, "parameter %s: apiConfig.url is required", p.Name)
		}
		if m := strings.ToUpper(p.APIConfig.Method); m != "" && !allowedAPIMethods[m] {
			return errors.Newf(errors.TypeValidation, "parameter %s: unsupported apiConfig.method %q", p.Name, p.APIConfig.Method)
		}
		if ct := p.APIConfig.CacheTime; ct != nil && *ct < 0 {
			return errors.Newf(errors.TypeValidation, "parameter %s: apiConfig.cacheTime must not be negative", p.Name)
		}
	case SourceComputed:
		if !hasComputed || hasStatic || hasAPI {
			return errors.Newf(errors.TypeValidation, "parameter %s: computed source requires computedConfig only", p.Name)
		}
		if strings.TrimSpace(p.ComputedConfig.ComputeScript) == "" {
			return errors.Newf(errors.TypeValidation, "parameter %s: computedConfig.computeScript is required", p.Name)
		}
		for _, dep := range p.ComputedConfig.Dependencies {
			if dep == p.Name {
				return errors.Newf(errors.TypeValidation, "parameter %s: depends on itself", p.Name)
			}
		}
	default:
		return errors.Newf(errors.TypeValidation, "parameter %s: unknown source %q", p.Name, p.Source)
	}

	if v := p.Validation; v != nil {
		if v.Min != nil && v.Max != nil && *v.Min > *v.Max {
			return errors.Newf(errors.TypeValidation, "parameter %s: validation.min exceeds validation.max", p.Name)
		}
		if v.Pattern != "" {
			if _, err := regexp.Compile(v.Pattern); err != nil {
				return errors.New(errors.TypeValidation, fmt.Sprintf("parameter %s: invalid validation.pattern", p.Name), err)
			}
		}
		if len(v.Schema) > 0 {
			if _, err := compileSchema(v.Schema); err != nil {
				return errors.New(errors.TypeValidation, fmt.Sprintf("parameter %s: invalid validation.schema", p.Name), err)
			}
		}
	}
	return nil
}

// ValidateParams validates every declaration plus the set as a whole:
// unique names, known dependencies, and no dependency cycles.
func ValidateParams(params []DynamicParam) error {
	_, invalid := plan(params)
	if len(invalid) == 0 {
		return nil
	}
	errs := make([]error, 0, len(invalid))
	for _, p := range params {
		if err, ok := invalid[p.Name]; ok {
			errs = append(errs, err)
			delete(invalid, p.Name)
		}
	}
	for _, err := range invalid {
		errs = append(errs, err)
	}
	return stderrors.Join(errs...)
}

// plan orders computed parameters with dependencies into levels; every
// parameter in a level depends only on parameters resolved earlier.
// Level 0 holds everything without dependencies. Parameters that fail
// validation, or sit on a cycle, are returned in invalid instead.
func plan(params []DynamicParam) (levels [][]*DynamicParam, invalid map[string]error) {
	invalid = make(map[string]error)
	byName := make(map[string]*DynamicParam, len(params))

	for i := range params {
		p := &params[i]
		if err := p.Validate(); err != nil {
			invalid[nameOrIndex(p, i)] = err
			continue
		}
		if _, dup := byName[p.Name]; dup {
			invalid[p.Name] = errors.Newf(errors.TypeValidation, "parameter %s: duplicate name", p.Name)
			continue
		}
		byName[p.Name] = p
	}
	for name := range invalid {
		delete(byName, name)
	}

	for _, p := range byName {
		for _, dep := range p.Dependencies() {
			if _, ok := byName[dep]; !ok {
				if _, bad := invalid[dep]; !bad {
					invalid[p.Name] = errors.Newf(errors.TypeValidation, "parameter %s: unknown dependency %s", p.Name, dep)
				}
			}
		}
	}

	placed := make(map[string]bool, len(byName))
	remaining := make([]*DynamicParam, 0, len(byName))
	for i := range params {
		p := &params[i]
		if byName[p.Name] == p {
			if _, bad := invalid[p.Name]; !bad {
				remaining = append(remaining, p)
			}
		}
	}

	for len(remaining) > 0 {
		var level, next []*DynamicParam
		for _, p := range remaining {
			ready := true
			for _, dep := range p.Dependencies() {
				if !placed[dep] {
					if _, bad := invalid[dep]; bad {
						continue
					}
					ready = false
					break
				}
			}
			if ready {
				level = append(level, p)
			} else {
				next = append(next, p)
			}
		}
		if len(level) == 0 {
			for _, p := range next {
				invalid[p.Name] = errors.Newf(errors.TypeValidation, "parameter %s: dependency cycle", p.Name)
			}
			break
		}
		for _, p := range level {
			placed[p.Name] = true
		}
		levels = append(levels, level)
		remaining = next
	}
	return levels, invalid
}

func nameOrIndex(p *DynamicParam, i int) string {
	if p.Name != "" {
		return p.Name
	}
	return "#" + strconv.Itoa(i)
}

// coerce converts a resolved value to the declared type
func coerce(value any, t Type) (any, error) {
	if t == "" || value == nil {
		return value, nil
	}

	switch t {
	case TypeString:
		if s, ok := value.(string); ok {
			return s, nil
		}
		return template.Stringify(value), nil

	case TypeNumber:
		switch v := value.(type) {
		case float64:
			return v, nil
		case float32:
			return float64(v), nil
		case int:
			return float64(v), nil
		case int32:
			return float64(v), nil
		case int64:
			return float64(v), nil
		case uint64:
			return float64(v), nil
		case json.Number:
			return v.Float64()
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return nil, fmt.Errorf("cannot convert %q to number", v)
			}
			return f, nil
		}

	case TypeBoolean:
		switch v := value.(type) {
		case bool:
			return v, nil
		case float64:
			return v != 0, nil
		case int:
			return v != 0, nil
		case string:
			switch strings.ToLower(strings.TrimSpace(v)) {
			case "true", "1", "yes":
				return true, nil
			case "false", "0", "no", "":
				return false, nil
			}
			return nil, fmt.Errorf("cannot convert %q to boolean", v)
		}

	case TypeObject:
		if m, ok := value.(map[string]any); ok {
			return m, nil
		}
		if s, ok := value.(string); ok {
			var m map[string]any
			if err := json.Unmarshal([]byte(s), &m); err != nil {
				return nil, fmt.Errorf("cannot convert string to object: %w", err)
			}
			return m, nil
		}
		if out, ok := viaJSON(value); ok {
			if m, ok := out.(map[string]any); ok {
				return m, nil
			}
		}

	case TypeArray:
		if a, ok := value.([]any); ok {
			return a, nil
		}
		if s, ok := value.(string); ok {
			var a []any
			if err := json.Unmarshal([]byte(s), &a); err != nil {
				return nil, fmt.Errorf("cannot convert string to array: %w", err)
			}
			return a, nil
		}
		if rv := reflect.ValueOf(value); rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
			if out, ok := viaJSON(value); ok {
				if a, ok := out.([]any); ok {
					return a, nil
				}
			}
		}
	}

	return nil, fmt.Errorf("cannot convert %T to %s", value, t)
}

func viaJSON(v any) (any, bool) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, false
	}
	return out, true
}

// checkValidation applies min/max, pattern, enum and schema rules
func checkValidation(value any, v *Validation) error {
	if v == nil {
		return nil
	}

	if v.Min != nil || v.Max != nil {
		measure, label, ok := measureOf(value)
		if ok {
			if v.Min != nil && measure < *v.Min {
				return fmt.Errorf("%s %s is below minimum %s", label, template.Stringify(measure), template.Stringify(*v.Min))
			}
			if v.Max != nil && measure > *v.Max {
				return fmt.Errorf("%s %s exceeds maximum %s", label, template.Stringify(measure), template.Stringify(*v.Max))
			}
		}
	}

	if v.Pattern != "" {
		re, err := regexp.Compile(v.Pattern)
		if err != nil {
			return fmt.Errorf("invalid pattern: %w", err)
		}
		if s := template.Stringify(value); !re.MatchString(s) {
			return fmt.Errorf("value %q does not match pattern %s", s, v.Pattern)
		}
	}

	if len(v.Enum) > 0 {
		found := false
		for _, allowed := range v.Enum {
			if enumEqual(value, allowed) {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("value %s is not one of the allowed values", template.Stringify(value))
		}
	}

	if len(v.Schema) > 0 {
		schema, err := compileSchema(v.Schema)
		if err != nil {
			return fmt.Errorf("invalid schema: %w", err)
		}
		doc, ok := viaJSON(value)
		if !ok {
			return fmt.Errorf("value is not JSON-serializable")
		}
		if err := schema.Validate(doc); err != nil {
			return fmt.Errorf("schema validation failed: %s", schemaMessage(err))
		}
	}
	return nil
}

func measureOf(value any) (float64, string, bool) {
	switch v := value.(type) {
	case float64:
		return v, "value", true
	case int:
		return float64(v), "value", true
	case string:
		return float64(utf8.RuneCountInString(v)), "length", true
	case []any:
		return float64(len(v)), "length", true
	}
	return 0, "", false
}

func enumEqual(value, allowed any) bool {
	if reflect.DeepEqual(value, allowed) {
		return true
	}
	a, okA := viaJSON(value)
	b, okB := viaJSON(allowed)
	return okA && okB && reflect.DeepEqual(a, b)
}

func compileSchema(raw json.RawMessage) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource("param.json", strings.NewReader(string(raw))); err != nil {
		return nil, err
	}
	return compiler.Compile("param.json")
}

func schemaMessage(err error) string {
	var ve *jsonschema.ValidationError
	if !stderrors.As(err, &ve) {
		return err.Error()
	}
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	if ve.InstanceLocation != "" {
		return fmt.Sprintf("at '%s': %s", ve.InstanceLocation, ve.Message)
	}
	return ve.Message
}
