// Package template substitutes ${name} placeholders inside configuration
// strings and nested configuration values.
//
// The engine is side-effect free: unresolved placeholders are left untouched
// and callers use ExtractNames / MissingNames to detect them.
package template

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/wehubfusion/Daedalus/pkg/pathutil"
)

var placeholderPattern = regexp.MustCompile(`\$\{([^{}]+)\}`)

// Substitute replaces every ${name} whose name resolves in values.
// A placeholder resolving to nil renders as the empty string.
func Substitute(tmpl string, values map[string]any) string {
	if !strings.Contains(tmpl, "${") {
		return tmpl
	}

	return placeholderPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		name := strings.TrimSpace(match[2 : len(match)-1])
		if name == "" {
			return match
		}
		value, ok := lookup(values, name)
		if !ok {
			return match
		}
		return Stringify(value)
	})
}

// SubstituteDeep returns a deep copy of v with substitution applied to every
// string value and every string map key.
func SubstituteDeep(v any, values map[string]any) any {
	switch val := v.(type) {
	case string:
		return Substitute(val, values)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[Substitute(k, values)] = SubstituteDeep(item, values)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(val))
		for k, item := range val {
			out[Substitute(k, values)] = Substitute(item, values)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = SubstituteDeep(item, values)
		}
		return out
	case []string:
		out := make([]string, len(val))
		for i, item := range val {
			out[i] = Substitute(item, values)
		}
		return out
	case []map[string]any:
		out := make([]map[string]any, len(val))
		for i, item := range val {
			out[i], _ = SubstituteDeep(item, values).(map[string]any)
		}
		return out
	default:
		return v
	}
}

// ExtractNames lists placeholder names in first-occurrence order without duplicates
func ExtractNames(tmpl string) []string {
	matches := placeholderPattern.FindAllStringSubmatch(tmpl, -1)
	if len(matches) == 0 {
		return nil
	}

	seen := make(map[string]bool, len(matches))
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		name := strings.TrimSpace(m[1])
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	return names
}

// ExtractNamesDeep collects placeholder names from every string and key in v
func ExtractNamesDeep(v any) []string {
	seen := make(map[string]bool)
	var names []string
	add := func(s string) {
		for _, n := range ExtractNames(s) {
			if !seen[n] {
				seen[n] = true
				names = append(names, n)
			}
		}
	}

	var walk func(any)
	walk = func(v any) {
		switch val := v.(type) {
		case string:
			add(val)
		case map[string]any:
			for k, item := range val {
				add(k)
				walk(item)
			}
		case map[string]string:
			for k, item := range val {
				add(k)
				add(item)
			}
		case []any:
			for _, item := range val {
				walk(item)
			}
		case []string:
			for _, item := range val {
				add(item)
			}
		}
	}
	walk(v)
	return names
}

// MissingNames returns the placeholder names in tmpl that values cannot resolve
func MissingNames(tmpl string, values map[string]any) []string {
	var missing []string
	for _, name := range ExtractNames(tmpl) {
		if _, ok := lookup(values, name); !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

// HasPlaceholders reports whether s contains at least one placeholder
func HasPlaceholders(s string) bool {
	return placeholderPattern.MatchString(s)
}

// Stringify renders a resolved value the way it appears inside a template
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return formatFloat(val)
	case float32:
		return formatFloat(float64(val))
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case int32:
		return strconv.FormatInt(int64(val), 10)
	case uint64:
		return strconv.FormatUint(val, 10)
	case json.Number:
		return val.String()
	case fmt.Stringer:
		return val.String()
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(raw)
}

func formatFloat(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func lookup(values map[string]any, name string) (any, bool) {
	if values == nil {
		return nil, false
	}
	if v, ok := values[name]; ok {
		return v, true
	}
	if !strings.Contains(name, ".") {
		return nil, false
	}
	return pathutil.Get(values, name)
}
