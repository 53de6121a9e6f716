package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubstitute(t *testing.T) {
	values := map[string]any{
		"id":      "42",
		"count":   float64(3),
		"ratio":   0.25,
		"enabled": true,
		"empty":   nil,
		"filter":  map[string]any{"a": float64(1)},
		"device":  map[string]any{"name": "pump"},
	}

	tests := []struct {
		name string
		tmpl string
		want string
	}{
		{"no placeholders", "/device/status", "/device/status"},
		{"single", "/device/${id}/status", "/device/42/status"},
		{"repeated", "${id}-${id}", "42-42"},
		{"integral number", "limit=${count}", "limit=3"},
		{"fractional number", "r=${ratio}", "r=0.25"},
		{"bool", "on=${enabled}", "on=true"},
		{"nil renders empty", "x=${empty}", "x="},
		{"object renders json", "f=${filter}", `f={"a":1}`},
		{"dotted path", "n=${device.name}", "n=pump"},
		{"whitespace trimmed", "${ id }", "42"},
		{"unresolved untouched", "/a/${missing}/b", "/a/${missing}/b"},
		{"empty name untouched", "${ }", "${ }"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Substitute(tt.tmpl, values))
		})
	}
}

func TestSubstituteNilValues(t *testing.T) {
	assert.Equal(t, "/a/${id}", Substitute("/a/${id}", nil))
}

func TestSubstituteLeavesNoResidualWhenAllResolve(t *testing.T) {
	tmpl := "/org/${org}/device/${id}?from=${range.from}"
	values := map[string]any{
		"org":   "acme",
		"id":    "7",
		"range": map[string]any{"from": float64(100)},
	}

	out := Substitute(tmpl, values)
	assert.Equal(t, "/org/acme/device/7?from=100", out)
	assert.Empty(t, ExtractNames(out))
}

func TestSubstituteDeep(t *testing.T) {
	input := map[string]any{
		"url": "/device/${id}",
		"headers": map[string]string{
			"X-Tenant-${tenant}": "${tenant}",
		},
		"body": []any{"${id}", float64(1), map[string]any{"k": "${id}"}},
		"tags": []string{"t-${id}"},
	}
	values := map[string]any{"id": "42", "tenant": "acme"}

	out, ok := SubstituteDeep(input, values).(map[string]any)
	require.True(t, ok)

	assert.Equal(t, "/device/42", out["url"])
	assert.Equal(t, map[string]string{"X-Tenant-acme": "acme"}, out["headers"])
	assert.Equal(t, []any{"42", float64(1), map[string]any{"k": "42"}}, out["body"])
	assert.Equal(t, []string{"t-42"}, out["tags"])

	// input is not aliased
	assert.Equal(t, "/device/${id}", input["url"])
	nested := input["body"].([]any)[2].(map[string]any)
	assert.Equal(t, "${id}", nested["k"])
}

func TestExtractNames(t *testing.T) {
	assert.Equal(t, []string{"a", "b.c"}, ExtractNames("${a}/${b.c}/${a}"))
	assert.Nil(t, ExtractNames("plain"))
}

func TestExtractNamesDeep(t *testing.T) {
	v := map[string]any{
		"url":  "/x/${id}",
		"list": []any{"${page}", map[string]any{"${key}": "v"}},
	}
	names := ExtractNamesDeep(v)
	assert.ElementsMatch(t, []string{"id", "page", "key"}, names)
}

func TestMissingNames(t *testing.T) {
	values := map[string]any{"id": "1", "device": map[string]any{"id": "d"}}
	assert.Equal(t, []string{"tenant"}, MissingNames("${id}/${device.id}/${tenant}", values))
	assert.Empty(t, MissingNames("${id}", values))
}

func TestStringify(t *testing.T) {
	assert.Equal(t, "", Stringify(nil))
	assert.Equal(t, "12", Stringify(12))
	assert.Equal(t, "1.5", Stringify(1.5))
	assert.Equal(t, "[1,2]", Stringify([]any{1, 2}))
}
