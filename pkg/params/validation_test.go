package params

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDynamicParamValidate(t *testing.T) {
	tests := []struct {
		name    string
		param   DynamicParam
		wantErr string
	}{
		{"context", DynamicParam{Name: "id", Source: SourceContext}, ""},
		{"static", DynamicParam{Name: "n", Source: SourceStatic, StaticValue: 1}, ""},
		{"api", DynamicParam{Name: "a", Source: SourceAPI, APIConfig: &APIConfig{URL: "/x", Method: "post"}}, ""},
		{"computed", DynamicParam{Name: "c", Source: SourceComputed, ComputedConfig: &ComputedConfig{ComputeScript: "return 1"}}, ""},
		{"missing name", DynamicParam{Source: SourceContext}, "name is required"},
		{"unknown source", DynamicParam{Name: "x", Source: "ldap"}, "unknown source"},
		{"unknown type", DynamicParam{Name: "x", Source: SourceContext, Type: "date"}, "unknown type"},
		{"static without value", DynamicParam{Name: "x", Source: SourceStatic}, "requires staticValue"},
		{"two blocks", DynamicParam{Name: "x", Source: SourceStatic, StaticValue: 1, APIConfig: &APIConfig{URL: "/x"}}, "requires staticValue only"},
		{"context with block", DynamicParam{Name: "x", Source: SourceContext, StaticValue: 1}, "takes no source config"},
		{"api without url", DynamicParam{Name: "x", Source: SourceAPI, APIConfig: &APIConfig{}}, "url is required"},
		{"api bad method", DynamicParam{Name: "x", Source: SourceAPI, APIConfig: &APIConfig{URL: "/x", Method: "DELETE"}}, "unsupported"},
		{"api negative cache", DynamicParam{Name: "x", Source: SourceAPI, APIConfig: &APIConfig{URL: "/x", CacheTime: int64Ptr(-1)}}, "cacheTime"},
		{"computed without script", DynamicParam{Name: "x", Source: SourceComputed, ComputedConfig: &ComputedConfig{}}, "computeScript is required"},
		{"self dependency", DynamicParam{Name: "x", Source: SourceComputed, ComputedConfig: &ComputedConfig{ComputeScript: "return 1", Dependencies: []string{"x"}}}, "depends on itself"},
		{"min over max", DynamicParam{Name: "x", Source: SourceContext, Validation: &Validation{Min: float64Ptr(5), Max: float64Ptr(1)}}, "min exceeds"},
		{"bad pattern", DynamicParam{Name: "x", Source: SourceContext, Validation: &Validation{Pattern: "("}}, "invalid validation.pattern"},
		{"bad schema", DynamicParam{Name: "x", Source: SourceContext, Validation: &Validation{Schema: json.RawMessage(`{"type": 12}`)}}, "invalid validation.schema"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.param.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateParams(t *testing.T) {
	computed := func(name string, deps ...string) DynamicParam {
		return DynamicParam{Name: name, Source: SourceComputed, ComputedConfig: &ComputedConfig{
			ComputeScript: "return 1", Dependencies: deps,
		}}
	}

	assert.NoError(t, ValidateParams([]DynamicParam{
		{Name: "a", Source: SourceContext},
		computed("b", "a"),
		computed("c", "a", "b"),
	}))

	err := ValidateParams([]DynamicParam{
		{Name: "a", Source: SourceContext},
		{Name: "a", Source: SourceStatic, StaticValue: 1},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate name")

	err = ValidateParams([]DynamicParam{computed("b", "ghost")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown dependency ghost")

	err = ValidateParams([]DynamicParam{computed("x", "y"), computed("y", "z"), computed("z", "x")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dependency cycle")
}

func TestPlanLevels(t *testing.T) {
	params := []DynamicParam{
		{Name: "c", Source: SourceComputed, ComputedConfig: &ComputedConfig{ComputeScript: "return 1", Dependencies: []string{"b"}}},
		{Name: "b", Source: SourceComputed, ComputedConfig: &ComputedConfig{ComputeScript: "return 1", Dependencies: []string{"a"}}},
		{Name: "a", Source: SourceContext},
		{Name: "d", Source: SourceStatic, StaticValue: true},
	}

	levels, invalid := plan(params)
	assert.Empty(t, invalid)

	var names [][]string
	for _, level := range levels {
		var ln []string
		for _, p := range level {
			ln = append(ln, p.Name)
		}
		names = append(names, ln)
	}
	assert.Equal(t, [][]string{{"a", "d"}, {"b"}, {"c"}}, names)
}

func TestCoerce(t *testing.T) {
	tests := []struct {
		name    string
		value   any
		typ     Type
		want    any
		wantErr bool
	}{
		{"untyped passthrough", 3, "", 3, false},
		{"nil passthrough", nil, TypeNumber, nil, false},
		{"number from string", " 2.5 ", TypeNumber, 2.5, false},
		{"number from int", 7, TypeNumber, float64(7), false},
		{"number from json.Number", json.Number("12"), TypeNumber, float64(12), false},
		{"number from garbage", "abc", TypeNumber, nil, true},
		{"string from number", float64(42), TypeString, "42", false},
		{"string from object", map[string]any{"a": 1}, TypeString, `{"a":1}`, false},
		{"boolean from string", "TRUE", TypeBoolean, true, false},
		{"boolean from zero", float64(0), TypeBoolean, false, false},
		{"boolean from garbage", "maybe", TypeBoolean, nil, true},
		{"object from string", `{"a":1}`, TypeObject, map[string]any{"a": float64(1)}, false},
		{"object from array", []any{1}, TypeObject, nil, true},
		{"array from string", `[1,2]`, TypeArray, []any{float64(1), float64(2)}, false},
		{"array from typed slice", []string{"x"}, TypeArray, []any{"x"}, false},
		{"array from number", float64(1), TypeArray, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := coerce(tt.value, tt.typ)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCheckValidation(t *testing.T) {
	tests := []struct {
		name    string
		value   any
		rules   *Validation
		wantErr string
	}{
		{"no rules", "x", nil, ""},
		{"number in range", float64(5), &Validation{Min: float64Ptr(1), Max: float64Ptr(10)}, ""},
		{"number below min", float64(0), &Validation{Min: float64Ptr(1)}, "below minimum"},
		{"string length", "abcdef", &Validation{Max: float64Ptr(3)}, "length 6 exceeds maximum 3"},
		{"array length", []any{1}, &Validation{Min: float64Ptr(2)}, "length 1 is below minimum 2"},
		{"pattern match", "SN-001", &Validation{Pattern: `^SN-\d{3}$`}, ""},
		{"pattern mismatch", "XX", &Validation{Pattern: `^SN-`}, "does not match"},
		{"enum numeric", float64(2), &Validation{Enum: []any{1, 2, 3}}, ""},
		{"enum miss", "c", &Validation{Enum: []any{"a", "b"}}, "not one of"},
		{"schema pass", map[string]any{"id": "1"}, &Validation{Schema: json.RawMessage(`{"type":"object","required":["id"]}`)}, ""},
		{"schema fail", map[string]any{"id": 1}, &Validation{Schema: json.RawMessage(`{"type":"object","properties":{"id":{"type":"string"}}}`)}, "schema validation failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkValidation(tt.value, tt.rules)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParamContextJSON(t *testing.T) {
	var pctx ParamContext
	require.NoError(t, json.Unmarshal([]byte(`{"id":"42","$system":{"userId":"u1","timeRange":{"start":1,"end":2}}}`), &pctx))

	assert.Equal(t, "42", pctx.Values["id"])
	assert.Equal(t, "u1", pctx.System.UserID)
	require.NotNil(t, pctx.System.TimeRange)
	assert.Equal(t, int64(2), pctx.System.TimeRange.End)

	v, ok := pctx.Lookup("$system.timeRange.start")
	assert.True(t, ok)
	assert.Equal(t, float64(1), v)

	_, ok = pctx.Lookup("$system.tenantId")
	assert.False(t, ok)

	raw, err := json.Marshal(pctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"42","$system":{"userId":"u1","timeRange":{"start":1,"end":2}}}`, string(raw))
}
