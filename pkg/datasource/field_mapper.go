package datasource

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/wehubfusion/Daedalus/pkg/pathutil"
)

// FieldMapper reshapes result data according to a field mapping
type FieldMapper struct{}

// NewFieldMapper creates a new field mapper
func NewFieldMapper() *FieldMapper {
	return &FieldMapper{}
}

// Apply builds a new object where each target path holds the value found
// at its source path in data. Source paths that do not exist are reported
// and skipped. An empty mapping returns data unchanged.
func (fm *FieldMapper) Apply(data any, mapping map[string]string) (any, []string, error) {
	if len(mapping) == 0 {
		return data, nil, nil
	}

	source, err := json.Marshal(data)
	if err != nil {
		return nil, nil, fmt.Errorf("result data is not JSON-serializable: %w", err)
	}

	// deterministic order so nested targets overwrite predictably
	targets := make([]string, 0, len(mapping))
	for target := range mapping {
		targets = append(targets, target)
	}
	sort.Strings(targets)

	dest := []byte("{}")
	var missing []string
	for _, target := range targets {
		path := mapping[target]
		value, ok := pathutil.GetBytes(source, path)
		if !ok {
			missing = append(missing, fmt.Sprintf("field mapping source %s not found for %s", path, target))
			continue
		}
		dest, err = pathutil.Set(dest, target, value)
		if err != nil {
			return nil, missing, fmt.Errorf("failed to set destination field %s: %w", target, err)
		}
	}

	var out any
	if err := json.Unmarshal(dest, &out); err != nil {
		return nil, missing, fmt.Errorf("failed to decode mapped data: %w", err)
	}
	return out, missing, nil
}
