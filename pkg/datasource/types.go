// Package datasource runs the data sources of a component configuration
// through the executor registry, applies field mappings, and binds
// triggers that re-run them.
package datasource

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/executor"
	"github.com/wehubfusion/Daedalus/pkg/trigger"
)

// ErrNotFound is returned by stores for unknown component ids
var ErrNotFound = errors.ErrNotFound

// DataSource is one executable source of a component plus the mapping
// applied to its successful results
type DataSource struct {
	executor.Config

	// FieldMapping maps target paths to source paths in the result data
	FieldMapping map[string]string `json:"fieldMapping,omitempty"`
}

// UnmarshalJSON reads the executor config and the field mapping
func (d *DataSource) UnmarshalJSON(data []byte) error {
	if err := d.Config.UnmarshalJSON(data); err != nil {
		return err
	}
	var extra struct {
		FieldMapping map[string]string `json:"fieldMapping"`
	}
	if err := json.Unmarshal(data, &extra); err != nil {
		return err
	}
	d.FieldMapping = extra.FieldMapping
	return nil
}

// MarshalJSON writes the executor config with the field mapping alongside
func (d DataSource) MarshalJSON() ([]byte, error) {
	raw, err := d.Config.MarshalJSON()
	if err != nil {
		return nil, err
	}
	if len(d.FieldMapping) == 0 {
		return raw, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}
	mapping, err := json.Marshal(d.FieldMapping)
	if err != nil {
		return nil, err
	}
	obj["fieldMapping"] = mapping
	return json.Marshal(obj)
}

// ComponentConfig groups the data sources and triggers of one component
type ComponentConfig struct {
	ID          string           `json:"id"`
	ComponentID string           `json:"componentId,omitempty"`
	DataSources []DataSource     `json:"dataSources"`
	Triggers    []trigger.Config `json:"triggers,omitempty"`
	Enabled     bool             `json:"enabled"`
}

// Validate checks ids and trigger configs. Data source blocks are
// validated by their executors at run time.
func (c *ComponentConfig) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return errors.Newf(errors.TypeValidation, "component config id is required")
	}
	seen := make(map[string]bool, len(c.DataSources))
	for i, ds := range c.DataSources {
		key := sourceKey(ds, i)
		if seen[key] {
			return errors.Newf(errors.TypeValidation, "duplicate data source id %q", key)
		}
		seen[key] = true
	}
	for i, tc := range c.Triggers {
		if strings.EqualFold(string(tc.Type), string(trigger.TypeWebSocket)) {
			continue
		}
		if err := tc.Validate(); err != nil {
			return errors.New(errors.TypeValidation, fmt.Sprintf("trigger %d is invalid", i), err)
		}
	}
	return nil
}

// ConfigStore persists component configs
type ConfigStore interface {
	Get(ctx context.Context, id string) (*ComponentConfig, error)
	Save(ctx context.Context, cfg *ComponentConfig) error
	Delete(ctx context.Context, id string) error
	GetAll(ctx context.Context) ([]*ComponentConfig, error)
}

// sourceKey is the result key of a data source: its id, or "#i" when unset
func sourceKey(ds DataSource, i int) string {
	if id := strings.TrimSpace(ds.ID); id != "" {
		return id
	}
	return "#" + strconv.Itoa(i)
}
