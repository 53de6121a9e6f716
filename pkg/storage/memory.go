// Package storage provides component config stores backed by memory,
// Azure Blob Storage and NATS JetStream key-value buckets, plus an archive
// for the results of triggered runs.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/datasource"
)

// MemoryStore keeps component configs in process memory. Configs are
// copied on the way in and out so callers never share state with the store.
type MemoryStore struct {
	mu      sync.RWMutex
	configs map[string][]byte
	logger  *zap.Logger
}

var _ datasource.ConfigStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty memory store
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryStore{
		configs: make(map[string][]byte),
		logger:  logger,
	}
}

// Get returns a copy of the config stored under id
func (s *MemoryStore) Get(_ context.Context, id string) (*datasource.ComponentConfig, error) {
	s.mu.RLock()
	data, ok := s.configs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("component config %s: %w", id, datasource.ErrNotFound)
	}
	return decodeConfig(data)
}

// Save validates cfg and stores a copy under its id
func (s *MemoryStore) Save(_ context.Context, cfg *datasource.ComponentConfig) error {
	data, err := encodeConfig(cfg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.configs[cfg.ID] = data
	s.mu.Unlock()

	s.logger.Debug("Component config saved", zap.String("config_id", cfg.ID))
	return nil
}

// Delete removes the config stored under id. Deleting a missing id is not an error.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.configs, id)
	s.mu.Unlock()
	return nil
}

// GetAll returns copies of every stored config ordered by id
func (s *MemoryStore) GetAll(_ context.Context) ([]*datasource.ComponentConfig, error) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.configs))
	for id := range s.configs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	raw := make([][]byte, len(ids))
	for i, id := range ids {
		raw[i] = s.configs[id]
	}
	s.mu.RUnlock()

	out := make([]*datasource.ComponentConfig, 0, len(raw))
	for _, data := range raw {
		cfg, err := decodeConfig(data)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, nil
}

func encodeConfig(cfg *datasource.ComponentConfig) ([]byte, error) {
	if cfg == nil {
		return nil, fmt.Errorf("component config is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal component config %s: %w", cfg.ID, err)
	}
	return data, nil
}

func decodeConfig(data []byte) (*datasource.ComponentConfig, error) {
	var cfg datasource.ComponentConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal component config: %w", err)
	}
	return &cfg, nil
}
