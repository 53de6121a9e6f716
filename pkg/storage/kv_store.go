package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	natsconn "github.com/wehubfusion/Daedalus/internal/nats"
	"github.com/wehubfusion/Daedalus/pkg/datasource"
)

// KeyValue is the subset of a JetStream key-value bucket the store uses;
// nats.KeyValue implements it
type KeyValue interface {
	Get(key string) (nats.KeyValueEntry, error)
	Put(key string, value []byte) (uint64, error)
	Delete(key string, opts ...nats.DeleteOpt) error
	Keys(opts ...nats.WatchOpt) ([]string, error)
}

var _ KeyValue = (nats.KeyValue)(nil)

// KVStore keeps one JSON document per component config in a JetStream
// key-value bucket, keyed by config id
type KVStore struct {
	kv     KeyValue
	logger *zap.Logger
}

var _ datasource.ConfigStore = (*KVStore)(nil)

// NewKVStore creates a store on an open bucket
func NewKVStore(kv KeyValue, logger *zap.Logger) *KVStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KVStore{kv: kv, logger: logger}
}

// OpenKVStore opens the bucket on conn, creating it when missing
func OpenKVStore(conn *nats.Conn, bucket string, logger *zap.Logger) (*KVStore, error) {
	kv, err := natsconn.KeyValue(conn, bucket, "Daedalus component configs")
	if err != nil {
		return nil, err
	}
	return NewKVStore(kv, logger), nil
}

// Get returns the config stored under id
func (s *KVStore) Get(ctx context.Context, id string) (*datasource.ComponentConfig, error) {
	if err := validKey(id); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entry, err := s.kv.Get(id)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil, fmt.Errorf("component config %s: %w", id, datasource.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get component config %s: %w", id, err)
	}
	return decodeConfig(entry.Value())
}

// Save validates cfg and puts it under its id
func (s *KVStore) Save(ctx context.Context, cfg *datasource.ComponentConfig) error {
	data, err := encodeConfig(cfg)
	if err != nil {
		return err
	}
	if err := validKey(cfg.ID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	rev, err := s.kv.Put(cfg.ID, data)
	if err != nil {
		return fmt.Errorf("failed to put component config %s: %w", cfg.ID, err)
	}

	s.logger.Debug("Component config saved",
		zap.String("config_id", cfg.ID),
		zap.Uint64("revision", rev))
	return nil
}

// Delete removes the config stored under id
func (s *KVStore) Delete(ctx context.Context, id string) error {
	if err := validKey(id); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.kv.Delete(id); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("failed to delete component config %s: %w", id, err)
	}
	return nil
}

// GetAll returns every stored config ordered by id. Entries that fail to
// decode are logged and skipped.
func (s *KVStore) GetAll(ctx context.Context) ([]*datasource.ComponentConfig, error) {
	keys, err := s.kv.Keys(nats.Context(ctx))
	if errors.Is(err, nats.ErrNoKeysFound) {
		return []*datasource.ComponentConfig{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list component configs: %w", err)
	}
	sort.Strings(keys)

	out := make([]*datasource.ComponentConfig, 0, len(keys))
	for _, key := range keys {
		entry, err := s.kv.Get(key)
		if errors.Is(err, nats.ErrKeyNotFound) {
			// deleted between listing and reading
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get component config %s: %w", key, err)
		}
		cfg, err := decodeConfig(entry.Value())
		if err != nil {
			s.logger.Warn("Skipping unreadable component config",
				zap.String("key", key),
				zap.Error(err))
			continue
		}
		out = append(out, cfg)
	}
	return out, nil
}

// validKey checks id against the key alphabet JetStream accepts
func validKey(id string) error {
	if id == "" || strings.HasPrefix(id, ".") || strings.HasSuffix(id, ".") {
		return fmt.Errorf("invalid key-value key %q", id)
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case strings.ContainsRune("-/_=.", r):
		default:
			return fmt.Errorf("invalid key-value key %q", id)
		}
	}
	return nil
}
