package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/datasource"
)

// DefaultConfigPrefix is the blob path prefix BlobStore writes under
const DefaultConfigPrefix = "configs"

// BlobStore keeps one JSON blob per component config under a prefix
type BlobStore struct {
	client BlobClient
	prefix string
	logger *zap.Logger
}

var _ datasource.ConfigStore = (*BlobStore)(nil)

// NewBlobStore creates a store writing under prefix; an empty prefix uses
// DefaultConfigPrefix
func NewBlobStore(client BlobClient, prefix string, logger *zap.Logger) *BlobStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = DefaultConfigPrefix
	}
	return &BlobStore{client: client, prefix: prefix, logger: logger}
}

// ConfigPath returns the blob path of the config with the given id
func (s *BlobStore) ConfigPath(id string) string {
	return s.prefix + "/" + url.PathEscape(id) + ".json"
}

// Get downloads and decodes the config stored under id
func (s *BlobStore) Get(ctx context.Context, id string) (*datasource.ComponentConfig, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("component config id is required")
	}
	data, err := s.client.Download(ctx, s.ConfigPath(id))
	if err != nil {
		if errors.Is(err, datasource.ErrNotFound) {
			return nil, fmt.Errorf("component config %s: %w", id, datasource.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load component config %s: %w", id, err)
	}
	return decodeConfig(data)
}

// Save validates cfg and uploads it
func (s *BlobStore) Save(ctx context.Context, cfg *datasource.ComponentConfig) error {
	data, err := encodeConfig(cfg)
	if err != nil {
		return err
	}

	path := s.ConfigPath(cfg.ID)
	_, err = s.client.Upload(ctx, path, data, map[string]string{
		"config_id":    cfg.ID,
		"component_id": cfg.ComponentID,
		"updated_at":   time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("failed to save component config %s: %w", cfg.ID, err)
	}

	s.logger.Debug("Component config saved",
		zap.String("config_id", cfg.ID),
		zap.String("blob_path", path))
	return nil
}

// Delete removes the blob of the config stored under id
func (s *BlobStore) Delete(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("component config id is required")
	}
	if err := s.client.Delete(ctx, s.ConfigPath(id)); err != nil {
		return fmt.Errorf("failed to delete component config %s: %w", id, err)
	}
	return nil
}

// GetAll loads every config under the prefix ordered by blob path. Blobs
// that vanish or fail to decode are logged and skipped.
func (s *BlobStore) GetAll(ctx context.Context) ([]*datasource.ComponentConfig, error) {
	names, err := s.client.List(ctx, s.prefix+"/")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)

	out := make([]*datasource.ComponentConfig, 0, len(names))
	for _, name := range names {
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := s.client.Download(ctx, name)
		if errors.Is(err, datasource.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", name, err)
		}
		cfg, err := decodeConfig(data)
		if err != nil {
			s.logger.Warn("Skipping unreadable component config",
				zap.String("blob_path", name),
				zap.Error(err))
			continue
		}
		out = append(out, cfg)
	}
	return out, nil
}
