package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/datasource"
	"github.com/wehubfusion/Daedalus/pkg/executor"
)

// ResultFile holds the latest result of every data source of one
// component config, keyed like datasource.Engine results
type ResultFile struct {
	ConfigID    string                      `json:"configId"`
	ComponentID string                      `json:"componentId,omitempty"`
	UpdatedAt   time.Time                   `json:"updatedAt"`
	Runs        int                         `json:"runs"`
	Results     map[string]*executor.Result `json:"results"`
}

// ResultFileClient merges triggered run results into one shared result
// file per component config
type ResultFileClient struct {
	blobClient BlobClient
	logger     *zap.Logger
	mu         sync.Mutex // serializes read-modify-write of result files
}

// NewResultFileClient creates a new result file client
func NewResultFileClient(blobClient BlobClient, logger *zap.Logger) *ResultFileClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResultFileClient{
		blobClient: blobClient,
		logger:     logger,
	}
}

// ResultFilePath returns the blob path of a config's result file
func ResultFilePath(configID string) string {
	return fmt.Sprintf("results/%s/latest.json", url.PathEscape(configID))
}

// Append merges results into the config's result file. Sources missing
// from results keep their previous entry.
func (c *ResultFileClient) Append(ctx context.Context, cfg *datasource.ComponentConfig, results map[string]*executor.Result) (string, error) {
	if c.blobClient == nil {
		return "", fmt.Errorf("blob client not initialized")
	}
	if cfg == nil || cfg.ID == "" {
		return "", fmt.Errorf("component config id is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	blobPath := ResultFilePath(cfg.ID)
	file, err := c.load(ctx, blobPath)
	if err != nil {
		if !errors.Is(err, datasource.ErrNotFound) {
			c.logger.Error("Failed to read existing result file, starting fresh",
				zap.String("blob_path", blobPath),
				zap.Error(err))
		}
		file = &ResultFile{Results: make(map[string]*executor.Result)}
	}

	file.ConfigID = cfg.ID
	file.ComponentID = cfg.ComponentID
	file.UpdatedAt = time.Now().UTC()
	file.Runs++
	for key, res := range results {
		file.Results[key] = res
	}

	data, err := json.Marshal(file)
	if err != nil {
		return "", fmt.Errorf("failed to marshal result file: %w", err)
	}

	blobURL, err := c.blobClient.Upload(ctx, blobPath, data, map[string]string{
		"config_id":     cfg.ID,
		"runs":          strconv.Itoa(file.Runs),
		"source_count":  strconv.Itoa(len(file.Results)),
		"last_modified": file.UpdatedAt.Format(time.RFC3339),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload result file: %w", err)
	}

	c.logger.Debug("Appended results to result file",
		zap.String("config_id", cfg.ID),
		zap.Int("sources", len(results)),
		zap.Int("result_size_bytes", len(data)))
	return blobURL, nil
}

// Get downloads and parses a config's result file
func (c *ResultFileClient) Get(ctx context.Context, configID string) (*ResultFile, error) {
	if c.blobClient == nil {
		return nil, fmt.Errorf("blob client not initialized")
	}
	return c.load(ctx, ResultFilePath(configID))
}

// Sink returns a datasource.Sink that appends every triggered run
func (c *ResultFileClient) Sink() datasource.Sink {
	return func(ctx context.Context, cfg *datasource.ComponentConfig, results map[string]*executor.Result) {
		if _, err := c.Append(ctx, cfg, results); err != nil {
			c.logger.Error("Failed to archive results",
				zap.String("config_id", cfg.ID),
				zap.Error(err))
		}
	}
}

func (c *ResultFileClient) load(ctx context.Context, blobPath string) (*ResultFile, error) {
	data, err := c.blobClient.Download(ctx, blobPath)
	if err != nil {
		return nil, err
	}
	var file ResultFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse result file: %w", err)
	}
	if file.Results == nil {
		file.Results = make(map[string]*executor.Result)
	}
	return &file, nil
}
