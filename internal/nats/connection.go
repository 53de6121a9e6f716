package nats

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// ConnectionConfig holds configuration for NATS connection
type ConnectionConfig struct {
	// URL is the NATS server URL (e.g., "nats://localhost:4222")
	URL string

	// Name is the client name for identifying this connection
	Name string

	// MaxReconnects is the maximum number of reconnection attempts
	// Use -1 for unlimited reconnects
	MaxReconnects int

	// ReconnectWait is the time to wait between reconnection attempts
	ReconnectWait time.Duration

	// Timeout is the connection timeout
	Timeout time.Duration

	// Token is an optional authentication token
	Token string

	// Username is an optional username for authentication
	Username string

	// Password is an optional password for authentication
	Password string

	// ConfigBucket is the JetStream key-value bucket holding component configs.
	// Default is "DAEDALUS_CONFIGS".
	ConfigBucket string

	// TriggerSubjectPrefix prefixes event trigger subjects that are not
	// fully qualified. Default is "daedalus.trigger".
	TriggerSubjectPrefix string
}

// DefaultConnectionConfig returns a configuration with sensible defaults
func DefaultConnectionConfig(url string) *ConnectionConfig {
	return &ConnectionConfig{
		URL:                  url,
		Name:                 "daedalus",
		MaxReconnects:        10,
		ReconnectWait:        2 * time.Second,
		Timeout:              5 * time.Second,
		ConfigBucket:         "DAEDALUS_CONFIGS",
		TriggerSubjectPrefix: "daedalus.trigger",
	}
}

// Connect establishes a connection to NATS with the provided configuration
func Connect(ctx context.Context, config *ConnectionConfig, logger *zap.Logger) (*nats.Conn, error) {
	if config == nil {
		return nil, fmt.Errorf("connection config cannot be nil")
	}

	if config.URL == "" {
		return nil, fmt.Errorf("NATS URL cannot be empty")
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []nats.Option{
		nats.Name(config.Name),
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.Timeout(config.Timeout),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Debug("NATS connection closed")
		}),
	}

	// Add authentication options if provided
	if config.Token != "" {
		opts = append(opts, nats.Token(config.Token))
	} else if config.Username != "" && config.Password != "" {
		opts = append(opts, nats.UserInfo(config.Username, config.Password))
	}

	type result struct {
		conn *nats.Conn
		err  error
	}
	resultCh := make(chan result, 1)

	go func() {
		conn, err := nats.Connect(config.URL, opts...)
		resultCh <- result{conn: conn, err: err}
	}()

	select {
	case <-ctx.Done():
		// close the connection if it still arrives
		go func() {
			if res := <-resultCh; res.conn != nil {
				res.conn.Close()
			}
		}()
		return nil, fmt.Errorf("connection cancelled: %w", ctx.Err())
	case res := <-resultCh:
		if res.err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", res.err)
		}
		return res.conn, nil
	}
}

// Close safely closes a NATS connection
func Close(conn *nats.Conn) error {
	if conn == nil {
		return nil
	}

	// Drain the connection to allow in-flight messages to complete
	if err := conn.Drain(); err != nil {
		conn.Close()
		return fmt.Errorf("error draining connection: %w", err)
	}

	return nil
}

// IsConnected checks if the connection is active
func IsConnected(conn *nats.Conn) bool {
	return conn != nil && conn.IsConnected()
}

// KeyValue opens a JetStream key-value bucket, creating it when it does not exist
func KeyValue(conn *nats.Conn, bucket, description string) (nats.KeyValue, error) {
	if conn == nil {
		return nil, fmt.Errorf("connection is nil")
	}
	if bucket == "" {
		return nil, fmt.Errorf("bucket name cannot be empty")
	}

	js, err := conn.JetStream()
	if err != nil {
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	kv, err := js.KeyValue(bucket)
	if err == nil {
		return kv, nil
	}
	if !errors.Is(err, nats.ErrBucketNotFound) {
		return nil, fmt.Errorf("failed to open bucket %s: %w", bucket, err)
	}

	kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:      bucket,
		Description: description,
		History:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bucket %s: %w", bucket, err)
	}
	return kv, nil
}

// Subject qualifies a trigger subject with prefix unless it already
// contains a token separator
func Subject(prefix, subject string) string {
	if prefix == "" || subject == "" || strings.Contains(subject, ".") {
		return subject
	}
	return prefix + "." + subject
}
