package trigger

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// ManualTrigger fires only when Fire is called
type ManualTrigger struct {
	logger *zap.Logger

	// fireMu serializes fires
	fireMu sync.Mutex

	mu   sync.Mutex
	ctx  context.Context
	fire FireFunc
	stop context.CancelFunc
}

// NewManualTrigger creates a manual trigger
func NewManualTrigger(logger *zap.Logger) *ManualTrigger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ManualTrigger{logger: logger}
}

// Start records the fire function; nothing runs until Fire is called
func (m *ManualTrigger) Start(ctx context.Context, fire FireFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fire != nil {
		return ErrAlreadyStarted
	}
	m.ctx, m.stop = context.WithCancel(ctx)
	m.fire = fire
	return nil
}

// Fire runs the fire function synchronously
func (m *ManualTrigger) Fire() error {
	m.mu.Lock()
	ctx, fire := m.ctx, m.fire
	m.mu.Unlock()

	if fire == nil {
		return ErrNotStarted
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.fireMu.Lock()
	defer m.fireMu.Unlock()
	m.logger.Debug("Manual trigger fired")
	fire(ctx)
	return nil
}

// Stop detaches the fire function and waits for a running fire
func (m *ManualTrigger) Stop() {
	m.mu.Lock()
	stop := m.stop
	m.ctx, m.fire, m.stop = nil, nil, nil
	m.mu.Unlock()

	if stop == nil {
		return
	}
	stop()

	m.fireMu.Lock()
	defer m.fireMu.Unlock()
}
