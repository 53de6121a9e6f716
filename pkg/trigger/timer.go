package trigger

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TimerTrigger fires on a fixed interval. Ticks that arrive while a fire
// is still running are dropped.
type TimerTrigger struct {
	interval  time.Duration
	immediate bool
	logger    *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewTimerTrigger creates a timer trigger
func NewTimerTrigger(interval time.Duration, immediate bool, logger *zap.Logger) *TimerTrigger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TimerTrigger{interval: interval, immediate: immediate, logger: logger}
}

// Start launches the ticker goroutine
func (t *TimerTrigger) Start(ctx context.Context, fire FireFunc) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})

	go t.run(ctx, fire, t.done)

	t.logger.Debug("Timer trigger started",
		zap.Duration("interval", t.interval),
		zap.Bool("immediate", t.immediate))
	return nil
}

func (t *TimerTrigger) run(ctx context.Context, fire FireFunc, done chan struct{}) {
	defer close(done)

	if t.immediate {
		fire(ctx)
	}

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			fire(ctx)
		}
	}
}

// Stop cancels the ticker and waits for the goroutine to exit
func (t *TimerTrigger) Stop() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	t.logger.Debug("Timer trigger stopped")
}
