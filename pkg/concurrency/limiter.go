package concurrency

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// ErrCircuitOpen is returned by Acquire while the limiter's circuit breaker is open
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Metrics tracks limiter counters
type Metrics struct {
	TotalAcquired   int64
	TotalReleased   int64
	TotalRejected   int64
	PeakConcurrent  int64
	TotalWaitTimeNs int64
}

// Limiter bounds the number of concurrent outbound requests.
// Callers over the limit queue until a slot frees up or their context ends.
type Limiter struct {
	sem            chan struct{}
	active         atomic.Int64
	acquired       atomic.Int64
	released       atomic.Int64
	rejected       atomic.Int64
	peak           atomic.Int64
	waitNs         atomic.Int64
	circuitBreaker *CircuitBreaker
}

// NewLimiter creates a limiter with a default circuit breaker (100 consecutive failures, 30s reset)
func NewLimiter(maxConcurrent int) *Limiter {
	return NewLimiterWithCircuitBreaker(maxConcurrent, NewCircuitBreaker(100, 30*time.Second))
}

// NewLimiterWithCircuitBreaker creates a limiter with custom circuit breaker settings.
// A nil breaker disables circuit breaking.
func NewLimiterWithCircuitBreaker(maxConcurrent int, cb *CircuitBreaker) *Limiter {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Limiter{
		sem:            make(chan struct{}, maxConcurrent),
		circuitBreaker: cb,
	}
}

// Capacity returns the maximum number of concurrent slots
func (l *Limiter) Capacity() int {
	return cap(l.sem)
}

// Acquire waits for a free slot.
// It fails fast with ErrCircuitOpen while the breaker is open, or with ctx.Err() when ctx ends first.
func (l *Limiter) Acquire(ctx context.Context) error {
	if l.circuitBreaker != nil && l.circuitBreaker.IsOpen() {
		l.rejected.Add(1)
		return ErrCircuitOpen
	}

	start := time.Now()
	select {
	case l.sem <- struct{}{}:
		l.waitNs.Add(time.Since(start).Nanoseconds())
		l.acquired.Add(1)
		l.updatePeak(l.active.Add(1))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a slot to the limiter
func (l *Limiter) Release() {
	select {
	case <-l.sem:
		l.active.Add(-1)
		l.released.Add(1)
	default:
	}
}

// Do runs fn inside a slot and feeds its outcome to the circuit breaker.
// Context cancellation of fn is not counted as a failure.
func (l *Limiter) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	defer l.Release()

	err := fn(ctx)
	if l.circuitBreaker != nil {
		switch {
		case err == nil:
			l.circuitBreaker.RecordSuccess()
		case errors.Is(err, context.Canceled):
		default:
			l.circuitBreaker.RecordFailure()
		}
	}
	return err
}

// CurrentActive returns the number of held slots
func (l *Limiter) CurrentActive() int64 {
	return l.active.Load()
}

// GetMetrics returns a snapshot of the limiter counters
func (l *Limiter) GetMetrics() Metrics {
	return Metrics{
		TotalAcquired:   l.acquired.Load(),
		TotalReleased:   l.released.Load(),
		TotalRejected:   l.rejected.Load(),
		PeakConcurrent:  l.peak.Load(),
		TotalWaitTimeNs: l.waitNs.Load(),
	}
}

// GetAverageWaitTime returns the mean time spent waiting for a slot
func (l *Limiter) GetAverageWaitTime() time.Duration {
	m := l.GetMetrics()
	if m.TotalAcquired == 0 {
		return 0
	}
	return time.Duration(m.TotalWaitTimeNs / m.TotalAcquired)
}

// CircuitState returns the breaker state, or closed when no breaker is configured
func (l *Limiter) CircuitState() CircuitBreakerState {
	if l.circuitBreaker == nil {
		return StateClosed
	}
	l.circuitBreaker.IsOpen()
	return l.circuitBreaker.GetState()
}

func (l *Limiter) updatePeak(current int64) {
	for {
		peak := l.peak.Load()
		if current <= peak || l.peak.CompareAndSwap(peak, current) {
			return
		}
	}
}
