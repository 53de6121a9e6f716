package executor

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/wehubfusion/Daedalus/pkg/errors"
)

// Metrics is a snapshot of registry execution counters
type Metrics struct {
	TotalExecutions  int64                      `json:"total_executions"`
	TotalSuccesses   int64                      `json:"total_successes"`
	TotalFailures    int64                      `json:"total_failures"`
	TotalRetries     int64                      `json:"total_retries"`
	ExecutionTimeNs  int64                      `json:"execution_time_ns"`
	FailuresByType   map[errors.ErrorType]int64 `json:"failures_by_type,omitempty"`
	ExecutionsByKind map[string]int64           `json:"executions_by_kind,omitempty"`
}

// MetricsCollector is a thread-safe execution counter
type MetricsCollector struct {
	successes     atomic.Int64
	failures      atomic.Int64
	retries       atomic.Int64
	totalExecTime atomic.Int64

	mu     sync.RWMutex
	byType map[errors.ErrorType]int64
	byKind map[string]int64
}

// NewMetricsCollector creates a new metrics collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		byType: make(map[errors.ErrorType]int64),
		byKind: make(map[string]int64),
	}
}

// Record counts one finished execution
func (m *MetricsCollector) Record(kind string, r *Result) {
	if r.Success {
		m.RecordSuccess(r.ExecutionTime)
	} else {
		m.RecordFailure(r.ErrorType, r.ExecutionTime)
	}
	if r.HTTP != nil && r.HTTP.Attempts > 1 {
		m.RecordRetries(r.HTTP.Attempts - 1)
	}
	m.mu.Lock()
	m.byKind[kind]++
	m.mu.Unlock()
}

// RecordSuccess records a successful execution.
func (m *MetricsCollector) RecordSuccess(d time.Duration) {
	m.successes.Add(1)
	m.totalExecTime.Add(int64(d))
}

// RecordFailure records a failed execution.
func (m *MetricsCollector) RecordFailure(t errors.ErrorType, d time.Duration) {
	m.failures.Add(1)
	m.totalExecTime.Add(int64(d))
	m.mu.Lock()
	m.byType[t]++
	m.mu.Unlock()
}

// RecordRetries records retried attempts.
func (m *MetricsCollector) RecordRetries(n int) {
	m.retries.Add(int64(n))
}

// GetMetrics returns the current metrics.
func (m *MetricsCollector) GetMetrics() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byType := make(map[errors.ErrorType]int64, len(m.byType))
	for k, v := range m.byType {
		byType[k] = v
	}
	byKind := make(map[string]int64, len(m.byKind))
	for k, v := range m.byKind {
		byKind[k] = v
	}

	successes := m.successes.Load()
	failures := m.failures.Load()
	return Metrics{
		TotalExecutions:  successes + failures,
		TotalSuccesses:   successes,
		TotalFailures:    failures,
		TotalRetries:     m.retries.Load(),
		ExecutionTimeNs:  m.totalExecTime.Load(),
		FailuresByType:   byType,
		ExecutionsByKind: byKind,
	}
}

// AverageExecutionTime returns the average execution time per call.
func (m *MetricsCollector) AverageExecutionTime() time.Duration {
	total := m.successes.Load() + m.failures.Load()
	if total == 0 {
		return 0
	}
	return time.Duration(m.totalExecTime.Load() / total)
}

// ErrorRate returns the error rate as a percentage.
func (m *MetricsCollector) ErrorRate() float64 {
	failures := m.failures.Load()
	total := m.successes.Load() + failures
	if total == 0 {
		return 0
	}
	return float64(failures) / float64(total) * 100
}

// Reset resets all metrics.
func (m *MetricsCollector) Reset() {
	m.successes.Store(0)
	m.failures.Store(0)
	m.retries.Store(0)
	m.totalExecTime.Store(0)
	m.mu.Lock()
	m.byType = make(map[errors.ErrorType]int64)
	m.byKind = make(map[string]int64)
	m.mu.Unlock()
}
