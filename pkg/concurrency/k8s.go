package concurrency

import (
	"fmt"
	"runtime"

	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
)

// InitializeForKubernetes aligns GOMAXPROCS with the container CPU quota.
// Call it at the start of main, before pools are sized from GOMAXPROCS.
// The returned function restores the previous value.
func InitializeForKubernetes(logger *zap.Logger) func() {
	if logger == nil {
		logger = zap.NewNop()
	}

	undo, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		logger.Debug(fmt.Sprintf(format, args...))
	}))
	if err != nil {
		logger.Warn("Failed to set maxprocs", zap.Error(err))
		return func() {}
	}

	logger.Info("Concurrency initialized", zap.Int("gomaxprocs", runtime.GOMAXPROCS(0)))
	return undo
}

// GetEffectiveCPUs returns the number of usable CPUs, respecting cgroup limits once initialized
func GetEffectiveCPUs() int {
	return runtime.GOMAXPROCS(0)
}

// GetOptimalConcurrency scales the effective CPU count by multiplier (default 2)
func GetOptimalConcurrency(multiplier int) int {
	if multiplier <= 0 {
		multiplier = 2
	}
	return GetEffectiveCPUs() * multiplier
}
