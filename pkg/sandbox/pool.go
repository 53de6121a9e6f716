package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
)

// ErrPoolClosed is returned by Acquire after Close
var ErrPoolClosed = errors.New("vm pool is closed")

// VMPool manages restricted, reusable script runtimes
type VMPool struct {
	pool          chan *PooledVM
	utilities     *UtilityRegistry
	config        Config
	currentSize   atomic.Int32
	totalCreated  atomic.Int64
	totalAcquired atomic.Int64
	totalReleased atomic.Int64
	mu            sync.RWMutex
	closed        bool
}

// PooledVM is a runtime checked out of the pool
type PooledVM struct {
	vm         *goja.Runtime
	parse      goja.Callable
	stringify  goja.Callable
	console    *goja.Object
	logs       *logCapture
	baseline   map[string]bool
	createdAt  time.Time
	lastUsedAt time.Time
	reuseCount int
}

// Runtime returns the underlying goja runtime
func (p *PooledVM) Runtime() *goja.Runtime {
	return p.vm
}

// PoolStats contains pool statistics
type PoolStats struct {
	CurrentSize   int   `json:"current_size"`
	MaxSize       int   `json:"max_size"`
	TotalCreated  int64 `json:"total_created"`
	TotalAcquired int64 `json:"total_acquired"`
	TotalReleased int64 `json:"total_released"`
	Available     int   `json:"available"`
}

// String returns a string representation of the stats
func (s PoolStats) String() string {
	return fmt.Sprintf(
		"Pool Stats: Current=%d, Max=%d, Created=%d, Acquired=%d, Released=%d, Available=%d",
		s.CurrentSize, s.MaxSize, s.TotalCreated, s.TotalAcquired, s.TotalReleased, s.Available,
	)
}

// NewVMPool creates a pool that grows lazily up to config.PoolSize runtimes
func NewVMPool(config Config, utilities *UtilityRegistry) *VMPool {
	config.ApplyDefaults()
	if utilities == nil {
		utilities = NewUtilityRegistry()
	}
	return &VMPool{
		pool:      make(chan *PooledVM, config.PoolSize),
		utilities: utilities,
		config:    config,
	}
}

// Acquire returns an idle runtime, creates one while below capacity, or waits for a release
func (p *VMPool) Acquire(ctx context.Context) (*PooledVM, error) {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return nil, ErrPoolClosed
	}

	p.totalAcquired.Add(1)

	select {
	case pvm, ok := <-p.pool:
		if !ok {
			return nil, ErrPoolClosed
		}
		return p.checkout(pvm)
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if p.reserveSlot() {
		pvm, err := p.createVM()
		if err != nil {
			p.currentSize.Add(-1)
			return nil, err
		}
		return pvm, nil
	}

	select {
	case pvm, ok := <-p.pool:
		if !ok {
			return nil, ErrPoolClosed
		}
		return p.checkout(pvm)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release resets a runtime and returns it to the pool
func (p *VMPool) Release(pvm *PooledVM) {
	if pvm == nil {
		return
	}
	p.totalReleased.Add(1)

	pvm.vm.ClearInterrupt()
	resetGlobals(pvm.vm, pvm.baseline)
	pvm.logs.drain()

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.currentSize.Add(-1)
		return
	}

	select {
	case p.pool <- pvm:
	default:
		p.currentSize.Add(-1)
	}
}

// Discard drops a runtime that must not be reused
func (p *VMPool) Discard(pvm *PooledVM) {
	if pvm == nil {
		return
	}
	p.totalReleased.Add(1)
	p.currentSize.Add(-1)
}

// Close closes the pool and drops idle runtimes
func (p *VMPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	close(p.pool)
	for range p.pool {
		p.currentSize.Add(-1)
	}
	return nil
}

// Stats returns pool statistics
func (p *VMPool) Stats() PoolStats {
	return PoolStats{
		CurrentSize:   int(p.currentSize.Load()),
		MaxSize:       p.config.PoolSize,
		TotalCreated:  p.totalCreated.Load(),
		TotalAcquired: p.totalAcquired.Load(),
		TotalReleased: p.totalReleased.Load(),
		Available:     len(p.pool),
	}
}

func (p *VMPool) reserveSlot() bool {
	for {
		n := p.currentSize.Load()
		if int(n) >= p.config.PoolSize {
			return false
		}
		if p.currentSize.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// checkout recycles a runtime that reached its reuse limit or failed the health check
func (p *VMPool) checkout(pvm *PooledVM) (*PooledVM, error) {
	pvm.reuseCount++
	if pvm.reuseCount < p.config.MaxReuseCount && isHealthy(pvm) {
		pvm.lastUsedAt = time.Now()
		return pvm, nil
	}

	fresh, err := p.createVM()
	if err != nil {
		p.currentSize.Add(-1)
		return nil, err
	}
	return fresh, nil
}

func (p *VMPool) createVM() (*PooledVM, error) {
	vm := goja.New()
	vm.SetMaxCallStackSize(p.config.MaxCallStackSize)

	pvm := &PooledVM{
		vm:         vm,
		logs:       &logCapture{max: p.config.MaxLogs},
		createdAt:  time.Now(),
		lastUsedAt: time.Now(),
	}

	jsonObj := vm.Get("JSON").ToObject(vm)
	var ok bool
	if pvm.parse, ok = goja.AssertFunction(jsonObj.Get("parse")); !ok {
		return nil, fmt.Errorf("JSON.parse is not callable")
	}
	if pvm.stringify, ok = goja.AssertFunction(jsonObj.Get("stringify")); !ok {
		return nil, fmt.Errorf("JSON.stringify is not callable")
	}

	if err := p.utilities.RegisterAll(vm, pvm); err != nil {
		return nil, err
	}
	if err := restrict(vm); err != nil {
		return nil, fmt.Errorf("failed to create secure context: %w", err)
	}

	pvm.baseline = make(map[string]bool)
	for _, name := range vm.GlobalObject().GetOwnPropertyNames() {
		pvm.baseline[name] = true
	}

	p.totalCreated.Add(1)
	return pvm, nil
}

// isHealthy checks that the allowlisted globals survived the previous run
func isHealthy(pvm *PooledVM) bool {
	if pvm == nil || pvm.vm == nil {
		return false
	}
	v, err := pvm.vm.RunString("typeof JSON.stringify === 'function' && typeof Object.keys === 'function'")
	return err == nil && v.ToBoolean()
}
