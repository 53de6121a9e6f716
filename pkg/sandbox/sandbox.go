// Package sandbox runs user-supplied scripts in a restricted goja runtime
// with a hard timeout.
//
// A script is the body of a function. Bindings are passed as its named
// parameters, so a script reads them directly and returns its result:
//
//	return context.device.id + "-" + dependencies.suffix;
//
// Only a curated set of globals is visible. There are no timers, module
// loaders, or process APIs, and builtins are frozen.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"
)

const (
	scriptName = "script"

	// wrapperLines is the number of lines the function wrapper adds before user source
	wrapperLines = 1

	maxCachedPrograms = 256
)

var (
	identifierPattern = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*$`)
	awaitPattern      = regexp.MustCompile(`\bawait\b`)
)

// Evaluator runs scripts. The parameter resolver and the HTTP hooks depend on
// this interface rather than on a concrete runtime.
type Evaluator interface {
	Run(ctx context.Context, source string, bindings map[string]any, opts Options) *Result
}

// Result is the outcome of one script run
type Result struct {
	Success bool `json:"success"`

	// Value is the script's return value normalized to JSON types
	Value any `json:"value,omitempty"`

	// Defined is false when the script returned undefined
	Defined bool `json:"defined"`

	Error         *ScriptError  `json:"error,omitempty"`
	ExecutionTime time.Duration `json:"execution_time"`
	Logs          []LogEntry    `json:"logs,omitempty"`
}

// Sandbox is the goja-backed Evaluator
type Sandbox struct {
	config Config
	pool   *VMPool
	logger *zap.Logger

	progMu   sync.Mutex
	programs map[string]*goja.Program
}

var _ Evaluator = (*Sandbox)(nil)

// New creates a sandbox
func New(config Config, logger *zap.Logger) (*Sandbox, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sandbox config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sandbox{
		config:   config,
		pool:     NewVMPool(config, NewUtilityRegistry()),
		logger:   logger,
		programs: make(map[string]*goja.Program),
	}, nil
}

// Config returns the effective configuration
func (s *Sandbox) Config() Config {
	return s.config
}

// Stats returns VM pool statistics
func (s *Sandbox) Stats() PoolStats {
	return s.pool.Stats()
}

// Close releases pooled runtimes
func (s *Sandbox) Close() error {
	return s.pool.Close()
}

// Compile checks that source is a valid function body for the given binding names
func (s *Sandbox) Compile(source string, bindingNames []string, async bool) error {
	if _, err := s.program(source, bindingNames, async); err != nil {
		return err
	}
	return nil
}

// Run executes source with bindings. It never returns a nil Result.
func (s *Sandbox) Run(ctx context.Context, source string, bindings map[string]any, opts Options) *Result {
	start := time.Now()
	timeout := s.config.EffectiveTimeout(opts.Timeout)

	result := s.run(ctx, source, bindings, opts, timeout)
	result.ExecutionTime = time.Since(start)
	result.Success = result.Error == nil

	if result.Error != nil {
		s.logger.Debug("Script failed",
			zap.String("error_type", string(result.Error.Type)),
			zap.String("error", result.Error.Message),
			zap.Duration("duration", result.ExecutionTime))
	}
	for _, entry := range result.Logs {
		s.logger.Debug("Script console", zap.String("level", entry.Level), zap.String("message", entry.Message))
	}
	return result
}

func (s *Sandbox) run(ctx context.Context, source string, bindings map[string]any, opts Options, timeout time.Duration) *Result {
	names := make([]string, 0, len(bindings))
	for name := range bindings {
		if !identifierPattern.MatchString(name) {
			return &Result{Error: newInternalError("invalid binding name %q", name)}
		}
		names = append(names, name)
	}
	sort.Strings(names)

	async := opts.Async || awaitPattern.MatchString(source)
	prog, scriptErr := s.program(source, names, async)
	if scriptErr != nil {
		return &Result{Error: scriptErr}
	}

	args := make([][]byte, len(names))
	for i, name := range names {
		raw, err := json.Marshal(bindings[name])
		if err != nil {
			return &Result{Error: newInternalError("binding %s is not serializable: %v", name, err)}
		}
		args[i] = raw
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pvm, err := s.pool.Acquire(runCtx)
	if err != nil {
		if ctx.Err() != nil {
			return &Result{Error: &ScriptError{Type: ErrorTypeAbort, Message: errInterruptAbort.Error()}}
		}
		if runCtx.Err() != nil {
			return &Result{Error: newTimeoutError(timeout.Milliseconds())}
		}
		return &Result{Error: newInternalError("failed to acquire runtime: %v", err)}
	}

	done := make(chan struct{})
	var watchdog sync.WaitGroup
	watchdog.Add(1)
	go func() {
		defer watchdog.Done()
		select {
		case <-runCtx.Done():
			if ctx.Err() != nil {
				pvm.vm.Interrupt(errInterruptAbort)
			} else {
				pvm.vm.Interrupt(errInterruptTimeout)
			}
		case <-done:
		}
	}()

	result := s.execute(pvm, prog, args, opts, timeout)

	close(done)
	watchdog.Wait()

	if opts.AllowConsole {
		result.Logs = pvm.logs.drain()
	}
	s.pool.Release(pvm)
	return result
}

func (s *Sandbox) execute(pvm *PooledVM, prog *goja.Program, args [][]byte, opts Options, timeout time.Duration) (result *Result) {
	vm := pvm.vm
	timeoutMs := timeout.Milliseconds()

	defer func() {
		if r := recover(); r != nil {
			result = &Result{Error: newInternalError("panic during execution: %v", r)}
		}
	}()

	if opts.AllowConsole && pvm.console != nil {
		if err := vm.Set("console", pvm.console); err != nil {
			return &Result{Error: newInternalError("failed to install console: %v", err)}
		}
	} else {
		_ = vm.GlobalObject().Delete("console")
	}

	fnVal, err := vm.RunProgram(prog)
	if err != nil {
		return &Result{Error: fromRunError(vm, err, timeoutMs, wrapperLines)}
	}
	fn, ok := goja.AssertFunction(fnVal)
	if !ok {
		return &Result{Error: newInternalError("compiled script is not callable")}
	}

	jsArgs := make([]goja.Value, len(args))
	for i, raw := range args {
		v, err := pvm.parse(goja.Undefined(), vm.ToValue(string(raw)))
		if err != nil {
			return &Result{Error: fromRunError(vm, err, timeoutMs, wrapperLines)}
		}
		jsArgs[i] = v
	}

	ret, err := fn(goja.Undefined(), jsArgs...)
	if err != nil {
		return &Result{Error: fromRunError(vm, err, timeoutMs, wrapperLines)}
	}

	if promise, ok := ret.Export().(*goja.Promise); ok {
		switch promise.State() {
		case goja.PromiseStateFulfilled:
			ret = promise.Result()
		case goja.PromiseStateRejected:
			return &Result{Error: rejectionError(promise.Result())}
		default:
			return &Result{Error: &ScriptError{
				Type:    ErrorTypeTimeout,
				Message: fmt.Sprintf("promise did not settle within %dms", timeoutMs),
			}}
		}
	}

	return s.normalize(pvm, ret, timeoutMs)
}

// normalize converts a JS value into plain Go JSON types via JSON.stringify
func (s *Sandbox) normalize(pvm *PooledVM, v goja.Value, timeoutMs int64) *Result {
	if v == nil || goja.IsUndefined(v) {
		return &Result{}
	}
	if goja.IsNull(v) {
		return &Result{Defined: true}
	}

	str, err := pvm.stringify(goja.Undefined(), v)
	if err != nil {
		se := fromRunError(pvm.vm, err, timeoutMs, wrapperLines)
		if se.Type == ErrorTypeRuntime {
			se.Message = "result is not serializable: " + se.Message
		}
		return &Result{Error: se}
	}
	if goja.IsUndefined(str) {
		return &Result{}
	}

	var out any
	if err := json.Unmarshal([]byte(str.String()), &out); err != nil {
		return &Result{Error: newInternalError("failed to decode result: %v", err)}
	}
	return &Result{Value: out, Defined: true}
}

// program compiles the wrapped source, caching by wrapper text
func (s *Sandbox) program(source string, names []string, async bool) (*goja.Program, *ScriptError) {
	wrapped := wrap(source, names, async)

	s.progMu.Lock()
	prog, ok := s.programs[wrapped]
	s.progMu.Unlock()
	if ok {
		return prog, nil
	}

	prog, err := goja.Compile(scriptName, wrapped, false)
	if err != nil {
		return nil, fromCompileError(err, wrapperLines)
	}

	s.progMu.Lock()
	if len(s.programs) >= maxCachedPrograms {
		s.programs = make(map[string]*goja.Program)
	}
	s.programs[wrapped] = prog
	s.progMu.Unlock()
	return prog, nil
}

func wrap(source string, names []string, async bool) string {
	var b strings.Builder
	b.Grow(len(source) + 64)
	b.WriteByte('(')
	if async {
		b.WriteString("async ")
	}
	b.WriteString("function(")
	b.WriteString(strings.Join(names, ", "))
	b.WriteString(") {\n")
	b.WriteString(source)
	b.WriteString("\n})")
	return b.String()
}
