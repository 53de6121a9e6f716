package sandbox

import (
	"encoding/base64"
	"fmt"
	"strings"
	"sync"

	"github.com/dop251/goja"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Utility is a host helper installed into every pooled VM
type Utility interface {
	// Name returns the unique name of the utility
	Name() string

	// Register installs the utility into the runtime
	Register(vm *goja.Runtime, pvm *PooledVM) error
}

// UtilityRegistry holds the utilities installed on VM creation
type UtilityRegistry struct {
	utilities []Utility
	mu        sync.RWMutex
}

// NewUtilityRegistry creates a registry with the built-in utilities
func NewUtilityRegistry() *UtilityRegistry {
	r := &UtilityRegistry{}
	r.Register(&ConsoleUtility{})
	r.Register(&EncodingUtility{})
	r.Register(&TextUtility{})
	return r
}

// Register adds a utility, replacing one with the same name
func (r *UtilityRegistry) Register(u Utility) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.utilities {
		if existing.Name() == u.Name() {
			r.utilities[i] = u
			return
		}
	}
	r.utilities = append(r.utilities, u)
}

// RegisterAll installs every utility into a VM
func (r *UtilityRegistry) RegisterAll(vm *goja.Runtime, pvm *PooledVM) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, u := range r.utilities {
		if err := u.Register(vm, pvm); err != nil {
			return fmt.Errorf("failed to register utility %s: %w", u.Name(), err)
		}
	}
	return nil
}

// LogEntry is one captured console line
type LogEntry struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// logCapture collects console output for the run currently holding the VM
type logCapture struct {
	mu      sync.Mutex
	entries []LogEntry
	max     int
	dropped int
}

func (c *logCapture) add(level, msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.max > 0 && len(c.entries) >= c.max {
		c.dropped++
		return
	}
	c.entries = append(c.entries, LogEntry{Level: level, Message: msg})
}

// drain returns and clears the captured entries
func (c *logCapture) drain() []LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.entries
	if c.dropped > 0 {
		out = append(out, LogEntry{Level: "warn", Message: fmt.Sprintf("%d console lines dropped", c.dropped)})
	}
	c.entries = nil
	c.dropped = 0
	return out
}

// ConsoleUtility builds a console object whose output is captured per run.
// It is only exposed to scripts run with Options.AllowConsole.
type ConsoleUtility struct{}

func (u *ConsoleUtility) Name() string { return "console" }

func (u *ConsoleUtility) Register(vm *goja.Runtime, pvm *PooledVM) error {
	console := vm.NewObject()
	for _, level := range []string{"log", "info", "warn", "error", "debug"} {
		lvl := level
		if err := console.Set(lvl, func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, arg := range call.Arguments {
				parts[i] = formatConsoleArg(arg)
			}
			pvm.logs.add(lvl, strings.Join(parts, " "))
			return goja.Undefined()
		}); err != nil {
			return err
		}
	}
	pvm.console = console
	return nil
}

func formatConsoleArg(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	if goja.IsNull(v) {
		return "null"
	}
	if obj, ok := v.(*goja.Object); ok {
		if raw, err := obj.MarshalJSON(); err == nil {
			return string(raw)
		}
	}
	return v.String()
}

// EncodingUtility provides btoa and atob
type EncodingUtility struct{}

func (u *EncodingUtility) Name() string { return "encoding" }

func (u *EncodingUtility) Register(vm *goja.Runtime, _ *PooledVM) error {
	if err := vm.Set("btoa", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			panic(vm.NewTypeError("btoa requires an argument"))
		}
		return vm.ToValue(base64.StdEncoding.EncodeToString([]byte(call.Argument(0).String())))
	}); err != nil {
		return err
	}

	return vm.Set("atob", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			panic(vm.NewTypeError("atob requires an argument"))
		}
		decoded, err := base64.StdEncoding.DecodeString(call.Argument(0).String())
		if err != nil {
			panic(vm.NewTypeError("atob: invalid base64 input"))
		}
		return vm.ToValue(string(decoded))
	})
}

// TextUtility provides a text object with locale-aware case mapping:
// text.title(s, lang?), text.upper(s, lang?), text.lower(s, lang?)
type TextUtility struct{}

func (u *TextUtility) Name() string { return "text" }

func (u *TextUtility) Register(vm *goja.Runtime, _ *PooledVM) error {
	text := vm.NewObject()
	mappers := map[string]func(language.Tag) cases.Caser{
		"title": func(t language.Tag) cases.Caser { return cases.Title(t) },
		"upper": func(t language.Tag) cases.Caser { return cases.Upper(t) },
		"lower": func(t language.Tag) cases.Caser { return cases.Lower(t) },
	}
	for name, newCaser := range mappers {
		fn, newCaser := name, newCaser
		if err := text.Set(fn, func(call goja.FunctionCall) goja.Value {
			if len(call.Arguments) == 0 {
				panic(vm.NewTypeError("text." + fn + " requires an argument"))
			}
			tag := language.Und
			if lang := call.Argument(1); !goja.IsUndefined(lang) && !goja.IsNull(lang) {
				if parsed, err := language.Parse(lang.String()); err == nil {
					tag = parsed
				}
			}
			return vm.ToValue(newCaser(tag).String(call.Argument(0).String()))
		}); err != nil {
			return err
		}
	}
	return vm.Set("text", text)
}
