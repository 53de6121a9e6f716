package sandbox

import (
	"fmt"

	"github.com/dop251/goja"
)

// allowedGlobals is the complete global surface visible to scripts.
// console is managed per run and added only when allowed.
var allowedGlobals = map[string]bool{
	"Object": true, "Array": true, "String": true, "Number": true, "Boolean": true,
	"Date": true, "Math": true, "JSON": true, "RegExp": true, "Promise": true,
	"Map": true, "Set": true, "Symbol": true,
	"Error": true, "TypeError": true, "RangeError": true, "SyntaxError": true,
	"ReferenceError": true, "EvalError": true, "URIError": true,
	"parseInt": true, "parseFloat": true, "isNaN": true, "isFinite": true,
	"encodeURI": true, "encodeURIComponent": true, "decodeURI": true, "decodeURIComponent": true,
	"escape": true, "unescape": true, "btoa": true, "atob": true, "text": true,
	"undefined": true, "NaN": true, "Infinity": true,
}

// frozenBuiltins are frozen together with their prototypes
var frozenBuiltins = []string{
	"Object", "Array", "String", "Number", "Boolean", "Date", "Math", "JSON",
	"RegExp", "Promise", "Map", "Set", "Symbol",
	"Error", "TypeError", "RangeError", "SyntaxError", "ReferenceError", "EvalError", "URIError",
	"text",
}

// hiddenIntrinsics are removed from the globals but stay reachable from
// literals and builtin results, so they are frozen before removal
var hiddenIntrinsics = []string{"Function", "AggregateError", "BigInt", "Reflect", "Proxy"}

// intrinsicSources yield values whose prototype chains hold intrinsics that
// have no global name. Sources the runtime cannot parse are skipped.
var intrinsicSources = []string{
	"(function() {})",
	"(async function() {})",
	"(function*() {})",
	"(function*() {})()",
	"(async function*() {})",
	"(async function*() {})()",
	"[][Symbol.iterator]()",
	"new Map()[Symbol.iterator]()",
	"new Set()[Symbol.iterator]()",
	"''[Symbol.iterator]()",
	"'a'.matchAll(/a/g)",
	"(function() { return arguments; })()",
}

const freezeChainScript = `(function(value) {
	for (var p = Object.getPrototypeOf(value); p !== null; p = Object.getPrototypeOf(p)) {
		Object.freeze(p);
		if (typeof p.constructor === 'function') {
			Object.freeze(p.constructor);
			if (p.constructor.prototype) {
				Object.freeze(p.constructor.prototype);
			}
		}
	}
})`

const freezeScript = `(function(target) {
	if (target === null || (typeof target !== 'object' && typeof target !== 'function')) {
		return;
	}
	Object.freeze(target);
	if (target.prototype) {
		Object.freeze(target.prototype);
	}
})`

// restrict strips every non-allowlisted global and freezes the builtins
func restrict(vm *goja.Runtime) error {
	global := vm.GlobalObject()

	freezeVal, err := vm.RunString(freezeScript)
	if err != nil {
		return fmt.Errorf("failed to create freeze function: %w", err)
	}
	freeze, ok := goja.AssertFunction(freezeVal)
	if !ok {
		return fmt.Errorf("freeze function is not callable")
	}
	for _, names := range [][]string{frozenBuiltins, hiddenIntrinsics} {
		for _, name := range names {
			if v := global.Get(name); v != nil && !goja.IsUndefined(v) {
				if _, err := freeze(goja.Undefined(), v); err != nil {
					return fmt.Errorf("failed to freeze %s: %w", name, err)
				}
			}
		}
	}
	if err := freezeIntrinsics(vm); err != nil {
		return err
	}

	for _, name := range global.GetOwnPropertyNames() {
		if allowedGlobals[name] {
			continue
		}
		if err := global.Delete(name); err != nil {
			// non-configurable: shadow it instead
			if err := global.Set(name, goja.Undefined()); err != nil {
				return fmt.Errorf("failed to remove global %s: %w", name, err)
			}
		}
	}

	// Lock the remaining bindings so a script cannot delete or replace them for the next run
	for name := range allowedGlobals {
		v := global.Get(name)
		if v == nil {
			continue
		}
		_ = global.DefineDataProperty(name, v, goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_FALSE)
	}
	return nil
}

// freezeIntrinsics freezes the prototype chains reachable from function,
// generator and iterator values so no run can alter them for the next
func freezeIntrinsics(vm *goja.Runtime) error {
	chainVal, err := vm.RunString(freezeChainScript)
	if err != nil {
		return fmt.Errorf("failed to create freeze function: %w", err)
	}
	freezeChain, ok := goja.AssertFunction(chainVal)
	if !ok {
		return fmt.Errorf("freeze function is not callable")
	}
	for _, src := range intrinsicSources {
		v, err := vm.RunString(src)
		if err != nil {
			continue
		}
		if _, err := freezeChain(goja.Undefined(), v); err != nil {
			return fmt.Errorf("failed to freeze intrinsics of %s: %w", src, err)
		}
	}
	return nil
}

// resetGlobals removes globals a script created, restoring the baseline set
func resetGlobals(vm *goja.Runtime, baseline map[string]bool) {
	global := vm.GlobalObject()
	for _, name := range global.GetOwnPropertyNames() {
		if baseline[name] {
			continue
		}
		_ = global.Delete(name)
	}
}
