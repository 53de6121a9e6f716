package sandbox

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/dop251/goja"

	engineerrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

// ErrorType categorizes script failures
type ErrorType string

const (
	ErrorTypeSyntax    ErrorType = "syntax"
	ErrorTypeRuntime   ErrorType = "runtime"
	ErrorTypeReference ErrorType = "reference"
	ErrorTypeTimeout   ErrorType = "timeout"
	ErrorTypeAbort     ErrorType = "abort"
	ErrorTypeInternal  ErrorType = "internal"
)

var (
	errInterruptTimeout = errors.New("script execution timed out")
	errInterruptAbort   = errors.New("script execution aborted")
)

var linePattern = regexp.MustCompile(`Line (\d+):(\d+)`)

// ScriptError is a structured script failure
type ScriptError struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	Line    int       `json:"line,omitempty"`
	Column  int       `json:"column,omitempty"`
	Stack   string    `json:"stack,omitempty"`
}

// Error implements the error interface
func (e *ScriptError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("[%s] %s at line %d, column %d", e.Type, e.Message, e.Line, e.Column)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// EngineType maps the script failure onto the engine error taxonomy
func (e *ScriptError) EngineType() engineerrors.ErrorType {
	switch e.Type {
	case ErrorTypeTimeout:
		return engineerrors.TypeTimeout
	case ErrorTypeAbort:
		return engineerrors.TypeAbort
	default:
		return engineerrors.TypeScript
	}
}

func newTimeoutError(timeoutMs int64) *ScriptError {
	return &ScriptError{
		Type:    ErrorTypeTimeout,
		Message: fmt.Sprintf("execution timeout after %dms", timeoutMs),
	}
}

func newInternalError(format string, args ...any) *ScriptError {
	return &ScriptError{
		Type:    ErrorTypeInternal,
		Message: fmt.Sprintf(format, args...),
	}
}

// fromCompileError converts a compile failure. Lines are shifted by
// lineOffset to account for the function wrapper.
func fromCompileError(err error, lineOffset int) *ScriptError {
	msg := err.Error()
	var syntaxErr *goja.CompilerSyntaxError
	if errors.As(err, &syntaxErr) {
		msg = syntaxErr.Message
	}

	se := &ScriptError{Type: ErrorTypeSyntax}
	var refErr *goja.CompilerReferenceError
	if errors.As(err, &refErr) {
		se.Type = ErrorTypeReference
		msg = refErr.Message
	}

	if m := linePattern.FindStringSubmatchIndex(msg); m != nil {
		line, _ := strconv.Atoi(msg[m[2]:m[3]])
		col, _ := strconv.Atoi(msg[m[4]:m[5]])
		se.Line = max(line-lineOffset, 1)
		se.Column = col
		msg = strings.TrimSpace(msg[m[1]:])
	}
	if i := strings.Index(msg, ": "); i >= 0 && strings.HasPrefix(msg, scriptName) {
		msg = msg[i+2:]
	}
	se.Message = msg
	return se
}

// fromRunError converts an error returned by a goja call
func fromRunError(vm *goja.Runtime, err error, timeoutMs int64, lineOffset int) *ScriptError {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if errors.Is(interrupted, errInterruptAbort) {
			return &ScriptError{Type: ErrorTypeAbort, Message: errInterruptAbort.Error()}
		}
		return newTimeoutError(timeoutMs)
	}

	var overflow *goja.StackOverflowError
	if errors.As(err, &overflow) {
		return &ScriptError{Type: ErrorTypeRuntime, Message: "RangeError: Maximum call stack size exceeded"}
	}

	var exc *goja.Exception
	if errors.As(err, &exc) {
		return fromException(vm, exc, lineOffset)
	}

	return newInternalError("%v", err)
}

func fromException(vm *goja.Runtime, exc *goja.Exception, lineOffset int) *ScriptError {
	se := &ScriptError{
		Type:    ErrorTypeRuntime,
		Message: "unknown error",
	}

	if val := exc.Value(); val != nil && !goja.IsUndefined(val) && !goja.IsNull(val) {
		se.Message = val.String()
		if obj, ok := val.(*goja.Object); ok {
			if name := obj.Get("name"); name != nil && !goja.IsUndefined(name) {
				switch name.String() {
				case "ReferenceError":
					se.Type = ErrorTypeReference
				case "SyntaxError":
					se.Type = ErrorTypeSyntax
				}
			}
		}
	}

	for _, frame := range exc.Stack() {
		pos := frame.Position()
		if pos.Filename != scriptName || pos.Line == 0 {
			continue
		}
		se.Line = max(pos.Line-lineOffset, 1)
		se.Column = pos.Column
		break
	}

	var stack strings.Builder
	for _, frame := range exc.Stack() {
		pos := frame.Position()
		if pos.Filename != scriptName {
			continue
		}
		fmt.Fprintf(&stack, "at %s (line %d:%d)\n", frame.FuncName(), max(pos.Line-lineOffset, 1), pos.Column)
	}
	se.Stack = strings.TrimSpace(stack.String())
	return se
}

// rejectionError builds the error for a rejected promise
func rejectionError(reason goja.Value) *ScriptError {
	se := &ScriptError{Type: ErrorTypeRuntime, Message: "promise rejected"}
	if reason == nil || goja.IsUndefined(reason) {
		return se
	}
	se.Message = reason.String()
	if obj, ok := reason.(*goja.Object); ok {
		if name := obj.Get("name"); name != nil && name.String() == "ReferenceError" {
			se.Type = ErrorTypeReference
		}
	}
	return se
}
