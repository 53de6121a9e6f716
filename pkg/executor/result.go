package executor

import (
	"encoding/json"
	stderrors "errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/wehubfusion/Daedalus/pkg/errors"
)

// Result is the uniform envelope returned by every executor.
// A Result is never mutated after Execute returns it.
type Result struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`

	// Error carries the specific failure message; Message is the
	// user-facing summary derived from ErrorType
	Error     string           `json:"error,omitempty"`
	ErrorType errors.ErrorType `json:"errorType,omitempty"`
	Message   string           `json:"message,omitempty"`

	ExecutionTime time.Duration `json:"-"`
	Timestamp     time.Time     `json:"-"`

	// Type is the data source type the caller asked for
	Type string `json:"type"`

	HTTP     *HTTPMeta `json:"http,omitempty"`
	Warnings []string  `json:"warnings,omitempty"`
}

// HTTPMeta holds transport details of HTTP executions
type HTTPMeta struct {
	Status     int               `json:"status,omitempty"`
	StatusText string            `json:"statusText,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	URL        string            `json:"url,omitempty"`
	Method     string            `json:"method,omitempty"`
	Kind       APIKind           `json:"kind,omitempty"`
	Attempts   int               `json:"attempts,omitempty"`
}

// ExecutionTimeMs returns the execution time in milliseconds
func (r *Result) ExecutionTimeMs() int64 {
	return r.ExecutionTime.Milliseconds()
}

// TimestampMs returns the completion time in unix milliseconds
func (r *Result) TimestampMs() int64 {
	return r.Timestamp.UnixMilli()
}

// Retryable reports whether the failure may be retried by the caller
func (r *Result) Retryable() bool {
	return !r.Success && errors.IsRetryable(r.ErrorType)
}

// MarshalJSON adds executionTime and timestamp in milliseconds
func (r *Result) MarshalJSON() ([]byte, error) {
	type alias Result
	return json.Marshal(struct {
		*alias
		ExecutionTimeMs int64 `json:"executionTime"`
		TimestampMs     int64 `json:"timestamp"`
	}{(*alias)(r), r.ExecutionTimeMs(), r.TimestampMs()})
}

// builder accumulates a result during one execution
type builder struct {
	start    time.Time
	typ      string
	warnings []string
	http     *HTTPMeta
}

func newBuilder(typ string) *builder {
	return &builder{start: time.Now(), typ: typ}
}

func (b *builder) warn(msg string) {
	b.warnings = append(b.warnings, msg)
}

func (b *builder) success(data any) *Result {
	return b.finish(&Result{Success: true, Data: data})
}

func (b *builder) failure(t errors.ErrorType, msg string) *Result {
	if t == "" {
		t = errors.TypeUnknown
	}
	return b.finish(&Result{
		Error:     msg,
		ErrorType: t,
		Message:   errors.HumanMessage(t),
	})
}

// fail classifies err and builds a failure result
func (b *builder) fail(err error) *Result {
	return b.failure(errors.Classify(err), errorMessage(err))
}

func (b *builder) finish(r *Result) *Result {
	now := time.Now()
	r.ID = uuid.NewString()
	r.Type = b.typ
	r.Timestamp = now
	r.ExecutionTime = now.Sub(b.start)
	r.HTTP = b.http
	if len(b.warnings) > 0 {
		r.Warnings = append([]string(nil), b.warnings...)
	}
	return r
}

// errorMessage returns the most specific, redacted message of err
func errorMessage(err error) string {
	var appErr *errors.Error
	if stderrors.As(err, &appErr) {
		msg := appErr.Message
		if appErr.Err != nil {
			msg += ": " + appErr.Err.Error()
		}
		return errors.Redact(msg)
	}
	return errors.Redact(err.Error())
}

func flattenHeaders(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}
