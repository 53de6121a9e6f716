package executor

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/params"
	"github.com/wehubfusion/Daedalus/pkg/sandbox"
	"github.com/wehubfusion/Daedalus/pkg/template"
)

// maxBodyBytes bounds response bodies read by the HTTP executor
const maxBodyBytes = 20 << 20

// Doer sends HTTP requests; *http.Client implements it
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RequestInterceptor adjusts internal requests before dispatch, typically
// to attach credentials owned by the gateway transport
type RequestInterceptor func(req *http.Request) error

// HTTPClients holds the transports used by the HTTP executor. External
// targets use External directly; internal targets use Internal after the
// interceptors ran.
type HTTPClients struct {
	Internal     Doer
	External     Doer
	Interceptors []RequestInterceptor
}

// DefaultHTTPClients returns trace-instrumented clients without interceptors
func DefaultHTTPClients() HTTPClients {
	return HTTPClients{
		Internal: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		External: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
}

// HTTPExecutor runs HTTP data sources: parameter resolution, substitution,
// validation, the pre-request hook, dispatch with retries, response
// normalization and the response hook.
type HTTPExecutor struct {
	settings  HTTPSettings
	clients   HTTPClients
	resolver  ParamResolver
	evaluator sandbox.Evaluator
	logger    *zap.Logger
	tracer    trace.Tracer
}

var _ Executor = (*HTTPExecutor)(nil)

// NewHTTPExecutor creates an HTTP executor. Nil clients fall back to
// DefaultHTTPClients.
func NewHTTPExecutor(settings HTTPSettings, clients HTTPClients, resolver ParamResolver, evaluator sandbox.Evaluator, logger *zap.Logger) *HTTPExecutor {
	defaults := DefaultHTTPClients()
	if clients.Internal == nil {
		clients.Internal = defaults.Internal
	}
	if clients.External == nil {
		clients.External = defaults.External
	}
	if settings.DefaultTimeout <= 0 {
		settings.DefaultTimeout = DefaultHTTPSettings().DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPExecutor{
		settings:  settings,
		clients:   clients,
		resolver:  resolver,
		evaluator: evaluator,
		logger:    logger,
		tracer:    otel.Tracer("daedalus/executor"),
	}
}

// Type returns the canonical kind
func (e *HTTPExecutor) Type() string {
	return string(KindHTTP)
}

// Execute runs one HTTP data source. It never returns nil.
func (e *HTTPExecutor) Execute(ctx context.Context, cfg *Config, pctx params.ParamContext) *Result {
	b := newBuilder(cfg.Type)
	if cfg.HTTP == nil {
		return b.failure(errors.TypeValidation, "http config is missing")
	}

	ctx, span := e.tracer.Start(ctx, "executor.http",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("datasource.id", cfg.ID)))
	defer span.End()

	result := e.execute(ctx, b, cfg.HTTP, pctx)

	if result.HTTP != nil {
		span.SetAttributes(
			attribute.String("http.kind", string(result.HTTP.Kind)),
			attribute.String("http.method", result.HTTP.Method),
			attribute.Int("http.status", result.HTTP.Status),
			attribute.Int("http.attempts", result.HTTP.Attempts))
	}
	if result.Success {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetAttributes(attribute.String("error.type", string(result.ErrorType)))
		span.SetStatus(codes.Error, result.Error)
	}
	return result
}

func (e *HTTPExecutor) execute(ctx context.Context, b *builder, raw *HTTPConfig, pctx params.ParamContext) *Result {
	values, err := templateValues(ctx, e.resolver, raw.DynamicParams, pctx, b)
	if err != nil {
		return b.fail(err)
	}

	hc := substituteHTTPConfig(raw, values, b)
	if err := hc.Validate(); err != nil {
		return b.fail(err)
	}

	if hc.PreRequestScript != "" {
		lintScript(b, "preRequestScript", hc.PreRequestScript)
		hc, err = runPreRequestHook(ctx, e.evaluator, hc)
		if err != nil {
			return b.fail(err)
		}
		if err := hc.Validate(); err != nil {
			return b.fail(err)
		}
	}

	kind := DetectKind(hc.URL)
	headers, dropped := filterHeaders(hc.Headers, kind, e.settings.ReservedHeaders)
	for _, w := range dropped {
		b.warn(w)
	}

	method := hc.method()
	target, err := hc.resolveURL(kind, e.settings.InternalBaseURL)
	if err != nil {
		return b.fail(err)
	}
	b.http = &HTTPMeta{URL: errors.RedactURL(target), Method: method, Kind: kind}

	body, contentType, err := encodeBody(hc, method, b)
	if err != nil {
		return b.fail(err)
	}

	timeout := hc.timeout(e.settings)
	attempts := 0
	op := func() (*response, error) {
		attempts++
		b.http.Attempts = attempts
		resp, err := e.send(ctx, kind, method, target, headers, body, contentType, timeout)
		if err != nil {
			if ctx.Err() != nil || !errors.IsRetryable(errors.Classify(err)) {
				return resp, backoff.Permanent(err)
			}
			return resp, err
		}
		return resp, nil
	}

	resp, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(hc.retryInterval())),
		backoff.WithMaxTries(uint(hc.RetryCount)+1),
		backoff.WithNotify(func(err error, next time.Duration) {
			e.logger.Warn("Retrying http request",
				zap.String("url", errors.RedactURL(target)),
				zap.Int("attempt", attempts),
				zap.Duration("backoff", next),
				zap.String("error", errorMessage(err)))
		}))
	var perm *backoff.PermanentError
	if stderrors.As(err, &perm) {
		err = perm.Unwrap()
	}
	if resp != nil {
		b.http.Status = resp.status
		b.http.StatusText = resp.statusText
		b.http.Headers = errors.RedactHeaders(resp.headers)
	}
	if err != nil {
		e.logger.Debug("Http request failed",
			zap.String("url", errors.RedactURL(target)),
			zap.Int("attempts", attempts),
			zap.String("error", errorMessage(err)))
		return b.fail(err)
	}

	data := resp.data
	if kind == APIInternal {
		data, err = unwrapEnvelope(data)
		if err != nil {
			return b.fail(err)
		}
	}

	if hc.ResponseScript != "" {
		lintScript(b, "responseScript", hc.ResponseScript)
		data, err = runResponseHook(ctx, e.evaluator, hc.ResponseScript, data, b.http)
		if err != nil {
			return b.fail(err)
		}
	}

	return b.success(data)
}

// response is a decoded HTTP response
type response struct {
	status     int
	statusText string
	headers    map[string]string
	data       any
}

// send performs one attempt. Non-2xx statuses are classified errors that
// still carry the response.
func (e *HTTPExecutor) send(ctx context.Context, kind APIKind, method, target string, headers map[string]string, body []byte, contentType string, timeout time.Duration) (*response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(attemptCtx, method, target, reader)
	if err != nil {
		return nil, errors.New(errors.TypeValidation, "failed to build request", err)
	}
	req.Header.Set("Accept", "application/json, text/plain, */*")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := e.clients.External
	if kind == APIInternal {
		client = e.clients.Internal
		for _, intercept := range e.clients.Interceptors {
			if err := intercept(req); err != nil {
				return nil, errors.New(errors.Classify(err), "request interceptor failed", err)
			}
		}
	}

	e.logger.Debug("Dispatching http request",
		zap.String("method", method),
		zap.String("url", errors.RedactURL(target)),
		zap.String("kind", string(kind)),
		zap.Any("headers", errors.RedactHeaders(flattenHeaders(req.Header))))

	httpResp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.New(errors.Classify(ctx.Err()), "request cancelled", ctx.Err())
		}
		if attemptCtx.Err() == context.DeadlineExceeded {
			return nil, errors.New(errors.TypeTimeout, fmt.Sprintf("request timed out after %s", timeout), err)
		}
		return nil, errors.New(errors.Classify(err), "request failed", err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBodyBytes))
	if err != nil {
		return nil, errors.New(errors.Classify(err), "failed to read response body", err)
	}

	resp := &response{
		status:     httpResp.StatusCode,
		statusText: http.StatusText(httpResp.StatusCode),
		headers:    flattenHeaders(httpResp.Header),
	}

	if t := errors.ClassifyStatus(httpResp.StatusCode); t != "" {
		msg := fmt.Sprintf("HTTP %d %s", resp.status, resp.statusText)
		if detail := statusDetail(raw); detail != "" {
			msg += ": " + detail
		}
		return resp, errors.Newf(t, "%s", msg).WithDetail("status", resp.status)
	}

	if method == http.MethodHead {
		return resp, nil
	}
	resp.data, err = decodeBody(raw, httpResp.Header.Get("Content-Type"))
	if err != nil {
		return resp, err
	}
	return resp, nil
}

// statusDetail extracts a short message from an error response body
func statusDetail(raw []byte) string {
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err == nil {
		for _, key := range []string{"message", "error", "detail"} {
			if s, ok := body[key].(string); ok && s != "" {
				return s
			}
		}
		return ""
	}
	s := strings.TrimSpace(string(raw))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

// substituteHTTPConfig fills placeholders in every string field and
// records placeholders that stayed unresolved
func substituteHTTPConfig(c *HTTPConfig, values map[string]any, b *builder) *HTTPConfig {
	warnMissing(b, "url", c.URL, values)

	out := c.clone()
	out.URL = template.Substitute(c.URL, values)
	out.Method = template.Substitute(c.Method, values)
	if c.Headers != nil {
		out.Headers, _ = template.SubstituteDeep(c.Headers, values).(map[string]string)
	}
	if c.Params != nil {
		out.Params, _ = template.SubstituteDeep(c.Params, values).(map[string]any)
	}
	out.Body = template.SubstituteDeep(c.Body, values)
	out.RawBody = template.Substitute(c.RawBody, values)
	return out
}

// encodeBody returns the request body and its content type
func encodeBody(c *HTTPConfig, method string, b *builder) ([]byte, string, error) {
	bt := c.bodyType()
	hasBody := c.Body != nil || c.RawBody != ""
	if bt == BodyNone || !hasBody {
		return nil, "", nil
	}
	if method == http.MethodGet || method == http.MethodHead {
		b.warn("request body ignored for " + method)
		return nil, "", nil
	}

	if c.RawBody != "" {
		ct := "text/plain; charset=utf-8"
		if bt == BodyJSON {
			ct = "application/json"
		}
		if bt == BodyRaw {
			ct = "application/octet-stream"
		}
		return []byte(c.RawBody), ct, nil
	}

	switch bt {
	case BodyForm:
		form := url.Values{}
		m, _ := c.Body.(map[string]any)
		for k, v := range m {
			form.Set(k, template.Stringify(v))
		}
		return []byte(form.Encode()), "application/x-www-form-urlencoded", nil
	case BodyText:
		return []byte(template.Stringify(c.Body)), "text/plain; charset=utf-8", nil
	case BodyRaw:
		if s, ok := c.Body.(string); ok {
			return []byte(s), "application/octet-stream", nil
		}
		fallthrough
	default:
		raw, err := json.Marshal(c.Body)
		if err != nil {
			return nil, "", errors.New(errors.TypeValidation, "request body is not JSON-serializable", err)
		}
		return raw, "application/json", nil
	}
}
