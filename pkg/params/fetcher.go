package params

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

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/template"
)

// maxResponseBytes bounds API parameter responses
const maxResponseBytes = 10 << 20

// APIRequest is a concrete, already-substituted API parameter request
type APIRequest struct {
	URL     string
	Method  string
	Params  map[string]any
	Headers map[string]string
	Body    any
}

// APIFetcher performs API parameter requests and returns the decoded body
type APIFetcher interface {
	Fetch(ctx context.Context, req APIRequest) (any, error)
}

// HTTPFetcher fetches JSON over HTTP. Calls are bounded by a limiter so a
// burst of API parameters cannot overwhelm the downstream service.
type HTTPFetcher struct {
	client  *http.Client
	baseURL string
	limiter *concurrency.Limiter
	logger  *zap.Logger
}

// NewHTTPFetcher creates a fetcher. A nil client gets an instrumented
// default transport; a nil limiter means unbounded.
func NewHTTPFetcher(client *http.Client, baseURL string, limiter *concurrency.Limiter, logger *zap.Logger) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPFetcher{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		limiter: limiter,
		logger:  logger,
	}
}

// Fetch issues the request and decodes the JSON response.
// GET sends Params as the query string; POST sends Body, or Params when
// Body is nil, as a JSON document.
func (f *HTTPFetcher) Fetch(ctx context.Context, req APIRequest) (any, error) {
	var out any
	call := func(ctx context.Context) error {
		v, err := f.do(ctx, req)
		out = v
		return err
	}

	var err error
	if f.limiter != nil {
		err = f.limiter.Do(ctx, call)
	} else {
		err = call(ctx)
	}

	if err != nil {
		if stderrors.Is(err, concurrency.ErrCircuitOpen) {
			return nil, errors.New(errors.TypeNetwork, "api requests suspended", err)
		}
		var appErr *errors.Error
		if !stderrors.As(err, &appErr) {
			err = errors.New(errors.Classify(err), "api request failed", err)
		}
		return nil, err
	}
	return out, nil
}

func (f *HTTPFetcher) do(ctx context.Context, req APIRequest) (any, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	target, err := f.buildURL(req.URL, method, req.Params)
	if err != nil {
		return nil, errors.New(errors.TypeValidation, "invalid api url", err)
	}

	var body io.Reader
	if method != http.MethodGet {
		payload := req.Body
		if payload == nil && len(req.Params) > 0 {
			payload = req.Params
		}
		if payload != nil {
			raw, err := json.Marshal(payload)
			if err != nil {
				return nil, errors.New(errors.TypeValidation, "api body is not JSON-serializable", err)
			}
			body = bytes.NewReader(raw)
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, errors.New(errors.TypeValidation, "failed to build api request", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	f.logger.Debug("Fetching api parameter",
		zap.String("method", method),
		zap.String("url", errors.RedactURL(target)))

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, errors.New(errors.Classify(err), "api request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, errors.New(errors.Classify(err), "failed to read api response", err)
	}

	if t := errors.ClassifyStatus(resp.StatusCode); t != "" {
		return nil, errors.Newf(t, "api returned status %d", resp.StatusCode).
			WithDetail("status", resp.StatusCode)
	}

	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errors.New(errors.TypeParse, "api response is not valid JSON", err)
	}
	return out, nil
}

func (f *HTTPFetcher) buildURL(raw, method string, params map[string]any) (string, error) {
	if f.baseURL != "" && strings.HasPrefix(raw, "/") {
		raw = f.baseURL + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("url %q is not absolute and no base url is configured", raw)
	}
	if method == http.MethodGet && len(params) > 0 {
		q := u.Query()
		for k, v := range params {
			q.Set(k, template.Stringify(v))
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
