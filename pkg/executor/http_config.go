package executor

import (
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/params"
	"github.com/wehubfusion/Daedalus/pkg/template"
)

// BodyType selects how Body is encoded
type BodyType string

const (
	BodyJSON BodyType = "json"
	BodyForm BodyType = "form"
	BodyText BodyType = "text"
	BodyRaw  BodyType = "raw"
	BodyNone BodyType = "none"
)

// APIKind separates gateway-internal targets from external ones
type APIKind string

const (
	APIInternal APIKind = "internal"
	APIExternal APIKind = "external"
)

// Bounds on numeric HTTP settings
const (
	MaxHTTPTimeout   = 5 * time.Minute
	MaxRetryCount    = 10
	MaxRetryInterval = time.Minute

	defaultRetryInterval = time.Second
)

var allowedMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodPost:    true,
	http.MethodPut:     true,
	http.MethodPatch:   true,
	http.MethodDelete:  true,
	http.MethodHead:    true,
	http.MethodOptions: true,
}

var headerNamePattern = regexp.MustCompile("^[!#$%&'*+\\-.^_`|~0-9A-Za-z]+$")

// HTTPConfig is an HTTP data source. String fields may contain ${name}
// placeholders. Timeout and RetryInterval are in milliseconds.
type HTTPConfig struct {
	Method  string            `json:"method,omitempty"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Params  map[string]any    `json:"params,omitempty"`

	// Body is encoded per BodyType; RawBody is sent verbatim. At most one is set.
	Body     any      `json:"body,omitempty"`
	RawBody  string   `json:"rawBody,omitempty"`
	BodyType BodyType `json:"bodyType,omitempty"`

	Timeout       int64 `json:"timeout,omitempty"`
	RetryCount    int   `json:"retryCount,omitempty"`
	RetryInterval int64 `json:"retryInterval,omitempty"`

	PreRequestScript string `json:"preRequestScript,omitempty"`
	ResponseScript   string `json:"responseScript,omitempty"`

	DynamicParams []params.DynamicParam `json:"dynamicParams,omitempty"`
}

// HTTPSettings are process-wide HTTP executor settings
type HTTPSettings struct {
	// DefaultTimeout applies when a config sets no timeout
	DefaultTimeout time.Duration

	// InternalBaseURL is prepended to "/"-rooted internal paths. It has no
	// default; internal configs fail as system errors until it is set.
	InternalBaseURL string

	// ReservedHeaders are owned by the internal transport and dropped from
	// internal requests
	ReservedHeaders []string
}

// DefaultHTTPSettings returns the default settings
func DefaultHTTPSettings() HTTPSettings {
	return HTTPSettings{
		DefaultTimeout:  10 * time.Second,
		ReservedHeaders: []string{"Authorization", "Cookie"},
	}
}

// DetectKind classifies a URL: absolute http(s) targets are external,
// everything else is internal
func DetectKind(rawURL string) APIKind {
	lower := strings.ToLower(strings.TrimSpace(rawURL))
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return APIExternal
	}
	return APIInternal
}

// method returns the upper-cased method, GET when unset
func (c *HTTPConfig) method() string {
	if c.Method == "" {
		return http.MethodGet
	}
	return strings.ToUpper(c.Method)
}

func (c *HTTPConfig) bodyType() BodyType {
	if c.BodyType == "" {
		if c.RawBody != "" {
			return BodyRaw
		}
		return BodyJSON
	}
	return BodyType(strings.ToLower(string(c.BodyType)))
}

func (c *HTTPConfig) timeout(settings HTTPSettings) time.Duration {
	if c.Timeout > 0 {
		return time.Duration(c.Timeout) * time.Millisecond
	}
	if settings.DefaultTimeout > 0 {
		return settings.DefaultTimeout
	}
	return DefaultHTTPSettings().DefaultTimeout
}

func (c *HTTPConfig) retryInterval() time.Duration {
	if c.RetryInterval > 0 {
		return time.Duration(c.RetryInterval) * time.Millisecond
	}
	return defaultRetryInterval
}

// Validate checks a substituted config. Failures are validation errors.
func (c *HTTPConfig) Validate() error {
	raw := strings.TrimSpace(c.URL)
	if raw == "" {
		return errors.Newf(errors.TypeValidation, "url is required")
	}
	if DetectKind(raw) == APIExternal {
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			return errors.Newf(errors.TypeValidation, "url %q is not a valid absolute url", errors.RedactURL(raw))
		}
	} else {
		if !strings.HasPrefix(raw, "/") {
			return errors.Newf(errors.TypeValidation, "url %q must be absolute or start with /", errors.RedactURL(raw))
		}
		if _, err := url.Parse(raw); err != nil {
			return errors.Newf(errors.TypeValidation, "url %q is not a valid path", errors.RedactURL(raw))
		}
	}

	if !allowedMethods[c.method()] {
		return errors.Newf(errors.TypeValidation, "method %q is not allowed", c.Method)
	}

	if c.Timeout < 0 || time.Duration(c.Timeout)*time.Millisecond > MaxHTTPTimeout {
		return errors.Newf(errors.TypeValidation, "timeout must be between 0 and %d ms", MaxHTTPTimeout.Milliseconds())
	}
	if c.RetryCount < 0 || c.RetryCount > MaxRetryCount {
		return errors.Newf(errors.TypeValidation, "retryCount must be between 0 and %d", MaxRetryCount)
	}
	if c.RetryInterval < 0 || time.Duration(c.RetryInterval)*time.Millisecond > MaxRetryInterval {
		return errors.Newf(errors.TypeValidation, "retryInterval must be between 0 and %d ms", MaxRetryInterval.Milliseconds())
	}

	for k := range c.Headers {
		if !headerNamePattern.MatchString(k) {
			return errors.Newf(errors.TypeValidation, "invalid header name %q", k)
		}
	}
	for k := range c.Params {
		if strings.TrimSpace(k) == "" {
			return errors.Newf(errors.TypeValidation, "query parameter names must not be empty")
		}
	}

	if c.Body != nil && c.RawBody != "" {
		return errors.Newf(errors.TypeValidation, "body and rawBody are mutually exclusive")
	}
	switch c.bodyType() {
	case BodyJSON, BodyText, BodyRaw, BodyNone:
	case BodyForm:
		if c.Body != nil {
			if _, ok := c.Body.(map[string]any); !ok {
				return errors.Newf(errors.TypeValidation, "form body must be an object")
			}
		}
	default:
		return errors.Newf(errors.TypeValidation, "unsupported bodyType %q", c.BodyType)
	}
	return nil
}

// resolveURL returns the dispatch URL with the query string applied
func (c *HTTPConfig) resolveURL(kind APIKind, baseURL string) (string, error) {
	raw := strings.TrimSpace(c.URL)
	if kind == APIInternal {
		if baseURL == "" {
			return "", errors.Newf(errors.TypeSystem, "internal url %q cannot be dispatched: no internal base url is configured", raw)
		}
		raw = strings.TrimRight(baseURL, "/") + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", errors.New(errors.TypeValidation, "invalid url", err)
	}
	if len(c.Params) > 0 {
		q := u.Query()
		for k, v := range c.Params {
			switch vals := v.(type) {
			case []any:
				q.Del(k)
				for _, item := range vals {
					q.Add(k, template.Stringify(item))
				}
			default:
				q.Set(k, template.Stringify(v))
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// clone returns a copy whose maps can be modified independently
func (c *HTTPConfig) clone() *HTTPConfig {
	out := *c
	if c.Headers != nil {
		out.Headers = make(map[string]string, len(c.Headers))
		for k, v := range c.Headers {
			out.Headers[k] = v
		}
	}
	if c.Params != nil {
		out.Params = make(map[string]any, len(c.Params))
		for k, v := range c.Params {
			out.Params[k] = v
		}
	}
	return &out
}

func (c *HTTPConfig) String() string {
	return fmt.Sprintf("%s %s", c.method(), errors.RedactURL(c.URL))
}
