package executor

import (
	"net/http"
	"sort"
	"strings"
)

// forbiddenHeaders are connection-level headers no request may set
var forbiddenHeaders = map[string]bool{
	"Accept-Charset":    true,
	"Accept-Encoding":   true,
	"Connection":        true,
	"Content-Length":    true,
	"Date":              true,
	"Expect":            true,
	"Host":              true,
	"Keep-Alive":        true,
	"Te":                true,
	"Trailer":           true,
	"Transfer-Encoding": true,
	"Upgrade":           true,
	"Via":               true,
}

// filterHeaders drops headers the caller may not set and reports each one.
// Reserved headers are only dropped from internal requests, whose
// transport supplies them.
func filterHeaders(headers map[string]string, kind APIKind, reserved []string) (map[string]string, []string) {
	if len(headers) == 0 {
		return headers, nil
	}

	reservedSet := make(map[string]bool, len(reserved))
	for _, h := range reserved {
		reservedSet[http.CanonicalHeaderKey(strings.TrimSpace(h))] = true
	}

	out := make(map[string]string, len(headers))
	var warnings []string
	for k, v := range headers {
		canonical := http.CanonicalHeaderKey(k)
		switch {
		case forbiddenHeaders[canonical] || strings.HasPrefix(canonical, "Proxy-") || strings.HasPrefix(canonical, "Sec-"):
			warnings = append(warnings, "header "+canonical+" is not allowed and was removed")
		case kind == APIInternal && reservedSet[canonical]:
			warnings = append(warnings, "header "+canonical+" is managed by the internal transport and was removed")
		default:
			out[k] = v
		}
	}
	sort.Strings(warnings)
	return out, warnings
}
