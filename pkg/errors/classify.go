package errors

import (
	"context"
	stdErrors "errors"
	"net"
	"strings"
)

// Classify maps an arbitrary error onto the taxonomy.
// Structured errors keep their type; context and net errors are recognised
// before falling back to message patterns.
func Classify(err error) ErrorType {
	if err == nil {
		return ""
	}

	var appErr *Error
	if stdErrors.As(err, &appErr) && appErr.Type != "" {
		return appErr.Type
	}

	if stdErrors.Is(err, ErrTimeout) || stdErrors.Is(err, context.DeadlineExceeded) {
		return TypeTimeout
	}
	if stdErrors.Is(err, context.Canceled) {
		return TypeAbort
	}
	if stdErrors.Is(err, ErrUnsupportedType) || stdErrors.Is(err, ErrRequiredParams) {
		return TypeValidation
	}

	var netErr net.Error
	if stdErrors.As(err, &netErr) {
		if netErr.Timeout() {
			return TypeTimeout
		}
		return TypeNetwork
	}

	errMsg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(errMsg, "timeout") || strings.Contains(errMsg, "timed out"):
		return TypeTimeout
	case strings.Contains(errMsg, "cancel"):
		return TypeAbort
	case strings.Contains(errMsg, "connection") || strings.Contains(errMsg, "network") ||
		strings.Contains(errMsg, "no such host") || strings.Contains(errMsg, "eof"):
		return TypeNetwork
	case strings.Contains(errMsg, "unauthorized") || strings.Contains(errMsg, "authentication"):
		return TypeAuth
	case strings.Contains(errMsg, "forbidden") || strings.Contains(errMsg, "permission"):
		return TypePermission
	case strings.Contains(errMsg, "unmarshal") || strings.Contains(errMsg, "invalid character") ||
		strings.Contains(errMsg, "parse"):
		return TypeParse
	case strings.Contains(errMsg, "validation") || strings.Contains(errMsg, "invalid"):
		return TypeValidation
	}

	return TypeUnknown
}

// ClassifyStatus maps an HTTP status code onto the taxonomy.
// Returns "" for 2xx/3xx.
func ClassifyStatus(status int) ErrorType {
	switch {
	case status < 400:
		return ""
	case status == 401:
		return TypeAuth
	case status == 403:
		return TypePermission
	case status == 408:
		return TypeTimeout
	default:
		return TypeNetwork
	}
}
