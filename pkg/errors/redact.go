package errors

import (
	"net/url"
	"regexp"
	"strings"
)

// Redacted replaces sensitive values in logs and surfaced errors
const Redacted = "***"

var sensitiveHeaders = map[string]bool{
	"authorization":       true,
	"proxy-authorization": true,
	"cookie":              true,
	"set-cookie":          true,
	"x-api-key":           true,
	"x-auth-token":        true,
}

var sensitiveWords = []string{"token", "secret", "password", "passwd", "apikey", "api_key", "api-key"}

var (
	kvPattern       = regexp.MustCompile(`(?i)((?:access_|refresh_|id_)?token|password|passwd|secret|api[_-]?key)(["']?\s*[:=]\s*["']?)([^"'&\s,;}]+)`)
	bearerPattern   = regexp.MustCompile(`(?i)(bearer|basic)\s+[A-Za-z0-9\-._~+/]+=*`)
	userinfoPattern = regexp.MustCompile(`(://[^/\s:@"']+:)[^@/\s"']+@`)
)

// IsSensitiveKey reports whether a header or field name holds a credential
func IsSensitiveKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if sensitiveHeaders[lower] {
		return true
	}
	for _, w := range sensitiveWords {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

// Redact masks credential-looking values inside free text
func Redact(s string) string {
	if s == "" {
		return s
	}
	s = bearerPattern.ReplaceAllString(s, "$1 "+Redacted)
	s = userinfoPattern.ReplaceAllString(s, "${1}"+Redacted+"@")
	return kvPattern.ReplaceAllString(s, "${1}${2}"+Redacted)
}

// RedactHeaders returns a copy of headers with sensitive values masked
func RedactHeaders(headers map[string]string) map[string]string {
	if headers == nil {
		return nil
	}
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		if IsSensitiveKey(k) {
			out[k] = Redacted
			continue
		}
		out[k] = v
	}
	return out
}

// RedactURL masks sensitive query values and userinfo passwords
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return Redact(raw)
	}
	if u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), Redacted)
		}
	}
	if u.RawQuery != "" {
		pairs := strings.Split(u.RawQuery, "&")
		for i, pair := range pairs {
			key, _, found := strings.Cut(pair, "=")
			if !found {
				continue
			}
			if unescaped, err := url.QueryUnescape(key); err == nil {
				key = unescaped
			}
			if IsSensitiveKey(key) {
				pairs[i] = key + "=" + Redacted
			}
		}
		u.RawQuery = strings.Join(pairs, "&")
	}
	return u.String()
}
