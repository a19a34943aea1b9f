// Package redact strips credentials from source URIs before they reach logs
// or API responses.
package redact

import (
	"net/url"
	"strings"
)

// URL returns raw with any password replaced by "xxxxx". Unparseable input
// is reduced to its scheme so embedded secrets never leak.
func URL(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		if idx := strings.Index(trimmed, "://"); idx > 0 {
			return trimmed[:idx+3] + "redacted"
		}
		return "redacted"
	}
	if parsed.User == nil {
		return parsed.String()
	}
	return parsed.Redacted()
}
