package server

import (
	"log/slog"
	"net/http"

	"rtsp-proxy/internal/observability/logging"
)

// loggingWithRequest returns base annotated with the request-scoped ids and
// the resolved client address.
func loggingWithRequest(base *slog.Logger, resolver *clientIPResolver, r *http.Request) *slog.Logger {
	if base == nil || r == nil {
		return nil
	}
	logger := logging.Scoped(r.Context(), base)
	ip, source := resolveClientIP(r, resolver)
	return logger.With(
		"path", r.URL.Path,
		"remote_ip", ip,
		"ip_source", source,
	)
}
