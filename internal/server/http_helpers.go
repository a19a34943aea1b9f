package server

import (
	"net/http"

	"rtsp-proxy/internal/api"
)

// writeMiddlewareError answers with the same {"success","message"} envelope
// the control handlers use.
func writeMiddlewareError(w http.ResponseWriter, status int, message string) {
	api.WriteError(w, status, message)
}
