package api

import (
	"context"
	"net/http"
	"time"
)

// HealthCheck probes one dependency for /healthz.
type HealthCheck struct {
	Component string
	Check     func(ctx context.Context) error
}

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

const healthCheckTimeout = 2 * time.Second

func (h *Handler) componentHealth(ctx context.Context) ([]componentStatus, string, int) {
	overallStatus := "ok"
	statusCode := http.StatusOK
	recordComponent := func(component string, err error) componentStatus {
		status := "ok"
		message := ""
		if err != nil {
			status = "degraded"
			message = err.Error()
			overallStatus = "degraded"
			statusCode = http.StatusServiceUnavailable
		}
		return componentStatus{Component: component, Status: status, Error: message}
	}

	components := make([]componentStatus, 0, len(h.Checks))
	for _, check := range h.Checks {
		if check.Check == nil {
			continue
		}
		checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
		components = append(components, recordComponent(check.Component, check.Check(checkCtx)))
		cancel()
	}
	return components, overallStatus, statusCode
}

// Health reports dependency status alongside live stream and session counts.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	components, status, code := h.componentHealth(r.Context())
	streams, sessions := 0, 0
	if h.Streams != nil {
		streams = len(h.Streams.List())
	}
	if h.HLS != nil {
		sessions = h.HLS.Registry().Len()
	}
	writeJSON(w, code, map[string]interface{}{
		"status":       status,
		"components":   components,
		"streams":      streams,
		"hls_sessions": sessions,
	})
}
