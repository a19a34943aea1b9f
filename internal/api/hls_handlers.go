package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"rtsp-proxy/internal/discovery"
	"rtsp-proxy/internal/hls"
	"rtsp-proxy/internal/observability/logging"
)

const playlistUnavailable = "HLS playlist not available; source may be unreachable or credentials invalid"

// StreamHLS creates an ephemeral session for rtsp_url and redirects to its
// playlist once the engine has written one.
func (h *Handler) StreamHLS(w http.ResponseWriter, r *http.Request) {
	source := sourceFromQuery(r)
	if source == "" {
		writeText(w, http.StatusBadRequest, "Missing rtsp_url query parameter")
		return
	}
	h.serveEphemeral(w, r, hls.FlavorStream, source)
}

// ProxyHLS is StreamHLS for an NVR channel described by query parameters.
func (h *Handler) ProxyHLS(w http.ResponseWriter, r *http.Request) {
	params, err := discovery.ParamsFromQuery(r.URL.Query())
	if err != nil {
		writeText(w, http.StatusBadRequest, err.Error())
		return
	}
	h.serveEphemeral(w, r, hls.FlavorProxyHL, params.RTSPURL())
}

func (h *Handler) serveEphemeral(w http.ResponseWriter, r *http.Request, flavor hls.Flavor, source string) {
	logger := h.logger(r).With("flavor", flavor)
	session, err := h.HLS.Create(flavor, source)
	if err != nil {
		switch {
		case errors.Is(err, hls.ErrCapacity):
			writeText(w, http.StatusServiceUnavailable, "Too many HLS sessions; try again later")
		case errors.Is(err, hls.ErrInvalidSource):
			writeText(w, http.StatusBadRequest, err.Error())
		default:
			logger.Error("create hls session failed", "error", err)
			writeText(w, http.StatusInternalServerError, fmt.Sprintf("Failed to create HLS session: %v", err))
		}
		return
	}
	logger = logger.With(string(logging.FieldSessionID), session.ID)

	if _, err := h.HLS.WaitReady(r.Context(), session.ID); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("client left before hls playlist was ready")
			return
		}
		logger.Warn("hls playlist unavailable", "error", err)
		writeText(w, http.StatusBadGateway, playlistUnavailable)
		return
	}
	http.Redirect(w, r, session.IndexURL(), http.StatusFound)
}

// StreamHLSFile serves playlist and segment files of stream-flavoured sessions.
func (h *Handler) StreamHLSFile(w http.ResponseWriter, r *http.Request) {
	h.serveSessionFile(w, r, hls.FlavorStream)
}

// ProxyHLSFile serves playlist and segment files of NVR-flavoured sessions.
func (h *Handler) ProxyHLSFile(w http.ResponseWriter, r *http.Request) {
	h.serveSessionFile(w, r, hls.FlavorProxyHL)
}

func (h *Handler) serveSessionFile(w http.ResponseWriter, r *http.Request, flavor hls.Flavor) {
	id := r.PathValue("id")
	file := r.PathValue("file")
	if err := hls.ValidateSegmentName(file); err != nil {
		writeText(w, http.StatusBadRequest, "Invalid segment path")
		return
	}
	if session, ok := h.HLS.Registry().Get(id); !ok || session.Flavor != flavor {
		writeText(w, http.StatusNotFound, "Segment not found")
		return
	}
	data, err := h.HLS.ReadFile(id, file)
	if err != nil {
		switch {
		case errors.Is(err, hls.ErrInvalidSegmentPath):
			writeText(w, http.StatusBadRequest, "Invalid segment path")
		case errors.Is(err, hls.ErrNotFound):
			writeText(w, http.StatusNotFound, "Segment not found")
		default:
			h.logger(r).Error("read hls file failed", string(logging.FieldSessionID), id, "file", file, "error", err)
			writeText(w, http.StatusInternalServerError, "Failed to read segment")
		}
		return
	}
	w.Header().Set("Content-Type", hls.ContentType(file))
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(data)
}

// HLSSessions lists live ephemeral sessions, most recently accessed first.
// An optional flavor query parameter narrows the listing.
func (h *Handler) HLSSessions(w http.ResponseWriter, r *http.Request) {
	filter := hls.Flavor(strings.TrimSpace(r.URL.Query().Get("flavor")))
	if filter != "" && !filter.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown flavor %q", filter))
		return
	}
	sessions := make([]hls.Summary, 0)
	for _, summary := range h.HLS.Summaries() {
		if filter != "" && summary.Flavor != filter {
			continue
		}
		sessions = append(sessions, summary)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

// CancelHLSSession requests teardown of one ephemeral session.
func (h *Handler) CancelHLSSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.HLS.Cancel(id); err != nil {
		if errors.Is(err, hls.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("Session %s not found", id))
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w, fmt.Sprintf("Session %s cancellation requested", id))
}
