package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"rtsp-proxy/internal/observability/logging"
	"rtsp-proxy/internal/stream"
)

const maxFormBytes = 64 << 10

// startSource reads the source URI from the query string, falling back to
// an urlencoded form body.
func startSource(r *http.Request) (string, error) {
	if source := sourceFromQuery(r); source != "" {
		return source, nil
	}
	if r.Body == nil {
		return "", nil
	}
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxFormBytes))
	if err != nil {
		return "", err
	}
	values, err := url.ParseQuery(strings.TrimSpace(string(body)))
	if err != nil {
		return "", err
	}
	if v := strings.TrimSpace(values.Get("rtsp_url")); v != "" {
		return v, nil
	}
	return strings.TrimSpace(values.Get("sourceUri")), nil
}

// ListStreams returns every registered stream id.
func (h *Handler) ListStreams(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"streams": h.Streams.List()})
}

// StreamInfo returns the view of one stream.
func (h *Handler) StreamInfo(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	session, ok := h.Streams.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Stream %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, session.Info())
}

func (h *Handler) StartStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx := logging.ContextWith(r.Context(), logging.FieldStreamID, id)
	logger := h.logger(r).With("stream_id", id)
	logger.Info("start stream requested")

	source, err := startSource(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid form body: %v", err))
		return
	}
	if source == "" {
		writeError(w, http.StatusBadRequest, "Missing rtsp_url in query or form body")
		return
	}

	if h.ProbeBeforeStart && h.Prober != nil {
		if _, err := h.Prober.Describe(ctx, source); err != nil {
			logger.Warn("source probe failed", "error", err)
			writeError(w, http.StatusBadGateway, fmt.Sprintf("Source unreachable: %v", err))
			return
		}
	}

	if err := h.Streams.Start(ctx, id, source); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, stream.ErrInvalidID) || errors.Is(err, stream.ErrInvalidSource) {
			status = http.StatusBadRequest
		}
		writeError(w, status, fmt.Sprintf("Failed to start stream: %v", err))
		return
	}
	writeOK(w, fmt.Sprintf("Stream %s started", id))
}

func (h *Handler) StopStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.Streams.Stop(id); err != nil {
		writeError(w, statusForStreamError(err), fmt.Sprintf("Failed to stop stream: %v", err))
		return
	}
	writeOK(w, fmt.Sprintf("Stream %s stopped", id))
}

// RemoveStream stops a stream and frees its id.
func (h *Handler) RemoveStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.Streams.Remove(id); err != nil {
		writeError(w, statusForStreamError(err), fmt.Sprintf("Failed to remove stream: %v", err))
		return
	}
	writeOK(w, fmt.Sprintf("Stream %s removed", id))
}

func statusForStreamError(err error) int {
	if errors.Is(err, stream.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// StreamMPEGTS hands the stream output to this request. Only the first
// request for a stream gets it.
func (h *Handler) StreamMPEGTS(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	logger := h.logger(r).With("stream_id", id)
	receiver, err := h.Streams.Claim(id)
	if err != nil {
		if errors.Is(err, stream.ErrNotFound) {
			writeText(w, http.StatusNotFound, "Stream not found")
			return
		}
		logger.Warn("stream receiver unavailable", "error", err)
		writeText(w, http.StatusInternalServerError, "Failed to get stream receiver")
		return
	}

	w.Header().Set("Content-Type", "video/mp2t")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	rc := http.NewResponseController(w)
	_ = rc.Flush()

	n, err := receiver.Copy(r.Context(), w, func() { _ = rc.Flush() })
	switch {
	case err == nil:
		logger.Info("stream output ended", "bytes", n)
	case errors.Is(err, context.Canceled):
		logger.Info("stream client disconnected", "bytes", n)
	default:
		logger.Warn("stream output interrupted", "bytes", n, "error", err)
	}
}

// StreamPlaylist serves a single-entry playlist pointing at the MPEG-TS
// route of a registered stream.
func (h *Handler) StreamPlaylist(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := h.Streams.Get(id); !ok {
		writeText(w, http.StatusNotFound, "Stream not found")
		return
	}
	playlist := "#EXTM3U\n" +
		"#EXT-X-VERSION:3\n" +
		"#EXT-X-TARGETDURATION:10\n" +
		"#EXT-X-MEDIA-SEQUENCE:0\n" +
		"#EXTINF:10.0,\n" +
		"/stream/" + url.PathEscape(id) + "/mpegts\n"
	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = io.WriteString(w, playlist)
}
