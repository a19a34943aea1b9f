package api

import (
	"errors"
	"fmt"
	"net/http"

	"rtsp-proxy/internal/discovery"
)

// Cameras lists the streaming channels of an NVR. JSON answers from the
// NVR are relayed verbatim; XML answers are reduced to id and name pairs.
func (h *Handler) Cameras(w http.ResponseWriter, r *http.Request) {
	params, err := discovery.ParamsFromQuery(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if h.NVR == nil {
		writeError(w, http.StatusServiceUnavailable, "NVR discovery is not configured")
		return
	}
	listing, err := h.NVR.FetchChannels(r.Context(), params)
	if err != nil {
		h.logger(r).Warn("nvr channel listing failed", "error", err)
		status := http.StatusBadGateway
		if !errors.Is(err, discovery.ErrUpstream) {
			status = http.StatusInternalServerError
		}
		writeError(w, status, err.Error())
		return
	}
	if listing.Raw != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(listing.Raw)
		return
	}
	channels := listing.Channels
	if channels == nil {
		channels = []discovery.Channel{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"channels": channels})
}

// Probe issues DESCRIBE against rtsp_url and reports the announced medias.
func (h *Handler) Probe(w http.ResponseWriter, r *http.Request) {
	source := sourceFromQuery(r)
	if source == "" {
		writeError(w, http.StatusBadRequest, "Missing rtsp_url query parameter")
		return
	}
	if h.Prober == nil {
		writeError(w, http.StatusServiceUnavailable, "RTSP probing is not configured")
		return
	}
	result, err := h.Prober.Describe(r.Context(), source)
	if err != nil {
		writeError(w, http.StatusBadGateway, fmt.Sprintf("Probe failed: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, result)
}
