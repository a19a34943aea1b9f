package api

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/google/uuid"

	"rtsp-proxy/internal/discovery"
	"rtsp-proxy/internal/engine"
	"rtsp-proxy/internal/redact"
	"rtsp-proxy/internal/stream"
	"rtsp-proxy/web"
)

const mjpegReadSize = 8192

// DirectStream proxies rtsp_url as MPEG-TS for the lifetime of the request.
// Nothing is registered; the engine dies with the connection.
func (h *Handler) DirectStream(w http.ResponseWriter, r *http.Request) {
	source := sourceFromQuery(r)
	if source == "" {
		writeText(w, http.StatusBadRequest, "Missing rtsp_url query parameter")
		return
	}
	h.proxyDirect(w, r, source, h.Passthrough, stream.FrameSize, func(header http.Header) {
		header.Set("Content-Type", "video/mp2t")
		header.Set("Cache-Control", "no-cache")
		header.Set("X-Content-Type-Options", "nosniff")
	})
}

// ProxyRTSP serves an MJPEG preview of an NVR channel.
func (h *Handler) ProxyRTSP(w http.ResponseWriter, r *http.Request) {
	params, err := discovery.ParamsFromQuery(r.URL.Query())
	if err != nil {
		writeText(w, http.StatusBadRequest, err.Error())
		return
	}
	h.proxyDirect(w, r, params.RTSPURL(), h.MJPEG, mjpegReadSize, func(header http.Header) {
		header.Set("Content-Type", "multipart/x-mixed-replace; boundary=ffserver")
		header.Set("Cache-Control", "no-cache, no-store, must-revalidate")
		header.Set("Pragma", "no-cache")
		header.Set("Expires", "0")
	})
}

func (h *Handler) proxyDirect(w http.ResponseWriter, r *http.Request, source string, cfg engine.Config, readSize int, headers func(http.Header)) {
	id := "direct-" + uuid.NewString()[:8]
	logger := h.logger(r).With("stream_id", id, "output", cfg.Output)
	logger.Info("direct proxy requested", "source", redact.URL(source))

	proc, err := h.Launcher.Launch(r.Context(), engine.Invocation{ID: id, Source: source, Config: cfg})
	if err != nil {
		logger.Error("direct proxy spawn failed", "error", err)
		writeText(w, http.StatusInternalServerError, fmt.Sprintf("Failed to start FFmpeg: %v. Make sure FFmpeg is installed and in PATH.", err))
		return
	}
	defer func() { _ = proc.Kill() }()

	stdout := proc.Stdout()
	if stdout == nil {
		writeText(w, http.StatusInternalServerError, "Failed to capture FFmpeg stdout")
		return
	}
	h.metrics().ObserveStreamEvent("direct_" + string(cfg.Output))

	headers(w.Header())
	w.WriteHeader(http.StatusOK)
	n, err := pipeOutput(w, stdout, readSize)
	logDirectEnd(r.Context(), logger, n, err)
}

// pipeOutput copies engine output to w, flushing after every read.
func pipeOutput(w http.ResponseWriter, src io.Reader, readSize int) (int64, error) {
	rc := http.NewResponseController(w)
	_ = rc.Flush()
	buf := make([]byte, readSize)
	var total int64
	for {
		n, err := src.Read(buf)
		if n > 0 {
			written, werr := w.Write(buf[:n])
			total += int64(written)
			if werr != nil {
				return total, werr
			}
			_ = rc.Flush()
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return total, nil
			}
			return total, err
		}
	}
}

func logDirectEnd(ctx context.Context, logger *slog.Logger, n int64, err error) {
	switch {
	case ctx.Err() != nil:
		logger.Info("direct proxy client disconnected", "bytes", n)
	case err != nil:
		logger.Warn("direct proxy output interrupted", "bytes", n, "error", err)
	default:
		logger.Info("direct proxy output ended", "bytes", n)
	}
}

type playerPage struct {
	Source string
	HLSURL string
}

// Player renders a browser page that plays rtsp_url through /stream/hls.
func (h *Handler) Player(w http.ResponseWriter, r *http.Request) {
	source := sourceFromQuery(r)
	if source == "" {
		writeText(w, http.StatusBadRequest, "Missing rtsp_url query parameter")
		return
	}
	tmpl, err := h.playerTemplate()
	if err != nil {
		h.logger(r).Error("load player template failed", "error", err)
		writeText(w, http.StatusInternalServerError, "Player unavailable")
		return
	}
	page := playerPage{
		Source: redact.URL(source),
		HLSURL: "/stream/hls?rtsp_url=" + url.QueryEscape(source),
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := tmpl.Execute(w, page); err != nil {
		h.logger(r).Error("render player failed", "error", err)
	}
}

func (h *Handler) playerTemplate() (*template.Template, error) {
	if h.PlayerTemplate != nil {
		return h.PlayerTemplate, nil
	}
	return web.PlayerTemplate()
}
