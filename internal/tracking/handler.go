package tracking

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/dispatch/internal/pkg/httputil"
	"github.com/ignite/dispatch/internal/pkg/logger"
)

// 1x1 transparent GIF
var pixelGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00,
	0x80, 0x00, 0x00, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x2c,
	0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x02,
	0x02, 0x44, 0x01, 0x00, 0x3b,
}

// Handler serves the public tracking endpoints. Every endpoint degrades
// gracefully: a broken or unknown tracking ID still gets its pixel,
// redirect, or confirmation — the recipient experience never depends on
// ingestion succeeding.
type Handler struct {
	ingest *Ingestor
	// defaultRedirect catches clicks whose url parameter is missing or
	// unsafe.
	defaultRedirect string
}

// NewHandler creates the tracking handler.
func NewHandler(ingest *Ingestor, defaultRedirect string) *Handler {
	if defaultRedirect == "" {
		defaultRedirect = "https://example.com"
	}
	return &Handler{ingest: ingest, defaultRedirect: defaultRedirect}
}

// Routes mounts the tracking endpoints.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/track/open/{trackingID}", h.HandleOpen)
	r.Get("/track/click/{trackingID}", h.HandleClick)
	r.Get("/unsubscribe/{trackingID}", h.HandleUnsubscribeLink)
	r.Post("/unsubscribe", h.HandleUnsubscribe)
	r.Get("/health", h.HandleHealth)
	return r
}

func (h *Handler) HandleOpen(w http.ResponseWriter, r *http.Request) {
	trackingID := chi.URLParam(r, "trackingID")

	unique, err := h.ingest.RecordOpen(r.Context(), trackingID, metaFrom(r))
	if err != nil && err != ErrUnknownTracking {
		logger.Warn("open ingest failed", "tracking_id", trackingID, "error", err)
	}
	if err == nil && unique {
		logger.Debug("first open", "tracking_id", trackingID)
	}

	h.servePixel(w)
}

func (h *Handler) HandleClick(w http.ResponseWriter, r *http.Request) {
	trackingID := chi.URLParam(r, "trackingID")
	target := sanitizeRedirect(r.URL.Query().Get("url"), h.defaultRedirect)

	if _, err := h.ingest.RecordClick(r.Context(), trackingID, target, metaFrom(r)); err != nil && err != ErrUnknownTracking {
		logger.Warn("click ingest failed", "tracking_id", trackingID, "error", err)
	}

	// The redirect always proceeds; losing a click beats breaking a link.
	http.Redirect(w, r, target, http.StatusFound)
}

func (h *Handler) HandleUnsubscribeLink(w http.ResponseWriter, r *http.Request) {
	trackingID := chi.URLParam(r, "trackingID")

	if err := h.ingest.UnsubscribeByTracking(r.Context(), trackingID); err != nil && err != ErrUnknownTracking {
		logger.Warn("unsubscribe ingest failed", "tracking_id", trackingID, "error", err)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("<html><body><p>You have been unsubscribed.</p></body></html>"))
}

func (h *Handler) HandleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.Email == "" {
		httputil.BadRequest(w, "email is required")
		return
	}

	if err := h.ingest.Unsubscribe(r.Context(), req.Email); err != nil {
		// Still acknowledge: the endpoint must not reveal whether the
		// address exists or whether ingestion hiccuped.
		logger.Warn("unsubscribe ingest failed", "email", req.Email, "error", err)
	}
	httputil.OK(w, map[string]string{"status": "ok"})
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]string{"status": "healthy"})
}

func (h *Handler) servePixel(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
	w.WriteHeader(http.StatusOK)
	w.Write(pixelGIF)
}

// sanitizeRedirect only lets absolute http(s) URLs through.
func sanitizeRedirect(raw, fallback string) string {
	if raw == "" {
		return fallback
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fallback
	}
	return raw
}

// realIP resolves the client address behind the usual proxy headers.
func realIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx > 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	if rip := r.Header.Get("X-Real-IP"); rip != "" {
		return rip
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		host = host[:idx]
	}
	return host
}

func metaFrom(r *http.Request) Meta {
	return Meta{IP: realIP(r), UserAgent: r.UserAgent()}
}
