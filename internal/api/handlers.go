// Package api is the operator-facing command surface: campaign lifecycle
// commands and progress reads. Handlers stay thin; every decision lives in
// the service layer.
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/dispatch/internal/pkg/httputil"
	"github.com/ignite/dispatch/internal/progress"
	"github.com/ignite/dispatch/internal/service/campaign"
)

// Handlers bundles the HTTP handlers of the engine API.
type Handlers struct {
	campaigns *campaign.Service
	progress  *progress.Aggregator
}

// NewHandlers creates the API handlers.
func NewHandlers(campaigns *campaign.Service, progress *progress.Aggregator) *Handlers {
	return &Handlers{campaigns: campaigns, progress: progress}
}

// Router mounts all API routes.
func (h *Handlers) Router() chi.Router {
	r := chi.NewRouter()
	r.Get("/health", h.Health)
	r.Route("/api/campaigns", func(r chi.Router) {
		r.Post("/", h.Create)
		r.Get("/", h.List)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.Get)
			r.Post("/start", h.Start)
			r.Post("/pause", h.Pause)
			r.Post("/resume", h.Resume)
			r.Post("/cancel", h.Cancel)
			r.Get("/progress", h.Progress)
		})
	})
	return r
}

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]string{"status": "healthy"})
}

func (h *Handlers) Create(w http.ResponseWriter, r *http.Request) {
	var input campaign.CreateInput
	if !httputil.Decode(w, r, &input) {
		return
	}
	c, err := h.campaigns.Create(r.Context(), input)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	httputil.JSON(w, http.StatusCreated, c)
}

func (h *Handlers) List(w http.ResponseWriter, r *http.Request) {
	f := campaign.ListFilter{Status: r.URL.Query().Get("status")}
	campaigns, err := h.campaigns.List(r.Context(), f)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"campaigns": campaigns})
}

func (h *Handlers) Get(w http.ResponseWriter, r *http.Request) {
	c, err := h.campaigns.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	httputil.OK(w, c)
}

func (h *Handlers) Start(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	n, err := h.campaigns.Start(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httputil.Accepted(w, map[string]any{"campaign_id": id, "enqueued": n})
}

func (h *Handlers) Pause(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.campaigns.Pause)
}

func (h *Handlers) Resume(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.campaigns.Resume)
}

func (h *Handlers) Cancel(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.campaigns.Cancel)
}

func (h *Handlers) Progress(w http.ResponseWriter, r *http.Request) {
	s, err := h.progress.Snapshot(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	httputil.OK(w, s)
}

func (h *Handlers) transition(w http.ResponseWriter, r *http.Request,
	fn func(ctx context.Context, id string) error) {
	id := chi.URLParam(r, "id")
	if err := fn(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	httputil.OK(w, map[string]string{"campaign_id": id, "status": "ok"})
}

func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, campaign.ErrNotFound):
		httputil.NotFound(w, err.Error())
	case errors.Is(err, campaign.ErrInvalidTransition):
		httputil.Conflict(w, err.Error())
	case errors.Is(err, campaign.ErrNoRecipients):
		httputil.BadRequest(w, err.Error())
	case errors.Is(err, campaign.ErrQueueSaturated):
		w.Header().Set("Retry-After", "30")
		httputil.Error(w, http.StatusServiceUnavailable, err.Error())
	default:
		httputil.InternalError(w, err)
	}
}
