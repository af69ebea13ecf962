// Package handlers serves the operational HTTP API.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/fieldsync/fieldsync/internal/httputil"
	"github.com/fieldsync/fieldsync/internal/logging"
	"github.com/fieldsync/fieldsync/internal/models"
	"github.com/fieldsync/fieldsync/internal/outbox"
	"github.com/fieldsync/fieldsync/internal/repository"
	"github.com/fieldsync/fieldsync/internal/scheduler"
)

const (
	defaultLimit = 50
	maxLimit     = 1000
	readyTimeout = 2 * time.Second
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	outbox    *outbox.Outbox
	scheduler *scheduler.Scheduler
	store     Pinger
	logger    *logging.Logger
}

func NewHandler(ob *outbox.Outbox, sched *scheduler.Scheduler, store Pinger, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{outbox: ob, scheduler: sched, store: store, logger: logger}
}

// HealthCheck handles GET /healthz
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// Ready handles GET /readyz
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		h.logger.WarnContext(r.Context(), "readiness check failed", logging.Error(err))
		httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// ListEnvelopes handles GET /api/v1/envelopes?status=&recipient=&limit=
func (h *Handler) ListEnvelopes(w http.ResponseWriter, r *http.Request) {
	limit, ok := limitParam(w, r)
	if !ok {
		return
	}

	filter := models.EnvelopeFilter{Limit: limit}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status, err := models.ParseStatus(raw)
		if err != nil {
			httputil.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Status = status
	}
	if raw := r.URL.Query().Get("recipient"); raw != "" {
		filter.Recipient = outbox.NormalizeRecipient(raw)
	}

	envs, err := h.outbox.List(r.Context(), filter)
	if err != nil {
		h.internalError(w, r, "failed to list envelopes", err)
		return
	}
	if envs == nil {
		envs = []*models.Envelope{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"data": envs, "count": len(envs)})
}

// GetEnvelope handles GET /api/v1/envelopes/{id}
func (h *Handler) GetEnvelope(w http.ResponseWriter, r *http.Request) {
	env, err := h.outbox.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.lookupError(w, r, "failed to get envelope", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, env)
}

// EnvelopeAudit handles GET /api/v1/envelopes/{id}/audit
func (h *Handler) EnvelopeAudit(w http.ResponseWriter, r *http.Request) {
	records, err := h.outbox.Audit(r.Context(), r.PathValue("id"))
	if err != nil {
		h.lookupError(w, r, "failed to list audit records", err)
		return
	}
	if records == nil {
		records = []*models.AuditRecord{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"data": records, "count": len(records)})
}

// RequeueEnvelope handles POST /api/v1/envelopes/{id}/requeue
func (h *Handler) RequeueEnvelope(w http.ResponseWriter, r *http.Request) {
	env, err := h.outbox.Requeue(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, outbox.ErrNotRequeueable):
		httputil.WriteError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		h.lookupError(w, r, "failed to requeue envelope", err)
		return
	}

	h.logger.InfoContext(r.Context(), "envelope requeued",
		logging.EnvelopeID(env.ID),
		slog.String("requeued_from", env.RequeuedFrom),
	)
	httputil.WriteJSON(w, http.StatusCreated, env)
}

// DueSources handles GET /api/v1/sources/due?limit=
func (h *Handler) DueSources(w http.ResponseWriter, r *http.Request) {
	limit, ok := limitParam(w, r)
	if !ok {
		return
	}

	sources, err := h.scheduler.Due(r.Context(), limit)
	if err != nil {
		h.internalError(w, r, "failed to list due sources", err)
		return
	}
	if sources == nil {
		sources = []*models.Source{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"data": sources, "count": len(sources)})
}

func limitParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	limit, ok := httputil.QueryInt(r, "limit", defaultLimit)
	if !ok || limit == 0 {
		httputil.WriteError(w, http.StatusBadRequest, "limit must be a positive integer")
		return 0, false
	}
	return min(limit, maxLimit), true
}

func (h *Handler) lookupError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	if errors.Is(err, outbox.ErrEnvelopeMissing) || errors.Is(err, repository.ErrNotFound) {
		httputil.WriteError(w, http.StatusNotFound, "envelope not found")
		return
	}
	h.internalError(w, r, msg, err)
}

func (h *Handler) internalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.ErrorContext(r.Context(), msg, logging.Error(err))
	httputil.WriteError(w, http.StatusInternalServerError, msg)
}
