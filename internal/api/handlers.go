package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/ignite/reach-scheduler/internal/queue"
	"github.com/ignite/reach-scheduler/internal/scheduler"
	"github.com/ignite/reach-scheduler/internal/store"
)

// CampaignCreator is the ingress surface.
type CampaignCreator interface {
	CreateCampaign(ctx context.Context, req scheduler.CreateCampaignRequest) (*scheduler.CreateCampaignResult, error)
}

// CampaignReader is the read surface for campaign and dispatch listings plus
// the database liveness probe.
type CampaignReader interface {
	GetCampaign(ctx context.Context, id uuid.UUID) (*store.Campaign, error)
	ListCampaignsByUser(ctx context.Context, userID uuid.UUID) ([]*store.Campaign, error)
	ListDispatchesByCampaign(ctx context.Context, campaignID uuid.UUID) ([]*store.Dispatch, error)
	ListDispatchesByUserAndStatus(ctx context.Context, userID uuid.UUID, statuses []store.DispatchStatus) ([]*store.Dispatch, error)
	Ping(ctx context.Context) error
}

// QueueInspector exposes queue depth metrics to the status reporter.
type QueueInspector interface {
	Metrics(ctx context.Context) (queue.Metrics, error)
}

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	scheduler CampaignCreator
	store     CampaignReader
	queue     QueueInspector
}

// NewHandlers creates the handler set.
func NewHandlers(sched CampaignCreator, st CampaignReader, q QueueInspector) *Handlers {
	return &Handlers{scheduler: sched, store: st, queue: q}
}

// createCampaignBody is the wire shape of POST /api/campaigns; startTime is
// ISO-8601.
type createCampaignBody struct {
	UserID          string   `json:"userId"`
	Subject         string   `json:"subject"`
	Body            string   `json:"body"`
	RecipientEmails []string `json:"recipientEmails"`
	StartTime       string   `json:"startTime"`
	DelayBetweenMS  *int64   `json:"delayBetweenMs"`
	HourlyLimit     *int     `json:"hourlyLimit"`
}

// CreateCampaign handles POST /api/campaigns.
func (h *Handlers) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var body createCampaignBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	startTime, err := time.Parse(time.RFC3339, body.StartTime)
	if err != nil {
		respondErrorDetails(w, http.StatusBadRequest, "validation failed",
			map[string]string{"startTime": "must be an ISO-8601 timestamp"})
		return
	}

	result, err := h.scheduler.CreateCampaign(r.Context(), scheduler.CreateCampaignRequest{
		UserID:          body.UserID,
		Subject:         body.Subject,
		Body:            body.Body,
		RecipientEmails: body.RecipientEmails,
		StartTime:       startTime,
		DelayBetweenMS:  body.DelayBetweenMS,
		HourlyLimit:     body.HourlyLimit,
	})
	if err != nil {
		var verr *scheduler.ValidationError
		switch {
		case errors.As(err, &verr):
			respondErrorDetails(w, http.StatusBadRequest, "validation failed", verr.Details)
		case errors.Is(err, scheduler.ErrNoDispatches):
			respondError(w, http.StatusBadRequest, "no new dispatches")
		default:
			log.Printf("[API] Create campaign failed: %v", err)
			respondError(w, http.StatusInternalServerError, "failed to create campaign")
		}
		return
	}

	respondData(w, http.StatusCreated, map[string]interface{}{
		"campaign":      result.Campaign,
		"dispatchCount": result.DispatchCount,
		"totalEmails":   result.TotalEmails,
		"failed":        result.Failed,
	})
}

// ListCampaigns handles GET /api/campaigns?userId=…
func (h *Handlers) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}

	campaigns, err := h.store.ListCampaignsByUser(r.Context(), userID)
	if err != nil {
		log.Printf("[API] List campaigns failed: %v", err)
		respondError(w, http.StatusInternalServerError, "failed to list campaigns")
		return
	}
	if campaigns == nil {
		campaigns = []*store.Campaign{}
	}
	respondData(w, http.StatusOK, campaigns)
}

// CampaignDispatches handles GET /api/campaigns/{id}/dispatches.
func (h *Handlers) CampaignDispatches(w http.ResponseWriter, r *http.Request) {
	campaignID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid campaign id")
		return
	}

	if _, err := h.store.GetCampaign(r.Context(), campaignID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "campaign not found")
			return
		}
		log.Printf("[API] Load campaign failed: %v", err)
		respondError(w, http.StatusInternalServerError, "failed to load campaign")
		return
	}

	dispatches, err := h.store.ListDispatchesByCampaign(r.Context(), campaignID)
	if err != nil {
		log.Printf("[API] List dispatches failed: %v", err)
		respondError(w, http.StatusInternalServerError, "failed to list dispatches")
		return
	}
	if dispatches == nil {
		dispatches = []*store.Dispatch{}
	}
	respondData(w, http.StatusOK, dispatches)
}

// ScheduledDispatches handles GET /api/dispatches/scheduled?userId=…
func (h *Handlers) ScheduledDispatches(w http.ResponseWriter, r *http.Request) {
	h.dispatchesByStatus(w, r, []store.DispatchStatus{
		store.DispatchPending, store.DispatchScheduled, store.DispatchRateLimited,
	})
}

// SentDispatches handles GET /api/dispatches/sent?userId=…
func (h *Handlers) SentDispatches(w http.ResponseWriter, r *http.Request) {
	h.dispatchesByStatus(w, r, []store.DispatchStatus{
		store.DispatchSent, store.DispatchFailed,
	})
}

func (h *Handlers) dispatchesByStatus(w http.ResponseWriter, r *http.Request, statuses []store.DispatchStatus) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}

	dispatches, err := h.store.ListDispatchesByUserAndStatus(r.Context(), userID, statuses)
	if err != nil {
		log.Printf("[API] List dispatches by status failed: %v", err)
		respondError(w, http.StatusInternalServerError, "failed to list dispatches")
		return
	}
	if dispatches == nil {
		dispatches = []*store.Dispatch{}
	}
	respondData(w, http.StatusOK, dispatches)
}

// Status handles GET /api/status: store liveness plus queue depth.
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	dbStatus := "up"
	if err := h.store.Ping(r.Context()); err != nil {
		dbStatus = "down"
	}

	metrics, err := h.queue.Metrics(r.Context())
	if err != nil {
		log.Printf("[API] Queue metrics failed: %v", err)
	}

	respondData(w, http.StatusOK, map[string]interface{}{
		"database":  map[string]string{"status": dbStatus},
		"queue":     metrics,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// Health handles GET /health, the liveness probe.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func userIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := r.URL.Query().Get("userId")
	if raw == "" {
		respondError(w, http.StatusBadRequest, "userId query parameter is required")
		return uuid.Nil, false
	}
	userID, err := uuid.Parse(raw)
	if err != nil {
		respondError(w, http.StatusBadRequest, "userId must be a valid UUID")
		return uuid.Nil, false
	}
	return userID, true
}
