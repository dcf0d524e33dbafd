package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/fitpulse/campaign-engine/internal/campaign"
	"github.com/fitpulse/campaign-engine/internal/enrollment"
	"github.com/fitpulse/campaign-engine/internal/intake"
	"github.com/fitpulse/campaign-engine/internal/pkg/logger"
	"github.com/fitpulse/campaign-engine/internal/schedule"
	"github.com/fitpulse/campaign-engine/internal/stats"
	"github.com/fitpulse/campaign-engine/internal/tracking"
	"github.com/fitpulse/campaign-engine/internal/worker"
)

// Handlers carries the wired engine components the HTTP layer fronts.
type Handlers struct {
	intake    *intake.Intake
	processor *tracking.Processor
	tracker   *enrollment.Tracker
	campaigns *campaign.Store
	stats     *stats.Aggregator
	queue     *schedule.Queue
	pool      *worker.Pool

	db          *sql.DB
	redisClient *redis.Client
	startTime   time.Time
}

// NewHandlers wires the handler set. pool may be nil when the API runs
// separately from the worker fleet.
func NewHandlers(in *intake.Intake, processor *tracking.Processor, tracker *enrollment.Tracker,
	campaigns *campaign.Store, agg *stats.Aggregator, queue *schedule.Queue, pool *worker.Pool,
	db *sql.DB, redisClient *redis.Client) *Handlers {
	return &Handlers{
		intake:      in,
		processor:   processor,
		tracker:     tracker,
		campaigns:   campaigns,
		stats:       agg,
		queue:       queue,
		pool:        pool,
		db:          db,
		redisClient: redisClient,
		startTime:   time.Now(),
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// HandleEvent ingests one business event and enrolls the recipient into
// every matching campaign.
//
//	POST /api/v1/events
func (h *Handlers) HandleEvent(w http.ResponseWriter, r *http.Request) {
	var ev intake.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := ev.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	enrolled, err := h.intake.HandleEvent(r.Context(), &ev)
	if err != nil {
		if errors.Is(err, campaign.ErrNotFound) {
			respondError(w, http.StatusNotFound, "campaign not found")
			return
		}
		logger.Error("event intake failed", "type", string(ev.Type), "error", err.Error())
		respondError(w, http.StatusInternalServerError, "event processing failed")
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]int{"enrolled": enrolled})
}

// HandleEngagementWebhook ingests provider engagement callbacks. The body is
// either one event or an array; non-2xx makes the provider redeliver, so only
// storage failures return 500.
//
//	POST /webhooks/engagement
func (h *Handlers) HandleEngagementWebhook(w http.ResponseWriter, r *http.Request) {
	var events []tracking.ProviderEvent

	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := json.Unmarshal(raw, &events); err != nil {
		var single tracking.ProviderEvent
		if err := json.Unmarshal(raw, &single); err != nil {
			respondError(w, http.StatusBadRequest, "invalid webhook payload")
			return
		}
		events = []tracking.ProviderEvent{single}
	}

	processed := 0
	for i := range events {
		if err := h.processor.Process(r.Context(), &events[i]); err != nil {
			logger.Error("engagement event failed",
				"message_id", events[i].MessageID, "type", events[i].Type, "error", err.Error())
			respondError(w, http.StatusInternalServerError, "event processing failed")
			return
		}
		processed++
	}
	respondJSON(w, http.StatusOK, map[string]int{"processed": processed})
}

// HandleUnsubscribe silences a recipient account-wide.
//
//	POST /api/v1/unsubscribe
func (h *Handlers) HandleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RecipientID uuid.UUID `json:"recipient_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RecipientID == uuid.Nil {
		respondError(w, http.StatusBadRequest, "recipient_id is required")
		return
	}

	affected, err := h.tracker.Unsubscribe(r.Context(), req.RecipientID)
	if err != nil {
		logger.Error("unsubscribe failed", "recipient_id", req.RecipientID.String(), "error", err.Error())
		respondError(w, http.StatusInternalServerError, "unsubscribe failed")
		return
	}
	for _, u := range affected {
		// Enrollments that never received a message are not counted.
		if !u.HadDispatch {
			continue
		}
		if err := h.stats.OnUnsubscribe(r.Context(), u.CampaignID); err != nil {
			logger.Error("stats update failed", "campaign_id", u.CampaignID.String(), "error", err.Error())
		}
	}
	respondJSON(w, http.StatusOK, map[string]int{"cancelled": len(affected)})
}

// HandleCampaignStats returns the counters for one campaign.
//
//	GET /api/v1/campaigns/{campaignID}/stats
func (h *Handlers) HandleCampaignStats(w http.ResponseWriter, r *http.Request) {
	campaignID, err := uuid.Parse(chi.URLParam(r, "campaignID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid campaign id")
		return
	}

	st, err := h.stats.Get(r.Context(), campaignID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "stats lookup failed")
		return
	}
	respondJSON(w, http.StatusOK, st)
}

// HandleStatsRecompute rebuilds a campaign's counters from the outcome tables.
//
//	POST /api/v1/campaigns/{campaignID}/stats/recompute
func (h *Handlers) HandleStatsRecompute(w http.ResponseWriter, r *http.Request) {
	campaignID, err := uuid.Parse(chi.URLParam(r, "campaignID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid campaign id")
		return
	}

	if err := h.stats.Recompute(r.Context(), campaignID); err != nil {
		respondError(w, http.StatusInternalServerError, "recompute failed")
		return
	}
	st, err := h.stats.Get(r.Context(), campaignID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "stats lookup failed")
		return
	}
	respondJSON(w, http.StatusOK, st)
}

// HandleValidateCampaign checks a stored campaign definition.
//
//	POST /api/v1/campaigns/{campaignID}/validate
func (h *Handlers) HandleValidateCampaign(w http.ResponseWriter, r *http.Request) {
	campaignID, err := uuid.Parse(chi.URLParam(r, "campaignID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid campaign id")
		return
	}

	c, err := h.campaigns.Get(r.Context(), campaignID)
	if errors.Is(err, campaign.ErrNotFound) {
		respondError(w, http.StatusNotFound, "campaign not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "campaign lookup failed")
		return
	}

	if err := campaign.Validate(c); err != nil {
		respondJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"valid": false,
			"error": err.Error(),
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"valid": true})
}

type outcomeResponse struct {
	StepID            string     `json:"step_id"`
	DispatchedAt      time.Time  `json:"dispatched_at"`
	DeliveryState     string     `json:"delivery_state"`
	ProviderMessageID string     `json:"provider_message_id,omitempty"`
	Opened            bool       `json:"opened"`
	OpenedAt          *time.Time `json:"opened_at,omitempty"`
	Clicked           bool       `json:"clicked"`
	ClickedAt         *time.Time `json:"clicked_at,omitempty"`
}

type enrollmentResponse struct {
	ID             uuid.UUID         `json:"id"`
	CampaignID     uuid.UUID         `json:"campaign_id"`
	RecipientID    uuid.UUID         `json:"recipient_id"`
	Status         string            `json:"status"`
	Cursor         int               `json:"cursor"`
	EnrolledAt     time.Time         `json:"enrolled_at"`
	LastResolvedAt time.Time         `json:"last_resolved_at"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
	Outcomes       []outcomeResponse `json:"outcomes"`
}

// HandleEnrollmentDebug returns a recipient's newest enrollment in a campaign
// with its full outcome history. Admin panel debug surface.
//
//	GET /api/v1/campaigns/{campaignID}/enrollments/{recipientID}
func (h *Handlers) HandleEnrollmentDebug(w http.ResponseWriter, r *http.Request) {
	campaignID, err := uuid.Parse(chi.URLParam(r, "campaignID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid campaign id")
		return
	}
	recipientID, err := uuid.Parse(chi.URLParam(r, "recipientID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid recipient id")
		return
	}

	e, err := h.tracker.Store().FindByCampaignRecipient(r.Context(), campaignID, recipientID)
	if errors.Is(err, enrollment.ErrNotFound) {
		respondError(w, http.StatusNotFound, "enrollment not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "enrollment lookup failed")
		return
	}

	resp := enrollmentResponse{
		ID:             e.ID,
		CampaignID:     e.CampaignID,
		RecipientID:    e.RecipientID,
		Status:         string(e.Status),
		Cursor:         e.Cursor,
		EnrolledAt:     e.EnrolledAt,
		LastResolvedAt: e.LastResolvedAt,
		CompletedAt:    e.CompletedAt,
		Outcomes:       make([]outcomeResponse, 0, len(e.Outcomes)),
	}
	for _, o := range e.Outcomes {
		resp.Outcomes = append(resp.Outcomes, outcomeResponse{
			StepID:            o.StepID,
			DispatchedAt:      o.DispatchedAt,
			DeliveryState:     string(o.DeliveryState),
			ProviderMessageID: o.ProviderMessageID,
			Opened:            o.Opened,
			OpenedAt:          o.OpenedAt,
			Clicked:           o.Clicked,
			ClickedAt:         o.ClickedAt,
		})
	}
	respondJSON(w, http.StatusOK, resp)
}
