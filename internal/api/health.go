package api

import (
	"context"
	"net/http"
	"time"
)

type componentCheck struct {
	Status  string `json:"status"`
	Latency string `json:"latency,omitempty"`
	Message string `json:"message,omitempty"`
}

type healthStatus struct {
	Status  string                    `json:"status"`
	Uptime  string                    `json:"uptime"`
	Pending int64                     `json:"pending_work,omitempty"`
	Workers interface{}               `json:"workers,omitempty"`
	Checks  map[string]componentCheck `json:"checks"`
}

// HandleHealth reports the health of Postgres, Redis, and the work queue.
// Overall status is unhealthy when either datastore is down; a queue check
// failure alone only degrades.
//
//	GET /health
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := healthStatus{
		Status: "healthy",
		Uptime: time.Since(h.startTime).Round(time.Second).String(),
		Checks: map[string]componentCheck{},
	}

	start := time.Now()
	if err := h.db.PingContext(ctx); err != nil {
		status.Checks["postgres"] = componentCheck{Status: "down", Message: err.Error()}
		status.Status = "unhealthy"
	} else {
		status.Checks["postgres"] = componentCheck{Status: "up", Latency: time.Since(start).String()}
	}

	start = time.Now()
	if err := h.redisClient.Ping(ctx).Err(); err != nil {
		status.Checks["redis"] = componentCheck{Status: "down", Message: err.Error()}
		status.Status = "unhealthy"
	} else {
		status.Checks["redis"] = componentCheck{Status: "up", Latency: time.Since(start).String()}
	}

	if pending, err := h.queue.PendingCount(ctx); err != nil {
		status.Checks["schedule"] = componentCheck{Status: "degraded", Message: err.Error()}
		if status.Status == "healthy" {
			status.Status = "degraded"
		}
	} else {
		status.Checks["schedule"] = componentCheck{Status: "up"}
		status.Pending = pending
	}

	if h.pool != nil {
		status.Workers = h.pool.GetStats()
	}

	code := http.StatusOK
	if status.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, status)
}
