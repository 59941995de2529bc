package server

import (
	"net/http"
	"time"

	"github.com/X2k16/tracking-firmware/internal/delivery"
	"github.com/X2k16/tracking-firmware/internal/httputil"
)

// StatsSource reports delivery loop progress.
type StatsSource interface {
	Stats() delivery.Stats
}

// Handler serves liveness and readiness probes.
type Handler struct {
	stats   StatsSource
	started time.Time
	// maxQueueDepth marks the process unready when exceeded; 0 disables the check.
	maxQueueDepth int
}

func NewHandler(stats StatsSource, maxQueueDepth int) *Handler {
	return &Handler{stats: stats, started: time.Now(), maxQueueDepth: maxQueueDepth}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if httputil.MethodNotAllowed(w, r) {
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if httputil.MethodNotAllowed(w, r) {
		return
	}

	stats := h.stats.Stats()
	status, code := "ready", http.StatusOK
	switch {
	case stats.State == delivery.StateStopped:
		status, code = "stopped", http.StatusServiceUnavailable
	case h.maxQueueDepth > 0 && stats.QueueDepth > h.maxQueueDepth:
		status, code = "backlogged", http.StatusServiceUnavailable
	}

	httputil.WriteJSON(w, code, map[string]interface{}{
		"status":         status,
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
		"stats":          stats,
	})
}
