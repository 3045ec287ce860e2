package controller

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	domainErrors "github.com/ledgersync/ledgersync/internal/domain/errors"
	"github.com/ledgersync/ledgersync/internal/health"
	"github.com/ledgersync/ledgersync/internal/service"
)

// AdminController exposes the operator surface: queue inspection, the
// on-demand health snapshot, and the two bounded remediation actions.
type AdminController struct {
	syncQueue *service.SyncQueue
	gate      *service.InboxGate
	monitor   *health.Monitor
}

func NewAdminController(syncQueue *service.SyncQueue, gate *service.InboxGate, monitor *health.Monitor) *AdminController {
	return &AdminController{syncQueue: syncQueue, gate: gate, monitor: monitor}
}

// GetItem returns one queue item by id.
func (c *AdminController) GetItem(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, domainErrors.NewValidationError("id", "must be a UUID"))
		return
	}

	item, err := c.syncQueue.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toItemResponse(item))
}

// QueueStats returns queue aggregates over the window given by ?hours=N
// (default 24).
func (c *AdminController) QueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := c.syncQueue.Stats(r.Context(), windowStart(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toQueueStatsResponse(stats))
}

// InboxStats returns inbox aggregates over the same optional window.
func (c *AdminController) InboxStats(w http.ResponseWriter, r *http.Request) {
	stats, err := c.gate.Stats(r.Context(), windowStart(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toInboxStatsResponse(stats))
}

// HealthSnapshot computes the current health aggregate on demand.
func (c *AdminController) HealthSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := c.monitor.Snapshot(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// RetryDeadLetters resets the selected dead-letter items back to pending.
func (c *AdminController) RetryDeadLetters(w http.ResponseWriter, r *http.Request) {
	var req RetryDeadLettersRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err)
		return
	}

	ids := make([]uuid.UUID, 0, len(req.IDs))
	for _, raw := range req.IDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, domainErrors.NewValidationError("ids", "must be UUIDs"))
			return
		}
		ids = append(ids, id)
	}

	n, err := c.monitor.RetryDeadLetters(r.Context(), ids)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RemediationResponse{Affected: n})
}

// PurgeDuplicates drops duplicate bookkeeping older than 24 hours.
func (c *AdminController) PurgeDuplicates(w http.ResponseWriter, r *http.Request) {
	n, err := c.monitor.PurgeDuplicates(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RemediationResponse{Affected: n})
}

// CleanupCompleted deletes completed items past the retention window.
func (c *AdminController) CleanupCompleted(w http.ResponseWriter, r *http.Request) {
	n, err := c.syncQueue.CleanupCompleted(r.Context(), 7)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RemediationResponse{Affected: n})
}

func windowStart(r *http.Request) time.Time {
	hours := 24
	if raw := r.URL.Query().Get("hours"); raw != "" {
		if parsed, err := time.ParseDuration(raw + "h"); err == nil && parsed > 0 {
			return time.Now().Add(-parsed)
		}
	}
	return time.Now().Add(-time.Duration(hours) * time.Hour)
}
