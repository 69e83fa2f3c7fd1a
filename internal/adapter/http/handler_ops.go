package http

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/qman/qman/internal/attribution"
	"github.com/qman/qman/internal/enforce"
	"github.com/qman/qman/internal/ports"
)

// OpsHandler exposes operational triggers and status: manual sync and
// enforcement runs plus a diagnosis of the audit subsystem.
type OpsHandler struct {
	syncer    *attribution.Syncer
	scheduler *enforce.Scheduler
	audit     ports.AuditSource
	logger    *logrus.Logger
}

func NewOpsHandler(syncer *attribution.Syncer, scheduler *enforce.Scheduler, audit ports.AuditSource, logger *logrus.Logger) *OpsHandler {
	return &OpsHandler{syncer: syncer, scheduler: scheduler, audit: audit, logger: logger}
}

func (h *OpsHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/api/v1/sync", h.TriggerSync).Methods("POST")
	router.HandleFunc("/api/v1/enforce", h.TriggerEnforce).Methods("POST")
	router.HandleFunc("/api/v1/status", h.GetStatus).Methods("GET")
}

// TriggerSync runs one attribution cycle synchronously.
func (h *OpsHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	stats, err := h.syncer.Cycle(r.Context())
	if err != nil {
		h.logger.WithError(err).Error("manual attribution cycle failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events_seen": stats.EventsSeen,
		"labeled":     stats.Labeled,
		"correlated":  stats.Correlated,
		"reconciled":  stats.Reconciled,
	})
}

// TriggerEnforce runs one enforcement run synchronously. A run already
// in progress yields 409; the trigger is not queued.
func (h *OpsHandler) TriggerEnforce(w http.ResponseWriter, r *http.Request) {
	report, err := h.scheduler.Run(r.Context())
	if errors.Is(err, enforce.ErrRunInProgress) {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		h.logger.WithError(err).Error("manual enforcement run failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"run_id":    report.RunID,
		"actions":   len(report.Actions),
		"exhausted": report.Exhausted,
	})
}

// GetStatus reports scheduler state and audit-subsystem health.
func (h *OpsHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	status := h.audit.Check(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"enforcement_state": h.scheduler.State(),
		"audit": map[string]interface{}{
			"tool_available": status.ToolAvailable,
			"rules_found":    status.RulesFound,
			"errors":         status.Errors,
		},
	})
}
