package http

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/qman/qman/internal/aggregate"
	"github.com/qman/qman/internal/domain"
	"github.com/qman/qman/internal/ports"
)

// DeviceHandler serves the virtual device report the surrounding quota
// system consumes alongside its physical filesystem reports.
type DeviceHandler struct {
	inventory  ports.RuntimeInventory
	aggregator *aggregate.Aggregator
	reserved   int64
	logger     *logrus.Logger
}

func NewDeviceHandler(inventory ports.RuntimeInventory, aggregator *aggregate.Aggregator, reservedBytes int64, logger *logrus.Logger) *DeviceHandler {
	return &DeviceHandler{
		inventory:  inventory,
		aggregator: aggregator,
		reserved:   reservedBytes,
		logger:     logger,
	}
}

func (h *DeviceHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/api/v1/device", h.GetDevice).Methods("GET")
	router.HandleFunc("/api/v1/device/users/{uid}", h.GetUserQuota).Methods("GET")
	router.HandleFunc("/api/v1/usage", h.GetUsage).Methods("GET")
}

func (h *DeviceHandler) device(r *http.Request) (domain.Device, error) {
	inv, err := h.inventory.Inventory(r.Context())
	if err != nil {
		return domain.Device{}, err
	}
	snap, err := h.aggregator.Aggregate(r.Context(), inv, h.reserved)
	if err != nil {
		return domain.Device{}, err
	}
	return h.aggregator.Device(r.Context(), inv, snap)
}

// GetDevice returns the full virtual device with every user row.
func (h *DeviceHandler) GetDevice(w http.ResponseWriter, r *http.Request) {
	device, err := h.device(r)
	if err != nil {
		h.logger.WithError(err).Error("device report failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, device)
}

// GetUserQuota returns one user's row of the device report.
func (h *DeviceHandler) GetUserQuota(w http.ResponseWriter, r *http.Request) {
	uid, err := strconv.Atoi(mux.Vars(r)["uid"])
	if err != nil || uid < 0 {
		http.Error(w, "Invalid uid", http.StatusBadRequest)
		return
	}
	device, err := h.device(r)
	if err != nil {
		h.logger.WithError(err).Error("device report failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	for _, q := range device.UserQuotas {
		if q.UID == uid {
			writeJSON(w, http.StatusOK, q)
			return
		}
	}
	http.Error(w, "No usage or limit recorded for uid", http.StatusNotFound)
}

// GetUsage returns the raw aggregation snapshot, mostly for
// troubleshooting attribution.
func (h *DeviceHandler) GetUsage(w http.ResponseWriter, r *http.Request) {
	inv, err := h.inventory.Inventory(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	snap, err := h.aggregator.Aggregate(r.Context(), inv, h.reserved)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	perUser := make(map[string]int64, len(snap.PerUserBytes))
	for uid, n := range snap.PerUserBytes {
		perUser[strconv.Itoa(uid)] = n
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"per_user_bytes":       perUser,
		"unattributed_bytes":   snap.UnattributedBytes,
		"attributed_bytes":     snap.AttributedBytes,
		"total_bytes":          snap.TotalBytes,
		"total_resource_bytes": snap.TotalResourceBytes,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
