package http

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/qman/qman/internal/domain"
	"github.com/qman/qman/internal/ports"
)

// LimitsHandler manages per-user quota limits.
type LimitsHandler struct {
	limits ports.LimitStore
	users  ports.UserDirectory
	logger *logrus.Logger
}

func NewLimitsHandler(limits ports.LimitStore, users ports.UserDirectory, logger *logrus.Logger) *LimitsHandler {
	return &LimitsHandler{limits: limits, users: users, logger: logger}
}

func (h *LimitsHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/api/v1/limits", h.ListLimits).Methods("GET")
	router.HandleFunc("/api/v1/limits/{uid}", h.GetLimit).Methods("GET")
	router.HandleFunc("/api/v1/limits/{uid}", h.PutLimit).Methods("PUT")
}

type limitRequest struct {
	HardLimitBytes int64 `json:"hard_limit_bytes"`
	SoftLimitBytes int64 `json:"soft_limit_bytes"`
}

type limitResponse struct {
	UID            int    `json:"uid"`
	Name           string `json:"name"`
	HardLimitBytes int64  `json:"hard_limit_bytes"`
	SoftLimitBytes int64  `json:"soft_limit_bytes"`
}

// ListLimits returns every configured limit.
func (h *LimitsHandler) ListLimits(w http.ResponseWriter, r *http.Request) {
	limits, err := h.limits.Limits(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]limitResponse, 0, len(limits))
	for uid, l := range limits {
		out = append(out, limitResponse{
			UID:            uid,
			Name:           h.users.NameForUID(uid),
			HardLimitBytes: l.HardLimitBytes,
			SoftLimitBytes: l.SoftLimitBytes,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// GetLimit returns one user's limit; an unconfigured user reads as
// zero limits, meaning unlimited.
func (h *LimitsHandler) GetLimit(w http.ResponseWriter, r *http.Request) {
	uid, err := strconv.Atoi(mux.Vars(r)["uid"])
	if err != nil || uid < 0 {
		http.Error(w, "Invalid uid", http.StatusBadRequest)
		return
	}
	limit, err := h.limits.Limit(r.Context(), uid)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, limitResponse{
		UID:            uid,
		Name:           h.users.NameForUID(uid),
		HardLimitBytes: limit.HardLimitBytes,
		SoftLimitBytes: limit.SoftLimitBytes,
	})
}

// PutLimit creates or replaces a user's limit. A hard limit of 0
// removes the user from enforcement.
func (h *LimitsHandler) PutLimit(w http.ResponseWriter, r *http.Request) {
	uid, err := strconv.Atoi(mux.Vars(r)["uid"])
	if err != nil || uid < 0 {
		http.Error(w, "Invalid uid", http.StatusBadRequest)
		return
	}
	var req limitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.HardLimitBytes < 0 || req.SoftLimitBytes < 0 {
		http.Error(w, "Limits must not be negative", http.StatusBadRequest)
		return
	}

	limit := domain.QuotaLimit{
		UID:            uid,
		HardLimitBytes: req.HardLimitBytes,
		SoftLimitBytes: req.SoftLimitBytes,
	}
	if err := h.limits.SetLimit(r.Context(), limit); err != nil {
		h.logger.WithError(err).WithField("uid", uid).Error("storing limit failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.logger.WithFields(logrus.Fields{
		"uid":  uid,
		"hard": req.HardLimitBytes,
		"soft": req.SoftLimitBytes,
	}).Info("limit updated")
	writeJSON(w, http.StatusOK, limitResponse{
		UID:            uid,
		Name:           h.users.NameForUID(uid),
		HardLimitBytes: limit.HardLimitBytes,
		SoftLimitBytes: limit.SoftLimitBytes,
	})
}
