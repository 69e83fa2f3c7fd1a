package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qman/qman/internal/adapter/memory"
	"github.com/qman/qman/internal/aggregate"
	"github.com/qman/qman/internal/domain"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testRouter(t *testing.T, secret string) (*mux.Router, *memory.LimitStore) {
	t.Helper()
	logger := quietLogger()
	ledger := memory.NewLedger()
	limits := memory.NewLimitStore()
	users := memory.Users{1001: "alice"}
	runtime := memory.NewRuntime(domain.Inventory{
		Containers: []domain.Container{{ID: "c1", SizeBytes: 2048, CreatedAt: time.Unix(100, 0)}},
	})

	_, err := ledger.UpsertFromCorrelation(context.Background(), domain.AttributionRecord{
		ResourceID: "c1", Kind: domain.KindContainer, OwnerUID: 1001, OwnerName: "alice",
		SizeBytes: 2048, Source: domain.SourceCorrelation,
	})
	require.NoError(t, err)
	require.NoError(t, limits.SetLimit(context.Background(), domain.QuotaLimit{UID: 1001, HardLimitBytes: 1 << 20}))

	agg := aggregate.New(ledger, limits, users, logger)
	device := NewDeviceHandler(runtime, agg, 0, logger)
	limitsHandler := NewLimitsHandler(limits, users, logger)

	router := mux.NewRouter()
	device.RegisterRoutes(router)
	limitsHandler.RegisterRoutes(router)
	router.Use(authMiddleware(secret, logger))
	return router, limits
}

func TestGetDeviceReport(t *testing.T) {
	router, _ := testRouter(t, "")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/device", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var device domain.Device
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &device))
	assert.Equal(t, "docker", device.Name)
	require.Len(t, device.UserQuotas, 1)
	assert.Equal(t, 1001, device.UserQuotas[0].UID)
	assert.Equal(t, "alice", device.UserQuotas[0].Name)
	assert.Equal(t, int64(2048), device.UserQuotas[0].BlockCurrent)
	// Hard limit is reported in 1K blocks.
	assert.Equal(t, int64(1<<20/1024), device.UserQuotas[0].BlockHardLimit)
}

func TestGetUserQuotaNotFound(t *testing.T) {
	router, _ := testRouter(t, "")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/device/users/4242", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetUserQuotaInvalidUID(t *testing.T) {
	router, _ := testRouter(t, "")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/device/users/bogus", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPutLimitStoresBytes(t *testing.T) {
	router, limits := testRouter(t, "")
	body := bytes.NewBufferString(`{"hard_limit_bytes": 5000000, "soft_limit_bytes": 4000000}`)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("PUT", "/api/v1/limits/1001", body))

	require.Equal(t, http.StatusOK, rec.Code)
	limit, err := limits.Limit(context.Background(), 1001)
	require.NoError(t, err)
	assert.Equal(t, int64(5_000_000), limit.HardLimitBytes)
	assert.Equal(t, int64(4_000_000), limit.SoftLimitBytes)
}

func TestPutLimitRejectsNegative(t *testing.T) {
	router, _ := testRouter(t, "")
	body := bytes.NewBufferString(`{"hard_limit_bytes": -1}`)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("PUT", "/api/v1/limits/1001", body))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMutationRequiresToken(t *testing.T) {
	router, _ := testRouter(t, "sekret")

	body := bytes.NewBufferString(`{"hard_limit_bytes": 1}`)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("PUT", "/api/v1/limits/1001", body))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Reads stay open.
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/device", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	// A signed token passes.
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "admin",
		"exp": time.Now().Add(time.Minute).Unix(),
	}).SignedString([]byte("sekret"))
	require.NoError(t, err)

	body = bytes.NewBufferString(`{"hard_limit_bytes": 1}`)
	req := httptest.NewRequest("PUT", "/api/v1/limits/1001", body)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
