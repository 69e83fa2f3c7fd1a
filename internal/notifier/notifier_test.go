package notifier

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qman/qman/internal/domain"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestCallbackPostsSignedBatch(t *testing.T) {
	var gotAuth string
	var gotBody payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := NewCallback(srv.URL, "host-a", "sekret", time.Second, quietLogger())
	ev := domain.Event{UID: 1001, UserName: "alice", Type: domain.EventQuotaExceeded, At: time.Now()}
	require.NoError(t, c.Emit(context.Background(), ev))

	assert.Equal(t, "host-a", gotBody.HostID)
	require.Len(t, gotBody.Events, 1)
	assert.NotEmpty(t, gotBody.Events[0].ID, "events must be assigned IDs")

	require.True(t, strings.HasPrefix(gotAuth, "Bearer "))
	token, err := jwt.Parse(strings.TrimPrefix(gotAuth, "Bearer "), func(t *jwt.Token) (interface{}, error) {
		return []byte("sekret"), nil
	})
	require.NoError(t, err)
	sub, err := token.Claims.GetSubject()
	require.NoError(t, err)
	assert.Equal(t, "host-a", sub)
}

func TestCallbackRejectedStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewCallback(srv.URL, "host-a", "sekret", time.Second, quietLogger())
	err := c.Emit(context.Background(), domain.Event{Type: domain.EventContainerRemoved})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

func TestCallbackWithoutURLIsNoop(t *testing.T) {
	c := NewCallback("", "host-a", "sekret", time.Second, quietLogger())
	require.NoError(t, c.Emit(context.Background(), domain.Event{Type: domain.EventQuotaExceeded}))
}
