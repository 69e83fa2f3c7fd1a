// Package notifier delivers quota events to the master controller.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/qman/qman/internal/domain"
	"github.com/qman/qman/internal/ports"
)

// Callback posts events as JSON to a master URL, authenticated with a
// short-lived HS256 token. Delivery is best effort: enforcement never
// blocks on the master being reachable.
type Callback struct {
	url    string
	hostID string
	secret []byte
	client *http.Client
	logger *logrus.Logger
}

func NewCallback(url, hostID, secret string, timeout time.Duration, logger *logrus.Logger) *Callback {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Callback{
		url:    url,
		hostID: hostID,
		secret: []byte(secret),
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

var _ ports.EventSink = (*Callback)(nil)

type payload struct {
	HostID string         `json:"host_id"`
	Events []domain.Event `json:"events"`
}

// Emit sends one event. Events without an ID are assigned one so the
// master can deduplicate retries. The wire format carries a batch for
// compatibility with the master's ingest endpoint.
func (c *Callback) Emit(ctx context.Context, event domain.Event) error {
	if c.url == "" {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}

	body, err := json.Marshal(payload{HostID: c.hostID, Events: []domain.Event{event}})
	if err != nil {
		return fmt.Errorf("marshal events: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build event request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	token, err := c.signToken()
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("post events to master: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("post events to master: unexpected status %s", resp.Status)
	}
	c.logger.WithFields(logrus.Fields{
		"event": event.Type,
		"uid":   event.UID,
		"url":   c.url,
	}).Debug("event delivered to master")
	return nil
}

func (c *Callback) signToken() (string, error) {
	claims := jwt.MapClaims{
		"sub": c.hostID,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(5 * time.Minute).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("sign callback token: %w", err)
	}
	return token, nil
}

// LogSink writes events to the daemon log. Used when no master URL is
// configured and in mock mode.
type LogSink struct {
	Logger *logrus.Logger
}

var _ ports.EventSink = (*LogSink)(nil)

func (s *LogSink) Emit(_ context.Context, event domain.Event) error {
	s.Logger.WithFields(logrus.Fields{
		"event":   event.Type,
		"uid":     event.UID,
		"user":    event.UserName,
		"details": event.Detail,
	}).Info("quota event")
	return nil
}
