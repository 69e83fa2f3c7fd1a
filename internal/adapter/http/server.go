// Package http exposes the daemon's administrative API: the virtual
// device report, per-user quota rows, limit management and manual
// sync/enforcement triggers.
package http

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// Server wraps the administrative HTTP listener.
type Server struct {
	addr   string
	server *http.Server
	logger *logrus.Logger
}

// ServerConfig carries listener settings.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// AuthSecret signs and verifies bearer tokens on mutating routes.
	// Empty disables auth (development and mock mode only).
	AuthSecret string
}

// NewServer builds the router and wires all handlers.
func NewServer(
	config ServerConfig,
	device *DeviceHandler,
	limits *LimitsHandler,
	ops *OpsHandler,
	logger *logrus.Logger,
) *Server {
	router := mux.NewRouter()

	device.RegisterRoutes(router)
	limits.RegisterRoutes(router)
	ops.RegisterRoutes(router)

	router.Use(loggingMiddleware(logger))
	router.Use(recoveryMiddleware(logger))
	router.Use(authMiddleware(config.AuthSecret, logger))

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}).Methods("GET")

	return &Server{
		addr:   ":" + config.Port,
		logger: logger,
		server: &http.Server{
			Addr:         ":" + config.Port,
			Handler:      router,
			ReadTimeout:  config.ReadTimeout,
			WriteTimeout: config.WriteTimeout,
			IdleTimeout:  config.IdleTimeout,
		},
	}
}

// Start blocks serving until the listener closes.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.addr).Info("starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

func loggingMiddleware(logger *logrus.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			logger.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"remote":   r.RemoteAddr,
				"duration": time.Since(start).String(),
			}).Debug("request handled")
		})
	}
}

func recoveryMiddleware(logger *logrus.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.WithField("panic", err).Error("panic recovered in handler")
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// authMiddleware verifies an HS256 bearer token on every non-GET
// request. Reads stay open so the surrounding quota system can poll
// the device report without credentials.
func authMiddleware(secret string, logger *logrus.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" || r.Method == http.MethodGet {
				next.ServeHTTP(w, r)
				return
			}
			raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if raw == "" {
				http.Error(w, "Missing bearer token", http.StatusUnauthorized)
				return
			}
			token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return []byte(secret), nil
			})
			if err != nil || !token.Valid {
				logger.WithError(err).Warn("rejected API request with invalid token")
				http.Error(w, "Invalid bearer token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
