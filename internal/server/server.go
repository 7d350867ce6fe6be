// Package server wires the session core to its HTTP/WebSocket surface.
package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cloudquay/cloudquay/pkg/platform"
	"github.com/cloudquay/cloudquay/pkg/security"
	"github.com/cloudquay/cloudquay/pkg/websession"
)

// Version is set at build time.
var Version = "dev"

const (
	// sessionIDHeader carries the opaque session id.
	sessionIDHeader = "X-CQ-Session-Id"

	// sessionIDBytes is the number of random bytes for session id
	// generation.
	sessionIDBytes = 16

	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 15 * time.Second
)

// Server is the HTTP surface over the session core.
type Server struct {
	cfg      *platform.Config
	app      *websession.App
	registry *websession.Registry
	login    LoginAuthenticator
	http     *http.Server
}

// LoginAuthenticator verifies password credentials against a provider.
// The embedded local backend implements it; external providers are
// plugged in by the surrounding application.
type LoginAuthenticator interface {
	Authenticate(ctx context.Context, userID, password string) (*security.AuthInfo, error)
}

// New creates the server.
func New(cfg *platform.Config, app *websession.App, registry *websession.Registry, login LoginAuthenticator) *Server {
	s := &Server{
		cfg:      cfg,
		app:      app,
		registry: registry,
		login:    login,
	}
	s.http = &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           s.routes(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s
}

// ListenAndServe runs the server until the context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.cfg.Server.TLS.Enabled {
			err = s.http.ListenAndServeTLS(s.cfg.Server.TLS.CertFile, s.cfg.Server.TLS.KeyFile)
		} else {
			err = s.http.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	return nil
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/session", s.withSession(s.handleSessionInfo))
	mux.HandleFunc("DELETE /api/session", s.handleSessionDelete)
	mux.HandleFunc("POST /api/auth/login", s.withSession(s.handleLogin))
	mux.HandleFunc("POST /api/auth/logout", s.withSession(s.handleLogout))
	mux.HandleFunc("GET /api/session/permissions", s.withSession(s.handlePermissions))
	mux.HandleFunc("POST /api/session/refresh", s.withSession(s.handleRefresh))
	mux.HandleFunc("GET /api/session/log", s.withSession(s.handleReadLog))
	mux.HandleFunc("GET /api/projects", s.withSession(s.handleProjects))
	mux.HandleFunc("GET /api/projects/{id}", s.withSession(s.handleProjectByID))
	mux.HandleFunc("POST /api/projects/{id}", s.withSession(s.handleProjectAdd))
	mux.HandleFunc("DELETE /api/projects/{id}", s.withSession(s.handleProjectRemove))
	mux.HandleFunc("GET /api/projects/{id}/connections", s.withSession(s.handleProjectConnections))
	mux.HandleFunc("GET /api/tasks/{id}", s.withSession(s.handleTaskStatus))
	mux.HandleFunc("POST /api/tasks/{id}/cancel", s.withSession(s.handleTaskCancel))
	mux.HandleFunc("GET /api/events", s.withSession(s.handleEvents))
	mux.HandleFunc("GET /healthz", s.handleHealth)

	return mux
}

// sessionHandlerFunc handles a request bound to a resolved session.
type sessionHandlerFunc func(w http.ResponseWriter, r *http.Request, sess *websession.Session)

// withSession resolves the request's session, creating one when the
// request carries no session id. The id is echoed back in the response
// header so clients can adopt it.
func (s *Server) withSession(next sessionHandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.Header.Get(sessionIDHeader)
		if sessionID == "" {
			id, err := generateSessionID()
			if err != nil {
				slog.Error("session: failed to generate id", "error", err)
				http.Error(w, "internal server error", http.StatusInternalServerError)
				return
			}
			sessionID = id
		}

		meta := websession.RequestMeta{
			RemoteAddr: r.RemoteAddr,
			UserAgent:  r.UserAgent(),
			Locale:     r.Header.Get("Accept-Language"),
		}
		sess := s.registry.GetOrCreate(r.Context(), sessionID, meta)
		w.Header().Set(sessionIDHeader, sessionID)
		next(w, r, sess)
	}
}

// generateSessionID creates a cryptographically random session id.
func generateSessionID() (string, error) {
	b := make([]byte, sessionIDBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}
