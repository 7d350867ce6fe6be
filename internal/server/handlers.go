package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/cloudquay/cloudquay/pkg/security/local"
	"github.com/cloudquay/cloudquay/pkg/websession"
)

// statusFromError maps taxonomy errors to HTTP status codes.
func statusFromError(err error) int {
	switch {
	case errors.Is(err, websession.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, websession.ErrIdentityConflict):
		return http.StatusConflict
	case errors.Is(err, websession.ErrQuotaExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, websession.ErrAdminRequired):
		return http.StatusForbidden
	case errors.Is(err, websession.ErrBackendUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, local.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, websession.ErrSessionClosed):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("error encoding response", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFromError(err), map[string]string{"error": err.Error()})
}

// sessionInfo is the wire shape of a session.
type sessionInfo struct {
	ID             string    `json:"id"`
	CreateTime     time.Time `json:"create_time"`
	LastAccessTime time.Time `json:"last_access_time"`
	UserID         string    `json:"user_id,omitempty"`
	Anonymous      bool      `json:"anonymous"`
	Locale         string    `json:"locale"`
	CacheExpired   bool      `json:"cache_expired"`
	Permissions    []string  `json:"permissions"`
}

func newSessionInfo(sess *websession.Session) sessionInfo {
	user := sess.User()
	return sessionInfo{
		ID:             sess.ID(),
		CreateTime:     sess.CreateTime(),
		LastAccessTime: sess.LastAccessTime(),
		UserID:         sess.UserID(),
		Anonymous:      user == nil || user.Anonymous,
		Locale:         sess.Locale(),
		CacheExpired:   sess.CacheExpired(),
		Permissions:    sess.Permissions(),
	}
}

func (s *Server) handleSessionInfo(w http.ResponseWriter, _ *http.Request, sess *websession.Session) {
	writeJSON(w, http.StatusOK, newSessionInfo(sess))
}

func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(sessionIDHeader)
	if sessionID != "" {
		s.registry.Delete(r.Context(), sessionID)
	}
	w.WriteHeader(http.StatusNoContent)
}

type loginRequest struct {
	User     string `json:"user"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request, sess *websession.Session) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	authInfo, err := s.login.Authenticate(r.Context(), req.User, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}

	token := &websession.AuthToken{
		Provider:      authInfo.Provider,
		Principal:     authInfo.Principal,
		SessionHandle: authInfo.SessionHandle,
		AuthInfo:      authInfo.Raw,
	}
	if err := sess.AddAuthTokens(r.Context(), token); err != nil {
		writeError(w, err)
		return
	}
	// Point the session at the fresh backend auth context; the previous
	// handle may have been revoked by token replacement.
	if err := sess.UpdateSMSession(r.Context(), authInfo); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionInfo(sess))
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request, sess *websession.Session) {
	provider := r.URL.Query().Get("provider")
	if err := sess.RemoveAuthInfo(r.Context(), provider); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionInfo(sess))
}

func (s *Server) handlePermissions(w http.ResponseWriter, _ *http.Request, sess *websession.Session) {
	writeJSON(w, http.StatusOK, map[string]any{"permissions": sess.Permissions()})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request, sess *websession.Session) {
	sess.RefreshUserData(r.Context())
	writeJSON(w, http.StatusOK, newSessionInfo(sess))
}

func (s *Server) handleReadLog(w http.ResponseWriter, r *http.Request, sess *websession.Session) {
	maxEntries, _ := strconv.Atoi(r.URL.Query().Get("max"))
	clear, _ := strconv.ParseBool(r.URL.Query().Get("clear"))
	writeJSON(w, http.StatusOK, map[string]any{"messages": sess.ReadLog(maxEntries, clear)})
}

// projectInfo is the wire shape of a project.
type projectInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Type     string `json:"type"`
	Shared   bool   `json:"shared"`
	Global   bool   `json:"global"`
	InMemory bool   `json:"in_memory"`
	Active   bool   `json:"active"`
}

func newProjectInfo(sess *websession.Session, p *websession.Project) projectInfo {
	return projectInfo{
		ID:       p.ID(),
		Name:     p.Name(),
		Type:     string(p.RMProject().Type),
		Shared:   p.IsShared(),
		Global:   p.IsGlobal(),
		InMemory: p.InMemory(),
		Active:   sess.ActiveProject() == p,
	}
}

func (s *Server) handleProjects(w http.ResponseWriter, _ *http.Request, sess *websession.Session) {
	projects := sess.AccessibleProjects()
	result := make([]projectInfo, 0, len(projects))
	for _, p := range projects {
		result = append(result, newProjectInfo(sess, p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": result})
}

func (s *Server) handleProjectByID(w http.ResponseWriter, r *http.Request, sess *websession.Session) {
	p, err := sess.AccessibleProjectByID(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newProjectInfo(sess, p))
}

func (s *Server) handleProjectAdd(w http.ResponseWriter, r *http.Request, sess *websession.Session) {
	p, err := sess.AddSessionProject(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newProjectInfo(sess, p))
}

func (s *Server) handleProjectRemove(w http.ResponseWriter, r *http.Request, sess *websession.Session) {
	if err := sess.RemoveSessionProject(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// connectionInfo is the wire shape of a connection.
type connectionInfo struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Driver string `json:"driver"`
}

func (s *Server) handleProjectConnections(w http.ResponseWriter, r *http.Request, sess *websession.Session) {
	p, err := sess.AccessibleProjectByID(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}

	var conns []*websession.Connection
	if g := sess.GlobalProject(); g != nil && g.Project == p {
		conns = g.AccessibleConnections()
	} else {
		conns = p.Connections()
	}

	result := make([]connectionInfo, 0, len(conns))
	for _, c := range conns {
		result = append(result, connectionInfo{ID: c.ID(), Name: c.Name(), Driver: c.Driver()})
	}
	writeJSON(w, http.StatusOK, map[string]any{"connections": result})
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request, sess *websession.Session) {
	remove, _ := strconv.ParseBool(r.URL.Query().Get("remove"))
	info, err := sess.AsyncTaskStatus(r.PathValue("id"), remove)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleTaskCancel(w http.ResponseWriter, r *http.Request, sess *websession.Session) {
	if err := sess.AsyncTaskCancel(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"name":    s.cfg.Server.Name,
		"version": Version,
	})
}
