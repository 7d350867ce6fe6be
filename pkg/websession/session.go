package websession

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cloudquay/cloudquay/pkg/audit"
	"github.com/cloudquay/cloudquay/pkg/rm"
	"github.com/cloudquay/cloudquay/pkg/security"
)

// RequestMeta is request-derived session metadata, overwritten on each
// inbound request touch.
type RequestMeta struct {
	RemoteAddr string
	UserAgent  string
	Locale     string
}

// Session tracks one connected user: the authenticated identity, the
// permission set, the visible projects and connections, in-flight async
// tasks and the session-scoped message log.
//
// Per-entity state (tokens, messages, tasks, accessible ids) is serialized
// under its own lock. Cross-entity operations execute sequentially within
// one call and are not globally atomic with concurrent refreshes; a racing
// refresh during logout may observe a transient permission snapshot,
// resolved by the next refresh.
type Session struct {
	id         string
	app        *App
	createTime time.Time

	mu                  sync.RWMutex
	lastAccessTime      time.Time
	user                *security.Principal
	permissions         map[string]struct{}
	smHandle            string
	locale              string
	lastRemoteAddr      string
	lastRemoteUserAgent string
	cacheExpired        bool
	closed              bool

	tokenMu sync.Mutex
	tokens  tokenSet

	tasks     taskTable
	taskCount atomic.Int32

	projMu   sync.RWMutex
	projects []*Project
	active   *Project
	global   *GlobalProject

	messages messageLog
	events   eventFanout
	ext      extensionState
}

// NewSession creates a session and immediately attempts authorization
// (anonymous when no credentials are available and anonymous access is
// enabled), so that permission checks never race with request handling.
// Authorization failures are recorded as session errors, not returned.
func NewSession(ctx context.Context, app *App, id string, meta RequestMeta) *Session {
	now := time.Now()
	s := &Session{
		id:             id,
		app:            app,
		createTime:     now,
		lastAccessTime: now,
		locale:         app.cfg.Sessions.DefaultLocale,
	}
	s.applyRequestMeta(meta)
	s.refreshSessionAuth(ctx)

	event := audit.NewEvent(audit.EventTypeSession, id).
		WithRemoteAddr(meta.RemoteAddr).
		WithDetails(map[string]any{"action": "open"})
	if err := app.auditor.Log(ctx, *event); err != nil {
		app.logger.Error("error writing session audit event", "session_id", id, "error", err)
	}
	return s
}

// ID returns the opaque session id.
func (s *Session) ID() string { return s.id }

// CreateTime returns the session creation timestamp.
func (s *Session) CreateTime() time.Time { return s.createTime }

// LastAccessTime returns the last request touch.
func (s *Session) LastAccessTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastAccessTime
}

// Touch updates the last-access timestamp. It never moves backwards.
func (s *Session) Touch() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if now.After(s.lastAccessTime) {
		s.lastAccessTime = now
	}
}

// Locale returns the session locale.
func (s *Session) Locale() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.locale
}

// LastRemoteAddr returns the address of the most recent request.
func (s *Session) LastRemoteAddr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRemoteAddr
}

// LastRemoteUserAgent returns the user agent of the most recent request.
func (s *Session) LastRemoteUserAgent() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRemoteUserAgent
}

// CacheExpired reports whether an external invalidation signal has marked
// the session's caches stale.
func (s *Session) CacheExpired() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cacheExpired
}

// SetCacheExpired marks the session's caches stale. Cleared on the next
// request-metadata update.
func (s *Session) SetCacheExpired(expired bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cacheExpired = expired
}

// Closed reports whether the session has been torn down.
func (s *Session) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// User returns the session's resolved principal, or nil.
func (s *Session) User() *security.Principal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user
}

// UserID returns the resolved user id, or empty for anonymous and
// unauthenticated sessions.
func (s *Session) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil || s.user.Anonymous {
		return ""
	}
	return s.user.UserID
}

// UserMetaParameters merges identity metadata from the resolved user and
// every bound token.
func (s *Session) UserMetaParameters() map[string]string {
	result := make(map[string]string)
	if u := s.User(); u != nil {
		for k, v := range u.MetaParameters {
			result[k] = v
		}
	}
	for _, t := range s.AuthTokens() {
		if t.Principal == nil {
			continue
		}
		for k, v := range t.Principal.MetaParameters {
			result[k] = v
		}
	}
	return result
}

// HasPermission reports whether the session holds a permission. The admin
// permission short-circuits all checks. The permission set is only as
// fresh as the last explicit refresh.
func (s *Session) HasPermission(perm string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.permissions[security.PermissionAdmin]; ok {
		return true
	}
	_, ok := s.permissions[perm]
	return ok
}

// Permissions returns the session's permission set, sorted. Empty until
// the first refresh.
func (s *Session) Permissions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]string, 0, len(s.permissions))
	for p := range s.permissions {
		result = append(result, p)
	}
	sort.Strings(result)
	return result
}

// RequireAdmin fails unless the session holds the admin permission.
func (s *Session) RequireAdmin() error {
	if !s.HasPermission(security.PermissionAdmin) {
		return ErrAdminRequired
	}
	return nil
}

// IsAuthorized reports whether the session holds a backend auth session.
func (s *Session) IsAuthorized() bool {
	return s.authSessionHandle() != ""
}

func (s *Session) authSessionHandle() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.smHandle
}

// refreshSessionAuth authorizes the session if it is not, or refreshes
// permission state if it is. Failures are recorded as session errors and
// never propagate: the session stays usable in a degraded state.
func (s *Session) refreshSessionAuth(ctx context.Context) {
	if !s.IsAuthorized() {
		if err := s.authAsAnonymous(ctx); err != nil {
			s.AddSessionError(err)
			s.app.logger.Error("error reading session permissions", "session_id", s.id, "error", err)
		}
		return
	}
	s.refreshPermissions(ctx)
	if g := s.GlobalProject(); g != nil {
		g.RefreshAccessibleConnectionIDs(ctx)
	}
}

// authAsAnonymous silently authenticates an anonymous principal scoped by
// the session id. A no-op when anonymous access is disabled.
func (s *Session) authAsAnonymous(ctx context.Context) error {
	if !s.app.cfg.Auth.AllowAnonymous {
		return nil
	}
	authInfo, err := s.app.security.AuthenticateAnonymousUser(ctx, s.id, s.sessionParameters(), security.SessionTypeWeb)
	if err != nil {
		return fmt.Errorf("%w: anonymous authentication: %w", ErrBackendUnavailable, err)
	}
	s.applyAuthInfo(authInfo)
	s.RefreshUserData(ctx)
	s.notifyAuthChange(ctx)
	s.auditAuth(ctx, "", "", nil)
	return nil
}

// UpdateSMSession replaces the session's backend auth context with the
// result of a fresh authentication and rebuilds dependent state.
func (s *Session) UpdateSMSession(ctx context.Context, authInfo *security.AuthInfo) error {
	if authInfo == nil || authInfo.SessionHandle == "" {
		return errors.New("auth info has no session handle")
	}
	s.applyAuthInfo(authInfo)
	s.RefreshUserData(ctx)
	return nil
}

func (s *Session) applyAuthInfo(authInfo *security.AuthInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.smHandle = authInfo.SessionHandle
	s.user = authInfo.Principal
	s.permissions = make(map[string]struct{}, len(authInfo.Permissions))
	for _, p := range authInfo.Permissions {
		s.permissions[p] = struct{}{}
	}
}

// adoptIdentity binds a first identity into the session, used when tokens
// are added to a session with no bound user.
func (s *Session) adoptIdentity(ctx context.Context, user *security.Principal, handle string) {
	s.mu.Lock()
	s.user = user
	if handle != "" {
		s.smHandle = handle
	}
	s.mu.Unlock()
	s.RefreshUserData(ctx)
}

// RefreshUserData re-resolves permissions from the security backend, then
// reloads the project list and rebuilds the connection caches from
// scratch. Failures are recorded as session errors; the session remains
// usable with stale state rather than becoming unusable.
func (s *Session) RefreshUserData(ctx context.Context) {
	s.refreshPermissions(ctx)
	s.loadProjects(ctx)
}

// refreshPermissions replaces the permission set from the backend. On
// failure the previous set is kept.
func (s *Session) refreshPermissions(ctx context.Context) {
	handle := s.authSessionHandle()
	if handle == "" {
		return
	}
	perms, err := s.app.security.GetSubjectPermissions(ctx, handle)
	if err != nil {
		s.AddSessionError(fmt.Errorf("%w: reading session permissions: %w", ErrBackendUnavailable, err))
		s.app.logger.Error("error reading session permissions", "session_id", s.id, "error", err)
		return
	}
	set := make(map[string]struct{}, len(perms))
	for _, p := range perms {
		set[p] = struct{}{}
	}
	s.mu.Lock()
	s.permissions = set
	s.mu.Unlock()

	event := audit.NewEvent(audit.EventTypePermission, s.id).
		WithUser(s.UserID()).
		WithDetails(map[string]any{"permissions": len(perms)})
	if err := s.app.auditor.Log(ctx, *event); err != nil {
		s.app.logger.Error("error writing permission audit event", "session_id", s.id, "error", err)
	}
}

// resetUserState clears the resolved identity and rebuilds session state,
// re-authenticating as anonymous when enabled. Invoked when token removal
// empties the token set and by admin force-logout.
func (s *Session) resetUserState(ctx context.Context) {
	s.clearAuthTokens(ctx)
	s.teardownExtensions()

	s.mu.Lock()
	s.user = nil
	s.permissions = nil
	s.smHandle = ""
	s.mu.Unlock()

	s.disposeProjects()
	s.refreshSessionAuth(ctx)
	s.notifyAuthChange(ctx)
}

// UpdateInfo applies request-derived metadata, touches the session and
// persists the session record to the security backend. Backend failures
// are recorded as session errors, never returned.
func (s *Session) UpdateInfo(ctx context.Context, meta RequestMeta) {
	s.Touch()
	s.applyRequestMeta(meta)

	if !s.IsAuthorized() {
		if err := s.authAsAnonymous(ctx); err != nil {
			s.AddSessionError(err)
			s.app.logger.Error("error persisting web session", "session_id", s.id, "error", err)
		}
		return
	}
	if s.app.cfg.Auth.ConfigurationMode {
		return
	}
	if err := s.app.security.UpdateSession(ctx, s.authSessionHandle(), s.sessionParameters()); err != nil {
		s.AddSessionError(fmt.Errorf("%w: persisting session: %w", ErrBackendUnavailable, err))
		s.app.logger.Error("error persisting web session", "session_id", s.id, "error", err)
	}
}

func (s *Session) applyRequestMeta(meta RequestMeta) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if meta.RemoteAddr != "" {
		s.lastRemoteAddr = meta.RemoteAddr
	}
	if meta.UserAgent != "" {
		s.lastRemoteUserAgent = meta.UserAgent
	}
	if meta.Locale != "" {
		s.locale = meta.Locale
	}
	s.cacheExpired = false
}

func (s *Session) sessionParameters() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]any{
		security.SessionParamLastRemoteAddress:   s.lastRemoteAddr,
		security.SessionParamLastRemoteUserAgent: s.lastRemoteUserAgent,
	}
}

// loadProjects rebuilds the project list from the resource manager. Old
// projects are disposed first. For anonymous sessions with anonymous
// access enabled, one ephemeral in-memory project is synthesized.
func (s *Session) loadProjects(ctx context.Context) {
	s.disposeProjects()

	user := s.User()
	userID := s.UserID()
	anonymous := user == nil || user.Anonymous

	rmProjects, err := s.app.rm.ListAccessibleProjects(ctx, userID)
	if err != nil {
		s.AddSessionError(fmt.Errorf("%w: getting accessible projects list: %w", ErrBackendUnavailable, err))
		s.app.logger.Error("error getting accessible projects list", "session_id", s.id, "error", err)
		return
	}
	for _, rmProject := range rmProjects {
		s.createSessionProject(ctx, rmProject)
	}
	if anonymous && s.app.cfg.Auth.AllowAnonymous {
		p := s.createSessionProject(ctx, rm.AnonymousProject())
		p.SetInMemory(true)
	}

	s.projMu.Lock()
	if s.active == nil && len(s.projects) > 0 {
		s.active = s.projects[0]
	}
	s.projMu.Unlock()
}

// createSessionProject constructs a typed project from a descriptor, loads
// its data sources and registers it. User projects of anonymous sessions
// are in-memory only.
func (s *Session) createSessionProject(ctx context.Context, rmProject *rm.Project) *Project {
	p := newProject(s, rmProject)

	user := s.User()
	if rmProject.Type == rm.ProjectTypeUser && (user == nil || user.Anonymous) {
		p.SetInMemory(true)
	}

	if err := p.loadDataSources(ctx); err != nil {
		s.AddSessionError(err)
		s.app.logger.Error("error loading project data sources",
			"session_id", s.id, "project_id", rmProject.ID, "error", err)
	}

	var global *GlobalProject
	if rmProject.IsGlobal() {
		global = newGlobalProject(p)
		global.RefreshAccessibleConnectionIDs(ctx)
	}

	s.projMu.Lock()
	s.projects = append(s.projects, p)
	if global != nil {
		s.global = global
	}
	if !rmProject.IsShared() || s.app.cfg.Auth.ConfigurationMode {
		s.active = p
	}
	s.projMu.Unlock()
	return p
}

// disposeProjects releases all projects and clears the registry.
func (s *Session) disposeProjects() {
	s.projMu.Lock()
	old := s.projects
	s.projects = nil
	s.active = nil
	s.global = nil
	s.projMu.Unlock()

	for _, p := range old {
		p.dispose()
	}
}

// ProjectByID returns a project from the session cache, or nil. This is
// the internal lookup used by lifecycle code.
func (s *Session) ProjectByID(projectID string) *Project {
	s.projMu.RLock()
	defer s.projMu.RUnlock()
	for _, p := range s.projects {
		if p.ID() == projectID {
			return p
		}
	}
	return nil
}

// AccessibleProjects returns all projects visible to the session.
func (s *Session) AccessibleProjects() []*Project {
	s.projMu.RLock()
	defer s.projMu.RUnlock()
	return append([]*Project(nil), s.projects...)
}

// AccessibleProjectByID is the service-facing lookup used by request
// handlers: unknown ids fail with a not-found error.
func (s *Session) AccessibleProjectByID(projectID string) (*Project, error) {
	p := s.ProjectByID(projectID)
	if p == nil {
		return nil, fmt.Errorf("project %q: %w", projectID, ErrNotFound)
	}
	return p, nil
}

// ActiveProject returns the session's active project, or nil when the
// project list is empty.
func (s *Session) ActiveProject() *Project {
	s.projMu.RLock()
	defer s.projMu.RUnlock()
	return s.active
}

// GlobalProject returns the distinguished global project, or nil.
func (s *Session) GlobalProject() *GlobalProject {
	s.projMu.RLock()
	defer s.projMu.RUnlock()
	return s.global
}

// AddSessionProject resolves a project descriptor from the resource
// manager and adds it to the session cache, propagating an add event.
func (s *Session) AddSessionProject(ctx context.Context, projectID string) (*Project, error) {
	rmProject, err := s.app.rm.GetProject(ctx, projectID)
	if err != nil {
		if errors.Is(err, rm.ErrProjectNotFound) {
			return nil, fmt.Errorf("project %q: %w", projectID, ErrNotFound)
		}
		return nil, fmt.Errorf("%w: resolving project %q: %w", ErrBackendUnavailable, projectID, err)
	}
	p := s.createSessionProject(ctx, rmProject)
	s.publishEvent(EventProjectUpdated, map[string]any{
		"project_id": projectID,
		"action":     "add",
	})
	return p, nil
}

// RemoveSessionProject removes a project from the session cache, disposes
// it, keeps the active pointer consistent and propagates a remove event.
func (s *Session) RemoveSessionProject(projectID string) error {
	s.projMu.Lock()
	var removed *Project
	for i, p := range s.projects {
		if p.ID() == projectID {
			removed = p
			s.projects = append(s.projects[:i], s.projects[i+1:]...)
			break
		}
	}
	if removed == nil {
		s.projMu.Unlock()
		return fmt.Errorf("project %q: %w", projectID, ErrNotFound)
	}
	if s.active == removed {
		s.active = nil
		if len(s.projects) > 0 {
			s.active = s.projects[0]
		}
	}
	if s.global != nil && s.global.Project == removed {
		s.global = nil
	}
	s.projMu.Unlock()

	removed.dispose()
	s.publishEvent(EventProjectUpdated, map[string]any{
		"project_id": projectID,
		"action":     "remove",
	})
	return nil
}

// AddSessionError records a failure in the session log.
func (s *Session) AddSessionError(err error) {
	s.addMessage(MessageError, err.Error())
}

// AddInfoMessage records a diagnostic message in the session log.
func (s *Session) AddInfoMessage(text string) {
	s.addMessage(MessageInfo, text)
}

// AddWarningMessage records a warning in the session log.
func (s *Session) AddWarningMessage(text string) {
	s.addMessage(MessageWarning, text)
}

func (s *Session) addMessage(msgType MessageType, text string) {
	s.messages.add(msgType, text)
	s.publishEvent(EventSessionLogUpdated, map[string]any{
		"message_type": string(msgType),
		"message":      text,
	})
}

// ReadLog returns up to maxEntries session messages in order; maxEntries
// of zero or less returns all. When clear is set, the returned messages
// are removed from the log.
func (s *Session) ReadLog(maxEntries int, clear bool) []Message {
	return s.messages.read(maxEntries, clear)
}

// SubscribeEvents returns a channel of session-scoped events and a cancel
// function. Events are dropped for consumers that stall.
func (s *Session) SubscribeEvents() (<-chan Event, func()) {
	return s.events.subscribe()
}

func (s *Session) publishEvent(eventType EventType, data map[string]any) {
	s.events.publish(Event{
		Type:      eventType,
		SessionID: s.id,
		Timestamp: time.Now(),
		Data:      data,
	})
}

func (s *Session) notifyAuthChange(ctx context.Context) {
	s.app.bus.NotifyAuthChange(ctx, s)
}

func (s *Session) auditAuth(ctx context.Context, provider, userID string, err error) {
	event := audit.NewEvent(audit.EventTypeAuth, s.id).
		WithUser(userID).
		WithProvider(provider).
		WithError(err)
	if logErr := s.app.auditor.Log(ctx, *event); logErr != nil {
		s.app.logger.Error("error writing auth audit event", "session_id", s.id, "error", logErr)
	}
}

// Close releases the session: projects are disposed, extension state torn
// down, auth tokens cleared (closing each backend auth session) and the
// resolved user detached. In-flight async tasks are not cancelled.
// Idempotent.
func (s *Session) Close(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.disposeProjects()
	s.teardownExtensions()
	s.clearAuthTokens(ctx)

	s.mu.Lock()
	s.user = nil
	s.permissions = nil
	s.smHandle = ""
	s.mu.Unlock()

	s.publishEvent(EventSessionClosed, nil)
	s.events.close()

	event := audit.NewEvent(audit.EventTypeSession, s.id).
		WithDetails(map[string]any{"action": "close"})
	if err := s.app.auditor.Log(ctx, *event); err != nil {
		s.app.logger.Error("error writing session audit event", "session_id", s.id, "error", err)
	}
}
