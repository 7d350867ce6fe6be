package websession

import (
	"context"
	"sync"
	"time"
)

// Registry holds live sessions keyed by session id and enforces the idle
// timeout: sessions untouched for longer than the TTL are closed and
// removed by the cleanup routine.
type Registry struct {
	app *App

	mu       sync.RWMutex
	sessions map[string]*Session
	ttl      time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRegistry creates a session registry.
func NewRegistry(app *App) *Registry {
	return &Registry{
		app:      app,
		sessions: make(map[string]*Session),
		ttl:      app.cfg.Sessions.TTL,
	}
}

// Get returns the session for an id, or false when unknown.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// GetOrCreate returns the session for an id, creating and initializing it
// on first touch. Existing sessions get their request metadata updated.
func (r *Registry) GetOrCreate(ctx context.Context, id string, meta RequestMeta) *Session {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if ok {
		s.UpdateInfo(ctx, meta)
		return s
	}

	created := NewSession(ctx, r.app, id, meta)

	r.mu.Lock()
	if existing, ok := r.sessions[id]; ok {
		// Lost the creation race; keep the winner.
		r.mu.Unlock()
		created.Close(ctx)
		existing.UpdateInfo(ctx, meta)
		return existing
	}
	r.sessions[id] = created
	r.mu.Unlock()
	return created
}

// Delete closes a session and removes it from the registry.
func (r *Registry) Delete(ctx context.Context, id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if ok {
		s.Close(ctx)
	}
}

// List returns all live sessions.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		result = append(result, s)
	}
	return result
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Cleanup closes and removes sessions idle past the TTL.
func (r *Registry) Cleanup(ctx context.Context) {
	cutoff := time.Now().Add(-r.ttl)

	r.mu.Lock()
	var expired []*Session
	for id, s := range r.sessions {
		if s.LastAccessTime().Before(cutoff) {
			expired = append(expired, s)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, s := range expired {
		r.app.logger.Debug("closing expired session", "session_id", s.ID())
		s.Close(ctx)
	}
}

// StartCleanupRoutine starts a background goroutine that periodically
// sweeps expired sessions. Stopped by Close.
func (r *Registry) StartCleanupRoutine(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Cleanup(ctx)
			}
		}
	}()
}

// Close stops the cleanup routine and closes every session. Safe to call
// even if StartCleanupRoutine was never called.
func (r *Registry) Close(ctx context.Context) {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}

	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		sessions = append(sessions, s)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close(ctx)
	}
}
