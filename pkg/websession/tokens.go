package websession

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudquay/cloudquay/pkg/security"
)

// AuthToken is a bound credential from one authentication provider,
// resolving to one user identity.
type AuthToken struct {
	// Provider is the auth provider id. At most one token per provider
	// may be bound to a session.
	Provider string `json:"provider"`

	// Principal is the identity the credential resolves to.
	Principal *security.Principal `json:"principal"`

	// SessionHandle is the opaque backend auth-session handle. It is
	// closed when the token is removed from the session.
	SessionHandle string `json:"-"`

	// AuthInfo is the raw provider payload, preserved verbatim.
	AuthInfo map[string]any `json:"auth_info,omitempty"`

	// LoginTime is when the token was bound.
	LoginTime time.Time `json:"login_time"`
}

// tokenSet is the ordered collection of active auth tokens. All mutation
// happens under its own lock; backend calls never hold it.
type tokenSet struct {
	tokens []*AuthToken
}

func (ts *tokenSet) get(provider string) *AuthToken {
	for _, t := range ts.tokens {
		if t.Provider == provider {
			return t
		}
	}
	return nil
}

func (ts *tokenSet) first() *AuthToken {
	if len(ts.tokens) == 0 {
		return nil
	}
	return ts.tokens[0]
}

func (ts *tokenSet) all() []*AuthToken {
	return append([]*AuthToken(nil), ts.tokens...)
}

func (ts *tokenSet) remove(token *AuthToken) {
	for i, t := range ts.tokens {
		if t == token {
			ts.tokens = append(ts.tokens[:i], ts.tokens[i+1:]...)
			return
		}
	}
}

// Principal returns the first auth token's principal, or nil if the
// session holds no tokens.
func (s *Session) Principal() *security.Principal {
	s.tokenMu.Lock()
	defer s.tokenMu.Unlock()
	t := s.tokens.first()
	if t == nil {
		return nil
	}
	return t.Principal
}

// AuthToken returns the token bound for a provider, or the first token
// when provider is empty. Returns nil when absent.
func (s *Session) AuthToken(provider string) *AuthToken {
	s.tokenMu.Lock()
	defer s.tokenMu.Unlock()
	if provider == "" {
		return s.tokens.first()
	}
	return s.tokens.get(provider)
}

// AuthTokens returns a snapshot of all bound tokens in order.
func (s *Session) AuthTokens() []*AuthToken {
	s.tokenMu.Lock()
	defer s.tokenMu.Unlock()
	return s.tokens.all()
}

// AddAuthTokens binds credentials to the session. All supplied tokens must
// resolve to the same user; the resulting user must match the session's
// already-bound user. A session with no bound user adopts the new identity
// and refreshes its state. For each token, an existing token from the same
// provider is replaced, closing the old token's backend auth session first.
// Registered session handlers are notified of the identity change.
func (s *Session) AddAuthTokens(ctx context.Context, tokens ...*AuthToken) error {
	if len(tokens) == 0 {
		return nil
	}

	var newUser *security.Principal
	for _, t := range tokens {
		if t.Principal == nil || t.Principal.UserID == "" {
			return fmt.Errorf("auth token for provider %q resolves to no user: %w", t.Provider, ErrIdentityConflict)
		}
		if newUser != nil && newUser.UserID != t.Principal.UserID {
			return fmt.Errorf("different users %q and %q specified in auth tokens: %w", newUser.UserID, t.Principal.UserID, ErrIdentityConflict)
		}
		newUser = t.Principal
	}

	s.mu.Lock()
	current := s.user
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}

	switch {
	case current == nil || current.Anonymous:
		// First-time binding: adopt the identity. Covers configuration
		// mode and the initial login of an anonymous session.
		s.adoptIdentity(ctx, newUser, tokens[0].SessionHandle)
	case current.UserID != newUser.UserID:
		return fmt.Errorf("session is bound to user %q, cannot bind %q: %w", current.UserID, newUser.UserID, ErrIdentityConflict)
	}

	// Replace same-provider tokens, closing the old backend session
	// before the new token takes its place.
	for _, t := range tokens {
		s.tokenMu.Lock()
		old := s.tokens.get(t.Provider)
		if old != nil {
			s.tokens.remove(old)
		}
		s.tokenMu.Unlock()
		if old != nil {
			s.closeToken(ctx, old)
		}
	}

	now := time.Now()
	s.tokenMu.Lock()
	for _, t := range tokens {
		if t.LoginTime.IsZero() {
			t.LoginTime = now
		}
		s.tokens.tokens = append(s.tokens.tokens, t)
	}
	s.tokenMu.Unlock()

	s.notifyAuthChange(ctx)
	s.auditAuth(ctx, tokens[0].Provider, newUser.UserID, nil)
	return nil
}

// RemoveAuthInfo removes the token bound for a provider, closing its
// backend auth session. An empty provider removes all tokens. If removal
// empties the token set the session identity is fully reset, including
// anonymous re-authentication when enabled.
func (s *Session) RemoveAuthInfo(ctx context.Context, provider string) error {
	var removed []*AuthToken
	s.tokenMu.Lock()
	if provider == "" {
		removed = s.tokens.all()
		s.tokens.tokens = nil
	} else if t := s.tokens.get(provider); t != nil {
		s.tokens.remove(t)
		removed = []*AuthToken{t}
	}
	empty := len(s.tokens.tokens) == 0
	s.tokenMu.Unlock()

	for _, t := range removed {
		s.closeToken(ctx, t)
		s.auditAuth(ctx, t.Provider, s.UserID(), nil)
	}

	if empty && len(removed) > 0 {
		s.resetUserState(ctx)
	}
	return nil
}

// clearAuthTokens closes and drops every token without resetting session
// state. Used during teardown.
func (s *Session) clearAuthTokens(ctx context.Context) {
	s.tokenMu.Lock()
	removed := s.tokens.all()
	s.tokens.tokens = nil
	s.tokenMu.Unlock()

	for _, t := range removed {
		s.closeToken(ctx, t)
	}
}

// closeToken closes the token's backend auth session. Failures are logged
// only: an unreachable backend must not block logout.
func (s *Session) closeToken(ctx context.Context, t *AuthToken) {
	if t.SessionHandle == "" {
		return
	}
	if err := s.app.security.CloseAuthSession(ctx, t.SessionHandle); err != nil {
		s.app.logger.Error("error closing auth session",
			"session_id", s.ID(), "provider", t.Provider, "error", err)
	}
}
