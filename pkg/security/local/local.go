// Package local provides an embedded security backend for development and
// single-node deployments. Users, password hashes and object grants come
// from static configuration; auth-session handles are signed JWTs.
package local

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/cloudquay/cloudquay/pkg/platform"
	"github.com/cloudquay/cloudquay/pkg/security"
)

// ProviderLocal is the provider id for password-based authentication.
const ProviderLocal = "local"

// anonymousSubject is the grant subject matched by anonymous sessions.
const anonymousSubject = "anonymous"

var (
	// ErrInvalidCredentials is returned for unknown users or bad passwords.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrInvalidHandle is returned for expired or malformed session handles.
	ErrInvalidHandle = errors.New("invalid auth session handle")
)

// user is a configured account.
type user struct {
	id           string
	passwordHash string
	permissions  []string
}

// Controller implements security.Controller against in-memory state.
type Controller struct {
	signingKey []byte
	tokenTTL   time.Duration

	mu     sync.RWMutex
	users  map[string]*user
	grants []security.ObjectPermission
	closed map[string]struct{} // revoked handle ids
}

// New creates a local controller from security configuration.
func New(cfg platform.SecurityConfig) *Controller {
	c := &Controller{
		signingKey: []byte(cfg.SigningKey),
		tokenTTL:   cfg.TokenTTL,
		users:      make(map[string]*user),
		closed:     make(map[string]struct{}),
	}
	for _, u := range cfg.Users {
		c.users[u.ID] = &user{
			id:           u.ID,
			passwordHash: u.PasswordHash,
			permissions:  append([]string(nil), u.Permissions...),
		}
	}
	for _, g := range cfg.Grants {
		c.grants = append(c.grants, security.ObjectPermission{
			ObjectID:   g.ObjectID,
			ObjectType: security.ObjectType(g.ObjectType),
			Subject:    g.Subject,
		})
	}
	return c
}

// HashPassword produces a bcrypt hash suitable for configuration files.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(hash), nil
}

// Authenticate verifies a password and opens an auth session for the user.
func (c *Controller) Authenticate(_ context.Context, userID, password string) (*security.AuthInfo, error) {
	c.mu.RLock()
	u, ok := c.users[userID]
	c.mu.RUnlock()
	if !ok {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.passwordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	handle, err := c.issueHandle(u.id, false)
	if err != nil {
		return nil, err
	}
	return &security.AuthInfo{
		SessionHandle: handle,
		Provider:      ProviderLocal,
		Principal: &security.Principal{
			UserID:      u.id,
			DisplayName: u.id,
		},
		Permissions: append([]string(nil), u.permissions...),
		Raw:         map[string]any{"user": u.id, "provider": ProviderLocal},
	}, nil
}

// AuthenticateAnonymousUser opens an anonymous auth session scoped by the
// web session id.
func (c *Controller) AuthenticateAnonymousUser(_ context.Context, sessionID string, _ map[string]any, sessionType string) (*security.AuthInfo, error) {
	handle, err := c.issueHandle(anonymousSubject+":"+sessionID, true)
	if err != nil {
		return nil, err
	}
	return &security.AuthInfo{
		SessionHandle: handle,
		Principal: &security.Principal{
			Anonymous:   true,
			DisplayName: "Anonymous",
		},
		Permissions: nil,
		Raw:         map[string]any{"session_type": sessionType},
	}, nil
}

// GetSubjectPermissions returns the permission set for a handle's subject.
func (c *Controller) GetSubjectPermissions(ctx context.Context, sessionHandle string) ([]string, error) {
	claims, err := c.verifyHandle(sessionHandle)
	if err != nil {
		return nil, err
	}
	if claims.Anonymous {
		return nil, nil
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	u, ok := c.users[claims.Subject]
	if !ok {
		return nil, nil
	}
	return append([]string(nil), u.permissions...), nil
}

// GetAllAvailableObjectsPermissions returns grants of the given type whose
// subject matches the handle's subject.
func (c *Controller) GetAllAvailableObjectsPermissions(_ context.Context, sessionHandle string, objectType security.ObjectType) ([]security.ObjectPermission, error) {
	claims, err := c.verifyHandle(sessionHandle)
	if err != nil {
		return nil, err
	}
	subject := claims.Subject
	if claims.Anonymous {
		subject = anonymousSubject
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	var result []security.ObjectPermission
	for _, g := range c.grants {
		if g.ObjectType != objectType {
			continue
		}
		if g.Subject == subject || g.Subject == "*" {
			result = append(result, g)
		}
	}
	return result, nil
}

// UpdateSession validates the handle. Session metadata is not persisted by
// the in-memory backend.
func (c *Controller) UpdateSession(_ context.Context, sessionHandle string, _ map[string]any) error {
	_, err := c.verifyHandle(sessionHandle)
	return err
}

// CloseAuthSession revokes a handle.
func (c *Controller) CloseAuthSession(_ context.Context, sessionHandle string) error {
	claims, err := c.verifyHandle(sessionHandle)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed[claims.ID] = struct{}{}
	return nil
}

// Grant adds an object grant at runtime. Used by admin flows and tests to
// drive incremental permission events.
func (c *Controller) Grant(subject string, objectType security.ObjectType, objectID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.grants = append(c.grants, security.ObjectPermission{
		ObjectID:   objectID,
		ObjectType: objectType,
		Subject:    subject,
	})
}

// Revoke removes matching object grants.
func (c *Controller) Revoke(subject string, objectType security.ObjectType, objectID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.grants[:0]
	for _, g := range c.grants {
		if g.Subject == subject && g.ObjectType == objectType && g.ObjectID == objectID {
			continue
		}
		kept = append(kept, g)
	}
	c.grants = kept
}

// handleClaims are the JWT claims of an auth-session handle.
type handleClaims struct {
	Anonymous bool `json:"anon,omitempty"`
	jwt.RegisteredClaims
}

func (c *Controller) issueHandle(subject string, anonymous bool) (string, error) {
	now := time.Now()
	claims := handleClaims{
		Anonymous: anonymous,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.tokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(c.signingKey)
	if err != nil {
		return "", fmt.Errorf("signing auth session handle: %w", err)
	}
	return signed, nil
}

func (c *Controller) verifyHandle(handle string) (*handleClaims, error) {
	claims := &handleClaims{}
	_, err := jwt.ParseWithClaims(handle, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return c.signingKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidHandle, err)
	}

	c.mu.RLock()
	_, revoked := c.closed[claims.ID]
	c.mu.RUnlock()
	if revoked {
		return nil, ErrInvalidHandle
	}
	return claims, nil
}

// Verify interface compliance.
var _ security.Controller = (*Controller)(nil)
