// Package security defines the interface to the security backend that owns
// user identities, permissions and object-level grants. The session core
// treats the backend as remote, authoritative state that it caches.
package security

import (
	"context"
)

// Well-known permission names.
const (
	// PermissionAdmin short-circuits all permission checks.
	PermissionAdmin = "admin"
)

// SessionType identifies the kind of client session to the backend.
const SessionTypeWeb = "CloudQuay"

// Session parameter keys passed to the backend on updates.
const (
	SessionParamLastRemoteAddress   = "last_remote_address"
	SessionParamLastRemoteUserAgent = "last_remote_user_agent"
)

// ObjectType categorizes securable objects.
type ObjectType string

const (
	// ObjectTypeDataSource is a database connection definition.
	ObjectTypeDataSource ObjectType = "datasource"

	// ObjectTypeProject is a resource-manager project.
	ObjectTypeProject ObjectType = "project"
)

// Principal is a resolved user identity.
type Principal struct {
	// UserID is the backend identity. Empty for anonymous principals.
	UserID string `json:"user_id"`

	// DisplayName is the human-readable name.
	DisplayName string `json:"display_name,omitempty"`

	// Anonymous marks principals created by anonymous authentication.
	Anonymous bool `json:"anonymous,omitempty"`

	// MetaParameters carries identity metadata from the auth provider.
	MetaParameters map[string]string `json:"meta_parameters,omitempty"`
}

// SameUser reports whether two principals resolve to the same identity.
// Two anonymous principals are never the same user.
func (p *Principal) SameUser(other *Principal) bool {
	if p == nil || other == nil {
		return false
	}
	if p.Anonymous || other.Anonymous {
		return false
	}
	return p.UserID == other.UserID
}

// ObjectPermission is an object-level grant visible to a principal.
type ObjectPermission struct {
	ObjectID    string     `json:"object_id"`
	ObjectType  ObjectType `json:"object_type"`
	Subject     string     `json:"subject"`
	Permissions []string   `json:"permissions,omitempty"`
}

// AuthInfo is the result of a successful authentication: the resolved
// principal, the opaque backend session handle and the granted permissions.
type AuthInfo struct {
	// SessionHandle is the opaque auth-session handle. It must be closed
	// via Controller.CloseAuthSession when the credential is discarded.
	SessionHandle string

	// Provider is the id of the authentication provider that produced
	// this credential.
	Provider string

	Principal   *Principal
	Permissions []string

	// Raw is the provider-specific auth payload, preserved verbatim.
	Raw map[string]any
}

// Controller is the narrow interface to the security backend.
//
// All methods may block on the network; callers must not hold broader
// locks while invoking them. Failures surface as ordinary errors and are
// mapped to a backend-unavailable condition by the session layer.
type Controller interface {
	// AuthenticateAnonymousUser opens an anonymous auth session scoped by
	// the web session id.
	AuthenticateAnonymousUser(ctx context.Context, sessionID string, params map[string]any, sessionType string) (*AuthInfo, error)

	// GetSubjectPermissions returns the permission set of the auth
	// session's subject.
	GetSubjectPermissions(ctx context.Context, sessionHandle string) ([]string, error)

	// GetAllAvailableObjectsPermissions returns all object grants of the
	// given type visible to the auth session's subject.
	GetAllAvailableObjectsPermissions(ctx context.Context, sessionHandle string, objectType ObjectType) ([]ObjectPermission, error)

	// UpdateSession persists request-derived session metadata.
	UpdateSession(ctx context.Context, sessionHandle string, params map[string]any) error

	// CloseAuthSession invalidates an auth-session handle.
	CloseAuthSession(ctx context.Context, sessionHandle string) error
}
