package websession

import "errors"

var (
	// ErrIdentityConflict is returned when a second, different user
	// identity is bound into one session.
	ErrIdentityConflict = errors.New("different users cannot be authorized in a single session")

	// ErrNotFound is returned for references to unknown projects, tasks
	// or connections.
	ErrNotFound = errors.New("not found")

	// ErrQuotaExceeded is returned when the concurrent async-task limit
	// is breached.
	ErrQuotaExceeded = errors.New("maximum simultaneous tasks quota exceeded")

	// ErrBackendUnavailable wraps security or resource-manager call
	// failures.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrAdminRequired is returned when an operation needs the admin
	// permission and the caller lacks it.
	ErrAdminRequired = errors.New("admin permission required")

	// ErrSessionClosed is returned for operations on a closed session.
	ErrSessionClosed = errors.New("session is closed")
)
