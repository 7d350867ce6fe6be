package websession

import (
	"context"
	"fmt"
	"sync"

	"github.com/cloudquay/cloudquay/pkg/security"
)

// GlobalProject is the project whose connections are subject to per-user
// accessibility filtering rather than ownership. It owns the cache of
// connection ids visible to the session's current principal.
type GlobalProject struct {
	*Project

	accMu         sync.RWMutex
	accessibleIDs map[string]struct{}
}

func newGlobalProject(p *Project) *GlobalProject {
	return &GlobalProject{
		Project:       p,
		accessibleIDs: make(map[string]struct{}),
	}
}

// RefreshAccessibleConnectionIDs replaces the accessible-id cache with the
// set of datasource grants currently visible to the session's principal.
// The cache is cleared before the backend is queried; a failing backend
// leaves it empty (fail closed) and records a session error.
func (g *GlobalProject) RefreshAccessibleConnectionIDs(ctx context.Context) {
	g.accMu.Lock()
	g.accessibleIDs = make(map[string]struct{})
	g.accMu.Unlock()

	handle := g.session.authSessionHandle()
	if handle == "" {
		return
	}

	grants, err := g.session.app.security.GetAllAvailableObjectsPermissions(ctx, handle, security.ObjectTypeDataSource)
	if err != nil {
		g.session.AddSessionError(fmt.Errorf("%w: reading connection grants: %w", ErrBackendUnavailable, err))
		g.session.app.logger.Error("error reading connection grants",
			"session_id", g.session.ID(), "error", err)
		return
	}

	g.accMu.Lock()
	defer g.accMu.Unlock()
	for _, grant := range grants {
		g.accessibleIDs[grant.ObjectID] = struct{}{}
	}
}

// IsDataSourceAccessible reports whether a connection is visible to the
// current user: externally-provided and temporary connections are always
// visible, admin permission bypasses the filter, otherwise the connection
// id must be in the accessible-id cache. Evaluated on every visibility
// check; never cached beyond the id set's freshness.
func (g *GlobalProject) IsDataSourceAccessible(c *Connection) bool {
	if c.ExternallyProvided() || c.Temporary() {
		return true
	}
	if g.session.HasPermission(security.PermissionAdmin) {
		return true
	}
	g.accMu.RLock()
	defer g.accMu.RUnlock()
	_, ok := g.accessibleIDs[c.ID()]
	return ok
}

// AccessibleConnections returns the connections exposed by the global
// project after accessibility filtering.
func (g *GlobalProject) AccessibleConnections() []*Connection {
	var result []*Connection
	for _, c := range g.Project.Connections() {
		if g.IsDataSourceAccessible(c) {
			result = append(result, c)
		}
	}
	return result
}

// AddAccessibleConnectionToCache records a single-connection grant event:
// the id joins the accessible set and dependent views are notified. No-op
// outside the global project.
func (g *GlobalProject) AddAccessibleConnectionToCache(id string) {
	if !g.IsGlobal() {
		return
	}
	g.accMu.Lock()
	g.accessibleIDs[id] = struct{}{}
	g.accMu.Unlock()

	if g.Project.Connection(id) != nil {
		g.session.publishEvent(EventDataSourceUpdated, map[string]any{
			"datasource_id": id,
			"action":        "add",
		})
	}
}

// RemoveAccessibleConnectionFromCache records a single-connection revoke
// event: the id leaves the accessible set, the connection is removed from
// the exposed list and disposed, and dependent views are notified. No-op
// outside the global project.
func (g *GlobalProject) RemoveAccessibleConnectionFromCache(id string) {
	if !g.IsGlobal() {
		return
	}
	g.accMu.Lock()
	delete(g.accessibleIDs, id)
	g.accMu.Unlock()

	if c := g.Project.removeConnection(id); c != nil {
		g.session.publishEvent(EventDataSourceUpdated, map[string]any{
			"datasource_id": id,
			"action":        "remove",
		})
		c.Dispose()
	}
}

// accessibleIDCount reports the cache size. Used by diagnostics.
func (g *GlobalProject) accessibleIDCount() int {
	g.accMu.RLock()
	defer g.accMu.RUnlock()
	return len(g.accessibleIDs)
}
