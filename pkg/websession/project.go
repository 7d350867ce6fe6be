package websession

import (
	"context"
	"fmt"
	"sync"

	"github.com/cloudquay/cloudquay/pkg/rm"
)

// Connection is a session-side view of a data-source definition.
type Connection struct {
	def *rm.DataSource

	mu       sync.Mutex
	disposed bool
}

// ID returns the connection id.
func (c *Connection) ID() string { return c.def.ID }

// Name returns the connection display name.
func (c *Connection) Name() string { return c.def.Name }

// Driver returns the driver id.
func (c *Connection) Driver() string { return c.def.Driver }

// ExternallyProvided reports whether the connection bypasses
// accessibility filtering.
func (c *Connection) ExternallyProvided() bool { return c.def.ExternallyProvided }

// Temporary reports whether the connection bypasses accessibility
// filtering.
func (c *Connection) Temporary() bool { return c.def.Temporary }

// Dispose releases the connection. Idempotent.
func (c *Connection) Dispose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disposed = true
}

// Disposed reports whether the connection has been released.
func (c *Connection) Disposed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disposed
}

// Project is a logical workspace grouping database connections, visible
// to one session.
type Project struct {
	session   *Session
	rmProject *rm.Project

	mu          sync.RWMutex
	inMemory    bool
	connections map[string]*Connection
	order       []string
}

func newProject(s *Session, rmProject *rm.Project) *Project {
	return &Project{
		session:     s,
		rmProject:   rmProject,
		connections: make(map[string]*Connection),
	}
}

// ID returns the project id.
func (p *Project) ID() string { return p.rmProject.ID }

// Name returns the project display name.
func (p *Project) Name() string { return p.rmProject.Name }

// RMProject returns the resource-manager descriptor.
func (p *Project) RMProject() *rm.Project { return p.rmProject }

// IsGlobal reports whether this is the distinguished global project.
func (p *Project) IsGlobal() bool { return p.rmProject.IsGlobal() }

// IsShared reports whether the project is visible to more than one user.
func (p *Project) IsShared() bool { return p.rmProject.IsShared() }

// SetInMemory marks the project as having no persistent backing store.
// In-memory projects never load data sources from the resource manager.
func (p *Project) SetInMemory(inMemory bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inMemory = inMemory
}

// InMemory reports whether the project is in-memory only.
func (p *Project) InMemory() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.inMemory
}

// loadDataSources populates the project's connection registry from the
// resource manager. In-memory projects are skipped.
func (p *Project) loadDataSources(ctx context.Context) error {
	if p.InMemory() {
		return nil
	}
	defs, err := p.session.app.rm.ListDataSources(ctx, p.ID())
	if err != nil {
		return fmt.Errorf("%w: listing data sources for project %q: %w", ErrBackendUnavailable, p.ID(), err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.connections = make(map[string]*Connection, len(defs))
	p.order = p.order[:0]
	for _, def := range defs {
		p.connections[def.ID] = &Connection{def: def}
		p.order = append(p.order, def.ID)
	}
	return nil
}

// Connection returns a connection from the registry, disregarding
// accessibility filtering.
func (p *Project) Connection(id string) *Connection {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connections[id]
}

// Connections returns all connections in registration order.
func (p *Project) Connections() []*Connection {
	p.mu.RLock()
	defer p.mu.RUnlock()
	result := make([]*Connection, 0, len(p.order))
	for _, id := range p.order {
		result = append(result, p.connections[id])
	}
	return result
}

func (p *Project) addConnection(c *Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.connections[c.ID()]; !exists {
		p.order = append(p.order, c.ID())
	}
	p.connections[c.ID()] = c
}

func (p *Project) removeConnection(id string) *Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.connections[id]
	if !ok {
		return nil
	}
	delete(p.connections, id)
	for i, cid := range p.order {
		if cid == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	return c
}

// dispose releases every connection in the project.
func (p *Project) dispose() {
	p.mu.Lock()
	conns := make([]*Connection, 0, len(p.connections))
	for _, c := range p.connections {
		conns = append(conns, c)
	}
	p.connections = make(map[string]*Connection)
	p.order = nil
	p.mu.Unlock()

	for _, c := range conns {
		c.Dispose()
	}
}
