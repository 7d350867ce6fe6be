package rm

import (
	"context"
	"fmt"
	"sync"
)

// MemoryController implements Controller against in-memory state. It backs
// single-node deployments and tests.
type MemoryController struct {
	mu          sync.RWMutex
	projects    map[string]*Project
	order       []string
	dataSources map[string][]*DataSource
	owners      map[string][]string // project id -> user ids (user projects)
}

// NewMemoryController creates an empty in-memory resource manager.
func NewMemoryController() *MemoryController {
	return &MemoryController{
		projects:    make(map[string]*Project),
		dataSources: make(map[string][]*DataSource),
		owners:      make(map[string][]string),
	}
}

// AddProject registers a project. Owner is ignored for shared and global
// projects.
func (m *MemoryController) AddProject(p *Project, owners ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.projects[p.ID]; !exists {
		m.order = append(m.order, p.ID)
	}
	m.projects[p.ID] = p
	if !p.IsShared() {
		m.owners[p.ID] = append([]string(nil), owners...)
	}
}

// AddDataSource registers a connection definition under a project.
func (m *MemoryController) AddDataSource(projectID string, ds *DataSource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dataSources[projectID] = append(m.dataSources[projectID], ds)
}

// ListAccessibleProjects enumerates projects visible to a user, shared
// projects first in registration order.
func (m *MemoryController) ListAccessibleProjects(_ context.Context, userID string) ([]*Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Project
	for _, id := range m.order {
		p := m.projects[id]
		if p.IsShared() {
			result = append(result, p)
			continue
		}
		if userID == "" {
			continue
		}
		for _, owner := range m.owners[id] {
			if owner == userID {
				result = append(result, p)
				break
			}
		}
	}
	return result, nil
}

// GetProject resolves a single project descriptor.
func (m *MemoryController) GetProject(_ context.Context, projectID string) (*Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projects[projectID]
	if !ok {
		return nil, fmt.Errorf("%q: %w", projectID, ErrProjectNotFound)
	}
	return p, nil
}

// ListDataSources returns the connection definitions of a project.
func (m *MemoryController) ListDataSources(_ context.Context, projectID string) ([]*DataSource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.projects[projectID]; !ok {
		return nil, fmt.Errorf("%q: %w", projectID, ErrProjectNotFound)
	}
	return append([]*DataSource(nil), m.dataSources[projectID]...), nil
}

// Verify interface compliance.
var _ Controller = (*MemoryController)(nil)
