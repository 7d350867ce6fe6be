// Package rm defines the interface to the resource-manager backend that
// owns the canonical list of projects and their data-source definitions.
package rm

import (
	"context"
	"errors"
)

// ErrProjectNotFound is returned when a project id does not resolve.
var ErrProjectNotFound = errors.New("project not found")

// ProjectType categorizes projects.
type ProjectType string

const (
	// ProjectTypeUser is a user-private project.
	ProjectTypeUser ProjectType = "user"

	// ProjectTypeShared is a team project.
	ProjectTypeShared ProjectType = "shared"

	// ProjectTypeGlobal is the distinguished global project whose
	// connections are subject to per-user accessibility filtering.
	ProjectTypeGlobal ProjectType = "global"
)

// AnonymousProjectID is the id of the ephemeral project synthesized for
// anonymous sessions.
const AnonymousProjectID = "anonymous"

// GlobalProjectID is the id of the shared global project.
const GlobalProjectID = "g_GlobalConfiguration"

// Project is a resource-manager project descriptor.
type Project struct {
	ID   string      `json:"id"`
	Name string      `json:"name"`
	Type ProjectType `json:"type"`
}

// IsGlobal reports whether this is the global project.
func (p *Project) IsGlobal() bool {
	return p.Type == ProjectTypeGlobal
}

// IsShared reports whether the project is visible to more than one user.
func (p *Project) IsShared() bool {
	return p.Type == ProjectTypeGlobal || p.Type == ProjectTypeShared
}

// AnonymousProject returns the descriptor of the ephemeral anonymous
// project. It has no backend representation.
func AnonymousProject() *Project {
	return &Project{
		ID:   AnonymousProjectID,
		Name: "Anonymous project",
		Type: ProjectTypeUser,
	}
}

// GlobalProject returns the descriptor of the shared global project.
func GlobalProject() *Project {
	return &Project{
		ID:   GlobalProjectID,
		Name: "Global",
		Type: ProjectTypeGlobal,
	}
}

// DataSource is a connection definition belonging to a project.
type DataSource struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Driver string `json:"driver"`

	// ExternallyProvided connections bypass accessibility filtering.
	ExternallyProvided bool `json:"externally_provided,omitempty"`

	// Temporary connections bypass accessibility filtering.
	Temporary bool `json:"temporary,omitempty"`
}

// Controller is the narrow interface to the resource-manager backend.
// Methods may block on the network.
type Controller interface {
	// ListAccessibleProjects enumerates projects visible to the user.
	// An empty userID means an anonymous caller: only shared projects
	// are returned.
	ListAccessibleProjects(ctx context.Context, userID string) ([]*Project, error)

	// GetProject resolves a single project descriptor.
	GetProject(ctx context.Context, projectID string) (*Project, error)

	// ListDataSources returns the connection definitions of a project.
	ListDataSources(ctx context.Context, projectID string) ([]*DataSource, error)
}
