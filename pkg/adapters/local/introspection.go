package local

import (
	"sort"
	"time"

	"github.com/aretw0/introspection"
)

// RepositoryState exposes internal state for observability.
type RepositoryState struct {
	Name          string     `json:"name"`
	Root          string     `json:"root"`
	SystemDir     string     `json:"system_dir"`
	AutoInit      bool       `json:"auto_init"`
	Projects      []string   `json:"projects"`
	Commits       int        `json:"commits"`
	Branches      int        `json:"branches"`
	MergeRequests int        `json:"merge_requests"`
	LastCommit    *time.Time `json:"last_commit,omitempty"`
}

// State implements introspection.Introspectable.
func (r *Repository) State() any {
	r.mu.Lock()
	defer r.mu.Unlock()

	projects := make([]string, 0, len(r.clients))
	for p := range r.clients {
		projects = append(projects, p)
	}
	sort.Strings(projects)

	return RepositoryState{
		Name:          r.config.Name,
		Root:          r.config.Root,
		SystemDir:     r.config.SystemDir,
		AutoInit:      r.config.AutoInit,
		Projects:      projects,
		Commits:       r.stats.commits,
		Branches:      r.stats.branches,
		MergeRequests: r.stats.mergeRequests,
		LastCommit:    r.stats.lastCommit,
	}
}

// ComponentType implements introspection.Component.
func (r *Repository) ComponentType() string {
	return "local-repository"
}

var _ introspection.Introspectable = (*Repository)(nil)
var _ introspection.Component = (*Repository)(nil)
