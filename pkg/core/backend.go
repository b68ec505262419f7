package core

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/staticimp/staticimp/pkg/config"
)

// Backend is the capability a remote repository provider offers.
//
// Implementations own their timeouts and report failures by wrapping
// ErrConflict, ErrAuthFailed, ErrNotFound, ErrUnavailable or (for
// CreateBranch) ErrAlreadyExists. All calls are synchronous.
type Backend interface {
	// CommitFile creates or updates a file on a branch.
	CommitFile(ctx context.Context, req CommitRequest) (CommitResult, error)

	// CreateBranch creates newBranch from fromBranch.
	CreateBranch(ctx context.Context, project, newBranch, fromBranch string) (BranchResult, error)

	// OpenMergeRequest asks for SourceBranch to be merged into TargetBranch.
	OpenMergeRequest(ctx context.Context, mr MergeRequest) (MergeRequestResult, error)
}

// ConfigSource is implemented by backends that can read files, which is
// required for project configuration.
type ConfigSource interface {
	GetFile(ctx context.Context, project, ref, path string) ([]byte, error)
}

// CommitRequest describes a file to commit.
type CommitRequest struct {
	Project       string
	Branch        string
	Path          string
	Content       []byte
	CommitMessage string
}

// CommitResult identifies the commit that holds the file.
type CommitResult struct {
	Project string `json:"project"`
	Branch  string `json:"branch"`
	Path    string `json:"path"`
	SHA     string `json:"sha,omitempty"`
	// Updated is true when an existing file was replaced.
	Updated bool `json:"updated,omitempty"`
}

// BranchResult identifies a created branch.
type BranchResult struct {
	Project string `json:"project"`
	Name    string `json:"name"`
	From    string `json:"from"`
	SHA     string `json:"sha,omitempty"`
}

// MergeRequest asks for a review branch to be merged.
type MergeRequest struct {
	Project      string
	SourceBranch string
	TargetBranch string
	Title        string
	Description  string
}

// MergeRequestResult identifies an opened merge request.
type MergeRequestResult struct {
	Project string `json:"project"`
	ID      int    `json:"id"`
	URL     string `json:"url,omitempty"`
}

// Factory builds a backend from its configuration.
type Factory func(cfg config.BackendConfig, logger *slog.Logger) (Backend, error)

// Registry maps driver ids to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a driver. Registering an id twice is an error.
func (r *Registry) Register(driver string, f Factory) error {
	if driver == "" || f == nil {
		return fmt.Errorf("register driver: empty id or nil factory")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.factories[driver]; dup {
		return fmt.Errorf("register driver %q: already registered", driver)
	}
	r.factories[driver] = f
	return nil
}

// Has implements config.DriverSet.
func (r *Registry) Has(driver string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[driver]
	return ok
}

// Drivers returns the registered driver ids, sorted.
func (r *Registry) Drivers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Open builds the backend for cfg.
func (r *Registry) Open(cfg config.BackendConfig, logger *slog.Logger) (Backend, error) {
	r.mu.RLock()
	f, ok := r.factories[cfg.Driver]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: driver %q is not registered", ErrInvalidConfig, cfg.Driver)
	}
	b, err := f(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open backend %q: %w", cfg.Name, err)
	}
	return b, nil
}

var _ config.DriverSet = (*Registry)(nil)
