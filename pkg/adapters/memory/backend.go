// Package memory provides an in-memory backend that records commits,
// branches and merge requests. It backs dry runs and tests.
package memory

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log/slog"
	"maps"
	"sync"

	"github.com/aretw0/introspection"

	"github.com/staticimp/staticimp/pkg/config"
	"github.com/staticimp/staticimp/pkg/core"
)

// Op names a backend operation, for failure injection.
type Op string

const (
	OpCommitFile       Op = "commit_file"
	OpCreateBranch     Op = "create_branch"
	OpOpenMergeRequest Op = "open_merge_request"
	OpGetFile          Op = "get_file"
)

// Backend is a thread-safe in-memory core.Backend and core.ConfigSource.
// Branches spring into existence on first commit.
type Backend struct {
	name   string
	logger *slog.Logger

	mu       sync.Mutex
	projects map[string]map[string]map[string][]byte // project -> branch -> path -> content
	commits  []core.CommitRequest
	mrs      []core.MergeRequest
	failures map[Op]error
}

// Option configures a Backend.
type Option func(*Backend)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Backend) { b.logger = logger }
}

// WithFailure makes every call of op fail with err.
func WithFailure(op Op, err error) Option {
	return func(b *Backend) { b.failures[op] = err }
}

// New creates an empty backend.
func New(name string, opts ...Option) *Backend {
	b := &Backend{
		name:     name,
		projects: make(map[string]map[string]map[string][]byte),
		failures: make(map[Op]error),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Factory implements core.Factory.
func Factory(cfg config.BackendConfig, logger *slog.Logger) (core.Backend, error) {
	return New(cfg.Name, WithLogger(logger)), nil
}

// SetFailure makes op fail with err from now on. A nil err clears it.
func (b *Backend) SetFailure(op Op, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.failures, op)
		return
	}
	b.failures[op] = err
}

// Put stores a file without recording a commit.
func (b *Backend) Put(project, branch, path string, content []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.branch(project, branch)[path] = append([]byte(nil), content...)
}

func (b *Backend) CommitFile(ctx context.Context, req core.CommitRequest) (core.CommitResult, error) {
	if err := b.check(ctx, OpCommitFile); err != nil {
		return core.CommitResult{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	files := b.branch(req.Project, req.Branch)
	_, updated := files[req.Path]
	files[req.Path] = append([]byte(nil), req.Content...)
	b.commits = append(b.commits, req)

	sum := sha1.Sum(fmt.Appendf(nil, "%d\x00%s\x00%s", len(b.commits), req.Path, req.Content))
	b.debug("commit recorded", "project", req.Project, "branch", req.Branch, "path", req.Path)
	return core.CommitResult{
		Project: req.Project,
		Branch:  req.Branch,
		Path:    req.Path,
		SHA:     hex.EncodeToString(sum[:]),
		Updated: updated,
	}, nil
}

func (b *Backend) CreateBranch(ctx context.Context, project, newBranch, fromBranch string) (core.BranchResult, error) {
	if err := b.check(ctx, OpCreateBranch); err != nil {
		return core.BranchResult{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	branches := b.project(project)
	if _, ok := branches[newBranch]; ok {
		return core.BranchResult{}, fmt.Errorf("branch %q: %w", newBranch, core.ErrAlreadyExists)
	}
	branches[newBranch] = maps.Clone(b.branch(project, fromBranch))
	b.debug("branch created", "project", project, "branch", newBranch, "from", fromBranch)
	return core.BranchResult{Project: project, Name: newBranch, From: fromBranch}, nil
}

func (b *Backend) OpenMergeRequest(ctx context.Context, mr core.MergeRequest) (core.MergeRequestResult, error) {
	if err := b.check(ctx, OpOpenMergeRequest); err != nil {
		return core.MergeRequestResult{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.project(mr.Project)[mr.SourceBranch]; !ok {
		return core.MergeRequestResult{}, fmt.Errorf("source branch %q: %w", mr.SourceBranch, core.ErrNotFound)
	}
	b.mrs = append(b.mrs, mr)
	id := len(b.mrs)
	b.debug("merge request recorded", "project", mr.Project, "id", id)
	return core.MergeRequestResult{
		Project: mr.Project,
		ID:      id,
		URL:     fmt.Sprintf("memory://%s/%s/merge_requests/%d", b.name, mr.Project, id),
	}, nil
}

// GetFile implements core.ConfigSource.
func (b *Backend) GetFile(ctx context.Context, project, ref, path string) ([]byte, error) {
	if err := b.check(ctx, OpGetFile); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.projects[project][ref][path]
	if !ok {
		return nil, fmt.Errorf("%s@%s:%s: %w", project, ref, path, core.ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

// File returns the content of path on a branch.
func (b *Backend) File(project, branch, path string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.projects[project][branch][path]
	return data, ok
}

// HasBranch reports whether a branch exists.
func (b *Backend) HasBranch(project, branch string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.projects[project][branch]
	return ok
}

// Commits returns the recorded commits in order.
func (b *Backend) Commits() []core.CommitRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]core.CommitRequest(nil), b.commits...)
}

// MergeRequests returns the recorded merge requests in order.
func (b *Backend) MergeRequests() []core.MergeRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]core.MergeRequest(nil), b.mrs...)
}

func (b *Backend) check(ctx context.Context, op Op) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w: %w", op, core.ErrUnavailable, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.failures[op]; err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// project and branch must be called with mu held.
func (b *Backend) project(name string) map[string]map[string][]byte {
	p, ok := b.projects[name]
	if !ok {
		p = make(map[string]map[string][]byte)
		b.projects[name] = p
	}
	return p
}

func (b *Backend) branch(project, name string) map[string][]byte {
	p := b.project(project)
	br, ok := p[name]
	if !ok {
		br = make(map[string][]byte)
		p[name] = br
	}
	return br
}

func (b *Backend) debug(msg string, args ...any) {
	if b.logger != nil {
		b.logger.Debug(msg, append(args, "backend", b.name)...)
	}
}

// State exposes internal state for observability.
type State struct {
	Name          string `json:"name"`
	Projects      int    `json:"projects"`
	Commits       int    `json:"commits"`
	MergeRequests int    `json:"merge_requests"`
}

// State implements introspection.Introspectable.
func (b *Backend) State() any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return State{Name: b.name, Projects: len(b.projects), Commits: len(b.commits), MergeRequests: len(b.mrs)}
}

// ComponentType implements introspection.Component.
func (b *Backend) ComponentType() string { return "memory-backend" }

var (
	_ core.Backend                 = (*Backend)(nil)
	_ core.ConfigSource            = (*Backend)(nil)
	_ introspection.Introspectable = (*Backend)(nil)
	_ introspection.Component      = (*Backend)(nil)
)
