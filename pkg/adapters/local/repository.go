// Package local implements the "local" backend driver: git repositories on
// the local disk, one per project, below a root directory.
//
// Entries are committed with git plumbing and never touch a working tree,
// so the repositories are usually bare. Merge requests are recorded as JSON
// files under <repo>/.staticimp/merge_requests/.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/staticimp/staticimp/pkg/config"
	"github.com/staticimp/staticimp/pkg/core"
	"github.com/staticimp/staticimp/pkg/git"
)

// Driver is the registry id of this backend.
const Driver = "local"

// Option keys read from BackendConfig.Options.
const (
	OptionAutoInit      = "auto_init"
	OptionDefaultBranch = "default_branch"
	OptionSystemDir     = "system_dir"
	OptionAuthorName    = "author_name"
	OptionAuthorEmail   = "author_email"
)

// Config holds the configuration of the local backend.
type Config struct {
	Name string
	// Root is the directory holding one repository per project.
	Root string
	// AutoInit creates missing project repositories as bare repositories
	// with an empty root commit on DefaultBranch.
	AutoInit      bool
	DefaultBranch string
	SystemDir     string // e.g. ".staticimp"
	AuthorName    string
	AuthorEmail   string
	// Timeout bounds every backend call. Zero means no bound.
	Timeout time.Duration
	Logger  *slog.Logger
}

// Repository implements core.Backend and core.ConfigSource.
type Repository struct {
	config Config

	mu      sync.Mutex
	clients map[string]*git.Client
	stats   stats
}

type stats struct {
	commits       int
	branches      int
	mergeRequests int
	lastCommit    *time.Time
}

// NewRepository creates a local backend. Repositories are opened lazily.
func NewRepository(cfg Config) *Repository {
	if cfg.SystemDir == "" {
		cfg.SystemDir = ".staticimp"
	}
	if cfg.DefaultBranch == "" {
		cfg.DefaultBranch = "main"
	}
	return &Repository{config: cfg, clients: make(map[string]*git.Client)}
}

// Factory implements core.Factory. BackendConfig.Host is the root directory.
func Factory(cfg config.BackendConfig, logger *slog.Logger) (core.Backend, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("%w: local backend %q needs host (root directory)", core.ErrInvalidConfig, cfg.Name)
	}
	if !git.IsInstalled() {
		return nil, fmt.Errorf("%w: local backend needs git: %w", core.ErrInvalidConfig, git.ErrNotInstalled)
	}
	autoInit := false
	if v := cfg.Options[OptionAutoInit]; v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", core.ErrInvalidConfig, OptionAutoInit, err)
		}
		autoInit = b
	}
	return NewRepository(Config{
		Name:          cfg.Name,
		Root:          cfg.Host,
		AutoInit:      autoInit,
		DefaultBranch: cfg.Options[OptionDefaultBranch],
		SystemDir:     cfg.Options[OptionSystemDir],
		AuthorName:    cfg.Options[OptionAuthorName],
		AuthorEmail:   cfg.Options[OptionAuthorEmail],
		Timeout:       cfg.Timeout,
		Logger:        logger,
	}), nil
}

// open returns the git client of project, initializing it when AutoInit is set.
func (r *Repository) open(ctx context.Context, project string) (*git.Client, error) {
	dir, err := r.projectDir(project)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[project]; ok {
		return c, nil
	}

	c := git.NewClient(dir, "", r.config.Logger)
	if r.config.AuthorName != "" {
		c.AuthorName = r.config.AuthorName
	}
	if r.config.AuthorEmail != "" {
		c.AuthorEmail = r.config.AuthorEmail
	}

	if !ownsRepository(ctx, c) {
		if !r.config.AutoInit {
			return nil, fmt.Errorf("project %q: not a git repository: %w", project, core.ErrNotFound)
		}
		if err := r.initialize(ctx, c); err != nil {
			return nil, fmt.Errorf("project %q: %w: %w", project, core.ErrUnavailable, err)
		}
	}
	if _, err := r.ensureExclude(ctx, c); err != nil {
		return nil, fmt.Errorf("project %q: %w: %w", project, core.ErrUnavailable, err)
	}

	r.clients[project] = c
	return c, nil
}

func (r *Repository) initialize(ctx context.Context, c *git.Client) error {
	if err := os.MkdirAll(c.WorkDir, 0755); err != nil {
		return fmt.Errorf("failed to create repository directory: %w", err)
	}
	if err := c.Init(ctx, true); err != nil {
		return fmt.Errorf("failed to git init: %w", err)
	}
	if _, err := c.InitBranch(ctx, r.config.DefaultBranch, appendTrailer("chore: initialize repository")); err != nil {
		return fmt.Errorf("failed to create %s: %w", r.config.DefaultBranch, err)
	}
	if r.config.Logger != nil {
		r.config.Logger.Info("initialized repository", "dir", c.WorkDir, "branch", r.config.DefaultBranch)
	}
	return nil
}

// ownsRepository reports whether the client directory is itself a
// repository, not a plain directory inside an enclosing one.
func ownsRepository(ctx context.Context, c *git.Client) bool {
	if _, err := os.Stat(c.WorkDir); err != nil {
		return false
	}
	gitDir, err := c.GitDir(ctx)
	if err != nil {
		return false
	}
	dir, err := filepath.EvalSymlinks(c.WorkDir)
	if err != nil {
		return false
	}
	if resolved, err := filepath.EvalSymlinks(gitDir); err == nil {
		gitDir = resolved
	}
	return gitDir == dir || gitDir == filepath.Join(dir, ".git")
}

// ensureExclude keeps the system directory out of `git status` of checkouts.
func (r *Repository) ensureExclude(ctx context.Context, c *git.Client) (bool, error) {
	gitDir, err := c.GitDir(ctx)
	if err != nil {
		return false, err
	}
	excludePath := filepath.Join(gitDir, "info", "exclude")
	entry := "/" + r.config.SystemDir + "/"

	content, err := os.ReadFile(excludePath)
	if err != nil && !os.IsNotExist(err) {
		return false, err
	}
	for _, line := range strings.Split(string(content), "\n") {
		if strings.TrimSpace(line) == entry {
			return false, nil
		}
	}

	if err := os.MkdirAll(filepath.Dir(excludePath), 0755); err != nil {
		return false, err
	}
	f, err := os.OpenFile(excludePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return false, err
	}
	defer f.Close()

	if len(content) > 0 && !strings.HasSuffix(string(content), "\n") {
		if _, err := f.WriteString("\n"); err != nil {
			return false, err
		}
	}
	if _, err := f.WriteString(entry + "\n"); err != nil {
		return false, err
	}
	return true, nil
}

// projectDir maps a project path to its repository directory below Root.
func (r *Repository) projectDir(project string) (string, error) {
	clean := path.Clean("/" + project)[1:]
	if project == "" || clean == "" || clean != strings.Trim(project, "/") {
		return "", fmt.Errorf("project %q: invalid path: %w", project, core.ErrNotFound)
	}
	return filepath.Join(r.config.Root, filepath.FromSlash(clean)), nil
}

// CommitFile writes the entry on top of Branch.
func (r *Repository) CommitFile(ctx context.Context, req core.CommitRequest) (core.CommitResult, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	c, err := r.open(ctx, req.Project)
	if err != nil {
		return core.CommitResult{}, err
	}
	unlock, err := c.Lock(ctx)
	if err != nil {
		return core.CommitResult{}, mapError(err)
	}
	defer unlock()

	sha, updated, err := c.WriteFile(ctx, req.Branch, req.Path, req.Content, appendTrailer(req.CommitMessage))
	if err != nil {
		return core.CommitResult{}, fmt.Errorf("commit %s on %s: %w", req.Path, req.Branch, mapError(err))
	}

	r.mu.Lock()
	r.stats.commits++
	now := time.Now()
	r.stats.lastCommit = &now
	r.mu.Unlock()

	return core.CommitResult{Project: req.Project, Branch: req.Branch, Path: req.Path, SHA: sha, Updated: updated}, nil
}

// CreateBranch creates newBranch at the tip of fromBranch.
func (r *Repository) CreateBranch(ctx context.Context, project, newBranch, fromBranch string) (core.BranchResult, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	c, err := r.open(ctx, project)
	if err != nil {
		return core.BranchResult{}, err
	}
	if err := c.CheckRefName(ctx, newBranch); err != nil {
		return core.BranchResult{}, fmt.Errorf("%w: %w", core.ErrConflict, err)
	}
	unlock, err := c.Lock(ctx)
	if err != nil {
		return core.BranchResult{}, mapError(err)
	}
	defer unlock()

	sha, err := c.CreateBranch(ctx, newBranch, fromBranch)
	if err != nil {
		return core.BranchResult{}, fmt.Errorf("create branch %s: %w", newBranch, mapError(err))
	}

	r.mu.Lock()
	r.stats.branches++
	r.mu.Unlock()
	return core.BranchResult{Project: project, Name: newBranch, From: fromBranch, SHA: sha}, nil
}

// MergeRequestRecord is the JSON document written for each merge request.
type MergeRequestRecord struct {
	ID           int       `json:"id"`
	Project      string    `json:"project"`
	SourceBranch string    `json:"source_branch"`
	TargetBranch string    `json:"target_branch"`
	SourceSHA    string    `json:"source_sha"`
	Title        string    `json:"title"`
	Description  string    `json:"description,omitempty"`
	Message      string    `json:"message"`
	State        string    `json:"state"`
	CreatedAt    time.Time `json:"created_at"`
}

// OpenMergeRequest records a merge request file. Ids increase per project.
func (r *Repository) OpenMergeRequest(ctx context.Context, mr core.MergeRequest) (core.MergeRequestResult, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	c, err := r.open(ctx, mr.Project)
	if err != nil {
		return core.MergeRequestResult{}, err
	}
	source, err := c.BranchSHA(ctx, mr.SourceBranch)
	if err != nil {
		return core.MergeRequestResult{}, fmt.Errorf("source branch: %w", mapError(err))
	}
	if _, err := c.BranchSHA(ctx, mr.TargetBranch); err != nil {
		return core.MergeRequestResult{}, fmt.Errorf("target branch: %w", mapError(err))
	}

	unlock, err := c.Lock(ctx)
	if err != nil {
		return core.MergeRequestResult{}, mapError(err)
	}
	defer unlock()

	dir := r.mergeRequestDir(c)
	id, err := nextID(dir)
	if err != nil {
		return core.MergeRequestResult{}, fmt.Errorf("%w: %w", core.ErrUnavailable, err)
	}
	record := MergeRequestRecord{
		ID:           id,
		Project:      mr.Project,
		SourceBranch: mr.SourceBranch,
		TargetBranch: mr.TargetBranch,
		SourceSHA:    source,
		Title:        mr.Title,
		Description:  mr.Description,
		Message:      mergeRequestBody(mr.Title, mr.Description),
		State:        "opened",
		CreatedAt:    time.Now().UTC(),
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return core.MergeRequestResult{}, err
	}
	file := filepath.Join(dir, fmt.Sprintf("%d.json", id))
	if err := writeFileAtomic(file, append(data, '\n'), 0644, true); err != nil {
		if errors.Is(err, os.ErrExist) {
			return core.MergeRequestResult{}, fmt.Errorf("merge request %d: %w", id, core.ErrConflict)
		}
		return core.MergeRequestResult{}, fmt.Errorf("%w: %w", core.ErrUnavailable, err)
	}

	r.mu.Lock()
	r.stats.mergeRequests++
	r.mu.Unlock()
	if r.config.Logger != nil {
		r.config.Logger.Info("merge request recorded", "project", mr.Project, "id", id, "file", file)
	}
	return core.MergeRequestResult{Project: mr.Project, ID: id, URL: "file://" + filepath.ToSlash(file)}, nil
}

// MergeRequests lists the recorded merge requests of a project, by id.
func (r *Repository) MergeRequests(ctx context.Context, project string) ([]MergeRequestRecord, error) {
	c, err := r.open(ctx, project)
	if err != nil {
		return nil, err
	}
	dir := r.mergeRequestDir(c)
	last, err := nextID(dir)
	if err != nil {
		return nil, err
	}
	var out []MergeRequestRecord
	for id := 1; id < last; id++ {
		data, err := os.ReadFile(filepath.Join(dir, fmt.Sprintf("%d.json", id)))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var rec MergeRequestRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("merge request %d: %w", id, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// GetFile implements core.ConfigSource.
func (r *Repository) GetFile(ctx context.Context, project, ref, file string) ([]byte, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	c, err := r.open(ctx, project)
	if err != nil {
		return nil, err
	}
	data, err := c.Show(ctx, ref, file)
	if err != nil {
		return nil, mapError(err)
	}
	return data, nil
}

func (r *Repository) mergeRequestDir(c *git.Client) string {
	return filepath.Join(c.WorkDir, r.config.SystemDir, "merge_requests")
}

// nextID returns one more than the highest numbered record in dir.
func nextID(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil && !os.IsNotExist(err) {
		return 0, err
	}
	highest := 0
	for _, e := range entries {
		n, err := strconv.Atoi(strings.TrimSuffix(e.Name(), ".json"))
		if err == nil && n > highest {
			highest = n
		}
	}
	return highest + 1, nil
}

func (r *Repository) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.config.Timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.config.Timeout)
}

// mapError translates git failures into backend failure kinds.
func mapError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, git.ErrNotFound):
		return fmt.Errorf("%w: %w", core.ErrNotFound, err)
	case errors.Is(err, git.ErrRefExists):
		return fmt.Errorf("%w: %w", core.ErrAlreadyExists, err)
	case errors.Is(err, git.ErrStaleRef):
		return fmt.Errorf("%w: %w", core.ErrConflict, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %w", core.ErrUnavailable, err)
	}
	return fmt.Errorf("%w: %w", core.ErrUnavailable, err)
}

var (
	_ core.Backend      = (*Repository)(nil)
	_ core.ConfigSource = (*Repository)(nil)
)
