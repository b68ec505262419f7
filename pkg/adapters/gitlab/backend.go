// Package gitlab implements the "gitlab" backend driver on the GitLab REST
// API.
package gitlab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aretw0/introspection"
	gl "github.com/xanzy/go-gitlab"

	"github.com/staticimp/staticimp/pkg/config"
	"github.com/staticimp/staticimp/pkg/core"
)

// Driver is the registry id of this backend.
const Driver = "gitlab"

// DefaultHost is used when the backend configuration names no host.
const DefaultHost = "https://gitlab.com"

// Option keys read from BackendConfig.Options.
const (
	OptionAuthorName         = "author_name"
	OptionAuthorEmail        = "author_email"
	OptionRemoveSourceBranch = "remove_source_branch"
)

// Backend talks to one GitLab instance.
type Backend struct {
	name       string
	host       string
	client     *gl.Client
	httpClient *http.Client
	timeout    time.Duration
	logger     *slog.Logger

	authorName         string
	authorEmail        string
	removeSourceBranch bool

	calls    atomic.Int64
	failures atomic.Int64
}

// Option configures a Backend.
type Option func(*Backend)

// WithHTTPClient replaces the HTTP client used by the GitLab client.
func WithHTTPClient(hc *http.Client) Option {
	return func(b *Backend) { b.httpClient = hc }
}

// New creates a GitLab backend from its configuration.
func New(cfg config.BackendConfig, logger *slog.Logger, opts ...Option) (*Backend, error) {
	host := cfg.Host
	if host == "" {
		host = DefaultHost
	}
	b := &Backend{
		name:        cfg.Name,
		host:        host,
		timeout:     cfg.Timeout,
		logger:      logger,
		authorName:  cfg.Options[OptionAuthorName],
		authorEmail: cfg.Options[OptionAuthorEmail],
	}
	if v := cfg.Options[OptionRemoveSourceBranch]; v == "true" {
		b.removeSourceBranch = true
	}
	for _, opt := range opts {
		opt(b)
	}

	clientOpts := []gl.ClientOptionFunc{gl.WithBaseURL(host), gl.WithoutRetries()}
	if b.httpClient != nil {
		clientOpts = append(clientOpts, gl.WithHTTPClient(b.httpClient))
	}
	client, err := gl.NewClient(cfg.Token, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: gitlab client: %v", core.ErrInvalidConfig, err)
	}
	b.client = client
	return b, nil
}

// Factory implements core.Factory.
func Factory(cfg config.BackendConfig, logger *slog.Logger) (core.Backend, error) {
	return New(cfg, logger)
}

// CommitFile creates the file, falling back to an update when it exists.
func (b *Backend) CommitFile(ctx context.Context, req core.CommitRequest) (core.CommitResult, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	res := core.CommitResult{Project: req.Project, Branch: req.Branch, Path: req.Path}
	b.debug("create file", "project", req.Project, "branch", req.Branch, "path", req.Path)
	_, _, err := b.client.RepositoryFiles.CreateFile(req.Project, req.Path, &gl.CreateFileOptions{
		Branch:        gl.Ptr(req.Branch),
		Content:       gl.Ptr(string(req.Content)),
		CommitMessage: gl.Ptr(req.CommitMessage),
		AuthorName:    b.author(b.authorName),
		AuthorEmail:   b.author(b.authorEmail),
	}, gl.WithContext(ctx))
	b.calls.Add(1)
	if err == nil {
		return res, nil
	}
	if !fileExists(err) {
		return res, b.fail(ctx, "create file", err, false)
	}

	b.debug("file exists, updating", "project", req.Project, "path", req.Path)
	_, _, err = b.client.RepositoryFiles.UpdateFile(req.Project, req.Path, &gl.UpdateFileOptions{
		Branch:        gl.Ptr(req.Branch),
		Content:       gl.Ptr(string(req.Content)),
		CommitMessage: gl.Ptr(req.CommitMessage),
		AuthorName:    b.author(b.authorName),
		AuthorEmail:   b.author(b.authorEmail),
	}, gl.WithContext(ctx))
	b.calls.Add(1)
	if err != nil {
		return res, b.fail(ctx, "update file", err, false)
	}
	res.Updated = true
	return res, nil
}

// CreateBranch creates newBranch from fromBranch.
func (b *Backend) CreateBranch(ctx context.Context, project, newBranch, fromBranch string) (core.BranchResult, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	b.debug("create branch", "project", project, "branch", newBranch, "from", fromBranch)
	branch, _, err := b.client.Branches.CreateBranch(project, &gl.CreateBranchOptions{
		Branch: gl.Ptr(newBranch),
		Ref:    gl.Ptr(fromBranch),
	}, gl.WithContext(ctx))
	b.calls.Add(1)
	if err != nil {
		return core.BranchResult{}, b.fail(ctx, "create branch", err, true)
	}
	res := core.BranchResult{Project: project, Name: branch.Name, From: fromBranch}
	if branch.Commit != nil {
		res.SHA = branch.Commit.ID
	}
	return res, nil
}

// OpenMergeRequest opens a merge request. The returned id is the project
// scoped IID.
func (b *Backend) OpenMergeRequest(ctx context.Context, mr core.MergeRequest) (core.MergeRequestResult, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	b.debug("create merge request", "project", mr.Project, "source", mr.SourceBranch, "target", mr.TargetBranch)
	opt := &gl.CreateMergeRequestOptions{
		Title:        gl.Ptr(mr.Title),
		SourceBranch: gl.Ptr(mr.SourceBranch),
		TargetBranch: gl.Ptr(mr.TargetBranch),
	}
	if mr.Description != "" {
		opt.Description = gl.Ptr(mr.Description)
	}
	if b.removeSourceBranch {
		opt.RemoveSourceBranch = gl.Ptr(true)
	}
	created, _, err := b.client.MergeRequests.CreateMergeRequest(mr.Project, opt, gl.WithContext(ctx))
	b.calls.Add(1)
	if err != nil {
		return core.MergeRequestResult{}, b.fail(ctx, "create merge request", err, false)
	}
	return core.MergeRequestResult{Project: mr.Project, ID: created.IID, URL: created.WebURL}, nil
}

// GetFile implements core.ConfigSource.
func (b *Backend) GetFile(ctx context.Context, project, ref, path string) ([]byte, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	data, _, err := b.client.RepositoryFiles.GetRawFile(project, path, &gl.GetRawFileOptions{Ref: gl.Ptr(ref)}, gl.WithContext(ctx))
	b.calls.Add(1)
	if err != nil {
		return nil, b.fail(ctx, "get file", err, false)
	}
	return data, nil
}

func (b *Backend) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, b.timeout)
}

func (b *Backend) author(v string) *string {
	if v == "" {
		return nil
	}
	return gl.Ptr(v)
}

func (b *Backend) fail(ctx context.Context, op string, err error, creatingBranch bool) error {
	b.failures.Add(1)
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
		err = fmt.Errorf("%w: %v", ctxErr, err)
	}
	mapped := mapError(err, creatingBranch)
	if b.logger != nil {
		b.logger.Debug("gitlab call failed", "backend", b.name, "op", op, "error", mapped)
	}
	return fmt.Errorf("gitlab %s: %w", op, mapped)
}

func (b *Backend) debug(msg string, args ...any) {
	if b.logger != nil {
		b.logger.Debug(msg, append(args, "backend", b.name)...)
	}
}

// mapError translates a go-gitlab error into a backend failure kind.
// go-gitlab answers 404 with its own sentinel instead of an ErrorResponse.
func mapError(err error, creatingBranch bool) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", core.ErrUnavailable, err)
	}
	if errors.Is(err, gl.ErrNotFound) {
		return fmt.Errorf("%w: %v", core.ErrNotFound, err)
	}

	var resp *gl.ErrorResponse
	if !errors.As(err, &resp) || resp.Response == nil {
		return fmt.Errorf("%w: %v", core.ErrUnavailable, err)
	}
	msg := resp.Message
	switch code := resp.Response.StatusCode; {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%w: %s", core.ErrAuthFailed, msg)
	case code == http.StatusNotFound:
		return fmt.Errorf("%w: %s", core.ErrNotFound, msg)
	case code == http.StatusBadRequest && creatingBranch && alreadyExists(msg):
		return fmt.Errorf("%w: %s", core.ErrAlreadyExists, msg)
	case code == http.StatusBadRequest, code == http.StatusConflict, code == http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", core.ErrConflict, msg)
	case code == http.StatusTooManyRequests, code >= 500:
		return fmt.Errorf("%w: %s", core.ErrUnavailable, msg)
	}
	return fmt.Errorf("%w: unexpected status %d: %s", core.ErrUnavailable, resp.Response.StatusCode, msg)
}

// fileExists reports whether a create file call failed because the file is
// already there.
func fileExists(err error) bool {
	var resp *gl.ErrorResponse
	if !errors.As(err, &resp) || resp.Response == nil {
		return false
	}
	code := resp.Response.StatusCode
	return (code == http.StatusBadRequest || code == http.StatusConflict) && alreadyExists(resp.Message)
}

func alreadyExists(msg string) bool {
	return strings.Contains(strings.ToLower(msg), "already exists")
}

// State exposes internal state for observability.
type State struct {
	Name     string `json:"name"`
	Host     string `json:"host"`
	Timeout  string `json:"timeout,omitempty"`
	Calls    int64  `json:"calls"`
	Failures int64  `json:"failures"`
}

// State implements introspection.Introspectable. The token is never shown.
func (b *Backend) State() any {
	s := State{Name: b.name, Host: b.host, Calls: b.calls.Load(), Failures: b.failures.Load()}
	if b.timeout > 0 {
		s.Timeout = b.timeout.String()
	}
	return s
}

// ComponentType implements introspection.Component.
func (b *Backend) ComponentType() string { return "gitlab-backend" }

var (
	_ core.Backend                 = (*Backend)(nil)
	_ core.ConfigSource            = (*Backend)(nil)
	_ introspection.Introspectable = (*Backend)(nil)
	_ introspection.Component      = (*Backend)(nil)
)
