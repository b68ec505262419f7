package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/staticimp/staticimp/pkg/config"
	"github.com/staticimp/staticimp/pkg/fields"
	"github.com/staticimp/staticimp/pkg/placeholder"
	"github.com/staticimp/staticimp/pkg/vault"
)

// Service turns submissions into commits.
//
// It holds only immutable state after construction: the configuration, the
// opened backends and the vault. Submissions are processed independently and
// may run concurrently.
type Service struct {
	cfg      *config.Config
	registry *Registry
	backends map[string]Backend
	vault    *vault.Vault
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
	projects *projectCache
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLogger sets the logger. A nil logger disables logging.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = logger }
}

// WithVault injects the secret vault.
func WithVault(v *vault.Vault) ServiceOption {
	return func(s *Service) { s.vault = v }
}

// WithBackend uses b for the backend named name instead of opening it
// through the registry.
func WithBackend(name string, b Backend) ServiceOption {
	return func(s *Service) { s.backends[name] = b }
}

// WithProjectConfigTTL caches fetched project configs, including their
// absence, for ttl. Zero disables the cache.
func WithProjectConfigTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) { s.projects = newProjectCache(ttl) }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator replaces the random entry id generator.
func WithIDGenerator(fn func() string) ServiceOption {
	return func(s *Service) { s.newID = fn }
}

// NewService builds a service and opens every configured backend that was
// not injected with WithBackend. registry may be nil when all backends are
// injected.
func NewService(cfg *config.Config, registry *Registry, opts ...ServiceOption) (*Service, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil config", ErrInvalidConfig)
	}
	s := &Service{
		cfg:      cfg,
		registry: registry,
		backends: make(map[string]Backend),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, name := range cfg.BackendNames() {
		if _, ok := s.backends[name]; ok {
			continue
		}
		if registry == nil {
			return nil, fmt.Errorf("%w: no registry to open backend %q", ErrInvalidConfig, name)
		}
		b, err := registry.Open(cfg.Backends[name], s.logger)
		if err != nil {
			return nil, err
		}
		s.backends[name] = b
	}
	return s, nil
}

// Config returns the server configuration.
func (s *Service) Config() *config.Config { return s.cfg }

// Close wipes the vault key. Secrets cannot be decrypted afterwards.
func (s *Service) Close() error {
	if s.vault == nil {
		return nil
	}
	return s.vault.Close()
}

// Submit resolves the backend and entry type of sub, merging project
// configuration when the backend defines one, and processes it.
func (s *Service) Submit(ctx context.Context, sub Submission) (*Result, error) {
	res := &Result{ID: s.newID()}
	res.enter(StateReceived, s.now())

	bcfg, ok := s.cfg.Backend(sub.Backend)
	if !ok {
		return s.reject(res, sub, fmt.Errorf("%w %q", ErrUnknownBackend, sub.Backend))
	}
	if !bcfg.AllowsProject(sub.Project) {
		return s.reject(res, sub, fmt.Errorf("%w: %q", ErrProjectNotAllowed, sub.Project))
	}

	cfg, err := s.effectiveConfig(ctx, bcfg, sub)
	if err != nil {
		return s.reject(res, sub, err)
	}
	entry, ok := cfg.Entry(sub.EntryType)
	if !ok {
		return s.reject(res, sub, fmt.Errorf("%w %q", ErrUnknownEntryType, sub.EntryType))
	}
	return s.process(ctx, res, sub, entry)
}

// Process runs the state machine of one submission against an already merged
// entry type configuration.
//
// The returned Result is never nil. On failure its State is StateRejected
// and the error is also returned.
func (s *Service) Process(ctx context.Context, sub Submission, entry config.EntryTypeConfig) (*Result, error) {
	res := &Result{ID: s.newID()}
	res.enter(StateReceived, s.now())
	return s.process(ctx, res, sub, entry)
}

func (s *Service) process(ctx context.Context, res *Result, sub Submission, entry config.EntryTypeConfig) (*Result, error) {
	if s.logger != nil {
		s.logger.Info("submission received",
			"id", res.ID, "backend", sub.Backend, "project", sub.Project,
			"branch", sub.Branch, "entry_type", sub.EntryType)
	}

	if entry.Disabled {
		return s.reject(res, sub, fmt.Errorf("%w: %q", ErrEntryTypeDisabled, entry.Name))
	}

	now := s.now()
	scope := placeholder.Scope{
		ID:              res.ID,
		Time:            now,
		TimestampFormat: s.cfg.TimestampFormat,
		Branch:          sub.Branch,
		Project:         sub.Project,
		EntryType:       sub.EntryType,
		Params:          sub.Params,
	}

	out, err := fields.New(entry.Fields).Run(scope, sub.Fields)
	if err != nil {
		var stageErr *fields.StageError
		if errors.As(err, &stageErr) {
			s.enterStagesBefore(res, stageErr.Stage)
		}
		return s.reject(res, sub, err)
	}
	res.Stages = out.Stages
	res.Entry = NewResolvedEntry(out.Fields)
	for _, st := range []State{StateValidated, StateGenerated, StateTransformed} {
		res.enter(st, s.now())
	}

	if entry.Debug {
		cfgCopy := entry
		res.Config = &cfgCopy
		res.enter(StateDebug, s.now())
		if s.logger != nil {
			s.logger.Info("debug entry resolved", "id", res.ID, "fields", res.Entry.Len())
		}
		return res, nil
	}

	placement, err := s.place(entry, sub, scope.WithFields(out.Fields))
	if err != nil {
		return s.reject(res, sub, err)
	}

	backend, ok := s.backends[sub.Backend]
	if !ok {
		return s.reject(res, sub, fmt.Errorf("%w %q", ErrUnknownBackend, sub.Backend))
	}
	res.Path = placement.filePath
	res.Branch = placement.target
	res.enter(StateRouted, s.now())

	if entry.Review {
		err = s.commitForReview(ctx, backend, res, sub, placement)
	} else {
		err = s.commitDirect(ctx, backend, res, sub, placement)
	}
	if err != nil {
		return s.reject(res, sub, err)
	}

	res.enter(StateCommitted, s.now())
	if s.logger != nil {
		s.logger.Info("entry committed", "id", res.ID, "path", res.Path,
			"branch", res.Branch, "review", entry.Review)
	}
	return res, nil
}

// placement is the rendered git placement of one entry.
type placement struct {
	target        string
	filePath      string
	content       []byte
	commitMessage string
	reviewBranch  string
	mrTitle       string
	mrDescription string
}

func (s *Service) place(entry config.EntryTypeConfig, sub Submission, scope placeholder.Scope) (*placement, error) {
	if sub.Branch == "" {
		return nil, fmt.Errorf("%w: branch is required", ErrMalformedBody)
	}
	git := entry.Git
	if git == nil {
		return nil, fmt.Errorf("%w: entry type %q has no git placement", ErrInvalidConfig, entry.Name)
	}

	render := func(key, tmpl string) (string, error) {
		out, err := placeholder.Render(tmpl, scope)
		if err != nil {
			return "", fmt.Errorf("%w: git.%s: %w", ErrInvalidConfig, key, err)
		}
		return out, nil
	}

	allowed, err := render("branch", git.Branch)
	if err != nil {
		return nil, err
	}
	if allowed != "" && allowed != sub.Branch {
		return nil, fmt.Errorf("%w: %q", ErrBranchNotAllowed, sub.Branch)
	}

	p := &placement{target: sub.Branch}
	dir, err := render("path", git.Path)
	if err != nil {
		return nil, err
	}
	name, err := render("filename", git.Filename)
	if err != nil {
		return nil, err
	}
	p.filePath, err = entryPath(dir, name)
	if err != nil {
		return nil, err
	}
	if p.commitMessage, err = render("commit_message", git.CommitMessage); err != nil {
		return nil, err
	}
	if entry.Review {
		if p.reviewBranch, err = render("review_branch", git.ReviewBranch); err != nil {
			return nil, err
		}
		if p.reviewBranch == "" || p.reviewBranch == p.target {
			return nil, fmt.Errorf("%w: review branch %q must differ from the target branch", ErrInvalidConfig, p.reviewBranch)
		}
		if p.mrTitle, err = render("mr_title", git.MRTitle); err != nil {
			return nil, err
		}
		if p.mrDescription, err = render("mr_description", git.MRDescription); err != nil {
			return nil, err
		}
	}

	ser, err := SerializerFor(entry.Format)
	if err != nil {
		return nil, err
	}
	if p.content, err = ser.Serialize(scope.Fields); err != nil {
		return nil, fmt.Errorf("serialize entry: %w", err)
	}
	return p, nil
}

// entryPath joins the rendered directory and filename. The result must be a
// relative path that stays inside the repository.
func entryPath(dir, filename string) (string, error) {
	if filename == "" || strings.HasSuffix(filename, "/") {
		return "", fmt.Errorf("%w: filename renders empty", ErrInvalidConfig)
	}
	joined := path.Clean(path.Join(dir, filename))
	if path.IsAbs(joined) || joined == ".." || strings.HasPrefix(joined, "../") || joined == "." {
		return "", fmt.Errorf("%w: entry path %q escapes the repository", ErrInvalidConfig, joined)
	}
	return joined, nil
}

func (s *Service) commitDirect(ctx context.Context, b Backend, res *Result, sub Submission, p *placement) error {
	s.debug("commit file", "id", res.ID, "branch", p.target, "path", p.filePath)
	commit, err := b.CommitFile(ctx, CommitRequest{
		Project:       sub.Project,
		Branch:        p.target,
		Path:          p.filePath,
		Content:       p.content,
		CommitMessage: p.commitMessage,
	})
	if err != nil {
		return fmt.Errorf("commit %s: %w", p.filePath, err)
	}
	res.Commit = &commit
	return nil
}

// commitForReview never writes to the target branch. The merge request is
// only opened once the entry is on the review branch.
func (s *Service) commitForReview(ctx context.Context, b Backend, res *Result, sub Submission, p *placement) error {
	res.ReviewBranch = p.reviewBranch

	s.debug("create branch", "id", res.ID, "branch", p.reviewBranch, "from", p.target)
	if _, err := b.CreateBranch(ctx, sub.Project, p.reviewBranch, p.target); err != nil {
		if !errors.Is(err, ErrAlreadyExists) {
			return fmt.Errorf("create branch %s: %w", p.reviewBranch, err)
		}
		res.BranchExisted = true
		if s.logger != nil {
			s.logger.Warn("review branch already exists, reusing it", "id", res.ID, "branch", p.reviewBranch)
		}
	}

	s.debug("commit file", "id", res.ID, "branch", p.reviewBranch, "path", p.filePath)
	commit, err := b.CommitFile(ctx, CommitRequest{
		Project:       sub.Project,
		Branch:        p.reviewBranch,
		Path:          p.filePath,
		Content:       p.content,
		CommitMessage: p.commitMessage,
	})
	if err != nil {
		return fmt.Errorf("commit %s to %s: %w", p.filePath, p.reviewBranch, err)
	}
	res.Commit = &commit

	s.debug("open merge request", "id", res.ID, "source", p.reviewBranch, "target", p.target)
	mr, err := b.OpenMergeRequest(ctx, MergeRequest{
		Project:      sub.Project,
		SourceBranch: p.reviewBranch,
		TargetBranch: p.target,
		Title:        p.mrTitle,
		Description:  p.mrDescription,
	})
	if err != nil {
		return &PartialCommitError{ReviewBranch: p.reviewBranch, Commit: commit, Err: err}
	}
	res.MergeRequest = &mr
	return nil
}

// effectiveConfig overlays the project configuration of sub's repository,
// when the backend defines one and can read files.
func (s *Service) effectiveConfig(ctx context.Context, bcfg config.BackendConfig, sub Submission) (*config.Config, error) {
	if bcfg.ProjectConfigPath == "" {
		return s.cfg, nil
	}
	src, ok := s.backends[bcfg.Name].(ConfigSource)
	if !ok {
		s.debug("backend cannot read project config", "backend", bcfg.Name)
		return s.cfg, nil
	}
	if sub.Branch == "" {
		return nil, fmt.Errorf("%w: branch is required", ErrMalformedBody)
	}

	file, err := placeholder.Render(bcfg.ProjectConfigPath, placeholder.Scope{
		Time:            s.now(),
		TimestampFormat: s.cfg.TimestampFormat,
		Branch:          sub.Branch,
		Project:         sub.Project,
		EntryType:       sub.EntryType,
		Params:          sub.Params,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: project_config_path: %w", ErrInvalidConfig, err)
	}

	key := projectKey{backend: bcfg.Name, project: sub.Project, branch: sub.Branch, path: file}
	project, ok := s.projects.get(key, s.now())
	if !ok {
		if project, err = s.fetchProject(ctx, src, bcfg, sub, file); err != nil {
			return nil, err
		}
		s.projects.set(key, project, s.now())
	}
	if project == nil {
		return s.cfg, nil
	}
	return s.cfg.WithProject(project), nil
}

// fetchProject reads and validates a project config. A missing file yields
// a nil project.
func (s *Service) fetchProject(ctx context.Context, src ConfigSource, bcfg config.BackendConfig, sub Submission, file string) (*config.Project, error) {
	data, err := src.GetFile(ctx, sub.Project, sub.Branch, file)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read project config %s: %w", file, err)
	}

	project, err := config.ParseProject(data, bcfg.ProjectConfigFormat)
	if err != nil {
		return nil, err
	}
	for name, e := range project.Entries {
		if err := config.ValidateEntry(e); err != nil {
			return nil, fmt.Errorf("project entry %q: %w", name, err)
		}
		if err := config.CheckEntrySecrets(e, s.vault); err != nil {
			return nil, fmt.Errorf("project entry %q: %w", name, err)
		}
	}
	return project, nil
}

// PurgeProjectConfigs forgets every cached project config.
func (s *Service) PurgeProjectConfigs() { s.projects.purge() }

// DecryptSecret returns the plaintext of a secret of an entry type. The value
// must not be stored or logged by the caller.
func (s *Service) DecryptSecret(entry config.EntryTypeConfig, name string) (string, error) {
	secret, ok := entry.Secrets[name]
	if !ok {
		return "", fmt.Errorf("%w: entry type %q has no secret %q", ErrInvalidConfig, entry.Name, name)
	}
	if s.vault == nil {
		return "", fmt.Errorf("%w: no vault key loaded", ErrInvalidConfig)
	}
	return s.vault.Decrypt(secret)
}

func (s *Service) enterStagesBefore(res *Result, failed string) {
	for _, st := range []struct {
		stage string
		state State
	}{
		{fields.StageValidate, StateValidated},
		{fields.StageGenerate, StateGenerated},
		{fields.StageTransform, StateTransformed},
	} {
		if st.stage == failed {
			return
		}
		res.enter(st.state, s.now())
	}
}

func (s *Service) reject(res *Result, sub Submission, err error) (*Result, error) {
	res.Err = err
	res.enter(StateRejected, s.now())
	if s.logger != nil {
		cat := Classify(err)
		attrs := []any{"id", res.ID, "backend", sub.Backend, "entry_type", sub.EntryType, "category", cat.String()}
		switch cat {
		case CategoryConfig, CategoryCrypto:
			s.logger.Error("submission failed", append(attrs, "error", err)...)
		case CategoryBackend:
			s.logger.Warn("submission failed", append(attrs, "error", err, "retryable", Retryable(err))...)
		default:
			s.logger.Info("submission rejected", append(attrs, "error", err)...)
		}
	}
	return res, err
}

func (s *Service) debug(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Debug(msg, args...)
	}
}
