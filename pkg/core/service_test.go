package core_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/staticimp/staticimp/pkg/config"
	"github.com/staticimp/staticimp/pkg/core"
	"github.com/staticimp/staticimp/pkg/vault"
)

// MockBackend implements core.Backend and core.ConfigSource in memory.
type MockBackend struct {
	mu       sync.Mutex
	calls    []string
	commits  []core.CommitRequest
	branches []string
	mrs      []core.MergeRequest
	files    map[string][]byte
	gets     int

	branchErr error
	commitErr error
	mrErr     error
}

func NewMockBackend() *MockBackend {
	return &MockBackend{files: make(map[string][]byte)}
}

func (m *MockBackend) CommitFile(ctx context.Context, req core.CommitRequest) (core.CommitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "commit:"+req.Branch)
	if m.commitErr != nil {
		return core.CommitResult{}, m.commitErr
	}
	m.commits = append(m.commits, req)
	return core.CommitResult{Project: req.Project, Branch: req.Branch, Path: req.Path, SHA: fmt.Sprintf("sha%d", len(m.commits))}, nil
}

func (m *MockBackend) CreateBranch(ctx context.Context, project, newBranch, fromBranch string) (core.BranchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "branch:"+newBranch)
	if m.branchErr != nil {
		return core.BranchResult{}, m.branchErr
	}
	m.branches = append(m.branches, newBranch)
	return core.BranchResult{Project: project, Name: newBranch, From: fromBranch}, nil
}

func (m *MockBackend) OpenMergeRequest(ctx context.Context, mr core.MergeRequest) (core.MergeRequestResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "mr:"+mr.SourceBranch+"->"+mr.TargetBranch)
	if m.mrErr != nil {
		return core.MergeRequestResult{}, m.mrErr
	}
	m.mrs = append(m.mrs, mr)
	return core.MergeRequestResult{Project: mr.Project, ID: len(m.mrs), URL: "https://example.test/mr/1"}, nil
}

func (m *MockBackend) GetFile(ctx context.Context, project, ref, path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	data, ok := m.files[ref+":"+path]
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, core.ErrNotFound)
	}
	return data, nil
}

func (m *MockBackend) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

const testConfig = `
timestamp_format: "%Y%m%d"
backends:
  mock:
    driver: mock
    allowed_projects: ["blog/*"]
entries:
  comment:
    format: yaml
    fields:
      allowed: [name, email, website, comment]
      required: [name, email, comment]
      extra:
        _id: "{@id}"
        date: "{@timestamp}"
      transforms:
        - {field: email, transform: md5}
    git:
      path: "data/{params.slug}"
      filename: "{@id}.yml"
      branch: main
      commit_message: "New comment from {field.name}"
  moderated:
    review: true
    fields:
      allowed: [name, comment]
      required: [name, comment]
    git:
      path: "data/moderated"
      filename: "{@id}.json"
      mr_description: "{field.name} says {field.comment}"
  anybranch:
    fields:
      allowed: [name]
    git:
      path: "data/{@branch}"
      filename: "{@id}.json"
  preview:
    debug: true
    fields:
      allowed: [name]
  off:
    disabled: true
    fields:
      allowed: [name]
    git: {path: x, filename: y}
`

func newService(t *testing.T, backend core.Backend, opts ...core.ServiceOption) *core.Service {
	t.Helper()
	cfg, err := config.Parse(strings.NewReader(testConfig))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate(nil))

	base := []core.ServiceOption{
		core.WithBackend("mock", backend),
		core.WithIDGenerator(func() string { return "id-1" }),
		core.WithClock(func() time.Time { return time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC) }),
	}
	svc, err := core.NewService(cfg, nil, append(base, opts...)...)
	require.NoError(t, err)
	return svc
}

func comment() core.Submission {
	return core.Submission{
		Backend:   "mock",
		Project:   "blog/site",
		Branch:    "main",
		EntryType: "comment",
		Params:    map[string]string{"slug": "hello"},
		Fields:    map[string]any{"name": "A", "email": "b@x.com", "comment": "hi"},
	}
}

func TestService_DirectCommit(t *testing.T) {
	backend := NewMockBackend()
	svc := newService(t, backend)

	res, err := svc.Submit(context.Background(), comment())
	require.NoError(t, err)

	assert.Equal(t, core.StateCommitted, res.State)
	assert.Equal(t, []core.State{
		core.StateReceived, core.StateValidated, core.StateGenerated,
		core.StateTransformed, core.StateRouted, core.StateCommitted,
	}, res.States())
	assert.Equal(t, "data/hello/id-1.yml", res.Path)
	assert.Equal(t, "main", res.Branch)
	assert.Nil(t, res.MergeRequest)

	require.Len(t, backend.commits, 1)
	c := backend.commits[0]
	assert.Equal(t, "blog/site", c.Project)
	assert.Equal(t, "main", c.Branch)
	assert.Equal(t, "New comment from A", c.CommitMessage)
	assert.Contains(t, string(c.Content), "_id: id-1")
	assert.Contains(t, string(c.Content), "date: \"20240506\"")
	assert.NotContains(t, string(c.Content), "b@x.com")
	assert.Empty(t, backend.branches)
	assert.Empty(t, backend.mrs)

	email, _ := res.Entry.Get("email")
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{32}$`), email)
	_, hasWebsite := res.Entry.Get("website")
	assert.False(t, hasWebsite)
}

func TestService_MissingRequiredRejectsBeforeGeneration(t *testing.T) {
	backend := NewMockBackend()
	svc := newService(t, backend)

	sub := comment()
	delete(sub.Fields, "comment")
	res, err := svc.Submit(context.Background(), sub)

	require.ErrorIs(t, err, core.ErrMissingRequiredField)
	assert.Equal(t, core.CategoryInput, core.Classify(err))
	assert.Equal(t, core.StateRejected, res.State)
	assert.Equal(t, []core.State{core.StateReceived, core.StateRejected}, res.States())
	assert.Empty(t, backend.Calls())
}

func TestService_Review(t *testing.T) {
	backend := NewMockBackend()
	svc := newService(t, backend)

	sub := comment()
	sub.EntryType = "moderated"
	sub.Fields = map[string]any{"name": "Ada", "comment": "nice"}
	res, err := svc.Submit(context.Background(), sub)
	require.NoError(t, err)

	assert.Equal(t, core.StateCommitted, res.State)
	assert.Equal(t, "staticimp_id-1", res.ReviewBranch)
	require.NotNil(t, res.MergeRequest)
	assert.Equal(t, 1, res.MergeRequest.ID)

	assert.Equal(t, []string{"branch:staticimp_id-1", "commit:staticimp_id-1", "mr:staticimp_id-1->main"}, backend.Calls())
	require.Len(t, backend.mrs, 1)
	assert.Equal(t, "New moderated entry", backend.mrs[0].Title)
	assert.Equal(t, "Ada says nice", backend.mrs[0].Description)
	for _, c := range backend.commits {
		assert.NotEqual(t, "main", c.Branch, "review entries never commit to the target branch")
	}
}

func TestService_ReviewBranchAlreadyExists(t *testing.T) {
	backend := NewMockBackend()
	backend.branchErr = fmt.Errorf("branch exists: %w", core.ErrAlreadyExists)
	svc := newService(t, backend)

	sub := comment()
	sub.EntryType = "moderated"
	sub.Fields = map[string]any{"name": "Ada", "comment": "nice"}
	res, err := svc.Submit(context.Background(), sub)
	require.NoError(t, err)
	assert.True(t, res.BranchExisted)
	assert.Equal(t, core.StateCommitted, res.State)
	assert.Len(t, backend.mrs, 1)
}

func TestService_ReviewPartialCommit(t *testing.T) {
	backend := NewMockBackend()
	backend.mrErr = fmt.Errorf("gitlab: %w", core.ErrUnavailable)
	svc := newService(t, backend)

	sub := comment()
	sub.EntryType = "moderated"
	sub.Fields = map[string]any{"name": "Ada", "comment": "nice"}
	res, err := svc.Submit(context.Background(), sub)

	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrPartialCommit)
	assert.ErrorIs(t, err, core.ErrUnavailable)
	assert.False(t, core.Retryable(err), "a partial commit must not be retried blindly")

	var partial *core.PartialCommitError
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, "staticimp_id-1", partial.ReviewBranch)
	assert.Equal(t, "staticimp_id-1", partial.Commit.Branch)

	assert.Equal(t, core.StateRejected, res.State)
	assert.NotEqual(t, core.StateCommitted, res.State)
	assert.Len(t, backend.commits, 1)
}

func TestService_ReviewBranchFailureStopsEarly(t *testing.T) {
	backend := NewMockBackend()
	backend.branchErr = fmt.Errorf("denied: %w", core.ErrAuthFailed)
	svc := newService(t, backend)

	sub := comment()
	sub.EntryType = "moderated"
	sub.Fields = map[string]any{"name": "Ada", "comment": "nice"}
	_, err := svc.Submit(context.Background(), sub)

	require.ErrorIs(t, err, core.ErrAuthFailed)
	assert.NotErrorIs(t, err, core.ErrPartialCommit)
	assert.False(t, core.Retryable(err))
	assert.Equal(t, []string{"branch:staticimp_id-1"}, backend.Calls())
}

func TestService_DebugNeverCallsBackend(t *testing.T) {
	backend := NewMockBackend()
	kp, err := vault.GenerateKey()
	require.NoError(t, err)
	v := vault.New(kp)
	defer v.Close()

	svc := newService(t, backend, core.WithVault(v))
	sub := comment()
	sub.EntryType = "preview"
	sub.Fields = map[string]any{"name": "x"}

	res, err := svc.Submit(context.Background(), sub)
	require.NoError(t, err)
	assert.Equal(t, core.StateDebug, res.State)
	require.NotNil(t, res.Config)
	assert.True(t, res.Config.Debug)
	assert.Empty(t, backend.Calls())

	out, err := json.Marshal(res)
	require.NoError(t, err)
	assert.NotContains(t, string(out), kp.EncodePrivate())
	assert.Contains(t, string(out), `"state":"debug"`)
}

func TestService_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*core.Submission)
		wantErr error
		wantCat core.Category
	}{
		{"unknown backend", func(s *core.Submission) { s.Backend = "nope" }, core.ErrUnknownBackend, core.CategoryInput},
		{"unknown entry type", func(s *core.Submission) { s.EntryType = "nope" }, core.ErrUnknownEntryType, core.CategoryInput},
		{"disabled", func(s *core.Submission) { s.EntryType = "off" }, core.ErrEntryTypeDisabled, core.CategoryInput},
		{"project not allowed", func(s *core.Submission) { s.Project = "other/site" }, core.ErrProjectNotAllowed, core.CategoryInput},
		{"branch not allowed", func(s *core.Submission) { s.Branch = "dev" }, core.ErrBranchNotAllowed, core.CategoryInput},
		{"missing branch", func(s *core.Submission) { s.Branch = "" }, core.ErrMalformedBody, core.CategoryInput},
		{"unknown field", func(s *core.Submission) { s.Fields["admin"] = "1" }, core.ErrFieldNotAllowed, core.CategoryInput},
		{"unresolved param", func(s *core.Submission) { s.Params = nil }, core.ErrUnresolvedPlaceholder, core.CategoryConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := NewMockBackend()
			svc := newService(t, backend)
			sub := comment()
			tt.mutate(&sub)

			res, err := svc.Submit(context.Background(), sub)
			require.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, tt.wantCat, core.Classify(err))
			assert.Equal(t, core.StateRejected, res.State)
			assert.Equal(t, "id-1", res.ID, "rejected submissions carry an id")
			assert.Equal(t, err, res.Err)
			assert.Empty(t, backend.Calls())
		})
	}
}

func TestService_BackendErrorKinds(t *testing.T) {
	for _, kind := range []error{core.ErrConflict, core.ErrAuthFailed, core.ErrNotFound, core.ErrUnavailable} {
		t.Run(kind.Error(), func(t *testing.T) {
			backend := NewMockBackend()
			backend.commitErr = fmt.Errorf("remote: %w", kind)
			svc := newService(t, backend)

			_, err := svc.Submit(context.Background(), comment())
			require.ErrorIs(t, err, kind)
			assert.Equal(t, core.CategoryBackend, core.Classify(err))
			wantRetry := errors.Is(kind, core.ErrConflict) || errors.Is(kind, core.ErrUnavailable)
			assert.Equal(t, wantRetry, core.Retryable(err))
		})
	}
}

func TestService_BranchFromSubmissionWhenUnconfigured(t *testing.T) {
	backend := NewMockBackend()
	svc := newService(t, backend)
	sub := comment()
	sub.EntryType = "anybranch"
	sub.Branch = "drafts"
	sub.Fields = map[string]any{"name": "x"}

	res, err := svc.Submit(context.Background(), sub)
	require.NoError(t, err)
	assert.Equal(t, "drafts", res.Branch)
	assert.Equal(t, "data/drafts/id-1.json", res.Path)
}

func TestService_ProjectConfigOverlay(t *testing.T) {
	cfg, err := config.Parse(strings.NewReader(`
backends:
  mock:
    driver: mock
    project_config_path: "staticimp.yml"
entries:
  comment:
    fields: {allowed: [name]}
    git: {path: server, filename: "{@id}.json"}
`))
	require.NoError(t, err)

	backend := NewMockBackend()
	backend.files["main:staticimp.yml"] = []byte(`
entries:
  comment:
    fields: {allowed: [name, mood]}
    git: {path: project, filename: "{field.mood}.json"}
`)
	svc, err := core.NewService(cfg, nil, core.WithBackend("mock", backend), core.WithIDGenerator(func() string { return "x" }))
	require.NoError(t, err)

	res, err := svc.Submit(context.Background(), core.Submission{
		Backend: "mock", Project: "p", Branch: "main", EntryType: "comment",
		Fields: map[string]any{"name": "a", "mood": "happy"},
	})
	require.NoError(t, err)
	assert.Equal(t, "project/happy.json", res.Path)

	// no project file on this branch: server config only
	res, err = svc.Submit(context.Background(), core.Submission{
		Backend: "mock", Project: "p", Branch: "other", EntryType: "comment",
		Fields: map[string]any{"name": "a"},
	})
	require.NoError(t, err)
	assert.Equal(t, "server/x.json", res.Path)
}

func TestService_ProjectConfigCache(t *testing.T) {
	cfg, err := config.Parse(strings.NewReader(`
backends:
  mock: {driver: mock, project_config_path: staticimp.yml}
entries:
  comment:
    fields: {allowed: [name]}
    git: {path: server, filename: "{@id}.json"}
`))
	require.NoError(t, err)

	backend := NewMockBackend()
	backend.files["main:staticimp.yml"] = []byte("entries:\n  comment:\n    fields: {allowed: [name]}\n    git: {path: project, filename: \"{@id}.json\"}\n")

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	svc, err := core.NewService(cfg, nil,
		core.WithBackend("mock", backend),
		core.WithProjectConfigTTL(time.Minute),
		core.WithClock(func() time.Time { return now }),
		core.WithIDGenerator(func() string { return "x" }))
	require.NoError(t, err)

	submit := func(branch string) string {
		t.Helper()
		res, err := svc.Submit(context.Background(), core.Submission{
			Backend: "mock", Project: "p", Branch: branch, EntryType: "comment",
			Fields: map[string]any{"name": "a"},
		})
		require.NoError(t, err)
		return res.Path
	}

	assert.Equal(t, "project/x.json", submit("main"))
	assert.Equal(t, "server/x.json", submit("other"))
	assert.Equal(t, 2, backend.gets)

	// both the file and its absence are cached
	backend.files["other:staticimp.yml"] = backend.files["main:staticimp.yml"]
	assert.Equal(t, "project/x.json", submit("main"))
	assert.Equal(t, "server/x.json", submit("other"))
	assert.Equal(t, 2, backend.gets)
	assert.Equal(t, 2, svc.State().(core.ServiceState).CachedProjects)

	now = now.Add(time.Minute)
	assert.Equal(t, "project/x.json", submit("other"))
	assert.Equal(t, 3, backend.gets)

	svc.PurgeProjectConfigs()
	submit("main")
	assert.Equal(t, 4, backend.gets)
}

func TestService_ProjectConfigInvalid(t *testing.T) {
	cfg, err := config.Parse(strings.NewReader("backends:\n  mock: {driver: mock, project_config_path: s.yml}\n"))
	require.NoError(t, err)
	backend := NewMockBackend()
	backend.files["main:s.yml"] = []byte("entries:\n  c:\n    fields: {allowed: [a], required: [b]}\n    git: {path: p, filename: f}\n")
	svc, err := core.NewService(cfg, nil, core.WithBackend("mock", backend))
	require.NoError(t, err)

	_, err = svc.Submit(context.Background(), core.Submission{Backend: "mock", Project: "p", Branch: "main", EntryType: "c"})
	require.ErrorIs(t, err, core.ErrInvalidConfig)
	assert.Equal(t, core.CategoryConfig, core.Classify(err))
}

func TestService_DecryptSecret(t *testing.T) {
	kp, err := vault.GenerateKey()
	require.NoError(t, err)
	secret, err := vault.Encrypt("akismet-key", kp.Public)
	require.NoError(t, err)
	v := vault.New(kp)
	defer v.Close()

	svc := newService(t, NewMockBackend(), core.WithVault(v))
	entry := config.EntryTypeConfig{Name: "c", Secrets: map[string]vault.Secret{"akismet": secret}}

	got, err := svc.DecryptSecret(entry, "akismet")
	require.NoError(t, err)
	assert.Equal(t, "akismet-key", got)

	_, err = svc.DecryptSecret(entry, "missing")
	assert.ErrorIs(t, err, core.ErrInvalidConfig)

	noVault := newService(t, NewMockBackend())
	_, err = noVault.DecryptSecret(entry, "akismet")
	assert.ErrorIs(t, err, core.ErrInvalidConfig)
}

func TestService_Concurrent(t *testing.T) {
	backend := NewMockBackend()
	cfg, err := config.Parse(strings.NewReader(testConfig))
	require.NoError(t, err)
	svc, err := core.NewService(cfg, nil, core.WithBackend("mock", backend))
	require.NoError(t, err)

	const n = 32
	var wg sync.WaitGroup
	errs := make(chan error, n)
	paths := make(chan string, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub := comment()
			sub.Fields = map[string]any{"name": fmt.Sprint(i), "email": "e", "comment": "c"}
			res, err := svc.Submit(context.Background(), sub)
			errs <- err
			if err == nil {
				paths <- res.Path
			}
		}()
	}
	wg.Wait()
	close(errs)
	close(paths)

	for err := range errs {
		assert.NoError(t, err)
	}
	seen := map[string]bool{}
	for p := range paths {
		assert.False(t, seen[p], "ids must be unique per submission")
		seen[p] = true
	}
	assert.Len(t, backend.commits, n)
}

func TestService_State(t *testing.T) {
	svc := newService(t, NewMockBackend())
	state, ok := svc.State().(core.ServiceState)
	require.True(t, ok)
	assert.Equal(t, []string{"anybranch", "comment", "moderated", "off", "preview"}, state.EntryTypes)
	assert.Equal(t, "backend", state.Backends["mock"])
	assert.False(t, state.VaultLoaded)
	assert.Equal(t, []string{"validate", "generate", "transform"}, state.Stages)
	assert.Contains(t, state.Transforms, "slugify")
	assert.Equal(t, []string{"branch", "date", "entry_type", "id", "project", "timestamp"}, state.Generated)
	assert.Equal(t, "service", svc.ComponentType())
}

func TestRegistry(t *testing.T) {
	r := core.NewRegistry()
	factory := func(cfg config.BackendConfig, _ *slog.Logger) (core.Backend, error) { return NewMockBackend(), nil }

	require.NoError(t, r.Register("mock", factory))
	assert.Error(t, r.Register("mock", factory))
	assert.True(t, r.Has("mock"))
	assert.False(t, r.Has("svn"))
	assert.Equal(t, []string{"mock"}, r.Drivers())

	b, err := r.Open(config.BackendConfig{Name: "m", Driver: "mock"}, nil)
	require.NoError(t, err)
	assert.NotNil(t, b)

	_, err = r.Open(config.BackendConfig{Name: "s", Driver: "svn"}, nil)
	assert.ErrorIs(t, err, core.ErrInvalidConfig)
}
