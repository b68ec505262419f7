package memory_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/staticimp/staticimp/pkg/adapters/memory"
	"github.com/staticimp/staticimp/pkg/config"
	"github.com/staticimp/staticimp/pkg/core"
)

func TestBackend_Operations(t *testing.T) {
	ctx := context.Background()
	b := memory.New("mem")

	res, err := b.CommitFile(ctx, core.CommitRequest{Project: "p", Branch: "main", Path: "a.json", Content: []byte("1")})
	require.NoError(t, err)
	assert.False(t, res.Updated)
	assert.Len(t, res.SHA, 40)

	res, err = b.CommitFile(ctx, core.CommitRequest{Project: "p", Branch: "main", Path: "a.json", Content: []byte("2")})
	require.NoError(t, err)
	assert.True(t, res.Updated)

	_, err = b.CreateBranch(ctx, "p", "review", "main")
	require.NoError(t, err)
	data, ok := b.File("p", "review", "a.json")
	require.True(t, ok)
	assert.Equal(t, "2", string(data))

	_, err = b.CreateBranch(ctx, "p", "review", "main")
	assert.ErrorIs(t, err, core.ErrAlreadyExists)

	mr, err := b.OpenMergeRequest(ctx, core.MergeRequest{Project: "p", SourceBranch: "review", TargetBranch: "main"})
	require.NoError(t, err)
	assert.Equal(t, 1, mr.ID)
	assert.Contains(t, mr.URL, "merge_requests/1")

	_, err = b.OpenMergeRequest(ctx, core.MergeRequest{Project: "p", SourceBranch: "ghost", TargetBranch: "main"})
	assert.ErrorIs(t, err, core.ErrNotFound)

	state := b.State().(memory.State)
	assert.Equal(t, 2, state.Commits)
	assert.Equal(t, 1, state.MergeRequests)
}

func TestBackend_GetFile(t *testing.T) {
	b := memory.New("mem")
	b.Put("p", "main", "staticimp.yml", []byte("entries: {}"))

	data, err := b.GetFile(context.Background(), "p", "main", "staticimp.yml")
	require.NoError(t, err)
	assert.Equal(t, "entries: {}", string(data))

	_, err = b.GetFile(context.Background(), "p", "dev", "staticimp.yml")
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.Empty(t, b.Commits())
}

func TestBackend_Failures(t *testing.T) {
	b := memory.New("mem", memory.WithFailure(memory.OpCommitFile, core.ErrAuthFailed))
	_, err := b.CommitFile(context.Background(), core.CommitRequest{Project: "p", Branch: "main", Path: "x"})
	assert.ErrorIs(t, err, core.ErrAuthFailed)

	b.SetFailure(memory.OpCommitFile, nil)
	_, err = b.CommitFile(context.Background(), core.CommitRequest{Project: "p", Branch: "main", Path: "x"})
	assert.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = b.CreateBranch(ctx, "p", "b", "main")
	assert.ErrorIs(t, err, core.ErrUnavailable)
	assert.ErrorIs(t, err, context.Canceled)
}

const reviewConfig = `
backends:
  mem: {driver: memory}
entries:
  comment:
    review: true
    format: yaml
    fields:
      allowed: [name, body]
      required: [name]
    git:
      path: comments
      filename: "{@id}.yml"
`

func TestBackend_ReviewThroughService(t *testing.T) {
	cfg, err := config.Parse(strings.NewReader(reviewConfig))
	require.NoError(t, err)

	registry := core.NewRegistry()
	require.NoError(t, registry.Register("memory", memory.Factory))
	require.NoError(t, cfg.Validate(registry))

	b := memory.New("mem")
	svc, err := core.NewService(cfg, registry,
		core.WithBackend("mem", b),
		core.WithIDGenerator(func() string { return "42" }))
	require.NoError(t, err)

	res, err := svc.Submit(context.Background(), core.Submission{
		Backend: "mem", Project: "site", Branch: "main", EntryType: "comment",
		Fields: map[string]any{"name": "Ada", "body": "hello"},
	})
	require.NoError(t, err)
	assert.Equal(t, core.StateCommitted, res.State)

	_, onTarget := b.File("site", "main", "comments/42.yml")
	assert.False(t, onTarget)
	data, onReview := b.File("site", "staticimp_42", "comments/42.yml")
	require.True(t, onReview)
	assert.Contains(t, string(data), "name: Ada")

	mrs := b.MergeRequests()
	require.Len(t, mrs, 1)
	assert.Equal(t, "staticimp_42", mrs[0].SourceBranch)
	assert.Equal(t, "main", mrs[0].TargetBranch)
}

func TestBackend_PartialCommit(t *testing.T) {
	cfg, err := config.Parse(strings.NewReader(reviewConfig))
	require.NoError(t, err)
	b := memory.New("mem", memory.WithFailure(memory.OpOpenMergeRequest, core.ErrUnavailable))
	svc, err := core.NewService(cfg, nil, core.WithBackend("mem", b), core.WithIDGenerator(func() string { return "7" }))
	require.NoError(t, err)

	_, err = svc.Submit(context.Background(), core.Submission{
		Backend: "mem", Project: "site", Branch: "main", EntryType: "comment",
		Fields: map[string]any{"name": "Ada"},
	})
	var partial *core.PartialCommitError
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, "staticimp_7", partial.ReviewBranch)
	assert.True(t, b.HasBranch("site", "staticimp_7"))
}
