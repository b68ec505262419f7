package local

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/staticimp/staticimp/pkg/config"
	"github.com/staticimp/staticimp/pkg/core"
	"github.com/staticimp/staticimp/pkg/git"
)

func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	if !git.IsInstalled() {
		t.Skip("git not installed")
	}
	return NewRepository(Config{Name: "disk", Root: t.TempDir(), AutoInit: true})
}

func TestRepository_CommitFile(t *testing.T) {
	r := newTestRepository(t)
	ctx := context.Background()

	res, err := r.CommitFile(ctx, core.CommitRequest{
		Project: "blog/site", Branch: "main", Path: "data/1.json",
		Content: []byte("{\"a\":1}\n"), CommitMessage: "Add comment 1",
	})
	require.NoError(t, err)
	assert.False(t, res.Updated)
	assert.Len(t, res.SHA, 40)

	data, err := r.GetFile(ctx, "blog/site", "main", "data/1.json")
	require.NoError(t, err)
	assert.Equal(t, "{\"a\":1}\n", string(data))

	c, err := r.open(ctx, "blog/site")
	require.NoError(t, err)
	msg, err := c.Run(ctx, "log", "-1", "--format=%B", "main")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(msg, "Add comment 1"))
	assert.Contains(t, msg, Trailer)

	res, err = r.CommitFile(ctx, core.CommitRequest{Project: "blog/site", Branch: "main", Path: "data/1.json", Content: []byte("{}")})
	require.NoError(t, err)
	assert.True(t, res.Updated)
}

func TestRepository_Errors(t *testing.T) {
	r := newTestRepository(t)
	ctx := context.Background()

	_, err := r.CommitFile(ctx, core.CommitRequest{Project: "p", Branch: "nope", Path: "x", Content: []byte("1")})
	assert.ErrorIs(t, err, core.ErrNotFound)

	_, err = r.GetFile(ctx, "p", "main", "missing.yml")
	assert.ErrorIs(t, err, core.ErrNotFound)

	_, err = r.CommitFile(ctx, core.CommitRequest{Project: "../escape", Branch: "main", Path: "x"})
	assert.ErrorIs(t, err, core.ErrNotFound)

	noInit := NewRepository(Config{Root: t.TempDir()})
	_, err = noInit.GetFile(ctx, "p", "main", "x")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestRepository_ReviewFlow(t *testing.T) {
	r := newTestRepository(t)
	ctx := context.Background()

	br, err := r.CreateBranch(ctx, "site", "staticimp_1", "main")
	require.NoError(t, err)
	assert.NotEmpty(t, br.SHA)

	_, err = r.CreateBranch(ctx, "site", "staticimp_1", "main")
	assert.ErrorIs(t, err, core.ErrAlreadyExists)

	_, err = r.CreateBranch(ctx, "site", "bad..name", "main")
	assert.ErrorIs(t, err, core.ErrConflict)

	_, err = r.CommitFile(ctx, core.CommitRequest{Project: "site", Branch: "staticimp_1", Path: "c/1.yml", Content: []byte("a: 1\n")})
	require.NoError(t, err)
	_, err = r.GetFile(ctx, "site", "main", "c/1.yml")
	assert.ErrorIs(t, err, core.ErrNotFound, "target branch must stay untouched")

	mr, err := r.OpenMergeRequest(ctx, core.MergeRequest{
		Project: "site", SourceBranch: "staticimp_1", TargetBranch: "main",
		Title: "New comment", Description: "from Ada",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, mr.ID)
	assert.True(t, strings.HasPrefix(mr.URL, "file://"))

	mr2, err := r.OpenMergeRequest(ctx, core.MergeRequest{Project: "site", SourceBranch: "staticimp_1", TargetBranch: "main", Title: "again"})
	require.NoError(t, err)
	assert.Equal(t, 2, mr2.ID)

	records, err := r.MergeRequests(ctx, "site")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "New comment\n\nfrom Ada", records[0].Message)
	assert.Equal(t, "opened", records[0].State)
	assert.NotEmpty(t, records[0].SourceSHA)

	_, err = r.OpenMergeRequest(ctx, core.MergeRequest{Project: "site", SourceBranch: "ghost", TargetBranch: "main"})
	assert.ErrorIs(t, err, core.ErrNotFound)

	state := r.State().(RepositoryState)
	assert.Equal(t, []string{"site"}, state.Projects)
	assert.Equal(t, 1, state.Commits)
	assert.Equal(t, 1, state.Branches)
	assert.Equal(t, 2, state.MergeRequests)
}

func TestRepository_ExcludesSystemDir(t *testing.T) {
	r := newTestRepository(t)
	ctx := context.Background()
	c, err := r.open(ctx, "site")
	require.NoError(t, err)

	changed, err := r.ensureExclude(ctx, c)
	require.NoError(t, err)
	assert.False(t, changed, "entry written once on open")

	gitDir, err := c.GitDir(ctx)
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(gitDir, "info", "exclude"))
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "/.staticimp/"))
}

func TestRepository_ConcurrentCommits(t *testing.T) {
	r := newTestRepository(t)
	ctx := context.Background()
	_, err := r.open(ctx, "site")
	require.NoError(t, err)

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.CommitFile(ctx, core.CommitRequest{
				Project: "site", Branch: "main",
				Path:    filepath.ToSlash(filepath.Join("c", string(rune('a'+i))+".json")),
				Content: []byte("{}"),
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	for i := range n {
		_, err := r.GetFile(ctx, "site", "main", "c/"+string(rune('a'+i))+".json")
		assert.NoError(t, err, "every commit must survive")
	}
}

func TestFactory(t *testing.T) {
	if !git.IsInstalled() {
		t.Skip("git not installed")
	}
	_, err := Factory(config.BackendConfig{Name: "disk", Driver: Driver}, nil)
	assert.ErrorIs(t, err, core.ErrInvalidConfig)

	_, err = Factory(config.BackendConfig{Name: "disk", Host: t.TempDir(), Options: map[string]string{OptionAutoInit: "maybe"}}, nil)
	assert.ErrorIs(t, err, core.ErrInvalidConfig)

	b, err := Factory(config.BackendConfig{Name: "disk", Host: t.TempDir(), Options: map[string]string{OptionAutoInit: "true", OptionDefaultBranch: "trunk"}}, nil)
	require.NoError(t, err)
	_, err = b.CommitFile(context.Background(), core.CommitRequest{Project: "p", Branch: "trunk", Path: "x", Content: []byte("1")})
	assert.NoError(t, err)
}

func TestAppendTrailer(t *testing.T) {
	assert.Equal(t, "msg\n\n"+Trailer, appendTrailer("msg"))
	assert.Equal(t, "msg\n\n"+Trailer, appendTrailer("msg\n"))
	assert.Equal(t, Trailer, appendTrailer(""))
	already := "msg\n\n" + Trailer
	assert.Equal(t, already, appendTrailer(already))
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "sub", "1.json")

	require.NoError(t, writeFileAtomic(file, []byte("a"), 0644, true))
	err := writeFileAtomic(file, []byte("b"), 0644, true)
	assert.ErrorIs(t, err, os.ErrExist)

	require.NoError(t, writeFileAtomic(file, []byte("c"), 0644, false))
	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Equal(t, "c", string(data))

	entries, err := os.ReadDir(filepath.Dir(file))
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), tempFilePrefix), "temp files are cleaned up")
	}
}
