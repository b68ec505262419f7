// Package git runs git plumbing commands against a local repository.
package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a ref or object does not exist.
	ErrNotFound = errors.New("git: not found")
	// ErrStaleRef is returned when a ref did not hold the expected value.
	ErrStaleRef = errors.New("git: ref changed concurrently")
	// ErrRefExists is returned when creating a ref that already exists.
	ErrRefExists = errors.New("git: ref already exists")
	// ErrNotInstalled is returned when no git executable is on PATH.
	ErrNotInstalled = errors.New("git: executable not found")
)

// DefaultLockName is the lock file created inside the git directory.
const DefaultLockName = "staticimp.lock"

// Client wraps git command execution with a file-based lock for process safety.
type Client struct {
	WorkDir string
	Logger  *slog.Logger
	// AuthorName and AuthorEmail sign commits made by the client.
	AuthorName  string
	AuthorEmail string

	lockName string
	// lockRetry is the wait between two lock attempts.
	lockRetry time.Duration
}

// NewClient creates a new git client for the given working directory.
// lockName may be empty to use DefaultLockName.
func NewClient(workDir, lockName string, logger *slog.Logger) *Client {
	if lockName == "" {
		lockName = DefaultLockName
	}
	return &Client{
		WorkDir:     workDir,
		Logger:      logger,
		AuthorName:  "staticimp",
		AuthorEmail: "staticimp@localhost",
		lockName:    lockName,
		lockRetry:   10 * time.Millisecond,
	}
}

// IsInstalled reports whether git is on PATH.
func IsInstalled() bool {
	_, err := exec.LookPath("git")
	return err == nil
}

// Lock acquires the repository lock. It blocks until the lock is acquired or
// ctx is done.
func (c *Client) Lock(ctx context.Context) (func(), error) {
	dir, err := c.GitDir(ctx)
	if err != nil {
		return nil, err
	}
	lockPath := filepath.Join(dir, c.lockName)

	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL, 0666)
		if err == nil {
			f.Close()
			return func() { os.Remove(lockPath) }, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to acquire lock: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for lock %s: %w", lockPath, ctx.Err())
		case <-time.After(c.lockRetry):
		}
	}
}

// RunOptions customizes a single git invocation.
type RunOptions struct {
	Stdin io.Reader
	// Env is appended to the process environment.
	Env []string
}

// Run executes a raw git command in the working directory.
// It does NOT acquire the lock. Callers that mutate refs must hold Lock.
func (c *Client) Run(ctx context.Context, args ...string) (string, error) {
	return c.RunWith(ctx, RunOptions{}, args...)
}

// RunWith is Run with standard input and extra environment.
func (c *Client) RunWith(ctx context.Context, opts RunOptions, args ...string) (string, error) {
	if c.Logger != nil {
		c.Logger.Debug("executing git", "args", args, "dir", c.WorkDir)
	}

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = c.WorkDir
	cmd.Stdin = opts.Stdin
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return "", ErrNotInstalled
		}
		if ctx.Err() != nil {
			return "", fmt.Errorf("git %s: %w", args[0], ctx.Err())
		}
		return stdout.String(), fmt.Errorf("git %s failed: %w\nOutput: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

// Init initializes a repository. git init is safe to re-run.
func (c *Client) Init(ctx context.Context, bare bool) error {
	args := []string{"init", "--quiet"}
	if bare {
		args = append(args, "--bare")
	}
	_, err := c.Run(ctx, args...)
	return err
}

// IsRepo reports whether WorkDir is inside a git repository.
func (c *Client) IsRepo(ctx context.Context) bool {
	_, err := c.Run(ctx, "rev-parse", "--git-dir")
	return err == nil
}

// GitDir returns the absolute path of the git directory.
func (c *Client) GitDir(ctx context.Context) (string, error) {
	return c.Run(ctx, "rev-parse", "--absolute-git-dir")
}

// Add adds files to the stage.
func (c *Client) Add(ctx context.Context, files ...string) error {
	if len(files) == 0 {
		return nil
	}
	_, err := c.Run(ctx, append([]string{"add", "--"}, files...)...)
	return err
}

// Commit records staged changes.
func (c *Client) Commit(ctx context.Context, msg string) error {
	_, err := c.RunWith(ctx, RunOptions{Env: c.identity()}, "commit", "--quiet", "-m", msg)
	return err
}

func (c *Client) identity() []string {
	return []string{
		"GIT_AUTHOR_NAME=" + c.AuthorName, "GIT_AUTHOR_EMAIL=" + c.AuthorEmail,
		"GIT_COMMITTER_NAME=" + c.AuthorName, "GIT_COMMITTER_EMAIL=" + c.AuthorEmail,
	}
}

// RevParse resolves rev to an object id.
func (c *Client) RevParse(ctx context.Context, rev string) (string, error) {
	out, err := c.Run(ctx, "rev-parse", "--verify", "--quiet", rev+"^{commit}")
	if err != nil || out == "" {
		return "", fmt.Errorf("%s: %w", rev, ErrNotFound)
	}
	return out, nil
}

// BranchSHA returns the commit a local branch points to.
func (c *Client) BranchSHA(ctx context.Context, branch string) (string, error) {
	return c.RevParse(ctx, "refs/heads/"+branch)
}

// Show returns the content of path at ref.
func (c *Client) Show(ctx context.Context, ref, path string) ([]byte, error) {
	if !c.exists(ctx, ref+":"+path) {
		return nil, fmt.Errorf("%s:%s: %w", ref, path, ErrNotFound)
	}
	out, err := c.raw(ctx, "cat-file", "blob", ref+":"+path)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FileExists reports whether path exists at ref.
func (c *Client) FileExists(ctx context.Context, ref, path string) bool {
	return c.exists(ctx, ref+":"+path)
}

func (c *Client) exists(ctx context.Context, object string) bool {
	_, err := c.Run(ctx, "cat-file", "-e", object)
	return err == nil
}

// raw runs git and returns untrimmed stdout.
func (c *Client) raw(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = c.WorkDir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("git %s failed: %w\nOutput: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

// WriteFile commits content at path on top of branch without touching the
// working tree or the shared index. It returns the new commit id and
// whether path existed before.
//
// The branch ref is moved with compare-and-swap semantics: if another
// writer moved it in between, ErrStaleRef is returned.
func (c *Client) WriteFile(ctx context.Context, branch, path string, content []byte, msg string) (sha string, updated bool, err error) {
	parent, err := c.BranchSHA(ctx, branch)
	if err != nil {
		return "", false, err
	}
	updated = c.exists(ctx, parent+":"+path)

	// update-index needs a work tree, even with --cacheinfo. An empty scratch
	// directory serves bare repositories and keeps checkouts untouched.
	scratch, err := os.MkdirTemp("", "staticimp-index-*")
	if err != nil {
		return "", false, fmt.Errorf("failed to create index dir: %w", err)
	}
	defer os.RemoveAll(scratch)
	env := RunOptions{Env: []string{
		"GIT_INDEX_FILE=" + filepath.Join(scratch, "index"),
		"GIT_WORK_TREE=" + scratch,
	}}

	if _, err := c.RunWith(ctx, env, "read-tree", parent); err != nil {
		return "", false, err
	}
	blob, err := c.RunWith(ctx, RunOptions{Stdin: bytes.NewReader(content)}, "hash-object", "-w", "--stdin")
	if err != nil {
		return "", false, err
	}
	if _, err := c.RunWith(ctx, env, "update-index", "--add", "--cacheinfo", "100644,"+blob+","+path); err != nil {
		return "", false, err
	}
	tree, err := c.RunWith(ctx, env, "write-tree")
	if err != nil {
		return "", false, err
	}
	sha, err = c.RunWith(ctx, RunOptions{Env: c.identity()}, "commit-tree", tree, "-p", parent, "-m", msg)
	if err != nil {
		return "", false, err
	}
	if err := c.UpdateRef(ctx, "refs/heads/"+branch, sha, parent); err != nil {
		return "", false, err
	}
	return sha, updated, nil
}

// UpdateRef moves ref to sha if it currently points to old. An empty old
// requires the ref not to exist.
func (c *Client) UpdateRef(ctx context.Context, ref, sha, old string) error {
	_, err := c.Run(ctx, "update-ref", ref, sha, old)
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case old == "" && strings.Contains(msg, "already exists"):
		return fmt.Errorf("%s: %w", ref, ErrRefExists)
	case strings.Contains(msg, "but expected"), strings.Contains(msg, "cannot lock ref"):
		return fmt.Errorf("%s: %w", ref, ErrStaleRef)
	}
	return err
}

// CreateBranch creates newBranch at the tip of from.
func (c *Client) CreateBranch(ctx context.Context, newBranch, from string) (string, error) {
	sha, err := c.BranchSHA(ctx, from)
	if err != nil {
		return "", err
	}
	if _, err := c.BranchSHA(ctx, newBranch); err == nil {
		return sha, fmt.Errorf("refs/heads/%s: %w", newBranch, ErrRefExists)
	}
	if err := c.UpdateRef(ctx, "refs/heads/"+newBranch, sha, ""); err != nil {
		return "", err
	}
	return sha, nil
}

// CheckRefName reports whether name is a valid branch name.
func (c *Client) CheckRefName(ctx context.Context, name string) error {
	if _, err := c.Run(ctx, "check-ref-format", "--branch", name); err != nil {
		return fmt.Errorf("invalid branch name %q", name)
	}
	return nil
}

// InitBranch creates branch as a root commit with an empty tree. It fails
// with ErrRefExists when the branch already exists.
func (c *Client) InitBranch(ctx context.Context, branch, msg string) (string, error) {
	tree, err := c.RunWith(ctx, RunOptions{Stdin: bytes.NewReader(nil)}, "mktree")
	if err != nil {
		return "", err
	}
	sha, err := c.RunWith(ctx, RunOptions{Env: c.identity()}, "commit-tree", tree, "-m", msg)
	if err != nil {
		return "", err
	}
	if err := c.UpdateRef(ctx, "refs/heads/"+branch, sha, ""); err != nil {
		return "", err
	}
	return sha, nil
}

// IsBare reports whether the repository has no working tree.
func (c *Client) IsBare(ctx context.Context) bool {
	out, err := c.Run(ctx, "rev-parse", "--is-bare-repository")
	return err == nil && out == "true"
}
