package staticimp

import (
	"log/slog"

	"github.com/staticimp/staticimp/internal/platform"
	"github.com/staticimp/staticimp/internal/server"
	"github.com/staticimp/staticimp/pkg/config"
	"github.com/staticimp/staticimp/pkg/core"
)

// --- Types ---

// Service processes submissions. It is safe for concurrent use.
type Service = core.Service

// Submission is one incoming entry.
type Submission = core.Submission

// Result describes what happened to a submission.
type Result = core.Result

// Backend is the capability set a repository provider must offer.
type Backend = core.Backend

// Config is the server configuration.
type Config = config.Config

// --- Configuration ---

// Option configures New.
type Option = platform.Option

// WithLogger sets the logger of the service and its backends.
func WithLogger(logger *slog.Logger) Option {
	return platform.WithLogger(logger)
}

// WithBackend replaces the configured backend name with b.
func WithBackend(name string, b Backend) Option {
	return platform.WithBackend(name, b)
}

// WithVaultKey overrides vault.private_key_file.
func WithVaultKey(path string) Option {
	return platform.WithVaultKey(path)
}

// WithoutEnv disables environment overrides of the config file.
func WithoutEnv() Option {
	return platform.WithoutEnv()
}

// --- Factory ---

// New loads the config file at path and returns a ready service.
func New(path string, opts ...Option) (*Service, error) {
	return platform.New(path, opts...)
}

// LoadConfig loads and validates the config file at path.
func LoadConfig(path string, opts ...Option) (*Config, error) {
	return platform.LoadConfig(path, opts...)
}

// FindConfig looks upwards from startDir for a staticimp config file.
func FindConfig(startDir string) (string, error) {
	return platform.FindConfig(startDir)
}

// NewServer returns the HTTP front of svc.
func NewServer(svc *Service, logger *slog.Logger) *server.Server {
	return server.New(svc, server.WithLogger(logger))
}
