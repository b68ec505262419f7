package platform

import (
	"log/slog"

	"github.com/spf13/viper"

	"github.com/staticimp/staticimp/pkg/core"
)

// options holds the wiring configuration of a staticimp service.
type options struct {
	logger       *slog.Logger
	registry     *core.Registry
	backends     map[string]core.Backend
	viper        *viper.Viper
	vaultKeyFile string
	skipEnv      bool
	serviceOpts  []core.ServiceOption
}

// Option defines a functional option for wiring the service.
type Option func(*options)

func defaultOptions() *options {
	return &options{backends: make(map[string]core.Backend)}
}

// WithLogger sets the logger for the service and its backends.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithRegistry replaces DefaultRegistry.
func WithRegistry(r *core.Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithBackend injects a backend for name instead of opening it through the
// registry (e.g. a memory backend in tests).
func WithBackend(name string, b core.Backend) Option {
	return func(o *options) { o.backends[name] = b }
}

// WithViper sets the viper instance environment overrides are read from.
func WithViper(v *viper.Viper) Option {
	return func(o *options) { o.viper = v }
}

// WithoutEnv disables environment overrides.
func WithoutEnv() Option {
	return func(o *options) { o.skipEnv = true }
}

// WithVaultKey overrides vault.private_key_file of the config.
func WithVaultKey(path string) Option {
	return func(o *options) { o.vaultKeyFile = path }
}

// WithServiceOptions passes extra options to core.NewService.
func WithServiceOptions(opts ...core.ServiceOption) Option {
	return func(o *options) { o.serviceOpts = append(o.serviceOpts, opts...) }
}
