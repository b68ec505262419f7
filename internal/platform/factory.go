// Package platform wires configuration, backend drivers and the secret vault
// into a core.Service.
package platform

import (
	"fmt"

	"github.com/staticimp/staticimp/pkg/adapters/gitlab"
	"github.com/staticimp/staticimp/pkg/adapters/local"
	"github.com/staticimp/staticimp/pkg/adapters/memory"
	"github.com/staticimp/staticimp/pkg/config"
	"github.com/staticimp/staticimp/pkg/core"
	"github.com/staticimp/staticimp/pkg/vault"
)

// DriverDebug is an alias of the memory driver: submissions are recorded
// and never leave the process.
const DriverDebug = "debug"

// DefaultRegistry returns a registry with every built-in driver.
func DefaultRegistry() *core.Registry {
	r := core.NewRegistry()
	for driver, f := range map[string]core.Factory{
		gitlab.Driver: gitlab.Factory,
		local.Driver:  local.Factory,
		"memory":      memory.Factory,
		DriverDebug:   memory.Factory,
	} {
		if err := r.Register(driver, f); err != nil {
			panic(err)
		}
	}
	return r
}

// LoadConfig reads the config file at path, applies environment overrides
// and validates it against the registered drivers.
func LoadConfig(path string, opts ...Option) (*config.Config, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return loadConfig(path, o)
}

func loadConfig(path string, o *options) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if !o.skipEnv {
		if err := cfg.ApplyEnv(o.viper); err != nil {
			return nil, fmt.Errorf("apply environment: %w", err)
		}
	}
	if o.vaultKeyFile != "" {
		cfg.Vault.PrivateKeyFile = o.vaultKeyFile
	}
	if o.registry == nil {
		o.registry = DefaultRegistry()
	}
	if err := cfg.Validate(o.registry); err != nil {
		return nil, err
	}
	return cfg, nil
}

// New builds a ready service from the config file at path:
//
//	svc, err := platform.New("staticimp.yml", platform.WithLogger(logger))
//
// Secrets are decrypted once at startup so that a wrong key fails here and
// not on the first submission.
func New(path string, opts ...Option) (*core.Service, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	cfg, err := loadConfig(path, o)
	if err != nil {
		return nil, err
	}
	return NewFromConfig(cfg, opts...)
}

// NewFromConfig is New for an already loaded and validated config.
func NewFromConfig(cfg *config.Config, opts ...Option) (*core.Service, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if o.registry == nil {
		o.registry = DefaultRegistry()
	}

	var v *vault.Vault
	if cfg.Vault.PrivateKeyFile != "" {
		loaded, err := vault.Load(cfg.Vault.PrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load vault key: %w", err)
		}
		v = loaded
	}
	if err := cfg.CheckSecrets(v); err != nil {
		if v != nil {
			v.Close()
		}
		return nil, err
	}
	if o.logger != nil && v != nil {
		o.logger.Info("vault loaded", "public_key", v.PublicKey().String())
	}

	svcOpts := []core.ServiceOption{
		core.WithLogger(o.logger),
		core.WithProjectConfigTTL(cfg.ProjectConfigTTL),
	}
	if v != nil {
		svcOpts = append(svcOpts, core.WithVault(v))
	}
	for name, b := range o.backends {
		svcOpts = append(svcOpts, core.WithBackend(name, b))
	}
	svcOpts = append(svcOpts, o.serviceOpts...)

	svc, err := core.NewService(cfg, o.registry, svcOpts...)
	if err != nil {
		if v != nil {
			v.Close()
		}
		return nil, err
	}
	return svc, nil
}
