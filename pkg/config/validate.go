package config

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/staticimp/staticimp/pkg/placeholder"
	"github.com/staticimp/staticimp/pkg/vault"
)

// DriverSet reports whether a backend driver id is registered.
type DriverSet interface {
	Has(driver string) bool
}

// Validate checks every invariant of the configuration and returns all
// violations joined. Each violation wraps ErrInvalidConfig.
// drivers may be nil to skip the driver check.
func (c *Config) Validate(drivers DriverSet) error {
	var errs []error

	if _, err := placeholder.FormatTime(c.TimestampFormat, time.Unix(0, 0)); err != nil {
		errs = append(errs, fmt.Errorf("%w: timestamp_format: %v", ErrInvalidConfig, err))
	}
	if c.ProjectConfigTTL < 0 {
		errs = append(errs, fmt.Errorf("%w: project_config_ttl must not be negative", ErrInvalidConfig))
	}

	for _, name := range c.BackendNames() {
		if err := validateBackend(c.Backends[name], drivers); err != nil {
			errs = append(errs, fmt.Errorf("backend %q: %w", name, err))
		}
	}
	for _, name := range c.EntryNames() {
		if err := ValidateEntry(c.Entries[name]); err != nil {
			errs = append(errs, fmt.Errorf("entry %q: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func validateBackend(b BackendConfig, drivers DriverSet) error {
	if b.Driver == "" {
		return fmt.Errorf("%w: driver is required", ErrInvalidConfig)
	}
	if drivers != nil && !drivers.Has(b.Driver) {
		return fmt.Errorf("%w: driver %q is not registered", ErrInvalidConfig, b.Driver)
	}
	for _, pattern := range b.AllowedProjects {
		if !doublestar.ValidatePattern(pattern) {
			return fmt.Errorf("%w: bad allowed_projects pattern %q", ErrInvalidConfig, pattern)
		}
	}
	if b.ProjectConfigPath != "" {
		if err := placeholder.Check(b.ProjectConfigPath); err != nil {
			return fmt.Errorf("%w: project_config_path: %w", ErrInvalidConfig, err)
		}
	}
	if _, err := ParseFormat(string(b.ProjectConfigFormat)); err != nil {
		return fmt.Errorf("project_config_format: %w", err)
	}
	return nil
}

// ValidateEntry checks the invariants of a single entry type.
func ValidateEntry(e EntryTypeConfig) error {
	if err := e.Fields.Validate(); err != nil {
		return fmt.Errorf("%w: fields: %w", ErrInvalidConfig, err)
	}
	if _, err := ParseFormat(string(e.Format)); err != nil {
		return err
	}
	if e.Git == nil {
		if e.Debug {
			return nil
		}
		return fmt.Errorf("%w: missing git placement", ErrInvalidConfig)
	}
	for key, tmpl := range e.Git.templates() {
		if err := placeholder.Check(tmpl); err != nil {
			return fmt.Errorf("%w: git.%s: %w", ErrInvalidConfig, key, err)
		}
	}
	if e.Git.Filename == "" {
		return fmt.Errorf("%w: git.filename is required", ErrInvalidConfig)
	}
	if strings.HasPrefix(e.Git.Path, "/") || escapes(e.Git.Path) {
		return fmt.Errorf("%w: git.path must stay inside the repository", ErrInvalidConfig)
	}
	return nil
}

// escapes reports whether a (template) path climbs above its root.
func escapes(p string) bool {
	if p == "" {
		return false
	}
	clean := path.Clean(p)
	return clean == ".." || strings.HasPrefix(clean, "../")
}

// CheckSecrets decrypts every configured secret once and discards the
// plaintext. Without a vault any configured secret is an error.
func (c *Config) CheckSecrets(v *vault.Vault) error {
	var errs []error
	for _, name := range c.EntryNames() {
		if err := CheckEntrySecrets(c.Entries[name], v); err != nil {
			errs = append(errs, fmt.Errorf("entry %q: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// CheckEntrySecrets is CheckSecrets for a single entry type.
func CheckEntrySecrets(e EntryTypeConfig, v *vault.Vault) error {
	if len(e.Secrets) == 0 {
		return nil
	}
	if v == nil {
		return fmt.Errorf("%w: secrets configured but no vault key loaded", ErrInvalidConfig)
	}
	for key, s := range e.Secrets {
		if _, err := v.Decrypt(s); err != nil {
			return fmt.Errorf("secret %q: %w", key, err)
		}
	}
	return nil
}

// AllowsProject reports whether project matches allowed_projects.
// An empty list allows every project.
func (b BackendConfig) AllowsProject(project string) bool {
	if len(b.AllowedProjects) == 0 {
		return true
	}
	for _, pattern := range b.AllowedProjects {
		if ok, err := doublestar.Match(pattern, project); err == nil && ok {
			return true
		}
	}
	return false
}
