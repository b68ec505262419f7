// Package config holds the configuration model of staticimp: backends, entry
// types and their field and placement rules.
//
// A Config is built once, by Load or Parse followed by ApplyEnv and Validate,
// and is treated as immutable afterwards. Project configuration fetched from a
// repository is overlaid with WithProject, which returns a new Config.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/staticimp/staticimp/pkg/fields"
	"github.com/staticimp/staticimp/pkg/placeholder"
	"github.com/staticimp/staticimp/pkg/vault"
)

// ErrInvalidConfig marks configuration that violates an invariant. Errors
// wrapping it are server-side defects, not caller mistakes.
var ErrInvalidConfig = errors.New("invalid configuration")

// Defaults.
const (
	DefaultHost           = "0.0.0.0"
	DefaultPort           = 8080
	DefaultBackendTimeout = 30 * time.Second
	DefaultReviewBranch   = "staticimp_{@id}"
	DefaultMRTitle        = "New {@entry_type} entry"
	DefaultCommitMessage  = "Add {@entry_type} entry {@id}"
)

// Format is the serialization of committed entries.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseFormat accepts json, yaml and yml. The empty string means json.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "", "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	}
	return "", fmt.Errorf("%w: unknown format %q (want json or yaml)", ErrInvalidConfig, s)
}

// Ext returns the file extension for f, without the dot.
func (f Format) Ext() string {
	if f == FormatYAML {
		return "yml"
	}
	return "json"
}

// UnmarshalYAML normalizes the yml alias.
func (f *Format) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := ParseFormat(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*f = parsed
	return nil
}

// Config is the server configuration.
type Config struct {
	Host            string                     `yaml:"host" json:"host"`
	Port            int                        `yaml:"port" json:"port"`
	TimestampFormat string                     `yaml:"timestamp_format" json:"timestamp_format"`
	// ProjectConfigTTL caches project config files fetched from backends.
	ProjectConfigTTL time.Duration `yaml:"project_config_ttl,omitempty" json:"project_config_ttl,omitempty"`
	Backends        map[string]BackendConfig   `yaml:"backends" json:"backends"`
	Entries         map[string]EntryTypeConfig `yaml:"entries" json:"entries"`
	Vault           VaultConfig                `yaml:"vault,omitempty" json:"vault,omitempty"`
}

// VaultConfig locates the private key of the secret vault.
type VaultConfig struct {
	PrivateKeyFile string `yaml:"private_key_file,omitempty" json:"private_key_file,omitempty"`
}

// BackendConfig describes one remote repository provider.
type BackendConfig struct {
	// Name is the key of the backend in Config.Backends.
	Name                string            `yaml:"-" json:"name"`
	Driver              string            `yaml:"driver" json:"driver"`
	Host                string            `yaml:"host,omitempty" json:"host,omitempty"`
	Token               string            `yaml:"token,omitempty" json:"-"`
	ProjectConfigPath   string            `yaml:"project_config_path,omitempty" json:"project_config_path,omitempty"`
	ProjectConfigFormat Format            `yaml:"project_config_format,omitempty" json:"project_config_format,omitempty"`
	AllowedProjects     []string          `yaml:"allowed_projects,omitempty" json:"allowed_projects,omitempty"`
	Timeout             time.Duration     `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Options             map[string]string `yaml:"options,omitempty" json:"options,omitempty"`
}

// EntryTypeConfig describes one kind of submission.
type EntryTypeConfig struct {
	// Name is the key of the entry type in Config.Entries.
	Name     string                  `yaml:"-" json:"name"`
	Disabled bool                    `yaml:"disabled,omitempty" json:"disabled,omitempty"`
	Debug    bool                    `yaml:"debug,omitempty" json:"debug,omitempty"`
	Fields   fields.Config           `yaml:"fields" json:"fields"`
	Review   bool                    `yaml:"review,omitempty" json:"review,omitempty"`
	Format   Format                  `yaml:"format,omitempty" json:"format,omitempty"`
	Git      *GitPlacementConfig     `yaml:"git,omitempty" json:"git,omitempty"`
	Secrets  map[string]vault.Secret `yaml:"secrets,omitempty" json:"secrets,omitempty"`
}

// GitPlacementConfig holds the templates that place an entry in a repository.
type GitPlacementConfig struct {
	Path          string `yaml:"path" json:"path"`
	Filename      string `yaml:"filename" json:"filename"`
	Branch        string `yaml:"branch,omitempty" json:"branch,omitempty"`
	CommitMessage string `yaml:"commit_message,omitempty" json:"commit_message,omitempty"`
	ReviewBranch  string `yaml:"review_branch,omitempty" json:"review_branch,omitempty"`
	MRTitle       string `yaml:"mr_title,omitempty" json:"mr_title,omitempty"`
	MRDescription string `yaml:"mr_description,omitempty" json:"mr_description,omitempty"`
}

// templates returns the placement templates keyed by their config name.
func (g *GitPlacementConfig) templates() map[string]string {
	return map[string]string{
		"path":           g.Path,
		"filename":       g.Filename,
		"branch":         g.Branch,
		"commit_message": g.CommitMessage,
		"review_branch":  g.ReviewBranch,
		"mr_title":       g.MRTitle,
		"mr_description": g.MRDescription,
	}
}

// Load reads and parses the configuration file at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	cfg, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a YAML (or JSON) configuration and fills defaults.
// Unknown keys are rejected.
func Parse(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.TimestampFormat == "" {
		c.TimestampFormat = placeholder.DefaultTimestampFormat
	}
	if c.Backends == nil {
		c.Backends = map[string]BackendConfig{}
	}
	for name, b := range c.Backends {
		b.Name = name
		if b.Timeout <= 0 {
			b.Timeout = DefaultBackendTimeout
		}
		c.Backends[name] = b
	}
	c.Entries = withEntryDefaults(c.Entries)
}

func withEntryDefaults(in map[string]EntryTypeConfig) map[string]EntryTypeConfig {
	out := make(map[string]EntryTypeConfig, len(in))
	for name, e := range in {
		e.Name = name
		if e.Format == "" {
			e.Format = FormatJSON
		}
		if e.Git != nil {
			g := *e.Git
			if g.ReviewBranch == "" {
				g.ReviewBranch = DefaultReviewBranch
			}
			if g.MRTitle == "" {
				g.MRTitle = DefaultMRTitle
			}
			if g.CommitMessage == "" {
				g.CommitMessage = DefaultCommitMessage
			}
			e.Git = &g
		}
		out[name] = e
	}
	return out
}

// Backend returns the backend configured under name.
func (c *Config) Backend(name string) (BackendConfig, bool) {
	b, ok := c.Backends[name]
	return b, ok
}

// Entry returns the entry type configured under name.
func (c *Config) Entry(name string) (EntryTypeConfig, bool) {
	e, ok := c.Entries[name]
	return e, ok
}

// EntryNames returns the configured entry type names, sorted.
func (c *Config) EntryNames() []string {
	names := make([]string, 0, len(c.Entries))
	for name := range c.Entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BackendNames returns the configured backend names, sorted.
func (c *Config) BackendNames() []string {
	names := make([]string, 0, len(c.Backends))
	for name := range c.Backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Project is the subset of configuration a repository may carry for itself.
type Project struct {
	Entries map[string]EntryTypeConfig `yaml:"entries" json:"entries"`
}

// ParseProject decodes a project configuration file in the given format.
// JSON goes through the YAML decoder so that ordered mappings keep their order.
func ParseProject(data []byte, format Format) (*Project, error) {
	if format != "" && format != FormatJSON && format != FormatYAML {
		return nil, fmt.Errorf("%w: unknown project config format %q", ErrInvalidConfig, format)
	}
	var p Project
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: project config: %v", ErrInvalidConfig, err)
	}
	p.Entries = withEntryDefaults(p.Entries)
	return &p, nil
}

// WithProject returns a copy of c whose entry types are overlaid by the
// project's. Entry types of the same name are replaced in full. c is not
// modified.
func (c *Config) WithProject(p *Project) *Config {
	merged := *c
	merged.Entries = maps.Clone(c.Entries)
	if merged.Entries == nil {
		merged.Entries = map[string]EntryTypeConfig{}
	}
	if p != nil {
		for name, e := range p.Entries {
			merged.Entries[name] = e
		}
	}
	return &merged
}
