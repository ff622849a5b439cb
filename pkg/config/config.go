package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"

	yarderrors "thoreinstein.com/yard/pkg/errors"
	"thoreinstein.com/yard/pkg/layout"
)

// Config represents the application configuration
type Config struct {
	Root        string            `mapstructure:"root"` // Projects root
	Registry    RegistryConfig    `mapstructure:"registry"`
	Git         GitConfig         `mapstructure:"git"`
	Workspace   WorkspaceConfig   `mapstructure:"workspace"`
	Adopt       AdoptConfig       `mapstructure:"adopt"`
	Environment EnvironmentConfig `mapstructure:"environment"`
	Journal     JournalConfig     `mapstructure:"journal"`
}

// RegistryConfig holds registry file configuration
type RegistryConfig struct {
	Path string `mapstructure:"path"`
}

// GitConfig holds git CLI configuration
type GitConfig struct {
	Command    string        `mapstructure:"command"`     // Executable looked up on PATH
	Timeout    time.Duration `mapstructure:"timeout"`     // Per-invocation timeout
	MinVersion string        `mapstructure:"min_version"` // semver constraint, e.g. ">= 2.31"
}

// WorkspaceConfig holds workspace creation defaults
type WorkspaceConfig struct {
	DefaultName   string `mapstructure:"default_name"`   // Workspace created with every project
	DefaultBranch string `mapstructure:"default_branch"` // Branch a new project starts on
	Parallelism   int    `mapstructure:"parallelism"`    // Concurrent inspections during reconcile
}

// AdoptConfig holds adoption configuration
type AdoptConfig struct {
	FetchRemote  bool   `mapstructure:"fetch_remote"`  // Fetch the original remote after rewiring
	UpstreamName string `mapstructure:"upstream_name"` // What the original origin is renamed to
	Retries      int    `mapstructure:"retries"`       // Retries for the upstream fetch
}

// EnvironmentConfig holds the shared environment configuration
type EnvironmentConfig struct {
	Name         string        `mapstructure:"name"`
	Path         string        `mapstructure:"path"`
	Python       string        `mapstructure:"python"`
	Timeout      time.Duration `mapstructure:"timeout"`
	ManifestName string        `mapstructure:"manifest_name"` // Written into each workspace on export
}

// JournalConfig holds the operation journal configuration
type JournalConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"` // SQLite database
}

// Load loads the configuration from file and environment variables
func Load() (*Config, error) {
	config := &Config{}

	// Set defaults
	setDefaults()

	// Unmarshal the config
	if err := viper.Unmarshal(config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}

	// Expand paths
	if err := expandPaths(config); err != nil {
		return nil, errors.Wrap(err, "failed to expand paths")
	}

	// Validate configuration
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "config validation failed")
	}

	return config, nil
}

// Validate validates the configuration and returns any validation errors.
func (c *Config) Validate() error {
	if c.Root == "" || !filepath.IsAbs(c.Root) {
		return yarderrors.NewConfigError("root", "must be an absolute path (got "+c.Root+")")
	}
	if c.Registry.Path == "" || !filepath.IsAbs(c.Registry.Path) {
		return yarderrors.NewConfigError("registry.path", "must be an absolute path")
	}
	if c.Git.Timeout <= 0 {
		return yarderrors.NewConfigError("git.timeout", "must be positive")
	}
	if c.Git.MinVersion != "" {
		if _, err := semver.NewConstraint(c.Git.MinVersion); err != nil {
			return yarderrors.NewConfigErrorWithCause("git.min_version", "not a version constraint", err)
		}
	}
	if err := layout.ValidateName("workspace", c.Workspace.DefaultName); err != nil {
		return yarderrors.NewConfigErrorWithCause("workspace.default_name", err.Error(), err)
	}
	if err := layout.ValidateName("branch", c.Workspace.DefaultBranch); err != nil {
		return yarderrors.NewConfigErrorWithCause("workspace.default_branch", err.Error(), err)
	}
	if c.Workspace.Parallelism < 1 {
		return yarderrors.NewConfigError("workspace.parallelism", "must be at least 1")
	}
	if err := layout.ValidateName("remote", c.Adopt.UpstreamName); err != nil {
		return yarderrors.NewConfigErrorWithCause("adopt.upstream_name", err.Error(), err)
	}
	if c.Adopt.UpstreamName == "origin" {
		return yarderrors.NewConfigError("adopt.upstream_name", "cannot be origin")
	}
	if c.Adopt.Retries < 0 {
		return yarderrors.NewConfigError("adopt.retries", "cannot be negative")
	}
	if err := layout.ValidateName("environment", c.Environment.Name); err != nil {
		return yarderrors.NewConfigErrorWithCause("environment.name", err.Error(), err)
	}
	if c.Environment.Path == "" || !filepath.IsAbs(c.Environment.Path) {
		return yarderrors.NewConfigError("environment.path", "must be an absolute path")
	}
	if c.Environment.Timeout <= 0 {
		return yarderrors.NewConfigError("environment.timeout", "must be positive")
	}
	if name := c.Environment.ManifestName; name == "" || name != filepath.Base(name) {
		return yarderrors.NewConfigError("environment.manifest_name", "must be a file name, not a path")
	}
	if c.Journal.Enabled && !filepath.IsAbs(c.Journal.Path) {
		return yarderrors.NewConfigError("journal.path", "must be an absolute path")
	}
	return nil
}

// setDefaults sets default configuration values
func setDefaults() {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		// Fall back to current directory if home dir can't be determined
		homeDir = "."
	}
	dataDir := filepath.Join(homeDir, ".local", "share", "yard")

	viper.SetDefault("root", filepath.Join(dataDir, "projects"))
	viper.SetDefault("registry.path", filepath.Join(dataDir, "registry.toml"))

	// Git defaults
	viper.SetDefault("git.command", "git")
	viper.SetDefault("git.timeout", "2m")
	viper.SetDefault("git.min_version", ">= 2.31")

	// Workspace defaults
	viper.SetDefault("workspace.default_name", "main")
	viper.SetDefault("workspace.default_branch", "main")
	viper.SetDefault("workspace.parallelism", 4)

	// Adoption defaults
	viper.SetDefault("adopt.fetch_remote", false)
	viper.SetDefault("adopt.upstream_name", "upstream")
	viper.SetDefault("adopt.retries", 2)

	// Environment defaults
	viper.SetDefault("environment.name", "global")
	viper.SetDefault("environment.path", filepath.Join(dataDir, "global_venv"))
	viper.SetDefault("environment.python", "python3")
	viper.SetDefault("environment.timeout", "5m")
	viper.SetDefault("environment.manifest_name", "requirements.txt")

	// Journal defaults
	viper.SetDefault("journal.enabled", true)
	viper.SetDefault("journal.path", filepath.Join(dataDir, "journal.db"))
}

// expandPaths expands ~ in paths
func expandPaths(config *Config) error {
	var err error

	config.Root, err = expandPath(config.Root)
	if err != nil {
		return err
	}

	config.Registry.Path, err = expandPath(config.Registry.Path)
	if err != nil {
		return err
	}

	config.Environment.Path, err = expandPath(config.Environment.Path)
	if err != nil {
		return err
	}

	config.Journal.Path, err = expandPath(config.Journal.Path)
	if err != nil {
		return err
	}

	return nil
}

// expandPath expands ~ to home directory
func expandPath(path string) (string, error) {
	if len(path) == 0 || path[0] != '~' {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	return filepath.Join(homeDir, path[1:]), nil
}
