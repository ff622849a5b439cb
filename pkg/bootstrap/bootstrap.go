// Package bootstrap loads configuration and wires the components the CLI
// runs on.
package bootstrap

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"

	"thoreinstein.com/yard/pkg/adopt"
	"thoreinstein.com/yard/pkg/config"
	"thoreinstein.com/yard/pkg/environment"
	yarderrors "thoreinstein.com/yard/pkg/errors"
	"thoreinstein.com/yard/pkg/git"
	"thoreinstein.com/yard/pkg/journal"
	"thoreinstein.com/yard/pkg/registry"
	"thoreinstein.com/yard/pkg/workspace"
)

// LocalConfigName is the per-directory override file merged over the user
// config.
const LocalConfigName = ".yard.toml"

// InitConfig reads the config file and YARD_* environment variables.
// An explicitly named config file must exist; the default one is optional.
func InitConfig(cfgFile string, verbose bool) (*config.Config, error) {
	// Reset Viper state to avoid carrying over stale settings from previous loads.
	viper.Reset()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, errors.Wrap(err, "failed to get home directory")
		}
		viper.AddConfigPath(filepath.Join(home, ".config", "yard"))
		viper.SetConfigType("toml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("YARD")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, yarderrors.NewConfigErrorWithCause("config", "cannot read config file", err)
		}
	} else if verbose {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}

	LoadLocalConfig(verbose)

	return config.Load()
}

// LoadLocalConfig merges the nearest .yard.toml at or above the current
// directory, if there is one.
func LoadLocalConfig(verbose bool) {
	path, ok := FindLocalConfig()
	if !ok {
		return
	}

	localViper := viper.New()
	localViper.SetConfigFile(path)
	if err := localViper.ReadInConfig(); err != nil {
		if verbose {
			fmt.Fprintf(os.Stderr, "Warning: could not read local config %s: %v\n", path, err)
		}
		return
	}

	if verbose {
		fmt.Fprintf(os.Stderr, "Using local config: %s\n", path)
	}
	if err := viper.MergeConfigMap(localViper.AllSettings()); err != nil && verbose {
		fmt.Fprintf(os.Stderr, "Warning: could not merge local config: %v\n", err)
	}
}

// FindLocalConfig walks up from the current directory looking for
// .yard.toml.
func FindLocalConfig() (string, bool) {
	dir, err := os.Getwd()
	if err != nil {
		return "", false
	}

	for {
		candidate := filepath.Join(dir, LocalConfigName)
		if info, err := os.Stat(candidate); err == nil && info.Mode().IsRegular() {
			return candidate, true
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}

// NewLogger returns a text logger on w: debug level when verbose, info
// otherwise.
func NewLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// App holds the wired components for one CLI invocation.
type App struct {
	Config   *config.Config
	Logger   *slog.Logger
	Git      *git.Gateway
	Registry *registry.Registry
	Manager  *workspace.Manager
	Adopter  *adopt.Adopter
	Binder   *environment.Binder
	Venv     *environment.VenvTool
	Journal  *journal.Journal // nil when disabled
}

// New opens the registry and builds every component from cfg.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	reg, err := registry.Open(cfg.Registry.Path, registry.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	gw := git.NewGateway(
		git.WithCommand(cfg.Git.Command),
		git.WithTimeout(cfg.Git.Timeout),
		git.WithLogger(logger),
	)

	mgr := workspace.NewManager(gw, reg,
		workspace.WithLogger(logger),
		workspace.WithDefaultWorkspace(cfg.Workspace.DefaultName),
		workspace.WithDefaultBranch(cfg.Workspace.DefaultBranch),
		workspace.WithParallelism(cfg.Workspace.Parallelism),
	)

	retry := yarderrors.DefaultRetryConfig()
	retry.MaxRetries = cfg.Adopt.Retries
	adopter := adopt.NewAdopter(mgr,
		adopt.WithLogger(logger),
		adopt.WithUpstreamName(cfg.Adopt.UpstreamName),
		adopt.WithRetry(retry),
	)

	tool := environment.NewVenvTool(
		environment.WithPython(cfg.Environment.Python),
		environment.WithTimeout(cfg.Environment.Timeout),
		environment.WithToolLogger(logger),
	)
	binder, err := environment.NewBinder(reg, tool,
		environment.WithLogger(logger),
		environment.WithManifestName(cfg.Environment.ManifestName),
	)
	if err != nil {
		return nil, err
	}

	var jr *journal.Journal
	if cfg.Journal.Enabled {
		// The journal is an audit trail; a command runs without it.
		jr, err = journal.Open(cfg.Journal.Path, journal.WithLogger(logger))
		if err != nil {
			logger.Warn("journal unavailable; operations will not be recorded", "path", cfg.Journal.Path, "error", err)
			jr = nil
		}
	}

	return &App{
		Config:   cfg,
		Logger:   logger,
		Git:      gw,
		Registry: reg,
		Manager:  mgr,
		Adopter:  adopter,
		Binder:   binder,
		Venv:     tool,
		Journal:  jr,
	}, nil
}

// Close releases what New opened.
func (a *App) Close() error {
	return a.Journal.Close()
}
