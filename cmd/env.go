package cmd

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"thoreinstein.com/yard/pkg/environment"
	"thoreinstein.com/yard/pkg/registry"
)

// envCmd groups environment commands
var envCmd = &cobra.Command{
	Use:     "env",
	Aliases: []string{"environment"},
	Short:   "Manage Python environments shared by workspaces",
	Long: `Manage Python virtual environments and the workspaces bound to them.

A workspace bound to an environment runs against it instead of owning one.
'yard env export' freezes the environment into the workspace's
requirements file, so the dependency list can be committed.`,
}

var envCreateCmd = &cobra.Command{
	Use:   "create [name]",
	Short: "Create and register an environment",
	Long: `Create a virtual environment and register it. Without arguments the
configured shared environment is created.

Examples:
  yard env create
  yard env create ml --path ~/.venvs/ml`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := ""
		if len(args) > 0 {
			name = args[0]
		}
		return runEnvCreateCommand(cmd, name)
	},
}

var envListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List registered environments",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEnvListCommand(cmd)
	},
}

var envRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Unregister an environment nothing is bound to",
	Long:  `Unregister an environment. Its files are left on disk.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEnvRemoveCommand(cmd, args[0])
	},
}

var envShareCmd = &cobra.Command{
	Use:   "share <name>",
	Short: "Make an environment the shared one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEnvShareCommand(cmd, args[0])
	},
}

var envBindCmd = &cobra.Command{
	Use:   "bind <project> <workspace>",
	Short: "Bind a workspace to an environment",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEnvBindCommand(cmd, args[0], args[1])
	},
}

var envUnbindCmd = &cobra.Command{
	Use:   "unbind <project> <workspace>",
	Short: "Clear a workspace's environment",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEnvUnbindCommand(cmd, args[0], args[1])
	},
}

var envDefaultCmd = &cobra.Command{
	Use:   "default <project> [name]",
	Short: "Set the environment new workspaces of a project are bound to",
	Long: `Set the environment that workspaces created in the project from now on
are bound to. Without a name the default is cleared. Existing workspaces
are not changed.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		env := ""
		if len(args) > 1 {
			env = args[1]
		}
		return runEnvDefaultCommand(cmd, args[0], env)
	},
}

var envExportCmd = &cobra.Command{
	Use:   "export <project> <workspace>",
	Short: "Write the workspace's frozen dependencies into the workspace",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEnvExportCommand(cmd, args[0], args[1])
	},
}

var envInstallCmd = &cobra.Command{
	Use:   "install [package...]",
	Short: "Install packages into an environment",
	Long: `Install packages into an environment with its own pip. Without --env the
shared environment is used. --kernel also installs ipykernel and registers
the environment as a Jupyter kernel named after it, so notebooks in any
workspace can select it.

Examples:
  yard env install pandas matplotlib
  yard env install --kernel
  yard env install --env ml "torch>=2.3"`,
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 && !envKernel {
			return errors.New("give at least one package, or --kernel")
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEnvInstallCommand(cmd, args)
	},
}

var (
	envKernel bool
	envPath   string
	envShared bool
	envName   string
	envOutput string
)

func init() {
	rootCmd.AddCommand(envCmd)
	envCmd.AddCommand(envCreateCmd)
	envCmd.AddCommand(envListCmd)
	envCmd.AddCommand(envRemoveCmd)
	envCmd.AddCommand(envShareCmd)
	envCmd.AddCommand(envBindCmd)
	envCmd.AddCommand(envUnbindCmd)
	envCmd.AddCommand(envDefaultCmd)
	envCmd.AddCommand(envExportCmd)
	envCmd.AddCommand(envInstallCmd)

	envCreateCmd.Flags().StringVar(&envPath, "path", "", "where to create the environment (default from config)")
	envCreateCmd.Flags().BoolVar(&envShared, "shared", false, "make this the shared environment")
	envBindCmd.Flags().StringVar(&envName, "env", "", "environment to bind to (default: the configured one)")
	envInstallCmd.Flags().StringVar(&envName, "env", "", "environment to install into (default: the shared one)")
	envInstallCmd.Flags().BoolVar(&envKernel, "kernel", false, "install ipykernel and register a Jupyter kernel")
	addOutputFlag(envListCmd, &envOutput)
}

func runEnvCreateCommand(cmd *cobra.Command, name string) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.Close()

	// The configured environment is the shared one.
	path, shared := envPath, envShared
	if name == "" || name == app.Config.Environment.Name {
		name = app.Config.Environment.Name
		if path == "" {
			path = app.Config.Environment.Path
		}
		if !cmd.Flags().Changed("shared") {
			shared = true
		}
	}
	if path == "" {
		return errors.Newf("--path is required for environment %s", name)
	}
	if path, err = filepath.Abs(path); err != nil {
		return err
	}

	var env registry.Environment
	err = app.Journal.Track(cmd.Context(), "env.create", "", "", func() error {
		env, err = app.Binder.CreateEnvironment(cmd.Context(), name, path, shared)
		return err
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Environment %s ready at %s", env.Name, env.Path)
	if env.Shared {
		fmt.Fprint(cmd.OutOrStdout(), " (shared)")
	}
	fmt.Fprintln(cmd.OutOrStdout())
	return nil
}

// envListing is one row of 'yard env list'.
type envListing struct {
	registry.Environment `yaml:",inline"`
	Bound                []string `json:"bound,omitempty" yaml:"bound,omitempty"`
}

func runEnvListCommand(cmd *cobra.Command) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.Close()

	var rows []envListing
	for _, env := range app.Registry.Environments() {
		row := envListing{Environment: env}
		for _, ref := range app.Registry.BoundWorkspaces(env.Name) {
			row.Bound = append(row.Bound, ref.Project+"/"+ref.Workspace.Name)
		}
		rows = append(rows, row)
	}

	return render(cmd.OutOrStdout(), envOutput, rows, func(w io.Writer) error {
		if len(rows) == 0 {
			fmt.Fprintln(w, "No environments registered. Create one with 'yard env create'.")
			return nil
		}
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ENVIRONMENT\tSHARED\tBOUND\tPATH")
		for _, row := range rows {
			shared := "no"
			if row.Shared {
				shared = "yes"
			}
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", row.Name, shared, len(row.Bound), row.Path)
		}
		return tw.Flush()
	})
}

func runEnvRemoveCommand(cmd *cobra.Command, name string) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.Close()

	err = app.Journal.Track(cmd.Context(), "env.remove", "", "", func() error {
		return app.Binder.RemoveEnvironment(name)
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Unregistered environment %s\n", name)
	return nil
}

func runEnvShareCommand(cmd *cobra.Command, name string) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.Close()

	if err := app.Binder.SetShared(name); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Environment %s is now shared\n", name)
	return nil
}

func runEnvBindCommand(cmd *cobra.Command, project, ws string) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.Close()

	env := envName
	if env == "" {
		env = app.Config.Environment.Name
	}

	err = app.Journal.Track(cmd.Context(), "env.bind", project, ws, func() error {
		return app.Binder.BindWorkspace(env, project, ws)
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Bound %s/%s to %s\n", project, ws, env)
	return nil
}

func runEnvInstallCommand(cmd *cobra.Command, packages []string) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.Close()

	var env registry.Environment
	err = app.Journal.Track(cmd.Context(), "env.install", "", "", func() error {
		env, err = app.Binder.Install(cmd.Context(), envName, packages, environment.InstallOptions{Kernel: envKernel})
		return err
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(packages) > 0 {
		fmt.Fprintf(out, "Installed %s into %s\n", strings.Join(packages, " "), env.Name)
	}
	if envKernel {
		fmt.Fprintf(out, "Registered Jupyter kernel %s (Python (%s))\n", env.Name, env.Name)
	}
	return nil
}

func runEnvUnbindCommand(cmd *cobra.Command, project, ws string) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.Close()

	err = app.Journal.Track(cmd.Context(), "env.unbind", project, ws, func() error {
		return app.Binder.UnbindWorkspace(project, ws)
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Unbound %s/%s\n", project, ws)
	return nil
}

func runEnvDefaultCommand(cmd *cobra.Command, project, env string) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.Close()

	if err := app.Binder.SetProjectDefault(project, env); err != nil {
		return err
	}
	if env == "" {
		fmt.Fprintf(cmd.OutOrStdout(), "Cleared the default environment of %s\n", project)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "New workspaces of %s will be bound to %s\n", project, env)
	return nil
}

func runEnvExportCommand(cmd *cobra.Command, project, ws string) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.Close()

	var dest string
	err = app.Journal.Track(cmd.Context(), "env.export", project, ws, func() error {
		dest, err = app.Binder.ExportManifest(cmd.Context(), project, ws)
		return err
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", dest)
	return nil
}
