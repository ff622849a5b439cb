package cmd

import (
	"fmt"
	"io"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"thoreinstein.com/yard/pkg/registry"
	"thoreinstein.com/yard/pkg/workspace"
)

// projectCmd groups project commands
var projectCmd = &cobra.Command{
	Use:     "project",
	Aliases: []string{"p"},
	Short:   "Create, list and remove projects",
}

var projectCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a project with a bare repository and its first workspace",
	Long: `Create <root>/<name>/origin.git and clone it into
<root>/<name>/workspaces/<workspace>.

If any step fails, everything the command created is removed and nothing
is registered.

Examples:
  yard project create api
  yard project create api --workspace dev --branch trunk
  yard project create api --root ~/work`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runProjectCreateCommand(cmd, args[0])
	},
}

var projectListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List registered projects",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runProjectListCommand(cmd)
	},
}

var projectRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove a project, its bare repository and its workspaces",
	Long: `Remove a project. A project that still has workspaces is refused unless
--force is given; remove the workspaces first to keep their safety checks.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runProjectRemoveCommand(cmd, args[0])
	},
}

var (
	projectRoot      string
	projectWorkspace string
	projectBranch    string
	projectForce     bool
	projectOutput    string
)

func init() {
	rootCmd.AddCommand(projectCmd)
	projectCmd.AddCommand(projectCreateCmd)
	projectCmd.AddCommand(projectListCmd)
	projectCmd.AddCommand(projectRemoveCmd)

	projectCreateCmd.Flags().StringVar(&projectRoot, "root", "", "projects root (default from config)")
	projectCreateCmd.Flags().StringVar(&projectWorkspace, "workspace", "", "name of the first workspace (default from config)")
	projectCreateCmd.Flags().StringVar(&projectBranch, "branch", "", "initial branch (default from config)")
	projectRemoveCmd.Flags().BoolVarP(&projectForce, "force", "f", false, "remove even if workspaces remain")
	addOutputFlag(projectListCmd, &projectOutput)
}

// resolveRoot returns flagValue made absolute, or the configured root.
func resolveRoot(configured, flagValue string) (string, error) {
	if flagValue == "" {
		return configured, nil
	}
	return filepath.Abs(flagValue)
}

func runProjectCreateCommand(cmd *cobra.Command, name string) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.Close()

	root, err := resolveRoot(app.Config.Root, projectRoot)
	if err != nil {
		return err
	}

	var p *registry.Project
	err = app.Journal.Track(cmd.Context(), "project.create", name, "", func() error {
		p, err = app.Manager.CreateProject(cmd.Context(), root, name, workspace.ProjectOptions{
			InitialWorkspace: projectWorkspace,
			Branch:           projectBranch,
		})
		return err
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Created project %s\n", p.Name)
	fmt.Fprintf(out, "  Bare repository: %s\n", p.BarePath)
	for _, wsName := range p.WorkspaceNames() {
		fmt.Fprintf(out, "  Workspace %s: %s\n", wsName, p.Workspaces[wsName].Path)
	}
	return nil
}

func runProjectListCommand(cmd *cobra.Command) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.Close()

	projects := app.Manager.Projects()
	return render(cmd.OutOrStdout(), projectOutput, projects, func(w io.Writer) error {
		if len(projects) == 0 {
			fmt.Fprintln(w, "No projects registered. Create one with 'yard project create <name>'.")
			return nil
		}
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "PROJECT\tWORKSPACES\tENVIRONMENT\tPATH")
		for _, p := range projects {
			env := p.Environment
			if env == "" {
				env = "-"
			}
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", p.Name, len(p.Workspaces), env, p.Dir())
		}
		return tw.Flush()
	})
}

func runProjectRemoveCommand(cmd *cobra.Command, name string) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.Close()

	err = app.Journal.Track(cmd.Context(), "project.remove", name, "", func() error {
		return app.Manager.RemoveProject(cmd.Context(), name, projectForce)
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed project %s\n", name)
	return nil
}
