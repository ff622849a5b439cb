package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"thoreinstein.com/yard/pkg/git"
	"thoreinstein.com/yard/pkg/registry"
	"thoreinstein.com/yard/pkg/workspace"
)

// workspaceCmd groups workspace commands
var workspaceCmd = &cobra.Command{
	Use:     "workspace",
	Aliases: []string{"ws"},
	Short:   "Create, remove and inspect workspaces",
}

var workspaceCreateCmd = &cobra.Command{
	Use:   "create <project> <name>",
	Short: "Clone a new workspace from the project's bare repository",
	Long: `Clone <root>/<project>/origin.git into <root>/<project>/workspaces/<name>.

With --branch the workspace checks out that branch, tracking it from origin
when it exists there and creating it from the default branch otherwise.

Examples:
  yard workspace create api review
  yard workspace create api login --branch feature/login`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorkspaceCreateCommand(cmd, args[0], args[1])
	},
}

var workspaceRemoveCmd = &cobra.Command{
	Use:   "remove <project> <name>",
	Short: "Unregister a workspace and delete its clone",
	Long: `Unregister a workspace and delete its clone. The project and its bare
repository are kept, even when this was the last workspace.

A workspace with uncommitted or unpushed work is refused unless --force is
given.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorkspaceRemoveCommand(cmd, args[0], args[1])
	},
}

var workspaceListCmd = &cobra.Command{
	Use:     "list <project>",
	Aliases: []string{"ls"},
	Short:   "List the workspaces of a project",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorkspaceListCommand(cmd, args[0])
	},
}

var workspaceStatusCmd = &cobra.Command{
	Use:   "status <project> <name>",
	Short: "Show the git status of a workspace",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorkspaceStatusCommand(cmd, args[0], args[1])
	},
}

var workspaceBranchesCmd = &cobra.Command{
	Use:   "branches <project> <name>",
	Short: "List local and remote-tracking branches of a workspace",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorkspaceBranchesCommand(cmd, args[0], args[1])
	},
}

var (
	workspaceBranch string
	workspaceForce  bool
	workspaceOutput string
)

func init() {
	rootCmd.AddCommand(workspaceCmd)
	workspaceCmd.AddCommand(workspaceCreateCmd)
	workspaceCmd.AddCommand(workspaceRemoveCmd)
	workspaceCmd.AddCommand(workspaceListCmd)
	workspaceCmd.AddCommand(workspaceStatusCmd)
	workspaceCmd.AddCommand(workspaceBranchesCmd)

	workspaceCreateCmd.Flags().StringVarP(&workspaceBranch, "branch", "b", "", "branch to check out")
	workspaceRemoveCmd.Flags().BoolVarP(&workspaceForce, "force", "f", false, "remove even with uncommitted or unpushed work")
	addOutputFlag(workspaceListCmd, &workspaceOutput)
	addOutputFlag(workspaceStatusCmd, &workspaceOutput)
	addOutputFlag(workspaceBranchesCmd, &workspaceOutput)
}

func runWorkspaceCreateCommand(cmd *cobra.Command, project, name string) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.Close()

	var ws *registry.Workspace
	err = app.Journal.Track(cmd.Context(), "workspace.create", project, name, func() error {
		ws, err = app.Manager.CreateWorkspace(cmd.Context(), project, name, workspace.WorkspaceOptions{Branch: workspaceBranch})
		return err
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Created workspace %s/%s on branch %s\n  Path: %s\n", project, ws.Name, ws.Branch, ws.Path)
	if ws.Environment != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "  Environment: %s\n", ws.Environment)
	}
	return nil
}

func runWorkspaceRemoveCommand(cmd *cobra.Command, project, name string) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.Close()

	err = app.Journal.Track(cmd.Context(), "workspace.remove", project, name, func() error {
		return app.Manager.RemoveWorkspace(cmd.Context(), project, name, workspace.RemoveOptions{Force: workspaceForce})
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed workspace %s/%s\n", project, name)
	return nil
}

func runWorkspaceListCommand(cmd *cobra.Command, project string) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.Close()

	p, err := app.Registry.Project(project)
	if err != nil {
		return err
	}

	workspaces := make([]registry.Workspace, 0, len(p.Workspaces))
	for _, name := range p.WorkspaceNames() {
		workspaces = append(workspaces, p.Workspaces[name])
	}

	return render(cmd.OutOrStdout(), workspaceOutput, workspaces, func(w io.Writer) error {
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "WORKSPACE\tBRANCH\tENVIRONMENT\tADOPTED\tPATH")
		for _, ws := range workspaces {
			env := ws.Environment
			if env == "" {
				env = "-"
			}
			adopted := "no"
			if ws.Adopted {
				adopted = "yes"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", ws.Name, ws.Branch, env, adopted, ws.Path)
		}
		return tw.Flush()
	})
}

func runWorkspaceStatusCommand(cmd *cobra.Command, project, name string) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.Close()

	st, err := app.Manager.Status(cmd.Context(), project, name)
	if err != nil {
		return err
	}

	return render(cmd.OutOrStdout(), workspaceOutput, st, func(w io.Writer) error {
		printStatus(w, st)
		return nil
	})
}

func printStatus(w io.Writer, st *git.Status) {
	fmt.Fprintf(w, "Branch: %s", st.Branch)
	if st.NoCommits {
		fmt.Fprint(w, " (no commits yet)")
	}
	fmt.Fprintln(w)
	if st.Upstream != "" {
		fmt.Fprintf(w, "Upstream: %s (ahead %d, behind %d)\n", st.Upstream, st.Ahead, st.Behind)
	}
	if st.Clean() {
		fmt.Fprintln(w, "Working tree clean")
		return
	}
	printPaths(w, "Staged", st.Staged)
	printPaths(w, "Modified", st.Modified)
	printPaths(w, "Untracked", st.Untracked)
}

func printPaths(w io.Writer, label string, paths []string) {
	if len(paths) == 0 {
		return
	}
	fmt.Fprintf(w, "%s:\n", label)
	for _, p := range paths {
		fmt.Fprintf(w, "  %s\n", p)
	}
}

func runWorkspaceBranchesCommand(cmd *cobra.Command, project, name string) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.Close()

	branches, err := app.Manager.ListBranches(cmd.Context(), project, name)
	if err != nil {
		return err
	}

	return render(cmd.OutOrStdout(), workspaceOutput, branches, func(w io.Writer) error {
		for _, b := range branches {
			name := b.Name
			if b.Remote != "" {
				name = "remotes/" + b.Remote + "/" + name
			}
			fmt.Fprintf(w, "%-40s %s\n", name, shortCommit(b.Commit))
		}
		return nil
	})
}
