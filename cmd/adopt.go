package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"thoreinstein.com/yard/pkg/adopt"
)

// adoptCmd groups adoption commands
var adoptCmd = &cobra.Command{
	Use:   "adopt",
	Short: "Move existing clones into the project layout",
	Long: `Adopt working clones that live loose in a directory.

Adoption mirrors every branch and tag of the clone into the project's bare
repository, moves the clone into the project's workspaces/ directory, and
rewires its remotes: the original origin becomes upstream and origin points
at the bare repository. Nothing is lost, and a failed adoption leaves the
clone where it was.`,
}

var adoptScanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Classify the directories under a root",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAdoptScanCommand(cmd)
	},
}

var adoptRunCmd = &cobra.Command{
	Use:   "run <dir>",
	Short: "Adopt one working clone",
	Long: `Adopt one working clone. The project and workspace are named after the
directory unless --project or --workspace say otherwise. Adopting into an
existing project requires the clone to share history with it.

Examples:
  yard adopt run ~/projects/api
  yard adopt run ~/projects/api-hotfix --project api --workspace hotfix`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAdoptRunCommand(cmd, args[0])
	},
}

var adoptAllCmd = &cobra.Command{
	Use:   "all",
	Short: "Adopt every unmanaged clone under a root into one project",
	Long: `Adopt every unmanaged clone directly under the root into --project, one
workspace per clone, named after its directory. A clone that cannot be
adopted is reported and skipped.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAdoptAllCommand(cmd)
	},
}

var adoptImportCmd = &cobra.Command{
	Use:   "import <dir>",
	Short: "Turn a folder that is not a repository into a new project",
	Long: `Create a new project from a plain folder. The folder's files are copied
into the project's first workspace, committed as "Initial import" and pushed
to the bare repository. The folder itself is left untouched.

Virtual environment directories (those holding pyvenv.cfg, or named venv,
.venv, env, .env or virtualenv with an interpreter directory) are not copied;
they are listed so you can delete them once the shared environment is bound.

Examples:
  yard adopt import ~/Downloads/survey-analysis
  yard adopt import "~/old stuff/model" --project model --workspace dev`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAdoptImportCommand(cmd, args[0])
	},
}

var (
	adoptRoot      string
	adoptProject   string
	adoptWorkspace string
	adoptFetch     bool
	adoptYes       bool
	adoptOutput    string
)

func init() {
	rootCmd.AddCommand(adoptCmd)
	adoptCmd.AddCommand(adoptScanCmd)
	adoptCmd.AddCommand(adoptRunCmd)
	adoptCmd.AddCommand(adoptAllCmd)
	adoptCmd.AddCommand(adoptImportCmd)

	adoptCmd.PersistentFlags().StringVar(&adoptRoot, "root", "", "projects root (default from config)")
	adoptRunCmd.Flags().StringVar(&adoptProject, "project", "", "project to adopt into (default: directory name)")
	adoptRunCmd.Flags().StringVar(&adoptWorkspace, "workspace", "", "workspace name (default: directory name)")
	adoptAllCmd.Flags().StringVar(&adoptProject, "project", "", "project to adopt into")
	_ = adoptAllCmd.MarkFlagRequired("project")
	for _, c := range []*cobra.Command{adoptRunCmd, adoptAllCmd} {
		c.Flags().BoolVar(&adoptFetch, "fetch", false, "fetch the original remote after rewiring (default from config)")
		addOutputFlag(c, &adoptOutput)
	}
	adoptImportCmd.Flags().StringVar(&adoptProject, "project", "", "project to create (default: directory name, spaces as _)")
	adoptImportCmd.Flags().StringVar(&adoptWorkspace, "workspace", "", "first workspace name (default from config)")
	addOutputFlag(adoptImportCmd, &adoptOutput)
	adoptAllCmd.Flags().BoolVarP(&adoptYes, "yes", "y", false, "skip the confirmation prompt")
	addOutputFlag(adoptScanCmd, &adoptOutput)
}

// fetchRemote returns --fetch when given, the configured default otherwise.
func fetchRemote(cmd *cobra.Command, configured bool) bool {
	if cmd.Flags().Changed("fetch") {
		return adoptFetch
	}
	return configured
}

func runAdoptScanCommand(cmd *cobra.Command) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.Close()

	root, err := resolveRoot(app.Config.Root, adoptRoot)
	if err != nil {
		return err
	}

	candidates, err := app.Adopter.Scanner().Scan(root)
	if err != nil {
		return err
	}

	return render(cmd.OutOrStdout(), adoptOutput, candidates, func(w io.Writer) error {
		if len(candidates) == 0 {
			fmt.Fprintf(w, "No directories under %s\n", root)
			return nil
		}
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tCLASS\tWORKSPACE")
		for _, c := range candidates {
			ws := "-"
			if c.Class == adopt.Managed {
				ws = c.Project + "/" + c.Workspace
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\n", c.Name, c.Class, ws)
		}
		return tw.Flush()
	})
}

func runAdoptRunCommand(cmd *cobra.Command, dir string) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.Close()

	root, err := resolveRoot(app.Config.Root, adoptRoot)
	if err != nil {
		return err
	}

	req := adopt.Request{
		Root:        root,
		Dir:         dir,
		Project:     adoptProject,
		Workspace:   adoptWorkspace,
		FetchRemote: fetchRemote(cmd, app.Config.Adopt.FetchRemote),
	}
	project := req.Project
	if project == "" {
		project = filepath.Base(filepath.Clean(dir))
	}

	var res *adopt.Result
	err = app.Journal.Track(cmd.Context(), "adopt", project, req.Workspace, func() error {
		res, err = app.Adopter.Adopt(cmd.Context(), req)
		return err
	})
	if err != nil {
		return err
	}

	return render(cmd.OutOrStdout(), adoptOutput, res, func(w io.Writer) error {
		printAdoptResult(w, res)
		return nil
	})
}

func printAdoptResult(w io.Writer, res *adopt.Result) {
	fmt.Fprintf(w, "Adopted %s/%s at %s\n", res.Project, res.Workspace.Name, shortCommit(res.Head))
	fmt.Fprintf(w, "  Path: %s\n", res.Workspace.Path)
	if res.CreatedProject {
		fmt.Fprintf(w, "  Created project %s\n", res.Project)
	}
	for _, warning := range res.Warnings {
		fmt.Fprintf(w, "  Warning: %s\n", warning)
	}
}

func runAdoptImportCommand(cmd *cobra.Command, dir string) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.Close()

	root, err := resolveRoot(app.Config.Root, adoptRoot)
	if err != nil {
		return err
	}

	req := adopt.ImportRequest{
		Root:      root,
		Dir:       dir,
		Project:   adoptProject,
		Workspace: adoptWorkspace,
	}
	project := req.Project
	if project == "" {
		project = strings.ReplaceAll(filepath.Base(filepath.Clean(dir)), " ", "_")
	}

	var res *adopt.ImportResult
	err = app.Journal.Track(cmd.Context(), "adopt.import", project, req.Workspace, func() error {
		res, err = app.Adopter.Import(cmd.Context(), req)
		return err
	})
	if err != nil {
		return err
	}

	return render(cmd.OutOrStdout(), adoptOutput, res, func(w io.Writer) error {
		fmt.Fprintf(w, "Imported %s as %s/%s at %s\n", dir, res.Project, res.Workspace.Name, shortCommit(res.Head))
		fmt.Fprintf(w, "  Path: %s\n", res.Workspace.Path)
		fmt.Fprintf(w, "  Files: %d\n", res.Files)
		if len(res.Environments) > 0 {
			fmt.Fprintf(w, "  Not copied (virtual environments, kept in %s):\n", dir)
			for _, env := range res.Environments {
				fmt.Fprintf(w, "    %s\n", env)
			}
		}
		return nil
	})
}

func runAdoptAllCommand(cmd *cobra.Command) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.Close()

	root, err := resolveRoot(app.Config.Root, adoptRoot)
	if err != nil {
		return err
	}

	if !adoptYes && term.IsTerminal(int(os.Stdin.Fd())) {
		candidates, err := app.Adopter.Scanner().Scan(root)
		if err != nil {
			return err
		}
		pending := adopt.UnmanagedOnly(candidates)
		if len(pending) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "Nothing to adopt under %s\n", root)
			return nil
		}
		for _, c := range pending {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", c.Path)
		}
		prompt := fmt.Sprintf("Adopt %d repositories into project %s?", len(pending), adoptProject)
		if !confirm(cmd.InOrStdin(), cmd.OutOrStdout(), prompt) {
			return errors.New("aborted")
		}
	}

	var outcomes []adopt.Outcome
	err = app.Journal.Track(cmd.Context(), "adopt.all", adoptProject, "", func() error {
		outcomes, err = app.Adopter.AdoptAll(cmd.Context(), root, adoptProject, fetchRemote(cmd, app.Config.Adopt.FetchRemote))
		if err != nil {
			return err
		}
		if n := failedOutcomes(outcomes); n > 0 {
			return errors.Newf("%d of %d adoptions failed", n, len(outcomes))
		}
		return nil
	})

	renderErr := render(cmd.OutOrStdout(), adoptOutput, outcomes, func(w io.Writer) error {
		if len(outcomes) == 0 {
			fmt.Fprintf(w, "Nothing to adopt under %s\n", root)
			return nil
		}
		for _, o := range outcomes {
			if o.Err != nil {
				fmt.Fprintf(w, "FAILED %s: %v\n", o.Candidate.Name, o.Err)
				continue
			}
			printAdoptResult(w, o.Result)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return renderErr
}

func failedOutcomes(outcomes []adopt.Outcome) int {
	n := 0
	for _, o := range outcomes {
		if o.Err != nil {
			n++
		}
	}
	return n
}

// confirm asks a yes/no question on out and reads the answer from in.
// Anything but an answer starting with y is a no.
func confirm(in io.Reader, out io.Writer, question string) bool {
	fmt.Fprintf(out, "%s [y/N] ", question)
	input, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && input == "" {
		return false
	}
	input = strings.ToLower(strings.TrimSpace(input))
	return strings.HasPrefix(input, "y")
}

func shortCommit(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}
