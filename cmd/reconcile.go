package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
)

// reconcileCmd reports drift between the registry and the disk
var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Report differences between the registry and the disk",
	Long: `Compare the registry with what is actually under the projects root.

Reports registered projects and workspaces that are missing on disk,
directories the registry does not know about, and workspaces whose origin
does not point at their project's bare repository. Nothing is changed.

With --strict the command fails when anything is reported, for use in
scripts.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReconcileCommand(cmd)
	},
}

var (
	reconcileRoot   string
	reconcileStrict bool
	reconcileOutput string
)

func init() {
	rootCmd.AddCommand(reconcileCmd)

	reconcileCmd.Flags().StringVar(&reconcileRoot, "root", "", "projects root (default from config)")
	reconcileCmd.Flags().BoolVar(&reconcileStrict, "strict", false, "exit non-zero when discrepancies are found")
	addOutputFlag(reconcileCmd, &reconcileOutput)
}

func runReconcileCommand(cmd *cobra.Command) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.Close()

	root, err := resolveRoot(app.Config.Root, reconcileRoot)
	if err != nil {
		return err
	}

	found, err := app.Manager.Reconcile(cmd.Context(), root)
	if err != nil {
		return err
	}

	err = render(cmd.OutOrStdout(), reconcileOutput, found, func(w io.Writer) error {
		if len(found) == 0 {
			fmt.Fprintf(w, "Registry and %s agree\n", root)
			return nil
		}
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "KIND\tPROJECT\tWORKSPACE\tPATH\tDETAIL")
		for _, d := range found {
			ws := d.Workspace
			if ws == "" {
				ws = "-"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", d.Kind, d.Project, ws, d.Path, d.Detail)
		}
		return tw.Flush()
	})
	if err != nil {
		return err
	}

	if reconcileStrict && len(found) > 0 {
		return errors.Newf("%d discrepancies found", len(found))
	}
	return nil
}
