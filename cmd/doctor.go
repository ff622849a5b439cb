package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/Masterminds/semver/v3"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"thoreinstein.com/yard/pkg/bootstrap"
)

// checkStatus is the outcome of one doctor check.
type checkStatus string

const (
	checkPass checkStatus = "pass"
	checkWarn checkStatus = "warn"
	checkFail checkStatus = "fail"
)

// checkResult is one doctor check. Warnings do not fail the command.
type checkResult struct {
	Name    string      `json:"name" yaml:"name"`
	Status  checkStatus `json:"status" yaml:"status"`
	Message string      `json:"message" yaml:"message"`
}

// doctorCmd checks the local setup
var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check that git, the registry and the environment are usable",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDoctorCommand(cmd)
	},
}

var doctorOutput string

func init() {
	rootCmd.AddCommand(doctorCmd)
	addOutputFlag(doctorCmd, &doctorOutput)
}

func runDoctorCommand(cmd *cobra.Command) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.Close()

	results := runChecks(cmd, app)

	err = render(cmd.OutOrStdout(), doctorOutput, results, func(w io.Writer) error {
		for _, r := range results {
			fmt.Fprintf(w, "[%s] %-12s %s\n", r.Status, r.Name, r.Message)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, r := range results {
		if r.Status == checkFail {
			return errors.New("one or more checks failed")
		}
	}
	return nil
}

func runChecks(cmd *cobra.Command, app *bootstrap.App) []checkResult {
	cfg := app.Config
	var results []checkResult

	checkGit := app.Git.Version
	if cfg.Git.MinVersion != "" {
		checkGit = func(ctx context.Context) (*semver.Version, error) {
			return app.Git.CheckVersion(ctx, cfg.Git.MinVersion)
		}
	}
	if v, err := checkGit(cmd.Context()); err != nil {
		results = append(results, checkResult{"git", checkFail, err.Error()})
	} else {
		results = append(results, checkResult{"git", checkPass, "git " + v.String()})
	}

	if info, err := os.Stat(cfg.Root); err == nil && info.IsDir() {
		results = append(results, checkResult{"root", checkPass, cfg.Root})
	} else {
		results = append(results, checkResult{"root", checkWarn, cfg.Root + " does not exist yet"})
	}

	results = append(results, checkResult{"registry", checkPass,
		fmt.Sprintf("%s (%d projects)", app.Registry.Path(), len(app.Registry.List()))})

	if path, err := exec.LookPath(cfg.Environment.Python); err != nil {
		results = append(results, checkResult{"python", checkWarn, cfg.Environment.Python + " not found on PATH"})
	} else {
		results = append(results, checkResult{"python", checkPass, path})
	}

	env, ok := app.Registry.Shared()
	switch {
	case !ok:
		results = append(results, checkResult{"environment", checkWarn, "no shared environment; run 'yard env create'"})
	case !app.Venv.IsValid(env.Path):
		results = append(results, checkResult{"environment", checkFail, env.Name + ": no usable environment at " + env.Path})
	default:
		results = append(results, checkResult{"environment", checkPass, env.Name + " at " + env.Path})
	}

	switch {
	case app.Journal == nil && !app.Config.Journal.Enabled:
		results = append(results, checkResult{"journal", checkWarn, "disabled"})
	case app.Journal == nil:
		results = append(results, checkResult{"journal", checkFail, "cannot open " + app.Config.Journal.Path})
	default:
		results = append(results, checkResult{"journal", checkPass, app.Journal.Path()})
	}

	return results
}
