package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"thoreinstein.com/yard/pkg/bootstrap"
	yarderrors "thoreinstein.com/yard/pkg/errors"
)

var cfgFile string
var verbose bool

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "yard",
	Short: "Yard - local git workspace manager",
	Long: `Yard keeps every project as one bare repository plus any number of
working clones (workspaces) that use it as their origin:

  <root>/<project>/origin.git/
  <root>/<project>/workspaces/<name>/

It adopts loose clones into that layout without losing history, reports
drift between its registry and the disk, and binds workspaces to a shared
Python environment.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, yarderrors.FormatUserError(err))
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "C", "", "config file (default is $HOME/.config/yard/config.toml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

// newApp loads configuration and wires the components for one command.
// Callers must Close the returned app.
func newApp() (*bootstrap.App, error) {
	cfg, err := bootstrap.InitConfig(cfgFile, verbose)
	if err != nil {
		return nil, err
	}
	return bootstrap.New(cfg, bootstrap.NewLogger(os.Stderr, verbose))
}

// resetConfig clears global viper state between tests.
func resetConfig() {
	viper.Reset()
}
