package cmd

import (
	"encoding/json"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.yaml.in/yaml/v3"
)

// Output formats accepted by --output.
const (
	outputText = "text"
	outputJSON = "json"
	outputYAML = "yaml"
)

// addOutputFlag registers --output/-o on cmd, bound to target.
func addOutputFlag(cmd *cobra.Command, target *string) {
	cmd.Flags().StringVarP(target, "output", "o", outputText, "output format: text, json or yaml")
}

// render writes v in format. Text output is produced by text.
func render(w io.Writer, format string, v any, text func(io.Writer) error) error {
	switch format {
	case "", outputText:
		return text(w)
	case outputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return errors.Wrap(enc.Encode(v), "failed to encode json")
	case outputYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return errors.Wrap(err, "failed to encode yaml")
		}
		return errors.Wrap(enc.Close(), "failed to encode yaml")
	default:
		return errors.Newf("unknown output format %q: must be one of text, json, yaml", format)
	}
}
