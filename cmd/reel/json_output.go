package main

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

// addJSONFlag registers the shared --json switch on cmd.
func addJSONFlag(cmd *cobra.Command, target *bool) {
	cmd.Flags().BoolVar(target, "json", false, "Output as JSON")
}

// writeJSON prints v as indented JSON. Paths and log lines are printed
// verbatim, without HTML escaping.
func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}
