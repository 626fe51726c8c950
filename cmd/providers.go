package main

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "Print the enabled providers and their breaker settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"providers": cfg.Descriptors()})
	},
}

func init() {
	rootCmd.AddCommand(providersCmd)
}
