package main

import (
	"encoding/json"
	"os"

	"github.com/fslongjin/sandboxd/internal/tooltree"
	"github.com/spf13/cobra"
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "Print the function catalog found under the tools root",
	RunE: func(cmd *cobra.Command, args []string) error {
		catalog, err := tooltree.NewAssembler(cfg.Tools.Root).Catalog()
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(catalog)
	},
}
