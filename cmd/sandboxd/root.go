package main

import (
	"fmt"
	"os"

	"github.com/fslongjin/sandboxd/internal/config"
	"github.com/spf13/cobra"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:           "sandboxd",
	Short:         "Sandbox orchestrator",
	Long:          `sandboxd starts isolated tool-execution sandboxes on Kubernetes and gates their networks and datastores.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cmd)
		return err
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "path to a YAML config file")
	rootCmd.PersistentFlags().String("server.addr", ":8080", "orchestrator listen address")
	rootCmd.PersistentFlags().String("server.public_url", "http://localhost:8080", "base url sandbox urls are derived from")
	rootCmd.PersistentFlags().String("store.data_dir", "./data", "directory holding the sqlite database and vector store")
	rootCmd.PersistentFlags().String("kubernetes.kubeconfig", "", "kubeconfig path; in-cluster config when empty")
	rootCmd.PersistentFlags().String("tools.root", "./tools", "root directory of the tool tree")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(toolsCmd)
	rootCmd.AddCommand(apiKeyCmd)
}
