package main

import (
	"github.com/spf13/cobra"
)

func NewRootCmd(version string, a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "hybridsearch",
		Short:         "Hybrid vector and keyword search engine",
		Long:          `Store documents with embeddings and metadata, build ANN indexes and run filtered hybrid queries, from the command line or as an MCP server.`,
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		Run: func(cmd *cobra.Command, _ []string) {
			_ = cmd.Help()
		},
	}

	addPersistentFlags(rootCmd)

	if a != nil {
		addSubcommands(rootCmd, a)
	}

	return rootCmd
}

func addPersistentFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String("config", "", "Config file (default $HYBRIDSEARCH_CONFIG)")
	cmd.PersistentFlags().String("db", "", "SQLite database path (overrides the config)")
	cmd.PersistentFlags().String("log-level", "", "Log level (debug|info|warn|error)")
	cmd.PersistentFlags().Bool("json", false, "Output in JSON format")
}

func addSubcommands(root *cobra.Command, a *app) {
	root.AddCommand(
		NewServeCmd(a),
		NewCollectionCmd(a),
		NewIngestCmd(a),
		NewSearchCmd(a),
		NewIndexCmd(a),
		NewReembedCmd(a),
		NewVersionCmd(),
	)
}
