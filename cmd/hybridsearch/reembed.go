package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dshills/hybridsearch/internal/engine"
	"github.com/dshills/hybridsearch/internal/indexer"
)

func NewReembedCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reembed <collection>",
		Short: "Re-embed every document with the configured provider",
		Args:  cobra.ExactArgs(1),
		RunE:  a.withEngine(runReembed),
	}
	cmd.Flags().Int("workers", 0, "Concurrent embedding requests")
	cmd.Flags().Int("batch-size", 0, "Texts per embedding request")
	return cmd
}

func runReembed(cmd *cobra.Command, e *engine.Engine, args []string) error {
	workers, _ := cmd.Flags().GetInt("workers")
	batchSize, _ := cmd.Flags().GetInt("batch-size")

	stats, err := e.Reembed(cmd.Context(), args[0], &indexer.Config{Workers: workers, BatchSize: batchSize})
	if err != nil {
		return fmt.Errorf("reembed: %w", err)
	}
	if wantJSON(cmd) {
		return outputJSON(cmd, stats)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "re-embedded %d documents with %s in %s\n",
		stats.Embedded, e.Embedder.Model(), stats.Duration)
	return nil
}
