package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/dshills/hybridsearch/internal/engine"
	"github.com/dshills/hybridsearch/internal/indexer"
)

func NewIngestCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest <collection> [file]",
		Short: "Insert documents from JSON Lines",
		Long: `Insert documents read from a JSON Lines file, or stdin when the file is
omitted or "-". Each line is {"content": ..., "embedding": [...], "metadata": {...}};
documents without an embedding are embedded with the configured provider.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: a.withEngine(runIngest),
	}
	cmd.Flags().Bool("best-effort", false, "Insert valid documents and report the rejected ones")
	cmd.Flags().Int("workers", 0, "Concurrent embedding requests (default: CPU count)")
	cmd.Flags().Int("batch-size", 0, "Texts per embedding request")
	cmd.Flags().Bool("build", false, "Build the collection index after inserting")
	return cmd
}

func runIngest(cmd *cobra.Command, e *engine.Engine, args []string) error {
	var in io.Reader = cmd.InOrStdin()
	if len(args) == 2 && args[1] != "-" {
		f, err := os.Open(args[1])
		if err != nil {
			return fmt.Errorf("open documents: %w", err)
		}
		defer f.Close()
		in = f
	}

	inputs, err := indexer.ReadJSONLines(in)
	if err != nil {
		return err
	}

	bestEffort, _ := cmd.Flags().GetBool("best-effort")
	workers, _ := cmd.Flags().GetInt("workers")
	batchSize, _ := cmd.Flags().GetInt("batch-size")
	stats, err := e.Indexer.Ingest(cmd.Context(), args[0], inputs, &indexer.Config{
		Workers:    workers,
		BatchSize:  batchSize,
		BestEffort: bestEffort,
	})
	if err != nil {
		return fmt.Errorf("ingest: %w", err)
	}

	if build, _ := cmd.Flags().GetBool("build"); build && stats.Inserted > 0 {
		if _, err := e.BuildIndex(cmd.Context(), args[0], "", nil); err != nil {
			return fmt.Errorf("build index: %w", err)
		}
		stats.Rebuilt = true
	}

	if wantJSON(cmd) {
		return outputJSON(cmd, stats)
	}
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "inserted %d, failed %d, embedded %d in %s\n",
		stats.Inserted, stats.Failed, stats.Embedded, stats.Duration)
	for _, f := range stats.Failures {
		fmt.Fprintf(w, "  document %d: %s\n", f.Index, f.Reason)
	}
	return nil
}
