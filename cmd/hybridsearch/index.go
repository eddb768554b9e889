package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dshills/hybridsearch/internal/engine"
	"github.com/dshills/hybridsearch/internal/index"
)

func NewIndexCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Build and inspect ANN indexes",
	}
	cmd.AddCommand(newIndexBuildCmd(a), newIndexStatusCmd(a))
	return cmd
}

func newIndexBuildCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build <collection>",
		Short: "Build the index of a collection",
		Long: `Build the ANN index of a collection. With a snapshot directory configured the
index is saved on exit and restored by the next command or server.`,
		Args: cobra.ExactArgs(1),
		RunE: a.withEngine(runIndexBuild),
	}
	cmd.Flags().String("strategy", "", "Index strategy (hnsw|ivf|flat); default: the collection's")
	cmd.Flags().Int("m", 0, "HNSW neighbours per node")
	cmd.Flags().Int("ef-construction", 0, "HNSW build beam width")
	cmd.Flags().Int("lists", 0, "IVF list count (0 picks sqrt(n))")
	cmd.Flags().Int("probes", 0, "IVF default lists scanned per query")
	cmd.Flags().Int64("seed", 0, "Random seed")
	return cmd
}

func runIndexBuild(cmd *cobra.Command, e *engine.Engine, args []string) error {
	flags := cmd.Flags()
	p := e.Config().IndexParams()
	override := func(dst *int, name string) {
		if flags.Changed(name) {
			*dst, _ = flags.GetInt(name)
		}
	}
	override(&p.HNSW.M, "m")
	override(&p.HNSW.EFConstruction, "ef-construction")
	override(&p.IVF.Lists, "lists")
	override(&p.IVF.Probes, "probes")
	if flags.Changed("seed") {
		p.Seed, _ = flags.GetInt64("seed")
	}
	if err := p.Validate(); err != nil {
		return err
	}

	strategy, _ := flags.GetString("strategy")
	res, err := e.BuildIndex(cmd.Context(), args[0], strategy, &p)
	if err != nil {
		return fmt.Errorf("build index: %w", err)
	}

	if wantJSON(cmd) {
		return outputJSON(cmd, res)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "built %s index of %s over %d documents in %s\n",
		res.Strategy, res.Collection, res.Documents, res.Duration)
	return nil
}

func newIndexStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status [collection]",
		Short: "Show index and storage status",
		Args:  cobra.MaximumNArgs(1),
		RunE:  a.withEngine(runIndexStatus),
	}
}

func runIndexStatus(cmd *cobra.Command, e *engine.Engine, args []string) error {
	ctx := cmd.Context()
	var names []string
	if len(args) == 1 {
		names = args
	} else {
		colls, err := e.Storage.ListCollections(ctx)
		if err != nil {
			return fmt.Errorf("list collections: %w", err)
		}
		for _, c := range colls {
			names = append(names, c.Name)
		}
	}

	reports := make([]*engine.CollectionReport, 0, len(names))
	for _, name := range names {
		report, err := e.Status(ctx, name)
		if err != nil {
			return fmt.Errorf("status %s: %w", name, err)
		}
		reports = append(reports, report)
	}

	if wantJSON(cmd) {
		return outputJSON(cmd, reports)
	}
	w := cmd.OutOrStdout()
	for _, r := range reports {
		fmt.Fprintf(w, "%s: %d documents, %.2f MB, %d queries\n",
			r.Storage.Collection.Name, r.Storage.DocumentCount, r.Storage.StorageSizeMB, r.Storage.QueriesServed)
		fmt.Fprintf(w, "  index: %s\n", indexSummary(r.Index))
	}
	return nil
}

func indexSummary(st index.Status) string {
	switch {
	case st.Building:
		return "building"
	case !st.Built:
		return "not built"
	}
	s := fmt.Sprintf("%s, %d vectors", st.Strategy, st.Stats.Len)
	if st.Stats.Deleted > 0 {
		s += fmt.Sprintf(", %d deleted", st.Stats.Deleted)
	}
	if st.Stale {
		s += ", stale"
	}
	return s
}
