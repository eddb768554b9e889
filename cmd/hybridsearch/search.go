package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dshills/hybridsearch/internal/distance"
	"github.com/dshills/hybridsearch/internal/engine"
	"github.com/dshills/hybridsearch/internal/searcher"
	"github.com/dshills/hybridsearch/pkg/metadata"
)

func NewSearchCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search <collection> [query]",
		Short: "Search a collection",
		Long: `Search a collection by semantic similarity, keywords and metadata filters.

Filters are a JSON array, for example:
  --filters '[{"key":"lang","op":"eq","value":"en"},{"key":"year","op":"gte","value":2020}]'`,
		Args: cobra.RangeArgs(1, 2),
		RunE: a.withEngine(runSearch),
	}

	cmd.Flags().IntP("number", "n", 0, "Maximum results (default: search.default_k)")
	cmd.Flags().StringP("strategy", "s", "prefilter", "Strategy (prefilter|rrf|weighted)")
	cmd.Flags().StringP("keywords", "k", "", "Full-text query")
	cmd.Flags().StringP("filters", "f", "", "Metadata filters as a JSON array")
	cmd.Flags().String("metric", "", "Metric; must match the collection")
	cmd.Flags().Bool("exact", false, "Scan every candidate instead of using the index")
	cmd.Flags().Bool("keyword-filter", false, "prefilter: restrict candidates to matches of the query text when no keywords are given")
	cmd.Flags().Int("probes", 0, "IVF lists scanned")
	cmd.Flags().Int("ef-search", 0, "HNSW search beam width")
	cmd.Flags().Float64("rrf-constant", 0, "RRF smoothing constant")
	cmd.Flags().Int("candidates", 0, "Candidates per ranked list before fusion")
	cmd.Flags().Float64("text-weight", 0.5, "weighted: text score weight")
	cmd.Flags().Float64("vector-weight", 0.5, "weighted: vector score weight")
	cmd.Flags().Duration("timeout", 0, "Query deadline")
	return cmd
}

func runSearch(cmd *cobra.Command, e *engine.Engine, args []string) error {
	q, err := buildQuery(cmd, e, args)
	if err != nil {
		return err
	}

	resp, err := e.Searcher.Search(cmd.Context(), q)
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}

	if wantJSON(cmd) {
		return outputJSON(cmd, resp)
	}
	w := cmd.OutOrStdout()
	for _, r := range resp.Results {
		fmt.Fprintf(w, "%3d  %.4f  #%d  %s\n", r.Rank, r.Score, r.DocumentID, preview(r.Content, 80))
	}
	approx := "exact"
	if resp.Approximate {
		approx = "approximate"
	}
	fmt.Fprintf(w, "%d result(s), %s, %s, %s\n", len(resp.Results), resp.Strategy, approx, resp.Duration)
	return nil
}

func buildQuery(cmd *cobra.Command, e *engine.Engine, args []string) (searcher.Query, error) {
	flags := cmd.Flags()
	q := searcher.Query{Collection: args[0], UseCache: true}
	if len(args) == 2 {
		q.Text = args[1]
	}

	strategy, _ := flags.GetString("strategy")
	s, err := searcher.ParseStrategy(strategy)
	if err != nil {
		return q, err
	}
	q.Strategy = s

	q.K, _ = flags.GetInt("number")
	if q.K == 0 {
		q.K = e.Config().Search.DefaultK
	}
	q.Keywords, _ = flags.GetString("keywords")
	q.Exact, _ = flags.GetBool("exact")
	q.KeywordFilter, _ = flags.GetBool("keyword-filter")
	q.Probes, _ = flags.GetInt("probes")
	q.EFSearch, _ = flags.GetInt("ef-search")
	q.RRFConstant, _ = flags.GetFloat64("rrf-constant")
	q.CandidateLimit, _ = flags.GetInt("candidates")
	q.Timeout, _ = flags.GetDuration("timeout")

	if m, _ := flags.GetString("metric"); m != "" {
		metric, err := distance.ParseMetric(m)
		if err != nil {
			return q, err
		}
		q.Metric = metric
	}
	if raw, _ := flags.GetString("filters"); raw != "" {
		filters, err := metadata.ParseFiltersJSON([]byte(raw))
		if err != nil {
			return q, err
		}
		q.Filters = filters
	}
	if q.Strategy == searcher.StrategyWeighted {
		text, _ := flags.GetFloat64("text-weight")
		vec, _ := flags.GetFloat64("vector-weight")
		q.Weights = &searcher.Weights{Text: text, Vector: vec}
	}
	return q, nil
}

func preview(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}
