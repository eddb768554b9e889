package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/hybridsearch/internal/engine"
)

func NewCollectionCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "collection",
		Aliases: []string{"coll"},
		Short:   "Manage collections",
	}
	cmd.AddCommand(
		newCollectionCreateCmd(a),
		newCollectionListCmd(a),
		newCollectionDeleteCmd(a),
	)
	return cmd
}

func newCollectionCreateCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a collection",
		Args:  cobra.ExactArgs(1),
		RunE:  a.withEngine(runCollectionCreate),
	}
	cmd.Flags().IntP("dimension", "d", 0, "Embedding dimension (default: embedder dimension)")
	cmd.Flags().StringP("metric", "m", "", "Distance metric (l2|cosine|inner_product)")
	cmd.Flags().String("index", "", "Index strategy (hnsw|ivf|flat)")
	return cmd
}

func runCollectionCreate(cmd *cobra.Command, e *engine.Engine, args []string) error {
	dim, _ := cmd.Flags().GetInt("dimension")
	metric, _ := cmd.Flags().GetString("metric")
	strategy, _ := cmd.Flags().GetString("index")

	coll, err := e.CreateCollection(cmd.Context(), engine.CollectionSpec{
		Name:          args[0],
		Dimension:     dim,
		Metric:        metric,
		IndexStrategy: strategy,
	})
	if err != nil {
		return fmt.Errorf("create collection: %w", err)
	}

	if wantJSON(cmd) {
		return outputJSON(cmd, map[string]any{
			"name":           coll.Name,
			"dimension":      coll.Dimension,
			"metric":         coll.Metric,
			"index_strategy": coll.IndexStrategy,
		})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "created %s (dimension %d, %s, %s)\n",
		coll.Name, coll.Dimension, coll.Metric, coll.IndexStrategy)
	return nil
}

func newCollectionListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List collections",
		Args:    cobra.NoArgs,
		RunE:    a.withEngine(runCollectionList),
	}
}

func runCollectionList(cmd *cobra.Command, e *engine.Engine, _ []string) error {
	ctx := cmd.Context()
	colls, err := e.Storage.ListCollections(ctx)
	if err != nil {
		return fmt.Errorf("list collections: %w", err)
	}

	out := make([]map[string]any, 0, len(colls))
	for _, coll := range colls {
		count, err := e.Storage.CountDocuments(ctx, coll.ID)
		if err != nil {
			return fmt.Errorf("count %s: %w", coll.Name, err)
		}
		out = append(out, map[string]any{
			"name":           coll.Name,
			"dimension":      coll.Dimension,
			"metric":         coll.Metric,
			"index_strategy": coll.IndexStrategy,
			"documents":      count,
			"created_at":     coll.CreatedAt.Format(time.RFC3339),
		})
	}

	if wantJSON(cmd) {
		return outputJSON(cmd, out)
	}
	for _, c := range out {
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\t%s\t%s\t%d\n",
			c["name"], c["dimension"], c["metric"], c["index_strategy"], c["documents"])
	}
	return nil
}

func newCollectionDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <name>",
		Aliases: []string{"rm"},
		Short:   "Delete a collection and its documents",
		Args:    cobra.ExactArgs(1),
		RunE: a.withEngine(func(cmd *cobra.Command, e *engine.Engine, args []string) error {
			if err := e.DeleteCollection(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("delete collection: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		}),
	}
}
