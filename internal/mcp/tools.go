package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/dshills/hybridsearch/internal/distance"
	"github.com/dshills/hybridsearch/internal/engine"
	"github.com/dshills/hybridsearch/internal/indexer"
	"github.com/dshills/hybridsearch/internal/searcher"
	"github.com/dshills/hybridsearch/internal/storage"
	"github.com/dshills/hybridsearch/pkg/metadata"
	"github.com/dshills/hybridsearch/pkg/types"
)

// MCP error codes
const (
	ErrorCodeInvalidParams     = -32602 // Invalid method parameters
	ErrorCodeInternalError     = -32603 // Internal JSON-RPC error
	ErrorCodeNotFound          = -32001 // Collection or document does not exist
	ErrorCodeBuildInProgress   = -32002 // Another build of the same collection is running
	ErrorCodeTimeout           = -32005 // Query deadline exceeded
	ErrorCodeExternal          = -32006 // Embedding provider failed
	ErrorCodeDimensionMismatch = -32007 // Vector length differs from the collection dimension
	ErrorCodeMetricMismatch    = -32008 // Requested metric differs from the collection metric
	ErrorCodeEmptyCollection   = -32009 // Index build over a collection without documents
)

// handleCreateCollection handles the create_collection tool invocation
func (s *Server) handleCreateCollection(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}
	name, err := requireString(args, "name")
	if err != nil {
		return nil, err
	}

	coll, err := s.engine.CreateCollection(ctx, engine.CollectionSpec{
		Name:          name,
		Dimension:     getIntDefault(args, "dimension", 0),
		Metric:        getStringDefault(args, "metric", ""),
		IndexStrategy: getStringDefault(args, "index_strategy", ""),
	})
	if err != nil {
		return nil, toolError("failed to create collection", err)
	}
	return mcp.NewToolResultText(formatJSON(collectionInfo(coll))), nil
}

// handleListCollections handles the list_collections tool invocation
func (s *Server) handleListCollections(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	colls, err := s.engine.Storage.ListCollections(ctx)
	if err != nil {
		return nil, toolError("failed to list collections", err)
	}

	list := make([]map[string]interface{}, 0, len(colls))
	for _, coll := range colls {
		info := collectionInfo(coll)
		count, err := s.engine.Storage.CountDocuments(ctx, coll.ID)
		if err != nil {
			return nil, toolError("failed to count documents", err)
		}
		info["document_count"] = count
		info["index_built"] = s.engine.Index.Has(coll.Name)
		list = append(list, info)
	}
	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"collections": list,
		"count":       len(list),
	})), nil
}

// handleDeleteCollection handles the delete_collection tool invocation
func (s *Server) handleDeleteCollection(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}
	name, err := requireString(args, "collection")
	if err != nil {
		return nil, err
	}
	if err := s.engine.DeleteCollection(ctx, name); err != nil {
		return nil, toolError("failed to delete collection", err)
	}
	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"deleted":    true,
		"collection": name,
	})), nil
}

// handleInsertDocuments handles the insert_documents tool invocation
func (s *Server) handleInsertDocuments(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}
	collection, err := requireString(args, "collection")
	if err != nil {
		return nil, err
	}
	raw, ok := args["documents"].([]interface{})
	if !ok || len(raw) == 0 {
		return nil, paramError("documents", "must be a non-empty array")
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, paramError("documents", err.Error())
	}
	inputs, err := indexer.DecodeRecords(data)
	if err != nil {
		return nil, toolError("invalid documents", err)
	}

	stats, err := s.engine.Indexer.Ingest(ctx, collection, inputs, &indexer.Config{
		BestEffort: getBoolDefault(args, "best_effort", false),
		BatchSize:  getIntDefault(args, "batch_size", 0),
	})
	if err != nil {
		return nil, toolError("insert failed", err)
	}

	response := map[string]interface{}{
		"inserted":    stats.Inserted,
		"failed":      stats.Failed,
		"embedded":    stats.Embedded,
		"ids":         stats.IDs,
		"duration_ms": stats.Duration.Milliseconds(),
	}
	if stats.Rebuilt {
		response["index_rebuilt"] = true
	}
	if len(stats.Failures) > 0 {
		response["failures"] = stats.Failures
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handleGetDocument handles the get_document tool invocation
func (s *Server) handleGetDocument(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}
	collection, id, err := documentRef(args)
	if err != nil {
		return nil, err
	}

	doc, err := s.engine.Indexer.Document(ctx, collection, id)
	if err != nil {
		return nil, toolError("failed to get document", err)
	}

	response := map[string]interface{}{
		"id":         doc.ID,
		"collection": collection,
		"content":    doc.Content,
		"metadata":   doc.Metadata.Natural(),
		"created_at": doc.CreatedAt.Format(time.RFC3339),
		"updated_at": doc.UpdatedAt.Format(time.RFC3339),
	}
	if doc.EmbeddingModel != "" {
		response["embedding_model"] = doc.EmbeddingModel
	}
	if getBoolDefault(args, "include_embedding", false) {
		response["embedding"] = doc.Embedding
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handleDeleteDocument handles the delete_document tool invocation
func (s *Server) handleDeleteDocument(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}
	collection, id, err := documentRef(args)
	if err != nil {
		return nil, err
	}
	if err := s.engine.Indexer.Delete(ctx, collection, id); err != nil {
		return nil, toolError("failed to delete document", err)
	}
	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"deleted": true,
		"id":      id,
	})), nil
}

// handleSearch handles the search tool invocation
func (s *Server) handleSearch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}
	q, err := s.parseQuery(args)
	if err != nil {
		return nil, err
	}

	resp, err := s.engine.Searcher.Search(ctx, q)
	if err != nil {
		s.logger.Debug("search failed", zap.String("collection", q.Collection), zap.Error(err))
		return nil, toolError("search failed", err)
	}

	response := map[string]interface{}{
		"query_id":       resp.QueryID,
		"strategy":       resp.Strategy,
		"approximate":    resp.Approximate,
		"results":        resp.Results,
		"total_results":  len(resp.Results),
		"vector_results": resp.VectorResults,
		"text_results":   resp.TextResults,
		"stages":         resp.Stages,
		"cache_hit":      resp.CacheHit,
		"duration_ms":    resp.Duration.Milliseconds(),
	}
	if resp.Candidates > 0 {
		response["candidates"] = resp.Candidates
	}
	if resp.EmbeddingCached {
		response["embedding_cached"] = true
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// parseQuery maps tool arguments onto a planner query. Range checks are left
// to the planner so both surfaces report the same errors.
func (s *Server) parseQuery(args map[string]interface{}) (searcher.Query, error) {
	collection, err := requireString(args, "collection")
	if err != nil {
		return searcher.Query{}, err
	}
	strategy, err := searcher.ParseStrategy(getStringDefault(args, "strategy", ""))
	if err != nil {
		return searcher.Query{}, toolError("invalid strategy", err)
	}

	q := searcher.Query{
		Collection:     collection,
		Text:           getStringDefault(args, "query", ""),
		Keywords:       getStringDefault(args, "keywords", ""),
		K:              getIntDefault(args, "k", s.engine.Config().Search.DefaultK),
		Strategy:       strategy,
		Probes:         getIntDefault(args, "probes", 0),
		EFSearch:       getIntDefault(args, "ef_search", 0),
		Exact:          getBoolDefault(args, "exact", false),
		KeywordFilter:  getBoolDefault(args, "keyword_filter", false),
		RRFConstant:    getFloatDefault(args, "rrf_constant", 0),
		CandidateLimit: getIntDefault(args, "candidate_limit", 0),
		Timeout:        time.Duration(getIntDefault(args, "timeout_ms", 0)) * time.Millisecond,
		UseCache:       getBoolDefault(args, "use_cache", true),
	}

	if m := getStringDefault(args, "metric", ""); m != "" {
		metric, err := distance.ParseMetric(m)
		if err != nil {
			return searcher.Query{}, toolError("invalid metric", err)
		}
		q.Metric = metric
	}

	if _, ok := args["vector"]; ok {
		if err := decodeArg(args, "vector", &q.Vector); err != nil {
			return searcher.Query{}, paramError("vector", "must be an array of numbers")
		}
	}

	if raw, ok := args["filters"]; ok && raw != nil {
		list, ok := raw.([]interface{})
		if !ok {
			return searcher.Query{}, paramError("filters", "must be an array of {key, op, value} objects")
		}
		filters, err := metadata.ParseFilters(list)
		if err != nil {
			return searcher.Query{}, toolError("invalid filters", err)
		}
		q.Filters = filters
	}

	if _, ok := args["weights"]; ok {
		var w searcher.Weights
		if err := decodeArg(args, "weights", &w); err != nil {
			return searcher.Query{}, paramError("weights", "must be an object with text and vector numbers")
		}
		q.Weights = &w
	}
	return q, nil
}

// handleBuildIndex handles the build_index tool invocation
func (s *Server) handleBuildIndex(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}
	collection, err := requireString(args, "collection")
	if err != nil {
		return nil, err
	}

	p := s.engine.Config().IndexParams()
	p.HNSW.M = getIntDefault(args, "m", p.HNSW.M)
	p.HNSW.EFConstruction = getIntDefault(args, "ef_construction", p.HNSW.EFConstruction)
	p.HNSW.EFSearch = getIntDefault(args, "ef_search", p.HNSW.EFSearch)
	p.IVF.Lists = getIntDefault(args, "lists", p.IVF.Lists)
	p.IVF.Probes = getIntDefault(args, "probes", p.IVF.Probes)
	p.IVF.MaxIterations = getIntDefault(args, "max_iterations", p.IVF.MaxIterations)
	p.Seed = int64(getIntDefault(args, "seed", int(p.Seed)))
	if err := p.Validate(); err != nil {
		return nil, toolError("invalid index parameters", err)
	}

	res, err := s.engine.BuildIndex(ctx, collection, getStringDefault(args, "strategy", ""), &p)
	if err != nil {
		return nil, toolError("index build failed", err)
	}
	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"built":       true,
		"collection":  res.Collection,
		"strategy":    res.Strategy,
		"documents":   res.Documents,
		"duration_ms": res.Duration.Milliseconds(),
	})), nil
}

// handleGetStatus handles the get_status tool invocation
func (s *Server) handleGetStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]interface{})

	if name := getStringDefault(args, "collection", ""); name != "" {
		report, err := s.engine.Status(ctx, name)
		if err != nil {
			return nil, toolError("failed to get collection status", err)
		}
		return mcp.NewToolResultText(formatJSON(statusInfo(report))), nil
	}

	colls, err := s.engine.Storage.ListCollections(ctx)
	if err != nil {
		return nil, toolError("failed to list collections", err)
	}
	reports := make([]map[string]interface{}, 0, len(colls))
	for _, coll := range colls {
		report, err := s.engine.Status(ctx, coll.Name)
		if err != nil {
			return nil, toolError("failed to get collection status", err)
		}
		reports = append(reports, statusInfo(report))
	}

	emb := s.engine.Embedder
	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"server": map[string]interface{}{
			"name":       ServerName,
			"version":    ServerVersion,
			"storage":    s.engine.Config().Storage.Driver,
			"build_mode": storage.BuildMode,
		},
		"embedder": map[string]interface{}{
			"provider":  emb.Provider(),
			"model":     emb.Model(),
			"dimension": emb.Dimension(),
		},
		"search_cache_entries": s.engine.Searcher.CacheLen(),
		"collections":          reports,
	})), nil
}

// handleReembedCollection handles the reembed_collection tool invocation
func (s *Server) handleReembedCollection(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}
	collection, err := requireString(args, "collection")
	if err != nil {
		return nil, err
	}

	stats, err := s.engine.Reembed(ctx, collection, &indexer.Config{
		Workers:   getIntDefault(args, "workers", 0),
		BatchSize: getIntDefault(args, "batch_size", 0),
	})
	if err != nil {
		return nil, toolError("re-embedding failed", err)
	}
	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"embedded":      stats.Embedded,
		"model":         s.engine.Embedder.Model(),
		"index_rebuilt": stats.Rebuilt,
		"duration_ms":   stats.Duration.Milliseconds(),
	})), nil
}

func collectionInfo(coll *storage.Collection) map[string]interface{} {
	info := map[string]interface{}{
		"id":             coll.ID,
		"name":           coll.Name,
		"dimension":      coll.Dimension,
		"metric":         coll.Metric.String(),
		"index_strategy": coll.IndexStrategy,
		"created_at":     coll.CreatedAt.Format(time.RFC3339),
	}
	if coll.EmbeddingModel != "" {
		info["embedding_model"] = coll.EmbeddingModel
	}
	return info
}

func statusInfo(report *engine.CollectionReport) map[string]interface{} {
	st := report.Storage
	info := map[string]interface{}{
		"collection":     collectionInfo(st.Collection),
		"document_count": st.DocumentCount,
		"metadata_keys":  st.MetadataKeys,
		"storage_mb":     fmt.Sprintf("%.2f", st.StorageSizeMB),
		"backend":        st.Backend,
		"schema_version": st.SchemaVersion,
		"health":         st.Health,
		"queries_served": st.QueriesServed,
		"avg_query_ms":   st.AvgQueryMs,
		"index":          report.Index,
	}
	if !st.LastInsertedAt.IsZero() {
		info["last_inserted_at"] = st.LastInsertedAt.Format(time.RFC3339)
	}
	return info
}

// toolError maps a domain error onto an MCP error code
func toolError(message string, err error) error {
	data := map[string]interface{}{"error": err.Error()}

	var bulk *storage.BulkError
	if errors.As(err, &bulk) {
		data["failures"] = bulk.Failures
	}

	code := ErrorCodeInternalError
	switch {
	case errors.Is(err, types.ErrTimeout):
		code = ErrorCodeTimeout
	case errors.Is(err, types.ErrExternalDependency):
		code = ErrorCodeExternal
		data["retryable"] = types.IsRetryable(err)
	case errors.Is(err, types.ErrDimensionMismatch):
		code = ErrorCodeDimensionMismatch
	case errors.Is(err, types.ErrMetricMismatch):
		code = ErrorCodeMetricMismatch
	case errors.Is(err, types.ErrEmptyCollection):
		code = ErrorCodeEmptyCollection
	case errors.Is(err, types.ErrBuildInProgress):
		code = ErrorCodeBuildInProgress
	case errors.Is(err, types.ErrNotFound):
		code = ErrorCodeNotFound
	case errors.Is(err, types.ErrInvalidParameter),
		errors.Is(err, types.ErrInvalidFilter),
		errors.Is(err, types.ErrInvalidMetadata),
		errors.Is(err, types.ErrAlreadyExists),
		bulk != nil:
		code = ErrorCodeInvalidParams
	case errors.Is(err, context.DeadlineExceeded):
		code = ErrorCodeTimeout
	}
	return newMCPError(code, message, data)
}

// Helper functions

// newMCPError creates a properly formatted MCP error
func newMCPError(code int, message string, data interface{}) error {
	// MCP errors are returned as regular errors, the framework handles encoding
	return &MCPError{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// MCPError represents an MCP protocol error
type MCPError struct {
	Code    int
	Message string
	Data    interface{}
}

func (e *MCPError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

func paramError(param, reason string) error {
	return newMCPError(ErrorCodeInvalidParams, "invalid "+param, map[string]interface{}{
		"param":  param,
		"reason": reason,
	})
}

func arguments(request mcp.CallToolRequest) (map[string]interface{}, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}
	return args, nil
}

func requireString(args map[string]interface{}, key string) (string, error) {
	v, ok := args[key].(string)
	if !ok || v == "" {
		return "", newMCPError(ErrorCodeInvalidParams, key+" parameter is required", map[string]interface{}{
			"param":  key,
			"reason": "missing or empty",
		})
	}
	return v, nil
}

func documentRef(args map[string]interface{}) (string, int64, error) {
	collection, err := requireString(args, "collection")
	if err != nil {
		return "", 0, err
	}
	id := getIntDefault(args, "id", 0)
	if id <= 0 {
		return "", 0, paramError("id", "must be a positive document id")
	}
	return collection, int64(id), nil
}

// decodeArg re-decodes one argument into dst
func decodeArg(args map[string]interface{}, key string, dst interface{}) error {
	data, err := json.Marshal(args[key])
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// formatJSON formats a map as indented JSON
func formatJSON(data map[string]interface{}) string {
	bytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", data)
	}
	return string(bytes)
}

// getBoolDefault extracts a boolean parameter with a default value
func getBoolDefault(args map[string]interface{}, key string, defaultValue bool) bool {
	if val, ok := args[key].(bool); ok {
		return val
	}
	return defaultValue
}

// getIntDefault extracts an integer parameter with a default value
func getIntDefault(args map[string]interface{}, key string, defaultValue int) int {
	switch val := args[key].(type) {
	case float64:
		if val == math.Trunc(val) {
			return int(val)
		}
	case int:
		return val
	case int64:
		return int(val)
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return int(i)
		}
	}
	return defaultValue
}

// getFloatDefault extracts a numeric parameter with a default value
func getFloatDefault(args map[string]interface{}, key string, defaultValue float64) float64 {
	switch val := args[key].(type) {
	case float64:
		return val
	case int:
		return float64(val)
	case json.Number:
		if f, err := val.Float64(); err == nil {
			return f
		}
	}
	return defaultValue
}

// getStringDefault extracts a string parameter with a default value
func getStringDefault(args map[string]interface{}, key string, defaultValue string) string {
	if val, ok := args[key].(string); ok {
		return val
	}
	return defaultValue
}
