package mcp

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dshills/hybridsearch/internal/config"
	"github.com/dshills/hybridsearch/internal/engine"
	"github.com/dshills/hybridsearch/internal/storage"
	"github.com/dshills/hybridsearch/pkg/types"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.Path = ":memory:"
	cfg.Embedder.Dimension = 8

	e, err := engine.Open(context.Background(), cfg, engine.WithLogger(zap.NewNop()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return NewServer(e)
}

func request(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{Name: name, Arguments: args},
	}
}

// call runs handler and decodes its JSON text result
func call(t *testing.T, handler server.ToolHandlerFunc, args map[string]interface{}) map[string]interface{} {
	t.Helper()
	res, err := handler(context.Background(), request("test", args))
	require.NoError(t, err)
	require.NotNil(t, res)
	require.Len(t, res.Content, 1)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected text content, got %T", res.Content[0])

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(text.Text), &out))
	return out
}

func callErr(t *testing.T, handler server.ToolHandlerFunc, args map[string]interface{}) *MCPError {
	t.Helper()
	res, err := handler(context.Background(), request("test", args))
	require.Error(t, err)
	assert.Nil(t, res)
	var mcpErr *MCPError
	require.ErrorAs(t, err, &mcpErr)
	return mcpErr
}

func seed(t *testing.T, s *Server) []interface{} {
	t.Helper()
	call(t, s.handleCreateCollection, map[string]interface{}{"name": "notes"})
	out := call(t, s.handleInsertDocuments, map[string]interface{}{
		"collection": "notes",
		"documents": []interface{}{
			map[string]interface{}{"content": "cats sleep most of the day", "metadata": map[string]interface{}{"lang": "en", "year": float64(2021)}},
			map[string]interface{}{"content": "dogs enjoy long walks", "metadata": map[string]interface{}{"lang": "en", "year": float64(2019)}},
			map[string]interface{}{"content": "les chats dorment", "metadata": map[string]interface{}{"lang": "fr", "year": float64(2022)}},
		},
	})
	require.EqualValues(t, 3, out["inserted"])
	ids, ok := out["ids"].([]interface{})
	require.True(t, ok)
	return ids
}

func TestNewServer(t *testing.T) {
	s := newTestServer(t)
	assert.NotNil(t, s.mcp)
	assert.NotNil(t, s.engine)
	assert.NotNil(t, s.logger)
}

func TestCollectionTools(t *testing.T) {
	s := newTestServer(t)

	out := call(t, s.handleCreateCollection, map[string]interface{}{
		"name":      "raw",
		"dimension": float64(3),
		"metric":    "l2",
	})
	assert.Equal(t, "raw", out["name"])
	assert.EqualValues(t, 3, out["dimension"])
	assert.Equal(t, "l2", out["metric"])
	assert.Equal(t, "hnsw", out["index_strategy"])

	mcpErr := callErr(t, s.handleCreateCollection, map[string]interface{}{"name": "raw"})
	assert.Equal(t, ErrorCodeInvalidParams, mcpErr.Code, "duplicate collection")
	mcpErr = callErr(t, s.handleCreateCollection, map[string]interface{}{"name": "x", "metric": "hamming"})
	assert.Equal(t, ErrorCodeInvalidParams, mcpErr.Code)
	mcpErr = callErr(t, s.handleCreateCollection, map[string]interface{}{})
	assert.Equal(t, ErrorCodeInvalidParams, mcpErr.Code)

	list := call(t, s.handleListCollections, nil)
	assert.EqualValues(t, 1, list["count"])

	call(t, s.handleDeleteCollection, map[string]interface{}{"collection": "raw"})
	mcpErr = callErr(t, s.handleDeleteCollection, map[string]interface{}{"collection": "raw"})
	assert.Equal(t, ErrorCodeNotFound, mcpErr.Code)
}

func TestInvalidArguments(t *testing.T) {
	s := newTestServer(t)
	res, err := s.handleSearch(context.Background(), mcp.CallToolRequest{
		Params: mcp.CallToolParams{Name: "search", Arguments: "not a map"},
	})
	assert.Nil(t, res)
	var mcpErr *MCPError
	require.ErrorAs(t, err, &mcpErr)
	assert.Equal(t, ErrorCodeInvalidParams, mcpErr.Code)
}

func TestInsertDocuments(t *testing.T) {
	s := newTestServer(t)
	call(t, s.handleCreateCollection, map[string]interface{}{"name": "raw", "dimension": float64(2), "metric": "l2"})

	mcpErr := callErr(t, s.handleInsertDocuments, map[string]interface{}{
		"collection": "raw",
		"documents": []interface{}{
			map[string]interface{}{"content": "ok", "embedding": []interface{}{1.0, 2.0}},
			map[string]interface{}{"content": "bad", "embedding": []interface{}{1.0, 2.0, 3.0}},
		},
	})
	assert.Equal(t, ErrorCodeDimensionMismatch, mcpErr.Code, "all-or-nothing batch reports the row error")
	data, ok := mcpErr.Data.(map[string]interface{})
	require.True(t, ok)
	failures, ok := data["failures"].([]storage.RowFailure)
	require.True(t, ok)
	require.Len(t, failures, 1)
	assert.Equal(t, 1, failures[0].Index)

	out := call(t, s.handleInsertDocuments, map[string]interface{}{
		"collection":  "raw",
		"best_effort": true,
		"documents": []interface{}{
			map[string]interface{}{"content": "ok", "embedding": []interface{}{1.0, 2.0}},
			map[string]interface{}{"content": "bad", "embedding": []interface{}{1.0, 2.0, 3.0}},
		},
	})
	assert.EqualValues(t, 1, out["inserted"])
	assert.EqualValues(t, 1, out["failed"])
	assert.Len(t, out["failures"], 1)

	mcpErr = callErr(t, s.handleInsertDocuments, map[string]interface{}{
		"collection": "raw",
		"documents": []interface{}{
			map[string]interface{}{"content": "x", "metadata": map[string]interface{}{"nested": map[string]interface{}{"a": 1.0}}},
		},
	})
	assert.Equal(t, ErrorCodeInvalidParams, mcpErr.Code)

	mcpErr = callErr(t, s.handleInsertDocuments, map[string]interface{}{"collection": "raw", "documents": []interface{}{}})
	assert.Equal(t, ErrorCodeInvalidParams, mcpErr.Code)

	mcpErr = callErr(t, s.handleInsertDocuments, map[string]interface{}{
		"collection": "missing",
		"documents":  []interface{}{map[string]interface{}{"content": "x"}},
	})
	assert.Equal(t, ErrorCodeNotFound, mcpErr.Code)
}

func TestDocumentTools(t *testing.T) {
	s := newTestServer(t)
	ids := seed(t, s)

	doc := call(t, s.handleGetDocument, map[string]interface{}{"collection": "notes", "id": ids[0]})
	assert.Equal(t, "cats sleep most of the day", doc["content"])
	assert.Equal(t, map[string]interface{}{"lang": "en", "year": float64(2021)}, doc["metadata"])
	assert.NotContains(t, doc, "embedding")

	doc = call(t, s.handleGetDocument, map[string]interface{}{"collection": "notes", "id": ids[0], "include_embedding": true})
	assert.Len(t, doc["embedding"], 8)

	call(t, s.handleDeleteDocument, map[string]interface{}{"collection": "notes", "id": ids[0]})
	mcpErr := callErr(t, s.handleGetDocument, map[string]interface{}{"collection": "notes", "id": ids[0]})
	assert.Equal(t, ErrorCodeNotFound, mcpErr.Code)

	mcpErr = callErr(t, s.handleDeleteDocument, map[string]interface{}{"collection": "notes", "id": float64(-4)})
	assert.Equal(t, ErrorCodeInvalidParams, mcpErr.Code)
}

func TestSearch(t *testing.T) {
	s := newTestServer(t)
	ids := seed(t, s)

	out := call(t, s.handleSearch, map[string]interface{}{
		"collection": "notes",
		"query":      "cats sleep most of the day",
		"k":          float64(2),
	})
	assert.Equal(t, "prefilter", out["strategy"])
	results, ok := out["results"].([]interface{})
	require.True(t, ok)
	require.Len(t, results, 2)
	top := results[0].(map[string]interface{})
	assert.Equal(t, ids[0], top["document_id"])
	assert.EqualValues(t, 1, top["rank"])

	out = call(t, s.handleSearch, map[string]interface{}{
		"collection": "notes",
		"query":      "cats",
		"filters": []interface{}{
			map[string]interface{}{"key": "lang", "op": "eq", "value": "fr"},
		},
	})
	results = out["results"].([]interface{})
	require.Len(t, results, 1)
	assert.Equal(t, ids[2], results[0].(map[string]interface{})["document_id"])

	out = call(t, s.handleSearch, map[string]interface{}{
		"collection": "notes",
		"query":      "cats",
		"keywords":   "dogs",
		"strategy":   "rrf",
	})
	assert.Equal(t, "rrf", out["strategy"])
	assert.NotEmpty(t, out["results"])

	out = call(t, s.handleSearch, map[string]interface{}{
		"collection": "notes",
		"vector":     []interface{}{1.0, 0, 0, 0, 0, 0, 0, 0},
		"keywords":   "walks",
		"strategy":   "weighted",
		"weights":    map[string]interface{}{"text": 0.5, "vector": 0.5},
	})
	assert.Equal(t, "weighted", out["strategy"])
}

func TestSearch_Errors(t *testing.T) {
	s := newTestServer(t)
	seed(t, s)

	tests := []struct {
		name string
		args map[string]interface{}
		code int
	}{
		{"missing collection", map[string]interface{}{"query": "x"}, ErrorCodeInvalidParams},
		{"unknown collection", map[string]interface{}{"collection": "absent", "query": "x"}, ErrorCodeNotFound},
		{"bad strategy", map[string]interface{}{"collection": "notes", "query": "x", "strategy": "magic"}, ErrorCodeInvalidParams},
		{"k too large", map[string]interface{}{"collection": "notes", "query": "x", "k": float64(5000)}, ErrorCodeInvalidParams},
		{"filters not array", map[string]interface{}{"collection": "notes", "query": "x", "filters": "lang=en"}, ErrorCodeInvalidParams},
		{"bad filter op", map[string]interface{}{"collection": "notes", "query": "x", "filters": []interface{}{
			map[string]interface{}{"key": "lang", "op": "like", "value": "en"},
		}}, ErrorCodeInvalidParams},
		{"vector of strings", map[string]interface{}{"collection": "notes", "vector": []interface{}{"a"}}, ErrorCodeInvalidParams},
		{"vector dimension", map[string]interface{}{"collection": "notes", "vector": []interface{}{1.0, 2.0}}, ErrorCodeDimensionMismatch},
		{"metric mismatch", map[string]interface{}{"collection": "notes", "query": "x", "metric": "l2"}, ErrorCodeMetricMismatch},
		{"weighted without weights", map[string]interface{}{"collection": "notes", "query": "x", "strategy": "weighted"}, ErrorCodeInvalidParams},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mcpErr := callErr(t, s.handleSearch, tt.args)
			assert.Equal(t, tt.code, mcpErr.Code, mcpErr.Data)
		})
	}
}

func TestBuildIndexAndStatus(t *testing.T) {
	s := newTestServer(t)
	seed(t, s)

	out := call(t, s.handleBuildIndex, map[string]interface{}{
		"collection": "notes",
		"strategy":   "ivf",
		"lists":      float64(2),
	})
	assert.Equal(t, true, out["built"])
	assert.Equal(t, "ivf", out["strategy"])
	assert.EqualValues(t, 3, out["documents"])

	mcpErr := callErr(t, s.handleBuildIndex, map[string]interface{}{"collection": "notes", "m": float64(1)})
	assert.Equal(t, ErrorCodeInvalidParams, mcpErr.Code)

	call(t, s.handleCreateCollection, map[string]interface{}{"name": "empty"})
	mcpErr = callErr(t, s.handleBuildIndex, map[string]interface{}{"collection": "empty"})
	assert.Equal(t, ErrorCodeEmptyCollection, mcpErr.Code)

	st := call(t, s.handleGetStatus, map[string]interface{}{"collection": "notes"})
	assert.EqualValues(t, 3, st["document_count"])
	idx, ok := st["index"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, true, idx["built"])

	all := call(t, s.handleGetStatus, nil)
	assert.Len(t, all["collections"], 2)
	emb := all["embedder"].(map[string]interface{})
	assert.Equal(t, "local", emb["provider"])
	assert.EqualValues(t, 8, emb["dimension"])
}

func TestReembedCollection(t *testing.T) {
	s := newTestServer(t)
	seed(t, s)

	out := call(t, s.handleReembedCollection, map[string]interface{}{"collection": "notes", "batch_size": float64(2)})
	assert.EqualValues(t, 3, out["embedded"])

	mcpErr := callErr(t, s.handleReembedCollection, map[string]interface{}{"collection": "absent"})
	assert.Equal(t, ErrorCodeNotFound, mcpErr.Code)
}

func TestToolError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"timeout", types.ErrTimeout, ErrorCodeTimeout},
		{"external", types.NewExternalDependencyError("jina", assert.AnError), ErrorCodeExternal},
		{"dimension", types.NewDimensionMismatch(3, 4), ErrorCodeDimensionMismatch},
		{"metric", types.ErrMetricMismatch, ErrorCodeMetricMismatch},
		{"empty", types.ErrEmptyCollection, ErrorCodeEmptyCollection},
		{"building", types.ErrBuildInProgress, ErrorCodeBuildInProgress},
		{"not found", types.ErrNotFound, ErrorCodeNotFound},
		{"filter", types.ErrInvalidFilter, ErrorCodeInvalidParams},
		{"exists", types.ErrAlreadyExists, ErrorCodeInvalidParams},
		{"deadline", context.DeadlineExceeded, ErrorCodeTimeout},
		{"other", assert.AnError, ErrorCodeInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var mcpErr *MCPError
			require.ErrorAs(t, toolError("failed", tt.err), &mcpErr)
			assert.Equal(t, tt.code, mcpErr.Code)
			assert.Equal(t, "failed", mcpErr.Message)
		})
	}

	var mcpErr *MCPError
	require.ErrorAs(t, toolError("failed", types.NewExternalDependencyError("jina", assert.AnError)), &mcpErr)
	assert.Equal(t, true, mcpErr.Data.(map[string]interface{})["retryable"])
}

func TestArgumentHelpers(t *testing.T) {
	args := map[string]interface{}{
		"f":   float64(3),
		"fr":  2.5,
		"n":   json.Number("7"),
		"s":   "x",
		"b":   true,
		"bad": "7",
	}
	assert.Equal(t, 3, getIntDefault(args, "f", 0))
	assert.Equal(t, 9, getIntDefault(args, "fr", 9), "fractional values are not integers")
	assert.Equal(t, 7, getIntDefault(args, "n", 0))
	assert.Equal(t, 1, getIntDefault(args, "bad", 1))
	assert.Equal(t, 2.5, getFloatDefault(args, "fr", 0))
	assert.Equal(t, "x", getStringDefault(args, "s", ""))
	assert.True(t, getBoolDefault(args, "b", false))
	assert.True(t, getBoolDefault(nil, "b", true))
}
