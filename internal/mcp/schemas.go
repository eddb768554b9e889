package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/dshills/hybridsearch/internal/searcher"
)

func collectionParam() map[string]interface{} {
	return map[string]interface{}{
		"type":        "string",
		"description": "Collection name",
	}
}

// createCollectionTool returns the tool definition for create_collection
func createCollectionTool() mcp.Tool {
	return mcp.Tool{
		Name:        "create_collection",
		Description: "Create a collection of documents with a fixed embedding dimension and distance metric",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"name": map[string]interface{}{
					"type":        "string",
					"description": "Collection name (letters, digits, '_' and '-')",
				},
				"dimension": map[string]interface{}{
					"type":        "integer",
					"description": "Embedding dimension; defaults to the configured embedder dimension",
					"minimum":     1,
				},
				"metric": map[string]interface{}{
					"type":        "string",
					"description": "Distance metric",
					"enum":        []string{"l2", "cosine", "inner_product"},
					"default":     "cosine",
				},
				"index_strategy": map[string]interface{}{
					"type":        "string",
					"description": "ANN index built for the collection",
					"enum":        []string{"hnsw", "ivf", "flat"},
				},
			},
			Required: []string{"name"},
		},
	}
}

// listCollectionsTool returns the tool definition for list_collections
func listCollectionsTool() mcp.Tool {
	return mcp.Tool{
		Name:        "list_collections",
		Description: "List collections with their dimension, metric and document count",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}
}

// deleteCollectionTool returns the tool definition for delete_collection
func deleteCollectionTool() mcp.Tool {
	return mcp.Tool{
		Name:        "delete_collection",
		Description: "Delete a collection with all of its documents and its index",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"collection": collectionParam(),
			},
			Required: []string{"collection"},
		},
	}
}

// insertDocumentsTool returns the tool definition for insert_documents
func insertDocumentsTool() mcp.Tool {
	return mcp.Tool{
		Name:        "insert_documents",
		Description: "Insert documents into a collection. Documents without an embedding are embedded with the configured provider",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"collection": collectionParam(),
				"documents": map[string]interface{}{
					"type":        "array",
					"description": "Documents to insert",
					"items": map[string]interface{}{
						"type": "object",
						"properties": map[string]interface{}{
							"content": map[string]interface{}{
								"type":        "string",
								"description": "Document text",
							},
							"embedding": map[string]interface{}{
								"type":        "array",
								"description": "Precomputed embedding; its length must equal the collection dimension",
								"items":       map[string]interface{}{"type": "number"},
							},
							"metadata": map[string]interface{}{
								"type":        "object",
								"description": "Flat map of string, number, boolean or {\"$time\": RFC3339} values",
							},
						},
						"required": []string{"content"},
					},
				},
				"best_effort": map[string]interface{}{
					"type":        "boolean",
					"description": "If true, insert every valid document and report the rejected ones; otherwise one invalid document rejects the batch",
					"default":     false,
				},
				"batch_size": map[string]interface{}{
					"type":        "integer",
					"description": "Texts per embedding request",
				},
			},
			Required: []string{"collection", "documents"},
		},
	}
}

func documentRefProperties() map[string]interface{} {
	return map[string]interface{}{
		"collection": collectionParam(),
		"id": map[string]interface{}{
			"type":        "integer",
			"description": "Document id returned by insert_documents",
			"minimum":     1,
		},
	}
}

// getDocumentTool returns the tool definition for get_document
func getDocumentTool() mcp.Tool {
	props := documentRefProperties()
	props["include_embedding"] = map[string]interface{}{
		"type":        "boolean",
		"description": "If true, include the stored vector",
		"default":     false,
	}
	return mcp.Tool{
		Name:        "get_document",
		Description: "Fetch one document with its metadata",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: props,
			Required:   []string{"collection", "id"},
		},
	}
}

// deleteDocumentTool returns the tool definition for delete_document
func deleteDocumentTool() mcp.Tool {
	return mcp.Tool{
		Name:        "delete_document",
		Description: "Delete one document from a collection and its index",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: documentRefProperties(),
			Required:   []string{"collection", "id"},
		},
	}
}

// searchTool returns the tool definition for search
func searchTool() mcp.Tool {
	return mcp.Tool{
		Name:        "search",
		Description: "Hybrid search combining vector similarity, full-text relevance and metadata filters",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"collection": collectionParam(),
				"query": map[string]interface{}{
					"type":        "string",
					"description": "Natural language query, embedded with the configured provider",
				},
				"vector": map[string]interface{}{
					"type":        "array",
					"description": "Precomputed query vector; takes precedence over query",
					"items":       map[string]interface{}{"type": "number"},
				},
				"keywords": map[string]interface{}{
					"type":        "string",
					"description": "Full-text query; defaults to query for the rrf and weighted strategies. Under prefilter it restricts vector candidates to matching documents",
				},
				"filters": map[string]interface{}{
					"type":        "array",
					"description": "Metadata predicates, all of which must match",
					"items": map[string]interface{}{
						"type": "object",
						"properties": map[string]interface{}{
							"key": map[string]interface{}{"type": "string"},
							"op": map[string]interface{}{
								"type": "string",
								"enum": []string{"eq", "ne", "gt", "gte", "lt", "lte", "in", "contains"},
							},
							"value":  map[string]interface{}{"description": "Operand for every operator except in"},
							"values": map[string]interface{}{"type": "array", "description": "Operands for in"},
						},
						"required": []string{"key", "op"},
					},
				},
				"k": map[string]interface{}{
					"type":        "integer",
					"description": "Number of results to return",
					"minimum":     1,
					"maximum":     searcher.MaxK,
				},
				"strategy": map[string]interface{}{
					"type":        "string",
					"description": "prefilter (filter, then rank by vector or keywords), rrf (reciprocal rank fusion) or weighted (weighted score fusion)",
					"enum":        []string{"prefilter", "rrf", "weighted"},
					"default":     "prefilter",
				},
				"metric": map[string]interface{}{
					"type":        "string",
					"description": "Must equal the collection metric when given",
					"enum":        []string{"l2", "cosine", "inner_product"},
				},
				"weights": map[string]interface{}{
					"type":        "object",
					"description": "Fusion weights for the weighted strategy",
					"properties": map[string]interface{}{
						"text":   map[string]interface{}{"type": "number", "minimum": 0},
						"vector": map[string]interface{}{"type": "number", "minimum": 0},
					},
				},
				"keyword_filter": map[string]interface{}{
					"type":        "boolean",
					"description": "prefilter only: also restrict candidates to matches of query when keywords is empty",
					"default":     false,
				},
				"exact": map[string]interface{}{
					"type":        "boolean",
					"description": "If true, scan every candidate instead of using the ANN index",
					"default":     false,
				},
				"probes": map[string]interface{}{
					"type":        "integer",
					"description": "IVF lists scanned per query",
				},
				"ef_search": map[string]interface{}{
					"type":        "integer",
					"description": "HNSW search beam width",
				},
				"rrf_constant": map[string]interface{}{
					"type":        "number",
					"description": "RRF smoothing constant",
					"default":     searcher.DefaultRRFConstant,
				},
				"candidate_limit": map[string]interface{}{
					"type":        "integer",
					"description": "Candidates drawn from each ranked list before fusion",
					"maximum":     searcher.MaxCandidateLimit,
				},
				"timeout_ms": map[string]interface{}{
					"type":        "integer",
					"description": "Query deadline in milliseconds",
				},
				"use_cache": map[string]interface{}{
					"type":        "boolean",
					"description": "If false, bypass the response cache",
					"default":     true,
				},
			},
			Required: []string{"collection"},
		},
	}
}

// buildIndexTool returns the tool definition for build_index
func buildIndexTool() mcp.Tool {
	intParam := func(desc string) map[string]interface{} {
		return map[string]interface{}{"type": "integer", "description": desc}
	}
	return mcp.Tool{
		Name:        "build_index",
		Description: "Build or rebuild the ANN index of a collection. Queries keep using the previous index until the build completes",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"collection": collectionParam(),
				"strategy": map[string]interface{}{
					"type":        "string",
					"description": "Index type; defaults to the collection's strategy",
					"enum":        []string{"hnsw", "ivf", "flat"},
				},
				"m":               intParam("HNSW neighbours per node"),
				"ef_construction": intParam("HNSW build beam width"),
				"ef_search":       intParam("HNSW default search beam width"),
				"lists":           intParam("IVF list count; 0 picks sqrt(n)"),
				"probes":          intParam("IVF default lists scanned per query"),
				"max_iterations":  intParam("IVF k-means iterations"),
				"seed":            intParam("Random seed for reproducible builds"),
			},
			Required: []string{"collection"},
		},
	}
}

// getStatusTool returns the tool definition for get_status
func getStatusTool() mcp.Tool {
	return mcp.Tool{
		Name:        "get_status",
		Description: "Report storage, index and query statistics for one collection or for the whole server",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"collection": map[string]interface{}{
					"type":        "string",
					"description": "Collection name; omit for every collection",
				},
			},
		},
	}
}

// reembedCollectionTool returns the tool definition for reembed_collection
func reembedCollectionTool() mcp.Tool {
	return mcp.Tool{
		Name:        "reembed_collection",
		Description: "Re-embed every document of a collection with the configured provider and rebuild its index",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"collection": collectionParam(),
				"workers": map[string]interface{}{
					"type":        "integer",
					"description": "Concurrent embedding requests",
				},
				"batch_size": map[string]interface{}{
					"type":        "integer",
					"description": "Texts per embedding request",
				},
			},
			Required: []string{"collection"},
		},
	}
}
