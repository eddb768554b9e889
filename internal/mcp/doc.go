// Package mcp implements the Model Context Protocol (MCP) server for
// hybridsearch.
//
// The server exposes an engine as tools:
//   - create_collection, list_collections, delete_collection
//   - insert_documents, get_document, delete_document
//   - search: vector, keyword and metadata-filtered hybrid search
//   - build_index: build the HNSW, IVF or flat index of a collection
//   - get_status: storage, index and query statistics
//   - reembed_collection: regenerate every embedding with the configured provider
//
// # Protocol Overview
//
// MCP is a JSON-RPC 2.0 protocol over stdio transport:
//
//	Client → Server: {"method": "tools/call", "params": {...}}
//	Server → Client: {"result": {...}}
//
// The server is started by the serve command:
//
//	hybridsearch serve
//
// # Tool: search
//
//	Request:
//	{
//	  "name": "search",
//	  "arguments": {
//	    "collection": "articles",
//	    "query": "how do cats sleep",
//	    "strategy": "rrf",
//	    "k": 5,
//	    "filters": [
//	      {"key": "lang", "op": "eq", "value": "en"},
//	      {"key": "year", "op": "gte", "value": 2020}
//	    ]
//	  }
//	}
//
//	Response:
//	{
//	  "query_id": "5b0c...",
//	  "strategy": "rrf",
//	  "approximate": true,
//	  "results": [
//	    {
//	      "document_id": 42,
//	      "rank": 1,
//	      "score": 0.0325,
//	      "distance": 0.183,
//	      "vector_rank": 1,
//	      "text_rank": 2,
//	      "content": "Cats sleep up to sixteen hours a day",
//	      "metadata": {"lang": "en", "year": 2021}
//	    }
//	  ]
//	}
//
// # MCP Client Configuration
//
//	{
//	  "mcpServers": {
//	    "hybridsearch": {
//	      "command": "/usr/local/bin/hybridsearch",
//	      "args": ["serve", "--config", "/etc/hybridsearch.yaml"],
//	      "env": {
//	        "JINA_API_KEY": "your-api-key"
//	      }
//	    }
//	  }
//	}
//
// # Error Handling
//
// Tool failures are JSON-RPC errors whose data carries the underlying error:
//
//	{
//	  "error": {
//	    "code": -32007,
//	    "message": "insert failed",
//	    "data": {
//	      "error": "bulk insert rejected: 1 row(s) failed, first at row 3: dimension mismatch: expected 384, got 768",
//	      "failures": [{"index": 3, "reason": "dimension mismatch: expected 384, got 768"}]
//	    }
//	  }
//	}
//
// Error codes:
//   - -32602: Invalid params, filters, metadata or a duplicate collection
//   - -32603: Internal error
//   - -32001: Collection or document not found
//   - -32002: Index build already in progress
//   - -32005: Query timeout
//   - -32006: Embedding provider failure; data.retryable tells whether to retry
//   - -32007: Dimension mismatch
//   - -32008: Metric mismatch
//   - -32009: Index build over an empty collection
//
// # Logging
//
// Logs go to stderr; stdout carries the protocol.
//
//	HYBRIDSEARCH_LOG_LEVEL=debug hybridsearch serve
package mcp
