package storage

import (
	"context"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/dshills/hybridsearch/internal/distance"
	"github.com/dshills/hybridsearch/pkg/metadata"
)

// Storage defines the interface for persisting and querying documents,
// their embeddings and their metadata.
type Storage interface {
	// Collection operations
	CreateCollection(ctx context.Context, c *Collection) error
	GetCollection(ctx context.Context, name string) (*Collection, error)
	GetCollectionByID(ctx context.Context, id int64) (*Collection, error)
	ListCollections(ctx context.Context) ([]*Collection, error)
	DeleteCollection(ctx context.Context, id int64) error

	// Document operations
	InsertDocument(ctx context.Context, doc *Document) error
	BulkInsert(ctx context.Context, collectionID int64, docs []*Document, opts BulkOptions) (*BulkResult, error)
	GetDocument(ctx context.Context, id int64) (*Document, error)
	GetDocuments(ctx context.Context, ids []int64) ([]*Document, error)
	DeleteDocument(ctx context.Context, id int64) error
	CountDocuments(ctx context.Context, collectionID int64) (int, error)
	ListDocumentIDs(ctx context.Context, collectionID int64) ([]int64, error)
	ScanDocuments(ctx context.Context, collectionID int64, fn func(*Document) error) error

	// Embedding operations
	UpdateEmbedding(ctx context.Context, id int64, vector []float32, model string) error
	ReplaceEmbeddings(ctx context.Context, collectionID int64, updates []EmbeddingUpdate, model string) error
	ScanEmbeddings(ctx context.Context, collectionID int64, fn func(id int64, vector []float32) error) error

	// Search operations
	FilterDocuments(ctx context.Context, collectionID int64, filters *metadata.FilterSet) (*roaring64.Bitmap, error)
	SearchVector(ctx context.Context, collectionID int64, vector []float32, limit int, opts *VectorSearchOptions) ([]VectorResult, error)
	SearchText(ctx context.Context, collectionID int64, query string, limit int, filters *metadata.FilterSet) ([]TextResult, error)

	// Status operations
	GetStatus(ctx context.Context, collectionID int64) (*CollectionStatus, error)
	RecordSearch(ctx context.Context, rec *SearchRecord) error

	// Database operations
	Close() error
	BeginTx(ctx context.Context) (Tx, error)
}

// Tx represents a database transaction
type Tx interface {
	Storage
	Commit() error
	Rollback() error
}

// Collection is a named set of documents sharing one embedding dimension and
// one distance metric. Name, Dimension and Metric never change after creation.
type Collection struct {
	ID             int64
	Name           string
	Dimension      int
	Metric         distance.Metric
	IndexStrategy  string
	EmbeddingModel string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Document represents a stored text with its embedding and metadata
type Document struct {
	ID             int64
	CollectionID   int64
	Content        string
	Embedding      []float32
	Metadata       metadata.Document
	EmbeddingModel string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// EmbeddingUpdate replaces the vector of one document.
type EmbeddingUpdate struct {
	DocumentID int64
	Embedding  []float32
}

// BulkOptions controls BulkInsert atomicity.
type BulkOptions struct {
	// BestEffort commits every valid row and reports the rest instead of
	// failing the whole batch.
	BestEffort bool
}

// RowFailure describes one rejected row of a bulk insert.
type RowFailure struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
	Err    error  `json:"-"`
}

// BulkResult reports the outcome of BulkInsert. IDs has one entry per input
// row; failed rows hold 0.
type BulkResult struct {
	IDs      []int64
	Inserted int
	Failures []RowFailure
}

// VectorSearchOptions restricts an exact vector scan.
type VectorSearchOptions struct {
	Filters *metadata.FilterSet
	// Keywords, when set, restricts candidates to documents matching the
	// full-text query.
	Keywords string
}

// VectorResult represents a vector similarity search result
type VectorResult struct {
	DocumentID int64
	Distance   float64
}

// TextResult represents a full-text search result
type TextResult struct {
	DocumentID int64
	Score      float64 // normalized to (0, 1), higher is better
}

// CollectionStatus represents the indexing status of a collection
type CollectionStatus struct {
	Collection     *Collection
	DocumentCount  int
	MetadataKeys   int
	StorageSizeMB  float64
	SchemaVersion  string
	Backend        string
	Health         HealthStatus
	LastInsertedAt time.Time
	QueriesServed  int
	AvgQueryMs     float64
}

// SearchRecord is one entry of the query log.
type SearchRecord struct {
	CollectionID int64
	Strategy     string
	ResultCount  int
	Duration     time.Duration
	Approximate  bool
}

// HealthStatus represents the health of the storage backend
type HealthStatus struct {
	DatabaseAccessible bool
	FTSIndexBuilt      bool
	DocumentsAvailable bool
}
