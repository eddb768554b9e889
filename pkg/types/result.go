package types

import "time"

// SearchResult represents a single ranked document. Ordering in a result list
// is the contract; the scale of Score depends on the fusion strategy.
type SearchResult struct {
	// Identification
	DocumentID int64 `json:"document_id"`
	Rank       int   `json:"rank"` // Position in result set (1-based)

	// Scoring
	Score      float64  `json:"score"`              // Higher is better
	Distance   *float64 `json:"distance,omitempty"` // Set when a vector list ranked the document
	VectorRank int      `json:"vector_rank,omitempty"`
	TextRank   int      `json:"text_rank,omitempty"`

	// Payload
	Content   string                 `json:"content"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// Validate checks if the search result is valid
func (sr *SearchResult) Validate() error {
	if sr.DocumentID <= 0 {
		return ErrInvalidDocumentID
	}

	if sr.Rank < 1 {
		return ErrInvalidRank
	}

	return nil
}
