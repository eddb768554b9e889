package indexer

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/dshills/hybridsearch/pkg/metadata"
	"github.com/dshills/hybridsearch/pkg/types"
)

// Record is the JSON form of a document accepted by the MCP tools and by
// JSON Lines ingestion.
//
//	{"content": "...", "embedding": [0.1, 0.2], "metadata": {"year": 2021}}
type Record struct {
	Content   string                 `json:"content"`
	Embedding []float32              `json:"embedding,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Input converts r into a DocumentInput.
func (r Record) Input() (DocumentInput, error) {
	md, err := metadata.FromMap(r.Metadata)
	if err != nil {
		return DocumentInput{}, err
	}
	return DocumentInput{Content: r.Content, Embedding: r.Embedding, Metadata: md}, nil
}

// DecodeRecords decodes a JSON array of records. Numbers in metadata keep
// their integer precision.
func DecodeRecords(data []byte) ([]DocumentInput, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var records []Record
	if err := dec.Decode(&records); err != nil {
		return nil, fmt.Errorf("%w: documents: %v", types.ErrInvalidParameter, err)
	}
	return recordInputs(records)
}

// ReadJSONLines reads one record per non-empty line.
func ReadJSONLines(r io.Reader) ([]DocumentInput, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var records []Record
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", types.ErrInvalidParameter, line, err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read documents: %w", err)
	}
	return recordInputs(records)
}

func recordInputs(records []Record) ([]DocumentInput, error) {
	inputs := make([]DocumentInput, len(records))
	for i, rec := range records {
		in, err := rec.Input()
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", i, err)
		}
		inputs[i] = in
	}
	return inputs, nil
}
