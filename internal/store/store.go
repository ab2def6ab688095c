package store

import (
	"context"
	"encoding/json"
	"errors"
)

// Index names. Both are created by the SchemaManager before the first write.
const (
	IndexUserEvents     = "user-events"
	IndexProductCatalog = "product-catalog"
)

// ErrUnknownIndex is returned for an index name outside the known set.
var ErrUnknownIndex = errors.New("unknown index")

// KnownIndex reports whether name is one of the managed indices.
func KnownIndex(name string) bool {
	_, ok := Schemas[name]
	return ok
}

// Document is one record ready for the document store. Body is the full
// record as JSON; ID doubles as the document id so re-ingest overwrites.
type Document struct {
	ID   string
	Body json.RawMessage
}

// BulkError is a per-document rejection inside an otherwise successful
// bulk request.
type BulkError struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// BulkResult summarizes one bulk upsert.
type BulkResult struct {
	Accepted int
	Errors   []BulkError
}

// SearchQuery is a full-text request against one index. Text "*" (or empty)
// matches every document, newest first.
type SearchQuery struct {
	Text string
	Size int
}

// MatchAll reports whether the query selects every document.
func (q SearchQuery) MatchAll() bool {
	return q.Text == "" || q.Text == "*"
}

// SearchResult is the backend-neutral search response. Hits are the stored
// document bodies in rank order.
type SearchResult struct {
	Hits     []json.RawMessage `json:"hits"`
	Total    int64             `json:"total"`
	MaxScore *float64          `json:"max_score"`
}

// DocumentStore is the storage port for the searchable copy of every record.
// Implementations must be safe for concurrent use.
type DocumentStore interface {
	// Name identifies the backend in health reports.
	Name() string

	// EnsureIndex creates index with its schema when absent. An index that
	// already exists, including one created concurrently, is a success.
	EnsureIndex(ctx context.Context, index string, schema Schema) error

	// BulkUpsert writes docs in one request. Per-document rejections are
	// returned in the result; the error is reserved for failures of the
	// request as a whole.
	BulkUpsert(ctx context.Context, index string, docs []Document) (BulkResult, error)

	// Search runs q against index.
	Search(ctx context.Context, index string, q SearchQuery) (*SearchResult, error)

	// Ping checks that the backend answers.
	Ping(ctx context.Context) error

	// Close releases any resources held by the store.
	Close() error
}
