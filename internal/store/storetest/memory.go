// Package storetest provides an in-memory DocumentStore for tests.
package storetest

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"commerce-pipeline/internal/store"
)

// Memory is a DocumentStore that keeps documents in maps. Search matches
// the query text as a case-insensitive substring of the stored body.
// Failure hooks let tests drive the error paths.
type Memory struct {
	mu      sync.Mutex
	indices map[string]store.Schema
	docs    map[string]map[string]json.RawMessage

	ensureCalls int
	bulkCalls   int
	searchCalls int

	// EnsureErr, when set, is returned by EnsureIndex.
	EnsureErr error
	// BulkErr, when set, is returned by BulkUpsert.
	BulkErr error
	// SearchErr, when set, is returned by Search.
	SearchErr error
	// PingErr, when set, is returned by Ping.
	PingErr error
	// Reject maps document ids to a rejection reason.
	Reject map[string]string
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		indices: make(map[string]store.Schema),
		docs:    make(map[string]map[string]json.RawMessage),
		Reject:  make(map[string]string),
	}
}

// Name implements store.DocumentStore.
func (m *Memory) Name() string { return "memory" }

// EnsureIndex implements store.DocumentStore.
func (m *Memory) EnsureIndex(_ context.Context, index string, schema store.Schema) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureCalls++
	if m.EnsureErr != nil {
		return m.EnsureErr
	}
	if _, ok := m.indices[index]; !ok {
		m.indices[index] = schema
		m.docs[index] = make(map[string]json.RawMessage)
	}
	return nil
}

// BulkUpsert implements store.DocumentStore.
func (m *Memory) BulkUpsert(_ context.Context, index string, docs []store.Document) (store.BulkResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bulkCalls++
	if m.BulkErr != nil {
		return store.BulkResult{}, m.BulkErr
	}
	if m.docs[index] == nil {
		m.docs[index] = make(map[string]json.RawMessage)
	}
	var res store.BulkResult
	for _, doc := range docs {
		if reason, ok := m.Reject[doc.ID]; ok {
			res.Errors = append(res.Errors, store.BulkError{ID: doc.ID, Reason: reason})
			continue
		}
		m.docs[index][doc.ID] = append(json.RawMessage(nil), doc.Body...)
		res.Accepted++
	}
	return res, nil
}

// Search implements store.DocumentStore. Hits are ordered by id.
func (m *Memory) Search(_ context.Context, index string, q store.SearchQuery) (*store.SearchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.searchCalls++
	if m.SearchErr != nil {
		return nil, m.SearchErr
	}

	ids := make([]string, 0, len(m.docs[index]))
	for id, body := range m.docs[index] {
		if q.MatchAll() || strings.Contains(strings.ToLower(string(body)), strings.ToLower(q.Text)) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	res := &store.SearchResult{Hits: []json.RawMessage{}, Total: int64(len(ids))}
	for i, id := range ids {
		if i == q.Size {
			break
		}
		res.Hits = append(res.Hits, m.docs[index][id])
	}
	if len(ids) > 0 {
		score := 1.0
		res.MaxScore = &score
	}
	return res, nil
}

// Ping implements store.DocumentStore.
func (m *Memory) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.PingErr
}

// Close implements store.DocumentStore.
func (m *Memory) Close() error { return nil }

// Set runs fn under the store lock so tests can change failure hooks while
// other goroutines use the store.
func (m *Memory) Set(fn func(m *Memory)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m)
}

// Doc returns the stored body of id in index.
func (m *Memory) Doc(index, id string) (json.RawMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.docs[index][id]
	return b, ok
}

// Count returns the number of documents in index.
func (m *Memory) Count(index string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.docs[index])
}

// HasIndex reports whether index was created.
func (m *Memory) HasIndex(index string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.indices[index]
	return ok
}

// Calls reports how often each operation ran.
func (m *Memory) Calls() (ensure, bulk, search int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureCalls, m.bulkCalls, m.searchCalls
}
