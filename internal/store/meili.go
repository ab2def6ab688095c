package store

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/meilisearch/meilisearch-go"
	"go.uber.org/zap"
)

// taskPollInterval is how often a pending MeiliSearch task is polled.
const taskPollInterval = 100 * time.Millisecond

// MeiliConfig configures the MeiliSearch backend.
type MeiliConfig struct {
	URL    string
	APIKey string
	// Timeout bounds every request and each wait on an indexing task.
	Timeout time.Duration
}

// MeiliStore implements DocumentStore using MeiliSearch as the backend.
// It is safe for concurrent use; the underlying SDK client is thread-safe.
type MeiliStore struct {
	client  meilisearch.ServiceManager
	timeout time.Duration
	logger  *zap.Logger
}

// NewMeiliStore creates a MeiliStore for the given MeiliSearch instance.
// Connectivity is checked by Ping, not here, so a process can start while
// the search tier is still coming up.
func NewMeiliStore(cfg MeiliConfig, logger *zap.Logger) *MeiliStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := meilisearch.New(cfg.URL,
		meilisearch.WithAPIKey(cfg.APIKey),
		meilisearch.WithCustomClient(&http.Client{Timeout: timeout}),
	)
	return &MeiliStore{client: client, timeout: timeout, logger: logger}
}

// Name implements DocumentStore.
func (s *MeiliStore) Name() string { return "meilisearch" }

// EnsureIndex creates the index with primary key "id" and applies the
// searchable, filterable and sortable attributes derived from schema.
// Settings updates are idempotent; MeiliSearch merges them.
func (s *MeiliStore) EnsureIndex(ctx context.Context, index string, schema Schema) error {
	taskInfo, err := s.client.CreateIndexWithContext(ctx, &meilisearch.IndexConfig{
		Uid:        index,
		PrimaryKey: "id",
	})
	if err != nil {
		return fmt.Errorf("create index %q: %w", index, err)
	}
	task, err := s.waitForTask(ctx, taskInfo)
	if err != nil {
		return fmt.Errorf("create index %q: %w", index, err)
	}
	if task.Status == meilisearch.TaskStatusFailed && task.Error.Code != "index_already_exists" {
		return fmt.Errorf("create index %q: %s", index, task.Error.Message)
	}

	idx := s.client.Index(index)
	searchable, filterable, sortable := schema.Attributes()

	taskInfo, err = idx.UpdateSearchableAttributesWithContext(ctx, &searchable)
	if err != nil {
		return fmt.Errorf("update searchable attributes: %w", err)
	}
	if err := s.waitForSettingsTask(ctx, taskInfo, "searchable attributes"); err != nil {
		return err
	}

	// FilterableAttributes uses []interface{} per the SDK's API.
	filterAttrs := make([]interface{}, len(filterable))
	for i, a := range filterable {
		filterAttrs[i] = a
	}
	taskInfo, err = idx.UpdateFilterableAttributesWithContext(ctx, &filterAttrs)
	if err != nil {
		return fmt.Errorf("update filterable attributes: %w", err)
	}
	if err := s.waitForSettingsTask(ctx, taskInfo, "filterable attributes"); err != nil {
		return err
	}

	taskInfo, err = idx.UpdateSortableAttributesWithContext(ctx, &sortable)
	if err != nil {
		return fmt.Errorf("update sortable attributes: %w", err)
	}
	return s.waitForSettingsTask(ctx, taskInfo, "sortable attributes")
}

func (s *MeiliStore) waitForTask(ctx context.Context, taskInfo *meilisearch.TaskInfo) (*meilisearch.Task, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.client.WaitForTaskWithContext(ctx, taskInfo.TaskUID, taskPollInterval)
}

// waitForSettingsTask waits for a settings update task to complete.
func (s *MeiliStore) waitForSettingsTask(ctx context.Context, taskInfo *meilisearch.TaskInfo, name string) error {
	task, err := s.waitForTask(ctx, taskInfo)
	if err != nil {
		return fmt.Errorf("wait for %s: %w", name, err)
	}
	if task.Status == meilisearch.TaskStatusFailed {
		return fmt.Errorf("%s task failed: %s", name, task.Error.Message)
	}
	return nil
}

// BulkUpsert adds docs in one request and waits for the indexing task.
// MeiliSearch applies a batch all-or-nothing, so a failed task reports
// every document as rejected.
func (s *MeiliStore) BulkUpsert(ctx context.Context, index string, docs []Document) (BulkResult, error) {
	if len(docs) == 0 {
		return BulkResult{}, nil
	}

	bodies := make([]map[string]json.RawMessage, 0, len(docs))
	var result BulkResult
	for _, doc := range docs {
		body, err := withID(doc)
		if err != nil {
			result.Errors = append(result.Errors, BulkError{ID: doc.ID, Reason: err.Error()})
			continue
		}
		bodies = append(bodies, body)
	}
	if len(bodies) == 0 {
		return result, nil
	}

	pk := "id"
	taskInfo, err := s.client.Index(index).AddDocumentsWithContext(ctx, bodies, &meilisearch.DocumentOptions{
		PrimaryKey: &pk,
	})
	if err != nil {
		return BulkResult{}, fmt.Errorf("add documents to %s: %w", index, err)
	}
	task, err := s.waitForTask(ctx, taskInfo)
	if err != nil {
		return BulkResult{}, fmt.Errorf("wait for documents task on %s: %w", index, err)
	}

	if task.Status == meilisearch.TaskStatusFailed {
		reason := task.Error.Code + ": " + task.Error.Message
		s.logger.Warn("document batch rejected",
			zap.String("index", index),
			zap.Int("documents", len(bodies)),
			zap.String("reason", reason),
		)
		for _, body := range bodies {
			var id string
			json.Unmarshal(body["id"], &id)
			result.Errors = append(result.Errors, BulkError{ID: id, Reason: reason})
		}
		return result, nil
	}
	result.Accepted = len(bodies)
	return result, nil
}

// Search runs a keyword search. Match-all returns the newest documents.
func (s *MeiliStore) Search(ctx context.Context, index string, q SearchQuery) (*SearchResult, error) {
	req := &meilisearch.SearchRequest{
		Limit:            int64(q.Size),
		ShowRankingScore: true,
	}
	text := q.Text
	if q.MatchAll() {
		text = ""
		// unlike OpenSearch there is no unmapped sort; skip it where the
		// index has no timestamp
		if Schemas[index].Has("timestamp") {
			req.Sort = []string{"timestamp:desc"}
		}
	}

	resp, err := s.client.Index(index).SearchWithContext(ctx, text, req)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", index, err)
	}

	out := &SearchResult{
		Hits:  make([]json.RawMessage, 0, len(resp.Hits)),
		Total: resp.EstimatedTotalHits,
	}
	if resp.TotalHits > 0 {
		out.Total = resp.TotalHits
	}
	for _, hit := range resp.Hits {
		score, body, err := splitRankingScore(hit)
		if err != nil {
			return nil, fmt.Errorf("search %s: %w", index, err)
		}
		if score != nil && (out.MaxScore == nil || *score > *out.MaxScore) {
			out.MaxScore = score
		}
		out.Hits = append(out.Hits, body)
	}
	return out, nil
}

// splitRankingScore removes the engine's "_rankingScore" from a hit and
// returns it alongside the stored document.
func splitRankingScore(hit meilisearch.Hit) (*float64, json.RawMessage, error) {
	var score *float64
	doc := make(map[string]json.RawMessage, len(hit))
	for k, v := range hit {
		if k == "_rankingScore" {
			var f float64
			if err := json.Unmarshal(v, &f); err == nil {
				score = &f
			}
			continue
		}
		if strings.HasPrefix(k, "_") {
			continue
		}
		doc[k] = v
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return nil, nil, err
	}
	return score, body, nil
}

// Ping fails when MeiliSearch is not healthy.
func (s *MeiliStore) Ping(ctx context.Context) error {
	if !s.client.IsHealthy() {
		return fmt.Errorf("meilisearch is not healthy")
	}
	return ctx.Err()
}

// Close is a no-op for MeiliStore; the SDK's HTTP client has no persistent
// resources that need explicit cleanup.
func (s *MeiliStore) Close() error {
	return nil
}
