package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/opensearch-project/opensearch-go/v4"
	"go.uber.org/zap"
)

// searchFields are the multi_match targets; product names weigh double.
var searchFields = []string{"name^2", "description", "category", "search_query", "event_type"}

// OpenSearchConfig configures the OpenSearch backend.
type OpenSearchConfig struct {
	Endpoint   string
	Username   string
	Password   string
	Timeout    time.Duration
	MaxRetries int
	// Transport overrides the HTTP transport; tests point it at a fake.
	Transport http.RoundTripper
}

// OpenSearchStore implements DocumentStore on the OpenSearch REST API.
// The SDK client handles node selection and retries; request bodies are
// built here so the wire format stays visible.
type OpenSearchStore struct {
	client *opensearch.Client
	logger *zap.Logger
}

// NewOpenSearchStore creates an OpenSearchStore. It does not contact the
// cluster; the first EnsureIndex or Ping does.
func NewOpenSearchStore(cfg OpenSearchConfig, logger *zap.Logger) (*OpenSearchStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	transport := cfg.Transport
	if transport == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.ResponseHeaderTimeout = cfg.Timeout
		transport = t
	}

	client, err := opensearch.NewClient(opensearch.Config{
		Addresses:            []string{cfg.Endpoint},
		Username:             cfg.Username,
		Password:             cfg.Password,
		Transport:            transport,
		MaxRetries:           cfg.MaxRetries,
		EnableRetryOnTimeout: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opensearch client: %w", err)
	}
	return &OpenSearchStore{client: client, logger: logger}, nil
}

// Name implements DocumentStore.
func (s *OpenSearchStore) Name() string { return "opensearch" }

// EnsureIndex checks for index with HEAD and creates it when missing.
func (s *OpenSearchStore) EnsureIndex(ctx context.Context, index string, schema Schema) error {
	res, err := s.do(ctx, http.MethodHead, "/"+index, "", nil)
	if err != nil {
		return fmt.Errorf("check index %s: %w", index, err)
	}
	drain(res)
	switch res.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
	default:
		return fmt.Errorf("check index %s: unexpected status %d", index, res.StatusCode)
	}

	body, err := json.Marshal(map[string]interface{}{
		"mappings": map[string]interface{}{"properties": schema.Mapping()},
	})
	if err != nil {
		return err
	}
	res, err = s.do(ctx, http.MethodPut, "/"+index, "application/json", body)
	if err != nil {
		return fmt.Errorf("create index %s: %w", index, err)
	}
	defer drain(res)
	if res.StatusCode < 300 {
		s.logger.Info("created index", zap.String("index", index))
		return nil
	}

	apiErr := readAPIError(res)
	if apiErr.Type == "resource_already_exists_exception" {
		return nil
	}
	return fmt.Errorf("create index %s: %w", index, apiErr)
}

type bulkItem struct {
	ID     string `json:"_id"`
	Status int    `json:"status"`
	Error  *struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error"`
}

type bulkResponse struct {
	Errors bool                  `json:"errors"`
	Items  []map[string]bulkItem `json:"items"`
}

// BulkUpsert sends one _bulk request of index actions keyed by document id.
func (s *OpenSearchStore) BulkUpsert(ctx context.Context, index string, docs []Document) (BulkResult, error) {
	if len(docs) == 0 {
		return BulkResult{}, nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, doc := range docs {
		action := map[string]map[string]string{"index": {"_index": index, "_id": doc.ID}}
		if err := enc.Encode(action); err != nil {
			return BulkResult{}, err
		}
		if err := json.Compact(&buf, doc.Body); err != nil {
			return BulkResult{}, fmt.Errorf("document %s: %w", doc.ID, err)
		}
		buf.WriteByte('\n')
	}

	res, err := s.do(ctx, http.MethodPost, "/_bulk", "application/x-ndjson", buf.Bytes())
	if err != nil {
		return BulkResult{}, fmt.Errorf("bulk %s: %w", index, err)
	}
	defer drain(res)
	if res.StatusCode >= 300 {
		return BulkResult{}, fmt.Errorf("bulk %s: %w", index, readAPIError(res))
	}

	var br bulkResponse
	if err := json.NewDecoder(res.Body).Decode(&br); err != nil {
		return BulkResult{}, fmt.Errorf("bulk %s: decode response: %w", index, err)
	}

	result := BulkResult{}
	for _, item := range br.Items {
		for _, it := range item {
			if it.Error != nil || it.Status >= 300 {
				reason := fmt.Sprintf("status %d", it.Status)
				if it.Error != nil {
					reason = it.Error.Type + ": " + it.Error.Reason
				}
				result.Errors = append(result.Errors, BulkError{ID: it.ID, Reason: reason})
				s.logger.Warn("bulk item rejected",
					zap.String("index", index),
					zap.String("id", it.ID),
					zap.String("reason", reason),
				)
				continue
			}
			result.Accepted++
		}
	}
	return result, nil
}

// searchBody builds the request body for q: match_all newest first, or a
// fuzzy multi_match ranked by score then recency.
func searchBody(q SearchQuery) map[string]interface{} {
	byTime := map[string]interface{}{
		"timestamp": map[string]interface{}{"order": "desc", "unmapped_type": "date"},
	}
	if q.MatchAll() {
		return map[string]interface{}{
			"query": map[string]interface{}{"match_all": map[string]interface{}{}},
			"size":  q.Size,
			"sort":  []interface{}{byTime},
		}
	}
	return map[string]interface{}{
		"query": map[string]interface{}{
			"multi_match": map[string]interface{}{
				"query":     q.Text,
				"fields":    searchFields,
				"type":      "best_fields",
				"fuzziness": "AUTO",
			},
		},
		"size": q.Size,
		"sort": []interface{}{"_score", byTime},
	}
}

type searchResponse struct {
	Hits struct {
		Total    json.RawMessage `json:"total"`
		MaxScore *float64        `json:"max_score"`
		Hits     []struct {
			Source json.RawMessage `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

// Search implements DocumentStore.
func (s *OpenSearchStore) Search(ctx context.Context, index string, q SearchQuery) (*SearchResult, error) {
	body, err := json.Marshal(searchBody(q))
	if err != nil {
		return nil, err
	}
	res, err := s.do(ctx, http.MethodPost, "/"+index+"/_search", "application/json", body)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", index, err)
	}
	defer drain(res)
	if res.StatusCode >= 300 {
		return nil, fmt.Errorf("search %s: %w", index, readAPIError(res))
	}

	var sr searchResponse
	if err := json.NewDecoder(res.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("search %s: decode response: %w", index, err)
	}
	total, err := parseTotal(sr.Hits.Total)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", index, err)
	}

	out := &SearchResult{
		Hits:     make([]json.RawMessage, 0, len(sr.Hits.Hits)),
		Total:    total,
		MaxScore: sr.Hits.MaxScore,
	}
	for _, h := range sr.Hits.Hits {
		out.Hits = append(out.Hits, h.Source)
	}
	return out, nil
}

// parseTotal accepts both the object form {"value": n} and a bare number.
func parseTotal(raw json.RawMessage) (int64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, nil
	}
	var obj struct {
		Value int64 `json:"value"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.Value, nil
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("decode total: %w", err)
	}
	return n, nil
}

// Ping reads cluster health; red counts as down.
func (s *OpenSearchStore) Ping(ctx context.Context) error {
	res, err := s.do(ctx, http.MethodGet, "/_cluster/health", "", nil)
	if err != nil {
		return err
	}
	defer drain(res)
	if res.StatusCode >= 300 {
		return readAPIError(res)
	}
	var health struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(res.Body).Decode(&health); err != nil {
		return fmt.Errorf("decode cluster health: %w", err)
	}
	if health.Status == "red" {
		return fmt.Errorf("cluster status red")
	}
	return nil
}

// Close implements DocumentStore. The SDK keeps only pooled HTTP
// connections, which the transport reclaims.
func (s *OpenSearchStore) Close() error { return nil }

func (s *OpenSearchStore) do(ctx context.Context, method, path, contentType string, body []byte) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, path, rd)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return s.client.Perform(req)
}

// APIError is an error response from OpenSearch.
type APIError struct {
	Status int
	Type   string
	Reason string
}

func (e *APIError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("opensearch: status %d", e.Status)
	}
	return fmt.Sprintf("opensearch: status %d: %s: %s", e.Status, e.Type, e.Reason)
}

func readAPIError(res *http.Response) *APIError {
	apiErr := &APIError{Status: res.StatusCode}
	var body struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil || len(body.Error) == 0 {
		return apiErr
	}
	var detail struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(body.Error, &detail); err == nil {
		apiErr.Type, apiErr.Reason = detail.Type, detail.Reason
		return apiErr
	}
	var msg string
	if err := json.Unmarshal(body.Error, &msg); err == nil {
		apiErr.Reason = msg
	}
	return apiErr
}

func drain(res *http.Response) {
	io.Copy(io.Discard, res.Body)
	res.Body.Close()
}
