package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"commerce-pipeline/internal/cache"
	"commerce-pipeline/internal/ingest"
	"commerce-pipeline/internal/metrics"
	"commerce-pipeline/internal/query"
	"commerce-pipeline/internal/store"
	"commerce-pipeline/internal/store/storetest"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	mr   *miniredis.Miniredis
	docs *storetest.Memory
	ts   *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	now := func() time.Time { return time.Date(2026, 10, 15, 8, 0, 0, 0, time.UTC) }
	docs := storetest.NewMemory()
	coord := ingest.NewCoordinator(
		cache.NewWriter(rdb, cache.WithClock(now)),
		store.NewSchemaManager(docs, nil),
		docs,
	)
	collector := metrics.NewCollector("pipeline")
	gw := query.NewGateway(cache.NewReader(rdb), docs, query.WithClock(now), query.WithMetrics(collector))

	router := NewRouter(gw, nil,
		WithIngest(ingest.NewServer(coord, nil)),
		WithPrometheus(collector.Handler(), collector),
	)
	ts := httptest.NewServer(router.Setup())
	t.Cleanup(ts.Close)
	return &harness{mr: mr, docs: docs, ts: ts}
}

func (h *harness) get(t *testing.T, path string) (int, map[string]interface{}) {
	t.Helper()
	resp, err := http.Get(h.ts.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func TestSearchEndpoint(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	resp, err := http.Post(h.ts.URL+"/ingest", "application/json", strings.NewReader(
		`{"products":[{"id":"product_1","name":"Smartphone X","category":"electronics","brand":"Acme","price":699,"stock_quantity":5}]}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	status, body := h.get(t, "/search?q=smartphone&index=product-catalog")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, body["cached"])
	results := body["results"].(map[string]interface{})
	assert.Equal(t, float64(1), results["total"])

	status, body = h.get(t, "/search?q=smartphone&index=product-catalog")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["cached"])
	assert.Equal(t, "smartphone", body["query"])
	assert.Equal(t, "product-catalog", body["index"])
}

func TestSearchEndpoint_BadRequest(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	for _, path := range []string{"/search?index=orders", "/search?size=0", "/search?size=abc"} {
		status, body := h.get(t, path)
		assert.Equal(t, http.StatusBadRequest, status, path)
		assert.NotEmpty(t, body["error"], path)
		assert.NotEmpty(t, body["timestamp"], path)
	}
}

func TestCacheEndpoint(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.mr.HSet("user:u1", "last_event", "view")
	for i := 0; i < 150; i++ {
		h.mr.Set(fmt.Sprintf("product_search:item %03d", i), "x")
	}

	status, body := h.get(t, "/cache")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "Either key or pattern parameter is required", body["error"])

	status, body = h.get(t, "/cache?key=user:u1")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "hash", body["type"])
	assert.Equal(t, map[string]interface{}{"last_event": "view"}, body["value"])
	assert.Equal(t, float64(-1), body["ttl"])

	status, _ = h.get(t, "/cache?key=user:nobody")
	assert.Equal(t, http.StatusNotFound, status)

	status, body = h.get(t, "/cache?pattern=product_search:*")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(100), body["count"])
	assert.Equal(t, true, body["truncated"])
	assert.Len(t, body["results"], 100)
}

func TestIngestThenAnalytics(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	var events []string
	for i := 0; i < 20; i++ {
		if i < 3 {
			events = append(events, fmt.Sprintf(`{"id":"e%d","user_id":"u%d","session_id":"s%d","timestamp":"2026-10-15T07:00:00Z","event_type":"search","search_query":"gaming laptop"}`, i, i%5, i%5))
			continue
		}
		events = append(events, fmt.Sprintf(`{"id":"e%d","user_id":"u%d","session_id":"s%d","timestamp":"2026-10-15T07:00:00Z","event_type":"view","product_id":"product_%d"}`, i, i%5, i%5, i%2))
	}
	resp, err := http.Post(h.ts.URL+"/ingest", "application/json", strings.NewReader(`{"events":[`+strings.Join(events, ",")+`]}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	status, body := h.get(t, "/analytics")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "2026-10-15", body["date"])
	counts := body["event_counts"].(map[string]interface{})
	assert.Equal(t, float64(3), counts["search"])
	assert.Equal(t, float64(20), body["total_events"])
	assert.Equal(t, []interface{}{map[string]interface{}{"query": "gaming laptop", "count": float64(3)}}, body["popular_searches"])

	status, body = h.get(t, "/user?user_id=u1")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "u1", body["user_id"])
	assert.NotEmpty(t, body["session_data"])

	status, _ = h.get(t, "/analytics?date=yesterday")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	status, body := h.get(t, "/health")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "healthy", body["status"])

	h.docs.Set(func(m *storetest.Memory) { m.PingErr = errors.New("no route to host") })
	status, body = h.get(t, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "degraded", body["status"])
	services := body["services"].(map[string]interface{})
	assert.Equal(t, "healthy", services["redis"])
	assert.Equal(t, "unhealthy: no route to host", services["memory"])
}

func TestNotFoundAndCORS(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	status, body := h.get(t, "/nope")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "/nope", body["path"])

	req, err := http.NewRequest(http.MethodGet, h.ts.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://shop.example.com")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestPrometheusEndpoint(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.get(t, "/search")
	h.get(t, "/search")

	resp, err := http.Get(h.ts.URL + "/metrics/prometheus")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(raw)

	assert.Contains(t, text, `pipeline_http_requests_total{method="GET",route="/search",status="200"} 2`)
	assert.Contains(t, text, `pipeline_search_requests_total{cache="hit",index="user-events"} 1`)
	assert.Contains(t, text, `pipeline_search_requests_total{cache="miss",index="user-events"} 1`)
}
