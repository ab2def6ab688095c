package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"commerce-pipeline/internal/cache"
	"commerce-pipeline/internal/record"
	"commerce-pipeline/internal/store"
	"commerce-pipeline/internal/store/storetest"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// Compile-time checks that the real collaborators satisfy the ports.
var (
	_ Cache            = (*cache.Writer)(nil)
	_ SchemaEnsurer    = (*store.SchemaManager)(nil)
	_ PayloadProcessor = (*Coordinator)(nil)
)

type pipeline struct {
	mr     *miniredis.Miniredis
	reader *cache.Reader
	docs   *storetest.Memory
	ts     *httptest.Server
	now    time.Time
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	now := time.Date(2026, 10, 15, 9, 30, 0, 0, time.UTC)
	writer := cache.NewWriter(rdb, cache.WithClock(func() time.Time { return now }))
	docs := storetest.NewMemory()
	coord := NewCoordinator(writer, store.NewSchemaManager(docs, nil), docs, WithWorkers(4))

	ts := httptest.NewServer(NewServer(coord, nil).Handler())
	t.Cleanup(ts.Close)
	return &pipeline{mr: mr, reader: cache.NewReader(rdb), docs: docs, ts: ts, now: now}
}

func (p *pipeline) post(t *testing.T, payload interface{}) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	resp, err := http.Post(p.ts.URL+"/ingest", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /ingest: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// TestEndToEnd_SearchLeaderboard ingests a mixed batch over HTTP and checks
// both stores and the daily analytics.
func TestEndToEnd_SearchLeaderboard(t *testing.T) {
	t.Parallel()
	p := newPipeline(t)

	var events []record.Event
	for i := 0; i < 20; i++ {
		evt := record.Event{
			ID:        fmt.Sprintf("evt-%02d", i),
			UserID:    fmt.Sprintf("user_%d", i%4),
			SessionID: fmt.Sprintf("session_%d", i%4),
			Timestamp: "2026-10-15T09:00:00Z",
			EventType: record.EventView,
			ProductID: "product_1",
		}
		if i < 3 {
			evt.EventType = record.EventSearch
			evt.SearchQuery = "gaming laptop"
			evt.ProductID = ""
		}
		events = append(events, evt)
	}

	resp := p.post(t, map[string]interface{}{"events": events})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var out struct {
		Report BatchReport `json:"report"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out.Report.Events.Cached != 20 || out.Report.Events.Indexed != 20 {
		t.Fatalf("report events = %+v, want 20 cached and indexed", out.Report.Events)
	}

	if n := p.docs.Count(store.IndexUserEvents); n != 20 {
		t.Errorf("indexed %d events, want 20", n)
	}

	a, err := p.reader.Analytics(context.Background(), p.now.Format(cache.DateLayout))
	if err != nil {
		t.Fatalf("Analytics: %v", err)
	}
	if a.EventCounts[record.EventSearch] != 3 {
		t.Errorf("search count = %d, want 3", a.EventCounts[record.EventSearch])
	}
	if a.EventCounts[record.EventView] != 17 {
		t.Errorf("view count = %d, want 17", a.EventCounts[record.EventView])
	}
	if len(a.PopularSearches) != 1 || a.PopularSearches[0].Member != "gaming laptop" || a.PopularSearches[0].Score != 3 {
		t.Errorf("popular searches = %+v, want gaming laptop x3", a.PopularSearches)
	}
	if len(a.PopularProducts) != 1 || a.PopularProducts[0].Score != 17 {
		t.Errorf("popular products = %+v, want product_1 x17", a.PopularProducts)
	}
}

// TestEndToEnd_ProductAndSessionKeys checks the derived keys written for
// products and sessions along with their TTLs.
func TestEndToEnd_ProductAndSessionKeys(t *testing.T) {
	t.Parallel()
	p := newPipeline(t)

	payload := map[string]interface{}{
		"events": []map[string]interface{}{{
			"id": "evt-1", "user_id": "user_9", "session_id": "session_9",
			"timestamp": "2026-10-15T09:00:00Z", "event_type": "add_to_cart",
			"device_type": "tablet",
		}},
		"products": []map[string]interface{}{{
			"id": "product_5", "name": "Trail Shoes", "category": "sports",
			"brand": "Peak", "price": 89.9, "stock_quantity": 4,
		}},
	}
	if resp := p.post(t, payload); resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	if got := p.mr.HGet("session:session_9", "device_type"); got != "tablet" {
		t.Errorf("session device_type = %q, want tablet", got)
	}
	if ttl := p.mr.TTL("session:session_9"); ttl <= 0 || ttl > time.Hour {
		t.Errorf("session ttl = %v, want (0, 1h]", ttl)
	}
	if got := p.mr.HGet("product:product_5", "stock_quantity"); got != "4" {
		t.Errorf("product stock_quantity = %q, want 4", got)
	}
	if id, err := p.mr.Get("product_search:trail shoes"); err != nil || id != "product_5" {
		t.Errorf("product_search = %q (%v), want product_5", id, err)
	}
	if _, ok := p.docs.Doc(store.IndexProductCatalog, "product_5"); !ok {
		t.Error("product_5 should be indexed")
	}

	snap, err := p.reader.User(context.Background(), "user_9")
	if err != nil {
		t.Fatalf("User: %v", err)
	}
	if snap.Session["last_event"] != "add_to_cart" {
		t.Errorf("session last_event = %q, want add_to_cart", snap.Session["last_event"])
	}
}

// TestEndToEnd_Reingest sends the same payload twice: documents are
// upserted, counters keep counting.
func TestEndToEnd_Reingest(t *testing.T) {
	t.Parallel()
	p := newPipeline(t)

	payload := map[string]interface{}{
		"id": "evt-1", "user_id": "u", "session_id": "s",
		"timestamp": "2026-10-15T09:00:00Z", "event_type": "purchase", "product_id": "product_2",
	}
	for i := 0; i < 2; i++ {
		if resp := p.post(t, payload); resp.StatusCode != http.StatusOK {
			t.Fatalf("attempt %d: status = %d, want 200", i, resp.StatusCode)
		}
	}

	if n := p.docs.Count(store.IndexUserEvents); n != 1 {
		t.Errorf("indexed %d documents, want 1", n)
	}
	if got, _ := p.mr.Get("counters:2026-10-15:purchase"); got != "2" {
		t.Errorf("purchase counter = %q, want 2", got)
	}
}
