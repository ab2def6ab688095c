package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"commerce-pipeline/internal/record"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)

const today = "2026-10-15"

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

func newTestWriter(rdb redis.Cmdable) *Writer {
	return NewWriter(rdb, WithClock(func() time.Time { return fixedNow }))
}

func testEvent(id string, et record.EventType) record.Event {
	return record.Event{
		ID:         id,
		UserID:     "user_1",
		SessionID:  "session_1",
		Timestamp:  "2026-10-15T11:59:00Z",
		EventType:  et,
		ProductID:  "product_1",
		Category:   "electronics",
		DeviceType: "mobile",
		Location:   &record.Location{City: "Chicago", State: "IL", Country: "US"},
	}
}

func ptr[T any](v T) *T { return &v }

func TestCacheEvent_WritesProfilesWithTTL(t *testing.T) {
	t.Parallel()
	mr, rdb := newTestRedis(t)
	w := newTestWriter(rdb)

	require.NoError(t, w.CacheEvent(context.Background(), testEvent("evt-1", record.EventView)))

	assert.Equal(t, "user_1", mr.HGet("session:session_1", "user_id"))
	assert.Equal(t, "view", mr.HGet("session:session_1", "last_event"))
	assert.Equal(t, "mobile", mr.HGet("session:session_1", "device_type"))
	assert.JSONEq(t, `{"city":"Chicago","state":"IL","country":"US"}`, mr.HGet("session:session_1", "location"))
	assert.Equal(t, "session_1", mr.HGet("user:user_1", "current_session"))
	assert.Equal(t, "2026-10-15T11:59:00Z", mr.HGet("user:user_1", "last_activity"))

	sessionTTL := mr.TTL("session:session_1")
	assert.True(t, sessionTTL > 0 && sessionTTL <= time.Hour, "session ttl %v", sessionTTL)
	userTTL := mr.TTL("user:user_1")
	assert.True(t, userTTL > 0 && userTTL <= 24*time.Hour, "user ttl %v", userTTL)

	assert.Equal(t, CounterTTL, mr.TTL("counters:"+today+":view"))
	assert.Equal(t, PopularProductsTTL, mr.TTL(PopularProductsKey))
}

func TestCacheEvent_Defaults(t *testing.T) {
	t.Parallel()
	mr, rdb := newTestRedis(t)
	w := newTestWriter(rdb)

	evt := testEvent("evt-1", record.EventClick)
	evt.DeviceType = ""
	evt.Location = nil
	evt.ProductID = ""
	require.NoError(t, w.CacheEvent(context.Background(), evt))

	assert.Equal(t, "unknown", mr.HGet("session:session_1", "device_type"))
	assert.Equal(t, "{}", mr.HGet("session:session_1", "location"))
	assert.False(t, mr.Exists(PopularProductsKey))
}

func TestCacheEvent_CounterMonotonic(t *testing.T) {
	t.Parallel()
	mr, rdb := newTestRedis(t)
	w := newTestWriter(rdb)
	ctx := context.Background()

	const n = 7
	last := 0
	for i := 0; i < n; i++ {
		require.NoError(t, w.CacheEvent(ctx, testEvent(fmt.Sprintf("evt-%d", i), record.EventPurchase)))
		got, err := mr.Get("counters:" + today + ":purchase")
		require.NoError(t, err)
		var cur int
		fmt.Sscan(got, &cur)
		assert.Greater(t, cur, last)
		last = cur
	}
	assert.Equal(t, n, last)
}

func TestCacheEvent_SearchLeaderboard(t *testing.T) {
	t.Parallel()
	mr, rdb := newTestRedis(t)
	w := newTestWriter(rdb)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		evt := testEvent(fmt.Sprintf("evt-%d", i), record.EventSearch)
		evt.SearchQuery = "gaming laptop"
		require.NoError(t, w.CacheEvent(ctx, evt))
	}
	// a search event without a query only counts
	require.NoError(t, w.CacheEvent(ctx, testEvent("evt-x", record.EventSearch)))

	score, err := mr.ZScore("search_queries:"+today, "gaming laptop")
	require.NoError(t, err)
	assert.Equal(t, 3.0, score)
	members, err := mr.ZMembers("search_queries:" + today)
	require.NoError(t, err)
	assert.Equal(t, []string{"gaming laptop"}, members)
	assert.Equal(t, SearchQueriesTTL, mr.TTL("search_queries:"+today))
}

func TestCacheEvent_AbortsOnFailure(t *testing.T) {
	t.Parallel()
	mr, rdb := newTestRedis(t)
	w := newTestWriter(rdb)

	ctx := context.Background()
	require.NoError(t, rdb.Ping(ctx).Err())

	mr.SetError("ERR backend offline")
	err := w.CacheEvent(ctx, testEvent("evt-1", record.EventView))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hset session:session_1")
	mr.SetError("")

	assert.False(t, mr.Exists("user:user_1"))
	assert.False(t, mr.Exists("counters:"+today+":view"))
	assert.Zero(t, w.locks.Len())
}

func TestCacheEvent_ConcurrentSameSession(t *testing.T) {
	t.Parallel()
	mr, rdb := newTestRedis(t)
	w := newTestWriter(rdb)

	const n = 40
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, w.CacheEvent(context.Background(), testEvent(fmt.Sprintf("evt-%d", i), record.EventView)))
		}(i)
	}
	wg.Wait()

	got, err := mr.Get("counters:" + today + ":view")
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprint(n), got)
	score, err := mr.ZScore(PopularProductsKey, "product_1")
	require.NoError(t, err)
	assert.Equal(t, float64(n), score)
	assert.Zero(t, w.locks.Len())
}

func TestCacheProduct(t *testing.T) {
	t.Parallel()
	mr, rdb := newTestRedis(t)
	w := newTestWriter(rdb)

	p := record.Product{
		ID:       "product_42",
		Name:     "Gaming Laptop 42",
		Category: "electronics",
		Brand:    "Brand_7",
		Price:    ptr(1299.99),
	}
	require.NoError(t, w.CacheProduct(context.Background(), p))

	assert.Equal(t, "Gaming Laptop 42", mr.HGet("product:product_42", "name"))
	assert.Equal(t, "1299.99", mr.HGet("product:product_42", "price"))
	assert.Equal(t, "0", mr.HGet("product:product_42", "rating"))
	assert.Equal(t, "0", mr.HGet("product:product_42", "stock_quantity"))
	assert.Equal(t, "true", mr.HGet("product:product_42", "is_active"))
	assert.Equal(t, ProductTTL, mr.TTL("product:product_42"))

	ok, err := mr.SIsMember("category_products:electronics", "product_42")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, CategoryTTL, mr.TTL("category_products:electronics"))

	id, err := mr.Get("product_search:gaming laptop 42")
	require.NoError(t, err)
	assert.Equal(t, "product_42", id)
	assert.Equal(t, ProductSearchTTL, mr.TTL("product_search:gaming laptop 42"))
}

func TestCacheProduct_Idempotent(t *testing.T) {
	t.Parallel()
	mr, rdb := newTestRedis(t)
	w := newTestWriter(rdb)
	ctx := context.Background()

	p := record.Product{ID: "p1", Name: "Book 1", Category: "books", Brand: "B", Price: ptr(5.0), IsActive: ptr(false)}
	require.NoError(t, w.CacheProduct(ctx, p))
	require.NoError(t, w.CacheProduct(ctx, p))

	members, err := mr.Members("category_products:books")
	require.NoError(t, err)
	assert.Equal(t, []string{"p1"}, members)
	assert.Equal(t, "false", mr.HGet("product:p1", "is_active"))
}

func TestLookup_DecodesByType(t *testing.T) {
	t.Parallel()
	mr, rdb := newTestRedis(t)
	r := NewReader(rdb)
	ctx := context.Background()

	mr.Set("s", "plain")
	mr.SetTTL("s", 90*time.Second)
	mr.HSet("h", "a", "1")
	mr.SetAdd("set", "x", "y")
	mr.ZAdd("z", 2, "two")
	mr.ZAdd("z", 1, "one")
	mr.Lpush("l", "b")
	mr.Lpush("l", "a")

	e, err := r.Lookup(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, KindString, e.Value.Kind)
	assert.Equal(t, "plain", e.Value.Text)
	assert.Equal(t, int64(90), e.TTLSeconds())

	e, err = r.Lookup(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, KindHash, e.Value.Kind)
	assert.Equal(t, map[string]string{"a": "1"}, e.Value.Fields)
	assert.Equal(t, int64(-1), e.TTLSeconds())

	e, err = r.Lookup(ctx, "set")
	require.NoError(t, err)
	assert.Equal(t, KindSet, e.Value.Kind)
	assert.ElementsMatch(t, []string{"x", "y"}, e.Value.Items)

	e, err = r.Lookup(ctx, "z")
	require.NoError(t, err)
	assert.Equal(t, "zset", e.Value.Type)
	assert.Equal(t, []ScoredMember{{"one", 1}, {"two", 2}}, e.Value.Scored)

	e, err = r.Lookup(ctx, "l")
	require.NoError(t, err)
	assert.Equal(t, KindList, e.Value.Kind)
	assert.Equal(t, []string{"a", "b"}, e.Value.Items)

	_, err = r.Lookup(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLookupPattern_Cap(t *testing.T) {
	t.Parallel()
	mr, rdb := newTestRedis(t)
	r := NewReader(rdb)

	for i := 0; i < 150; i++ {
		mr.HSet(fmt.Sprintf("user:user_%d", i), "current_session", "s")
	}
	mr.Set("session:other", "x")

	res, err := r.LookupPattern(context.Background(), "user:*")
	require.NoError(t, err)
	assert.Equal(t, MaxPatternKeys, res.Count())
	assert.True(t, res.Truncated)
	for k, v := range res.Values {
		assert.Contains(t, k, "user:")
		assert.Equal(t, KindHash, v.Kind)
	}
}

func TestLookupPattern_ExactlyAtCap(t *testing.T) {
	t.Parallel()
	mr, rdb := newTestRedis(t)
	r := NewReader(rdb)

	for i := 0; i < MaxPatternKeys; i++ {
		mr.Set(fmt.Sprintf("product:product_%03d", i), "x")
	}
	for i := 0; i < 250; i++ {
		mr.Set(fmt.Sprintf("session:s_%03d", i), "x")
	}

	res, err := r.LookupPattern(context.Background(), "product:*")
	require.NoError(t, err)
	assert.Equal(t, MaxPatternKeys, res.Count())
	assert.False(t, res.Truncated, "no key beyond the cap matches")

	mr.Set("product:product_999", "x")
	res, err = r.LookupPattern(context.Background(), "product:*")
	require.NoError(t, err)
	assert.Equal(t, MaxPatternKeys, res.Count())
	assert.True(t, res.Truncated)
}

func TestLookupPattern_UnsupportedTypes(t *testing.T) {
	t.Parallel()
	mr, rdb := newTestRedis(t)
	r := NewReader(rdb)

	mr.Set("k:string", "v")
	mr.ZAdd("k:zset", 1, "m")
	mr.SetAdd("k:set", "m")

	res, err := r.LookupPattern(context.Background(), "k:*")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Count())
	assert.False(t, res.Truncated)
	assert.Equal(t, KindString, res.Values["k:string"].Kind)
	assert.Equal(t, KindUnsupported, res.Values["k:zset"].Kind)

	b, err := json.Marshal(res.Values)
	require.NoError(t, err)
	assert.JSONEq(t, `{"k:string":"v","k:zset":"unsupported type: zset","k:set":"unsupported type: set"}`, string(b))
}

func TestAnalytics(t *testing.T) {
	t.Parallel()
	_, rdb := newTestRedis(t)
	w := newTestWriter(rdb)
	r := NewReader(rdb)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		evt := testEvent(fmt.Sprintf("p-%d", i), record.EventView)
		evt.ProductID = "P"
		require.NoError(t, w.CacheEvent(ctx, evt))
	}
	q := testEvent("q-0", record.EventPurchase)
	q.ProductID = "Q"
	require.NoError(t, w.CacheEvent(ctx, q))
	// wishlist is counted in Redis but not part of the analytics totals
	wish := testEvent("w-0", record.EventWishlist)
	wish.ProductID = ""
	require.NoError(t, w.CacheEvent(ctx, wish))

	a, err := r.Analytics(ctx, today)
	require.NoError(t, err)
	require.Len(t, a.PopularProducts, 2)
	assert.Equal(t, ScoredMember{"P", 3}, a.PopularProducts[0])
	assert.Equal(t, ScoredMember{"Q", 1}, a.PopularProducts[1])
	assert.Empty(t, a.PopularSearches)
	assert.Equal(t, int64(3), a.EventCounts[record.EventView])
	assert.Equal(t, int64(1), a.EventCounts[record.EventPurchase])
	assert.Equal(t, int64(0), a.EventCounts[record.EventSearch])
	assert.Len(t, a.EventCounts, len(AnalyticsEventTypes))
	assert.Equal(t, int64(4), a.Total)
}

func TestAnalytics_TopTen(t *testing.T) {
	t.Parallel()
	mr, rdb := newTestRedis(t)
	r := NewReader(rdb)

	for i := 0; i < 15; i++ {
		mr.ZAdd(PopularProductsKey, float64(i), fmt.Sprintf("product_%d", i))
	}
	a, err := r.Analytics(context.Background(), today)
	require.NoError(t, err)
	require.Len(t, a.PopularProducts, TopN)
	assert.Equal(t, "product_14", a.PopularProducts[0].Member)
	assert.Zero(t, a.Total)
}

func TestUser(t *testing.T) {
	t.Parallel()
	_, rdb := newTestRedis(t)
	w := newTestWriter(rdb)
	r := NewReader(rdb)
	ctx := context.Background()

	_, err := r.User(ctx, "user_1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, w.CacheEvent(ctx, testEvent("evt-1", record.EventView)))
	snap, err := r.User(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, "session_1", snap.User["current_session"])
	assert.Equal(t, "user_1", snap.Session["user_id"])
}

func TestSearchResultRoundTrip(t *testing.T) {
	t.Parallel()
	mr, rdb := newTestRedis(t)
	r := NewReader(rdb)
	ctx := context.Background()

	key := SearchResultKey("user-events", "smartphone", 10)
	assert.Equal(t, "search_cache:user-events:smartphone:10", key)

	_, ok, err := r.SearchResult(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	payload := []byte(`{"hits":[],"total":0,"max_score":null}`)
	require.NoError(t, r.StoreSearchResult(ctx, key, payload))
	got, ok, err := r.SearchResult(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, payload, got)
	assert.Equal(t, SearchResultTTL, mr.TTL(key))
}

func TestParseInfo(t *testing.T) {
	t.Parallel()

	info := "# Clients\r\nconnected_clients:4\r\n\r\n# Memory\r\nused_memory:1048576\r\nused_memory_human:1.00M\r\n# Stats\r\ntotal_commands_processed:991\r\n"
	fields := parseInfo(info)
	assert.Equal(t, int64(4), infoInt(fields, "connected_clients"))
	assert.Equal(t, int64(1048576), infoInt(fields, "used_memory"))
	assert.Equal(t, "1.00M", fields["used_memory_human"])
	assert.Equal(t, int64(991), infoInt(fields, "total_commands_processed"))
	assert.Zero(t, infoInt(fields, "missing"))
}

func TestKeyLocker_Dedupes(t *testing.T) {
	t.Parallel()
	l := newKeyLocker()
	unlock := l.Lock("b", "a", "b")
	assert.Equal(t, 2, l.Len())
	unlock()
	assert.Zero(t, l.Len())
}
