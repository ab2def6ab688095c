// Package query serves the read side: cache-aside search, cache lookups,
// per-user snapshots, daily analytics, and health and server metrics.
package query

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strconv"
	"time"

	"commerce-pipeline/internal/apperr"
	"commerce-pipeline/internal/cache"
	"commerce-pipeline/internal/record"
	"commerce-pipeline/internal/store"

	"go.uber.org/zap"
)

const (
	DefaultQuery = "*"
	DefaultIndex = store.IndexUserEvents
	DefaultSize  = 10
	MaxSize      = 100
)

// CacheReader is the part of the cache the gateway reads from.
type CacheReader interface {
	Ping(ctx context.Context) error
	Lookup(ctx context.Context, key string) (*cache.Entry, error)
	LookupPattern(ctx context.Context, pattern string) (*cache.PatternResult, error)
	Analytics(ctx context.Context, date string) (*cache.Analytics, error)
	User(ctx context.Context, userID string) (*cache.UserSnapshot, error)
	SearchResult(ctx context.Context, fingerprint string) ([]byte, bool, error)
	StoreSearchResult(ctx context.Context, fingerprint string, result []byte) error
	Stats(ctx context.Context) (*cache.ServerStats, error)
}

// SearchObserver counts searches by cache outcome.
type SearchObserver interface {
	ObserveSearch(index string, cached bool)
}

type nopObserver struct{}

func (nopObserver) ObserveSearch(string, bool) {}

// Gateway answers read requests, preferring the cache and falling back to
// the document store.
type Gateway struct {
	cache   CacheReader
	docs    store.DocumentStore
	logger  *zap.Logger
	metrics SearchObserver
	now     func() time.Time
}

// Option configures a Gateway.
type Option func(*Gateway)

func WithLogger(logger *zap.Logger) Option {
	return func(g *Gateway) { g.logger = logger }
}

func WithMetrics(m SearchObserver) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithClock overrides the clock used for default dates and timestamps.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// NewGateway creates a Gateway over the shared cache and document store.
func NewGateway(c CacheReader, docs store.DocumentStore, opts ...Option) *Gateway {
	g := &Gateway{
		cache:   c,
		docs:    docs,
		logger:  zap.NewNop(),
		metrics: nopObserver{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Gateway) timestamp() string {
	return g.now().UTC().Format(time.RFC3339)
}

// SearchRequest is a validated search. Zero fields take the defaults.
type SearchRequest struct {
	Query string
	Index string
	Size  int
}

// ParseSearchRequest reads q, index and size from query parameters.
func ParseSearchRequest(params url.Values) (SearchRequest, error) {
	req := SearchRequest{
		Query: params.Get("q"),
		Index: params.Get("index"),
	}
	if raw := params.Get("size"); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil || size <= 0 {
			return SearchRequest{}, apperr.Validation("size must be a positive integer, got %q", raw)
		}
		req.Size = size
	}
	return req, nil
}

func (r SearchRequest) normalize() (SearchRequest, error) {
	if r.Query == "" {
		r.Query = DefaultQuery
	}
	if r.Index == "" {
		r.Index = DefaultIndex
	}
	if !store.KnownIndex(r.Index) {
		return r, apperr.Validation("unknown index: %s", r.Index)
	}
	switch {
	case r.Size == 0:
		r.Size = DefaultSize
	case r.Size < 0:
		return r, apperr.Validation("size must be a positive integer, got %d", r.Size)
	case r.Size > MaxSize:
		r.Size = MaxSize
	}
	return r, nil
}

// SearchResponse carries the result bytes exactly as they were cached.
type SearchResponse struct {
	Query   string          `json:"query"`
	Index   string          `json:"index"`
	Cached  bool            `json:"cached"`
	Results json.RawMessage `json:"results"`
}

// Search serves a query from the result cache or, on a miss, from the
// document store, caching the formatted result for later calls. Cache
// failures degrade to a miss and never fail the request.
func (g *Gateway) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	req, err := req.normalize()
	if err != nil {
		return nil, err
	}
	key := cache.SearchResultKey(req.Index, req.Query, req.Size)
	resp := &SearchResponse{Query: req.Query, Index: req.Index}

	cached, ok, err := g.cache.SearchResult(ctx, key)
	if err != nil {
		g.logger.Warn("search cache read failed", zap.String("key", key), zap.Error(err))
	}
	if ok {
		g.metrics.ObserveSearch(req.Index, true)
		resp.Cached = true
		resp.Results = cached
		return resp, nil
	}

	res, err := g.docs.Search(ctx, req.Index, store.SearchQuery{Text: req.Query, Size: req.Size})
	if err != nil {
		g.logger.Error("search failed",
			zap.String("index", req.Index),
			zap.String("query", req.Query),
			zap.Error(err),
		)
		if errors.Is(err, store.ErrUnavailable) {
			return nil, apperr.Unavailable(g.docs.Name(), err)
		}
		return nil, apperr.Internal("search", err)
	}
	g.metrics.ObserveSearch(req.Index, false)

	body, err := json.Marshal(res)
	if err != nil {
		return nil, apperr.Internal("search", err)
	}
	if err := g.cache.StoreSearchResult(ctx, key, body); err != nil {
		g.logger.Warn("search result not cached", zap.String("key", key), zap.Error(err))
	}
	resp.Results = body
	return resp, nil
}

// KeyResponse is a single decoded cache key.
type KeyResponse struct {
	Key   string      `json:"key"`
	Type  string      `json:"type"`
	Value cache.Value `json:"value"`
	TTL   int64       `json:"ttl"`
}

// PatternResponse is the capped result of a pattern lookup.
type PatternResponse struct {
	Pattern   string                 `json:"pattern"`
	Count     int                    `json:"count"`
	Truncated bool                   `json:"truncated"`
	Results   map[string]cache.Value `json:"results"`
}

// Lookup decodes one key. A missing key is a not-found error.
func (g *Gateway) Lookup(ctx context.Context, key string) (*KeyResponse, error) {
	if key == "" {
		return nil, apperr.Validation("key is required")
	}
	entry, err := g.cache.Lookup(ctx, key)
	if errors.Is(err, cache.ErrNotFound) {
		return nil, apperr.NotFound("Key not found: %s", key)
	}
	if err != nil {
		return nil, apperr.Internal("cache lookup", err)
	}
	return &KeyResponse{
		Key:   entry.Key,
		Type:  entry.Value.Type,
		Value: entry.Value,
		TTL:   entry.TTLSeconds(),
	}, nil
}

// LookupPattern returns up to cache.MaxPatternKeys keys matching pattern.
func (g *Gateway) LookupPattern(ctx context.Context, pattern string) (*PatternResponse, error) {
	if pattern == "" {
		return nil, apperr.Validation("pattern is required")
	}
	res, err := g.cache.LookupPattern(ctx, pattern)
	if err != nil {
		return nil, apperr.Internal("cache lookup", err)
	}
	return &PatternResponse{
		Pattern:   res.Pattern,
		Count:     res.Count(),
		Truncated: res.Truncated,
		Results:   res.Values,
	}, nil
}

// CacheLookup dispatches to Lookup or LookupPattern. Exactly one of key and
// pattern must be set.
func (g *Gateway) CacheLookup(ctx context.Context, key, pattern string) (interface{}, error) {
	switch {
	case key == "" && pattern == "":
		return nil, apperr.Validation("Either key or pattern parameter is required")
	case key != "" && pattern != "":
		return nil, apperr.Validation("key and pattern are mutually exclusive")
	case key != "":
		return g.Lookup(ctx, key)
	default:
		return g.LookupPattern(ctx, pattern)
	}
}

// UserResponse is a user's cached profile and current session.
type UserResponse struct {
	UserID      string            `json:"user_id"`
	UserData    map[string]string `json:"user_data"`
	SessionData map[string]string `json:"session_data"`
}

func (g *Gateway) User(ctx context.Context, userID string) (*UserResponse, error) {
	if userID == "" {
		return nil, apperr.Validation("user_id parameter is required")
	}
	snap, err := g.cache.User(ctx, userID)
	if errors.Is(err, cache.ErrNotFound) {
		return nil, apperr.NotFound("User not found: %s", userID)
	}
	if err != nil {
		return nil, apperr.Internal("user lookup", err)
	}
	return &UserResponse{UserID: snap.UserID, UserData: snap.User, SessionData: snap.Session}, nil
}

type PopularProduct struct {
	ProductID string  `json:"product_id"`
	Score     float64 `json:"score"`
}

type PopularSearch struct {
	Query string  `json:"query"`
	Count float64 `json:"count"`
}

// AnalyticsResponse is the daily snapshot. TotalEvents sums EventCounts
// only.
type AnalyticsResponse struct {
	Date            string                     `json:"date"`
	PopularProducts []PopularProduct           `json:"popular_products"`
	PopularSearches []PopularSearch            `json:"popular_searches"`
	EventCounts     map[record.EventType]int64 `json:"event_counts"`
	TotalEvents     int64                      `json:"total_events"`
}

// Analytics reads the leaderboards and counters for date, today (UTC) when
// date is empty.
func (g *Gateway) Analytics(ctx context.Context, date string) (*AnalyticsResponse, error) {
	if date == "" {
		date = g.now().UTC().Format(cache.DateLayout)
	} else if _, err := time.Parse(cache.DateLayout, date); err != nil {
		return nil, apperr.Validation("date must be YYYY-MM-DD, got %q", date)
	}

	a, err := g.cache.Analytics(ctx, date)
	if err != nil {
		return nil, apperr.Internal("analytics", err)
	}

	resp := &AnalyticsResponse{
		Date:            a.Date,
		PopularProducts: make([]PopularProduct, 0, len(a.PopularProducts)),
		PopularSearches: make([]PopularSearch, 0, len(a.PopularSearches)),
		EventCounts:     a.EventCounts,
		TotalEvents:     a.Total,
	}
	for _, p := range a.PopularProducts {
		resp.PopularProducts = append(resp.PopularProducts, PopularProduct{ProductID: p.Member, Score: p.Score})
	}
	for _, s := range a.PopularSearches {
		resp.PopularSearches = append(resp.PopularSearches, PopularSearch{Query: s.Member, Count: s.Score})
	}
	return resp, nil
}

const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
)

// HealthReport lists every backing service as healthy or unhealthy.
type HealthReport struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Services  map[string]string `json:"services"`
}

func (h *HealthReport) Healthy() bool { return h.Status == StatusHealthy }

// Health pings the cache and the document store.
func (g *Gateway) Health(ctx context.Context) *HealthReport {
	report := &HealthReport{
		Status:    StatusHealthy,
		Timestamp: g.timestamp(),
		Services:  make(map[string]string, 2),
	}
	check := func(name string, err error) {
		if err != nil {
			report.Services[name] = "unhealthy: " + err.Error()
			report.Status = StatusDegraded
			return
		}
		report.Services[name] = StatusHealthy
	}
	check("redis", g.cache.Ping(ctx))
	check(g.docs.Name(), g.docs.Ping(ctx))
	return report
}

type RedisMetrics struct {
	ConnectedClients       int64  `json:"connected_clients"`
	UsedMemory             int64  `json:"used_memory"`
	UsedMemoryHuman        string `json:"used_memory_human"`
	TotalCommandsProcessed int64  `json:"total_commands_processed"`
	TotalKeys              int64  `json:"total_keys"`
}

type MetricsResponse struct {
	Redis     RedisMetrics `json:"redis"`
	Timestamp string       `json:"timestamp"`
}

// Metrics reports Redis server figures.
func (g *Gateway) Metrics(ctx context.Context) (*MetricsResponse, error) {
	s, err := g.cache.Stats(ctx)
	if err != nil {
		return nil, apperr.Internal("metrics", err)
	}
	return &MetricsResponse{
		Redis: RedisMetrics{
			ConnectedClients:       s.ConnectedClients,
			UsedMemory:             s.UsedMemory,
			UsedMemoryHuman:        s.UsedMemoryHuman,
			TotalCommandsProcessed: s.TotalCommandsProcessed,
			TotalKeys:              s.TotalKeys,
		},
		Timestamp: g.timestamp(),
	}, nil
}
