// Package cache owns every Redis key the pipeline reads or writes: the hot
// copies written during ingestion, the leaderboards and counters behind
// analytics, and the memoized search results of the read path.
package cache

import (
	"strconv"
	"strings"
	"time"

	"commerce-pipeline/internal/record"
)

// TTL per key class. They are fixed by the class, never by record content.
const (
	SessionTTL         = time.Hour
	UserTTL            = 24 * time.Hour
	CounterTTL         = 7 * 24 * time.Hour
	PopularProductsTTL = 24 * time.Hour
	SearchQueriesTTL   = 7 * 24 * time.Hour
	ProductTTL         = time.Hour
	CategoryTTL        = 24 * time.Hour
	ProductSearchTTL   = time.Hour
	SearchResultTTL    = 5 * time.Minute
)

// PopularProductsKey is the global product leaderboard.
const PopularProductsKey = "popular_products"

// DateLayout is the day bucket used in counter and search-query keys.
const DateLayout = "2006-01-02"

func SessionKey(sessionID string) string { return "session:" + sessionID }

func UserKey(userID string) string { return "user:" + userID }

func CounterKey(date string, eventType record.EventType) string {
	return "counters:" + date + ":" + string(eventType)
}

func SearchQueriesKey(date string) string { return "search_queries:" + date }

func ProductKey(productID string) string { return "product:" + productID }

func CategoryKey(category string) string { return "category_products:" + category }

func ProductSearchKey(name string) string { return "product_search:" + strings.ToLower(name) }

// SearchResultKey is the fingerprint of a search request.
func SearchResultKey(index, query string, size int) string {
	return "search_cache:" + index + ":" + query + ":" + strconv.Itoa(size)
}
