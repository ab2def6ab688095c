package cache

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"commerce-pipeline/internal/record"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when a looked-up key or user does not exist.
var ErrNotFound = errors.New("not found")

const (
	// MaxPatternKeys caps the keys returned by a pattern lookup.
	MaxPatternKeys = 100
	// TopN is the length of the analytics leaderboards.
	TopN = 10

	scanBatch = 100
)

// AnalyticsEventTypes are the counters summed into analytics totals.
var AnalyticsEventTypes = []record.EventType{
	record.EventView,
	record.EventClick,
	record.EventPurchase,
	record.EventSearch,
	record.EventAddToCart,
}

// Reader serves the read side of the cache. It keeps no state between
// calls beyond the shared client.
type Reader struct {
	rdb redis.Cmdable
}

// NewReader creates a Reader on the shared Redis client.
func NewReader(rdb redis.Cmdable) *Reader {
	return &Reader{rdb: rdb}
}

// Ping checks that Redis answers.
func (r *Reader) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

// Lookup decodes a single key of any supported type along with its TTL.
func (r *Reader) Lookup(ctx context.Context, key string) (*Entry, error) {
	typ, err := r.rdb.Type(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("type %s: %w", key, err)
	}
	if typ == "none" {
		return nil, ErrNotFound
	}

	val, err := r.decode(ctx, key, typ, true)
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	ttl, err := r.rdb.TTL(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("ttl %s: %w", key, err)
	}
	return &Entry{Key: key, Value: val, TTL: ttl}, nil
}

// LookupPattern returns up to MaxPatternKeys keys matching pattern. Only
// string and hash values are decoded; other types are reported as
// unsupported and per-key read errors are reported inline.
func (r *Reader) LookupPattern(ctx context.Context, pattern string) (*PatternResult, error) {
	keys, truncated, err := r.scan(ctx, pattern, MaxPatternKeys)
	if err != nil {
		return nil, err
	}

	res := &PatternResult{
		Pattern:   pattern,
		Values:    make(map[string]Value, len(keys)),
		Truncated: truncated,
	}
	for _, key := range keys {
		typ, err := r.rdb.Type(ctx, key).Result()
		if err != nil {
			res.Values[key] = Value{Kind: KindError, Text: err.Error()}
			continue
		}
		if typ == "none" {
			// expired between SCAN and TYPE
			continue
		}
		val, err := r.decode(ctx, key, typ, false)
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			res.Values[key] = Value{Kind: KindError, Type: typ, Text: err.Error()}
			continue
		}
		res.Values[key] = val
	}
	return res, nil
}

// scan walks the keyspace with SCAN MATCH until limit distinct keys are
// collected or the cursor wraps. The result is truncated only once a
// further distinct matching key has been seen.
func (r *Reader) scan(ctx context.Context, pattern string, limit int) ([]string, bool, error) {
	seen := make(map[string]struct{})
	keys := make([]string, 0, limit)
	var cursor uint64
	for {
		batch, next, err := r.rdb.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return nil, false, fmt.Errorf("scan %s: %w", pattern, err)
		}
		for _, key := range batch {
			if _, dup := seen[key]; dup {
				continue
			}
			if len(keys) == limit {
				return keys, true, nil
			}
			seen[key] = struct{}{}
			keys = append(keys, key)
		}
		cursor = next
		if cursor == 0 {
			return keys, false, nil
		}
	}
}

// decode reads key according to its Redis type. When all is false only
// strings and hashes are read.
func (r *Reader) decode(ctx context.Context, key, typ string, all bool) (Value, error) {
	switch typ {
	case "string":
		s, err := r.rdb.Get(ctx, key).Result()
		if err != nil {
			return Value{}, wrapRead("get", key, err)
		}
		return Value{Kind: KindString, Type: typ, Text: s}, nil
	case "hash":
		m, err := r.rdb.HGetAll(ctx, key).Result()
		if err != nil {
			return Value{}, wrapRead("hgetall", key, err)
		}
		return Value{Kind: KindHash, Type: typ, Fields: m}, nil
	}
	if !all {
		return Value{Kind: KindUnsupported, Type: typ}, nil
	}

	switch typ {
	case "set":
		members, err := r.rdb.SMembers(ctx, key).Result()
		if err != nil {
			return Value{}, wrapRead("smembers", key, err)
		}
		return Value{Kind: KindSet, Type: typ, Items: members}, nil
	case "zset":
		zs, err := r.rdb.ZRangeWithScores(ctx, key, 0, -1).Result()
		if err != nil {
			return Value{}, wrapRead("zrange", key, err)
		}
		return Value{Kind: KindSortedSet, Type: typ, Scored: toScored(zs)}, nil
	case "list":
		items, err := r.rdb.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			return Value{}, wrapRead("lrange", key, err)
		}
		return Value{Kind: KindList, Type: typ, Items: items}, nil
	default:
		return Value{Kind: KindUnsupported, Type: typ}, nil
	}
}

func wrapRead(op, key string, err error) error {
	if errors.Is(err, redis.Nil) {
		return err
	}
	return fmt.Errorf("%s %s: %w", op, key, err)
}

func toScored(zs []redis.Z) []ScoredMember {
	out := make([]ScoredMember, 0, len(zs))
	for _, z := range zs {
		member, _ := z.Member.(string)
		out = append(out, ScoredMember{Member: member, Score: z.Score})
	}
	return out
}

// Analytics is the counter and leaderboard snapshot for one day.
type Analytics struct {
	Date            string
	PopularProducts []ScoredMember
	PopularSearches []ScoredMember
	EventCounts     map[record.EventType]int64
	Total           int64
}

// Analytics reads the top product and search leaderboards and the daily
// counters of AnalyticsEventTypes. Missing counters count as zero; the
// total covers the counters only.
func (r *Reader) Analytics(ctx context.Context, date string) (*Analytics, error) {
	products, err := r.rdb.ZRevRangeWithScores(ctx, PopularProductsKey, 0, TopN-1).Result()
	if err != nil {
		return nil, fmt.Errorf("zrevrange %s: %w", PopularProductsKey, err)
	}
	searchKey := SearchQueriesKey(date)
	searches, err := r.rdb.ZRevRangeWithScores(ctx, searchKey, 0, TopN-1).Result()
	if err != nil {
		return nil, fmt.Errorf("zrevrange %s: %w", searchKey, err)
	}

	keys := make([]string, len(AnalyticsEventTypes))
	for i, et := range AnalyticsEventTypes {
		keys[i] = CounterKey(date, et)
	}
	raw, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget counters: %w", err)
	}

	a := &Analytics{
		Date:            date,
		PopularProducts: toScored(products),
		PopularSearches: toScored(searches),
		EventCounts:     make(map[record.EventType]int64, len(AnalyticsEventTypes)),
	}
	for i, et := range AnalyticsEventTypes {
		var n int64
		if s, ok := raw[i].(string); ok {
			n, err = strconv.ParseInt(s, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("counter %s: %w", keys[i], err)
			}
		}
		a.EventCounts[et] = n
		a.Total += n
	}
	return a, nil
}

// UserSnapshot is a user's cached profile and current session.
type UserSnapshot struct {
	UserID  string
	User    map[string]string
	Session map[string]string
}

// User reads user:{id} and, when it names one, the current session hash.
func (r *Reader) User(ctx context.Context, userID string) (*UserSnapshot, error) {
	key := UserKey(userID)
	user, err := r.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", key, err)
	}
	if len(user) == 0 {
		return nil, ErrNotFound
	}

	snap := &UserSnapshot{UserID: userID, User: user, Session: map[string]string{}}
	if sid, ok := user["current_session"]; ok && sid != "" {
		skey := SessionKey(sid)
		session, err := r.rdb.HGetAll(ctx, skey).Result()
		if err != nil {
			return nil, fmt.Errorf("hgetall %s: %w", skey, err)
		}
		snap.Session = session
	}
	return snap, nil
}

// SearchResult returns the memoized result bytes for a search fingerprint.
func (r *Reader) SearchResult(ctx context.Context, fingerprint string) ([]byte, bool, error) {
	b, err := r.rdb.Get(ctx, fingerprint).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", fingerprint, err)
	}
	return b, true, nil
}

// StoreSearchResult memoizes result bytes under a search fingerprint.
func (r *Reader) StoreSearchResult(ctx context.Context, fingerprint string, result []byte) error {
	if err := r.rdb.Set(ctx, fingerprint, result, SearchResultTTL).Err(); err != nil {
		return fmt.Errorf("set %s: %w", fingerprint, err)
	}
	return nil
}

// ServerStats are the Redis server figures exposed on /metrics.
type ServerStats struct {
	ConnectedClients       int64
	UsedMemory             int64
	UsedMemoryHuman        string
	TotalCommandsProcessed int64
	TotalKeys              int64
}

// Stats reads INFO and DBSIZE.
func (r *Reader) Stats(ctx context.Context) (*ServerStats, error) {
	info, err := r.rdb.Info(ctx).Result()
	if err != nil {
		return nil, fmt.Errorf("info: %w", err)
	}
	size, err := r.rdb.DBSize(ctx).Result()
	if err != nil {
		return nil, fmt.Errorf("dbsize: %w", err)
	}

	fields := parseInfo(info)
	stats := &ServerStats{
		ConnectedClients:       infoInt(fields, "connected_clients"),
		UsedMemory:             infoInt(fields, "used_memory"),
		UsedMemoryHuman:        fields["used_memory_human"],
		TotalCommandsProcessed: infoInt(fields, "total_commands_processed"),
		TotalKeys:              size,
	}
	if stats.UsedMemoryHuman == "" {
		stats.UsedMemoryHuman = "0B"
	}
	return stats, nil
}

// parseInfo reads the "field:value" lines of an INFO reply.
func parseInfo(info string) map[string]string {
	fields := make(map[string]string)
	sc := bufio.NewScanner(strings.NewReader(info))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		fields[k] = v
	}
	return fields
}

func infoInt(fields map[string]string, key string) int64 {
	n, _ := strconv.ParseInt(fields[key], 10, 64)
	return n
}
