package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"commerce-pipeline/internal/record"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Writer applies the per-record key mutations of the ingestion path.
// Mutations of one record are independent commands; the first failure stops
// the remaining mutations for that record and is returned to the caller.
// Writer is safe for concurrent use.
type Writer struct {
	rdb    redis.Cmdable
	locks  *keyLocker
	now    func() time.Time
	logger *zap.Logger
}

// WriterOption customizes a Writer.
type WriterOption func(*Writer)

// WithClock overrides the clock used for daily counter buckets.
func WithClock(now func() time.Time) WriterOption {
	return func(w *Writer) { w.now = now }
}

// WithWriterLogger sets the logger.
func WithWriterLogger(logger *zap.Logger) WriterOption {
	return func(w *Writer) { w.logger = logger }
}

// NewWriter creates a Writer on the shared Redis client.
func NewWriter(rdb redis.Cmdable, opts ...WriterOption) *Writer {
	w := &Writer{
		rdb:    rdb,
		locks:  newKeyLocker(),
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Ping checks that Redis answers.
func (w *Writer) Ping(ctx context.Context) error {
	return w.rdb.Ping(ctx).Err()
}

// CacheEvent writes the session and user hashes, bumps the daily counter
// for the event type, and feeds the product and search leaderboards.
func (w *Writer) CacheEvent(ctx context.Context, evt record.Event) error {
	sessionKey := SessionKey(evt.SessionID)
	userKey := UserKey(evt.UserID)

	unlock := w.locks.Lock(sessionKey, userKey)
	err := w.writeProfiles(ctx, evt, sessionKey, userKey)
	unlock()
	if err != nil {
		return err
	}

	date := w.now().UTC().Format(DateLayout)

	counterKey := CounterKey(date, evt.EventType)
	if err := w.rdb.Incr(ctx, counterKey).Err(); err != nil {
		return fmt.Errorf("incr %s: %w", counterKey, err)
	}
	if err := w.expire(ctx, counterKey, CounterTTL); err != nil {
		return err
	}

	if evt.ProductID != "" {
		if err := w.rdb.ZIncrBy(ctx, PopularProductsKey, 1, evt.ProductID).Err(); err != nil {
			return fmt.Errorf("zincrby %s: %w", PopularProductsKey, err)
		}
		if err := w.expire(ctx, PopularProductsKey, PopularProductsTTL); err != nil {
			return err
		}
	}

	if evt.EventType == record.EventSearch && evt.SearchQuery != "" {
		searchKey := SearchQueriesKey(date)
		if err := w.rdb.ZIncrBy(ctx, searchKey, 1, evt.SearchQuery).Err(); err != nil {
			return fmt.Errorf("zincrby %s: %w", searchKey, err)
		}
		if err := w.expire(ctx, searchKey, SearchQueriesTTL); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) writeProfiles(ctx context.Context, evt record.Event, sessionKey, userKey string) error {
	deviceType := evt.DeviceType
	if deviceType == "" {
		deviceType = "unknown"
	}
	location := "{}"
	if evt.Location != nil {
		b, err := json.Marshal(evt.Location)
		if err != nil {
			return fmt.Errorf("encode location: %w", err)
		}
		location = string(b)
	}

	if err := w.setHash(ctx, sessionKey, SessionTTL,
		"user_id", evt.UserID,
		"last_activity", evt.Timestamp,
		"last_event", string(evt.EventType),
		"device_type", deviceType,
		"location", location,
	); err != nil {
		return err
	}

	return w.setHash(ctx, userKey, UserTTL,
		"last_activity", evt.Timestamp,
		"last_event", string(evt.EventType),
		"current_session", evt.SessionID,
	)
}

// CacheProduct writes the product summary hash, adds the product to its
// category set, and records the lowercased name for exact-name lookup.
func (w *Writer) CacheProduct(ctx context.Context, p record.Product) error {
	productKey := ProductKey(p.ID)
	nameKey := ProductSearchKey(p.Name)

	unlock := w.locks.Lock(productKey, nameKey)
	defer unlock()

	var price float64
	if p.Price != nil {
		price = *p.Price
	}
	var rating float64
	if p.Rating != nil {
		rating = *p.Rating
	}
	var stock int
	if p.StockQuantity != nil {
		stock = *p.StockQuantity
	}
	active := true
	if p.IsActive != nil {
		active = *p.IsActive
	}

	if err := w.setHash(ctx, productKey, ProductTTL,
		"name", p.Name,
		"category", p.Category,
		"price", formatFloat(price),
		"brand", p.Brand,
		"rating", formatFloat(rating),
		"stock_quantity", strconv.Itoa(stock),
		"is_active", strconv.FormatBool(active),
	); err != nil {
		return err
	}

	categoryKey := CategoryKey(p.Category)
	if err := w.rdb.SAdd(ctx, categoryKey, p.ID).Err(); err != nil {
		return fmt.Errorf("sadd %s: %w", categoryKey, err)
	}
	if err := w.expire(ctx, categoryKey, CategoryTTL); err != nil {
		return err
	}

	if err := w.rdb.Set(ctx, nameKey, p.ID, ProductSearchTTL).Err(); err != nil {
		return fmt.Errorf("set %s: %w", nameKey, err)
	}
	return nil
}

func (w *Writer) setHash(ctx context.Context, key string, ttl time.Duration, fields ...interface{}) error {
	if err := w.rdb.HSet(ctx, key, fields...).Err(); err != nil {
		return fmt.Errorf("hset %s: %w", key, err)
	}
	return w.expire(ctx, key, ttl)
}

func (w *Writer) expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := w.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("expire %s: %w", key, err)
	}
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
