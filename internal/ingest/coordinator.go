package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"commerce-pipeline/internal/record"
	"commerce-pipeline/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultBatchTimeout bounds one batch once it is detached from its caller.
const DefaultBatchTimeout = time.Minute

// Stages a record can fail at.
const (
	StageDecode   = "decode"
	StageValidate = "validate"
	StageCache    = "cache"
	StageIndex    = "index"
)

// Cache is the write side of the Redis cache.
type Cache interface {
	Ping(ctx context.Context) error
	CacheEvent(ctx context.Context, evt record.Event) error
	CacheProduct(ctx context.Context, p record.Product) error
}

// SchemaEnsurer creates the document indices before the first write.
type SchemaEnsurer interface {
	EnsureIndices(ctx context.Context) error
}

// Metrics receives per-batch outcome counts.
type Metrics interface {
	ObserveRecords(entity record.Entity, outcome string, n int)
	ObserveBulkErrors(index string, n int)
}

type nopMetrics struct{}

func (nopMetrics) ObserveRecords(record.Entity, string, int) {}
func (nopMetrics) ObserveBulkErrors(string, int)             {}

// Failure is one record that did not make it into both stores.
type Failure struct {
	ID     string        `json:"id,omitempty"`
	Entity record.Entity `json:"entity"`
	Stage  string        `json:"stage"`
	Reason string        `json:"reason"`
}

// EntityReport counts one record kind through the pipeline. Cached is the
// processed count: records whose cache writes all succeeded.
type EntityReport struct {
	Received int `json:"received"`
	Cached   int `json:"cached"`
	Indexed  int `json:"indexed"`
}

// BatchReport is the outcome of one ingestion call.
type BatchReport struct {
	BatchID    string                   `json:"batch_id"`
	Events     EntityReport             `json:"events"`
	Products   EntityReport             `json:"products"`
	EventTypes map[record.EventType]int `json:"event_types,omitempty"`
	Failures   []Failure                `json:"failures"`
	Duration   time.Duration            `json:"-"`
}

// Processed is the number of records cached successfully.
func (r *BatchReport) Processed() int {
	return r.Events.Cached + r.Products.Cached
}

// Coordinator drives one batch through the cache and the document store.
// Cache writes for different users run concurrently; writes for one user
// keep their input order.
type Coordinator struct {
	cache   Cache
	schema  SchemaEnsurer
	docs    store.DocumentStore
	workers int
	timeout time.Duration
	logger  *zap.Logger
	metrics Metrics
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithWorkers bounds the number of lanes written concurrently.
func WithWorkers(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithBatchTimeout bounds how long one batch may run.
func WithBatchTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(cache Cache, schema SchemaEnsurer, docs store.DocumentStore, opts ...Option) *Coordinator {
	c := &Coordinator{
		cache:   cache,
		schema:  schema,
		docs:    docs,
		workers: 8,
		timeout: DefaultBatchTimeout,
		logger:  zap.NewNop(),
		metrics: nopMetrics{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ProcessPayload decodes raw and processes it as one batch. A payload that
// is not a JSON object is rejected with an error wrapping record.ErrMalformed.
func (c *Coordinator) ProcessPayload(ctx context.Context, raw []byte) (*BatchReport, error) {
	p, err := record.DecodePayload(raw)
	if err != nil {
		return nil, err
	}
	return c.ProcessBatch(ctx, p)
}

// ProcessBatch writes every record of p to the cache and then bulk-indexes
// the ones that cached. Per-record failures land in the report; an error is
// returned only when a store is unreachable.
//
// The batch runs to completion even if ctx is cancelled; only the batch
// timeout stops it.
func (c *Coordinator) ProcessBatch(ctx context.Context, p record.Payload) (*BatchReport, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	start := time.Now()
	report := &BatchReport{
		BatchID:  uuid.New().String(),
		Failures: []Failure{},
	}
	report.Events.Received = len(p.Events)
	report.Products.Received = len(p.Products)
	logger := c.logger.With(zap.String("batch_id", report.BatchID))

	if err := c.schema.EnsureIndices(ctx); err != nil {
		return nil, fmt.Errorf("ensure indices: %w", err)
	}
	if err := c.cache.Ping(ctx); err != nil {
		return nil, fmt.Errorf("cache unavailable: %w", err)
	}

	events := decodeAll(p.Events, record.EntityEvent, record.DecodeEvent, report)
	products := decodeAll(p.Products, record.EntityProduct, record.DecodeProduct, report)

	cachedEvents := cacheInLanes(events, c.workers,
		func(d decoded[record.Event]) string { return d.rec.UserID },
		func(d decoded[record.Event]) error { return c.cache.CacheEvent(ctx, d.rec) },
		func(d decoded[record.Event], err error) {
			logger.Warn("cache event failed", zap.String("id", d.rec.ID), zap.Error(err))
			report.Failures = append(report.Failures, Failure{ID: d.rec.ID, Entity: record.EntityEvent, Stage: StageCache, Reason: err.Error()})
		},
	)
	cachedProducts := cacheInLanes(products, c.workers,
		func(d decoded[record.Product]) string { return d.rec.ID },
		func(d decoded[record.Product]) error { return c.cache.CacheProduct(ctx, d.rec) },
		func(d decoded[record.Product], err error) {
			logger.Warn("cache product failed", zap.String("id", d.rec.ID), zap.Error(err))
			report.Failures = append(report.Failures, Failure{ID: d.rec.ID, Entity: record.EntityProduct, Stage: StageCache, Reason: err.Error()})
		},
	)
	report.Events.Cached = len(cachedEvents)
	report.Products.Cached = len(cachedProducts)
	for _, d := range cachedEvents {
		if report.EventTypes == nil {
			report.EventTypes = make(map[record.EventType]int)
		}
		report.EventTypes[d.rec.EventType]++
	}

	indexed, err := c.index(ctx, store.IndexUserEvents, record.EntityEvent, toDocuments(cachedEvents, store.EventToDocument), report, logger)
	if err != nil {
		return nil, err
	}
	report.Events.Indexed = indexed

	indexed, err = c.index(ctx, store.IndexProductCatalog, record.EntityProduct, toDocuments(cachedProducts, store.ProductToDocument), report, logger)
	if err != nil {
		return nil, err
	}
	report.Products.Indexed = indexed

	report.Duration = time.Since(start)
	c.observe(report)
	logger.Info("batch processed",
		zap.Int("events", report.Events.Received),
		zap.Int("products", report.Products.Received),
		zap.Int("processed", report.Processed()),
		zap.Int("failures", len(report.Failures)),
		zap.Duration("duration", report.Duration),
	)
	return report, nil
}

func (c *Coordinator) index(ctx context.Context, index string, entity record.Entity, docs []store.Document, report *BatchReport, logger *zap.Logger) (int, error) {
	if len(docs) == 0 {
		return 0, nil
	}
	res, err := c.docs.BulkUpsert(ctx, index, docs)
	if err != nil {
		return 0, fmt.Errorf("index %s: %w", index, err)
	}
	for _, be := range res.Errors {
		logger.Warn("document rejected", zap.String("index", index), zap.String("id", be.ID), zap.String("reason", be.Reason))
		report.Failures = append(report.Failures, Failure{ID: be.ID, Entity: entity, Stage: StageIndex, Reason: be.Reason})
	}
	if len(res.Errors) > 0 {
		c.metrics.ObserveBulkErrors(index, len(res.Errors))
	}
	return res.Accepted, nil
}

func (c *Coordinator) observe(r *BatchReport) {
	failed := map[record.Entity]int{}
	for _, f := range r.Failures {
		failed[f.Entity]++
	}
	for entity, er := range map[record.Entity]EntityReport{record.EntityEvent: r.Events, record.EntityProduct: r.Products} {
		c.metrics.ObserveRecords(entity, "cached", er.Cached)
		c.metrics.ObserveRecords(entity, "indexed", er.Indexed)
		c.metrics.ObserveRecords(entity, "failed", failed[entity])
	}
}

// decoded is a validated record together with the bytes it came from.
type decoded[T any] struct {
	rec T
	raw json.RawMessage
}

// decodeAll decodes and validates each raw record on its own; failures are
// reported and skipped.
func decodeAll[T any](raws []json.RawMessage, entity record.Entity, decode func(json.RawMessage) (T, error), report *BatchReport) []decoded[T] {
	out := make([]decoded[T], 0, len(raws))
	for _, raw := range raws {
		v, err := decode(raw)
		if err != nil {
			stage := StageDecode
			if errors.Is(err, record.ErrInvalid) {
				stage = StageValidate
			}
			report.Failures = append(report.Failures, Failure{
				ID:     record.PeekID(raw),
				Entity: entity,
				Stage:  stage,
				Reason: err.Error(),
			})
			continue
		}
		out = append(out, decoded[T]{rec: v, raw: raw})
	}
	return out
}

// cacheInLanes groups items by key and writes each group in input order.
// Groups run concurrently, at most workers at a time. It returns the items
// whose write succeeded, in input order; onErr is called for the rest from
// the calling goroutine.
func cacheInLanes[T any](items []T, workers int, key func(T) string, write func(T) error, onErr func(T, error)) []T {
	var lanes [][]int
	laneOf := make(map[string]int)
	for i, item := range items {
		k := key(item)
		l, ok := laneOf[k]
		if !ok {
			l = len(lanes)
			laneOf[k] = l
			lanes = append(lanes, nil)
		}
		lanes[l] = append(lanes[l], i)
	}

	errs := make([]error, len(items))
	var g errgroup.Group
	g.SetLimit(workers)
	for _, lane := range lanes {
		lane := lane
		g.Go(func() error {
			for _, i := range lane {
				errs[i] = write(items[i])
			}
			return nil
		})
	}
	g.Wait()

	ok := make([]T, 0, len(items))
	for i, item := range items {
		if errs[i] != nil {
			onErr(item, errs[i])
			continue
		}
		ok = append(ok, item)
	}
	return ok
}

func toDocuments[T any](items []decoded[T], convert func(T, json.RawMessage) store.Document) []store.Document {
	docs := make([]store.Document, 0, len(items))
	for _, item := range items {
		docs = append(docs, convert(item.rec, item.raw))
	}
	return docs
}
