package store

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ErrUnavailable is returned while the breaker rejects calls.
var ErrUnavailable = errors.New("document store unavailable")

// BreakerConfig configures Guarded.
type BreakerConfig struct {
	// Failures is the number of consecutive failures that opens the breaker.
	Failures uint32
	// Timeout is how long the breaker stays open before letting a probe through.
	Timeout time.Duration
	// Observe, when set, is called after every guarded operation.
	Observe func(backend, op string, elapsed time.Duration, err error)
}

// GuardedStore wraps a DocumentStore with a circuit breaker. Only failures
// that point at the backend count toward tripping: client-side rejections
// and cancelled contexts do not.
type GuardedStore struct {
	inner   DocumentStore
	cb      *gobreaker.CircuitBreaker
	observe func(backend, op string, elapsed time.Duration, err error)
}

// Guarded returns inner behind a circuit breaker.
func Guarded(inner DocumentStore, cfg BreakerConfig, logger *zap.Logger) *GuardedStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	failures := cfg.Failures
	if failures == 0 {
		failures = 5
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        inner.Name(),
		MaxRequests: 1,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("document store breaker state changed",
				zap.String("backend", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		IsSuccessful: countsAsSuccess,
	})
	return &GuardedStore{inner: inner, cb: cb, observe: cfg.Observe}
}

func countsAsSuccess(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status < http.StatusInternalServerError {
		return true
	}
	return false
}

// State reports the breaker state.
func (g *GuardedStore) State() gobreaker.State {
	return g.cb.State()
}

func (g *GuardedStore) run(op string, fn func() (interface{}, error)) (interface{}, error) {
	start := time.Now()
	v, err := g.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = fmt.Errorf("%w: %s breaker %v", ErrUnavailable, g.inner.Name(), err)
	}
	if g.observe != nil {
		g.observe(g.inner.Name(), op, time.Since(start), err)
	}
	return v, err
}

// Name implements DocumentStore.
func (g *GuardedStore) Name() string { return g.inner.Name() }

// EnsureIndex implements DocumentStore.
func (g *GuardedStore) EnsureIndex(ctx context.Context, index string, schema Schema) error {
	_, err := g.run("ensure_index", func() (interface{}, error) {
		return nil, g.inner.EnsureIndex(ctx, index, schema)
	})
	return err
}

// BulkUpsert implements DocumentStore.
func (g *GuardedStore) BulkUpsert(ctx context.Context, index string, docs []Document) (BulkResult, error) {
	v, err := g.run("bulk", func() (interface{}, error) {
		return g.inner.BulkUpsert(ctx, index, docs)
	})
	if err != nil {
		return BulkResult{}, err
	}
	return v.(BulkResult), nil
}

// Search implements DocumentStore.
func (g *GuardedStore) Search(ctx context.Context, index string, q SearchQuery) (*SearchResult, error) {
	v, err := g.run("search", func() (interface{}, error) {
		return g.inner.Search(ctx, index, q)
	})
	if err != nil {
		return nil, err
	}
	return v.(*SearchResult), nil
}

// Ping implements DocumentStore. Health probes bypass the breaker so a
// recovered backend is reported as soon as it answers.
func (g *GuardedStore) Ping(ctx context.Context) error {
	return g.inner.Ping(ctx)
}

// Close implements DocumentStore.
func (g *GuardedStore) Close() error { return g.inner.Close() }
