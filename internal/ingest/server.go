package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"commerce-pipeline/internal/record"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const (
	maxBodyLen   = 1 << 20 // 1 MiB
	maxJSONDepth = 100
)

// IngestEvent is a lightweight value type carrying only the fields the TUI needs.
// It decouples the TUI from the full BatchReport.
type IngestEvent struct {
	BatchID    string
	Events     int
	Products   int
	Failures   int
	EventTypes map[record.EventType]int
	BodySize   int
	Duration   time.Duration
	Timestamp  time.Time
}

// PayloadProcessor processes one raw payload.
type PayloadProcessor interface {
	ProcessPayload(ctx context.Context, raw []byte) (*BatchReport, error)
}

// Server is the HTTP write surface: POST /ingest and GET /stats.
type Server struct {
	proc      PayloadProcessor
	logger    *zap.Logger
	batches   atomic.Int64
	records   atomic.Int64
	errors    atomic.Int64
	lastEvent atomic.Value // stores time.Time
	onIngest  func(IngestEvent)
}

// SetOnIngest registers a callback invoked after each successful ingest.
// The callback must be non-blocking (e.g. a non-blocking channel send).
func (s *Server) SetOnIngest(fn func(IngestEvent)) {
	s.onIngest = fn
}

// ErrCount returns the atomic error counter for direct reads by the TUI.
func (s *Server) ErrCount() *atomic.Int64 {
	return &s.errors
}

// NewServer creates an ingest Server wired to the given processor.
func NewServer(proc PayloadProcessor, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{proc: proc, logger: logger}
}

// Mount registers the ingest routes on r.
func (s *Server) Mount(r chi.Router) {
	r.Post("/ingest", s.handleIngest)
	r.Get("/stats", s.handleStats)
}

// Handler returns a standalone router serving only the ingest routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	s.Mount(r)
	return r
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyLen+1))
	if err != nil {
		s.errors.Add(1)
		jsonError(w, "failed to read body", http.StatusBadRequest)
		return
	}
	if len(body) > maxBodyLen {
		s.errors.Add(1)
		jsonError(w, "body too large", http.StatusRequestEntityTooLarge)
		return
	}
	if len(body) == 0 {
		s.errors.Add(1)
		jsonError(w, "empty body", http.StatusBadRequest)
		return
	}

	if err := checkJSONDepth(body, maxJSONDepth); err != nil {
		s.errors.Add(1)
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	report, err := s.proc.ProcessPayload(r.Context(), body)
	if errors.Is(err, record.ErrMalformed) {
		s.errors.Add(1)
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		s.errors.Add(1)
		s.logger.Error("ingest failed", zap.Error(err))
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	now := time.Now()
	s.batches.Add(1)
	s.records.Add(int64(report.Processed()))
	s.lastEvent.Store(now)

	if s.onIngest != nil {
		s.onIngest(IngestEvent{
			BatchID:    report.BatchID,
			Events:     report.Events.Received,
			Products:   report.Products.Received,
			Failures:   len(report.Failures),
			EventTypes: report.EventTypes,
			BodySize:   len(body),
			Duration:   report.Duration,
			Timestamp:  now,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"message":   fmt.Sprintf("Successfully processed %d records", report.Processed()),
		"timestamp": now.UTC().Format(time.RFC3339),
		"report":    report,
	})
}

// jsonError writes a JSON error response with the correct Content-Type.
func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{
		"error":     msg,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"batches": s.batches.Load(),
		"records": s.records.Load(),
		"errors":  s.errors.Load(),
	}

	if last := s.lastEvent.Load(); last != nil {
		if t, ok := last.(time.Time); ok {
			resp["last_ingest"] = t.UTC().Format(time.RFC3339)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// checkJSONDepth scans raw JSON tokens to reject payloads that exceed maxDepth
// nesting levels.
func checkJSONDepth(data []byte, maxDepth int) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	depth := 0
	for {
		t, err := dec.Token()
		if err != nil {
			return nil // io.EOF or parse error; decoding reports it
		}
		switch t {
		case json.Delim('{'), json.Delim('['):
			depth++
			if depth > maxDepth {
				return fmt.Errorf("JSON nesting exceeds maximum depth of %d", maxDepth)
			}
		case json.Delim('}'), json.Delim(']'):
			depth--
		}
	}
}
