package tui

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"commerce-pipeline/internal/ingest"
	"commerce-pipeline/internal/record"
)

func TestUpdate_AccumulatesBatches(t *testing.T) {
	t.Parallel()
	var errs atomic.Int64
	m := NewModel(Config{Version: "dev", Backend: "opensearch"}, nil, context.Background(), &errs)

	batches := []ingest.IngestEvent{
		{BatchID: "b1", Events: 3, EventTypes: map[record.EventType]int{record.EventView: 2, record.EventSearch: 1}, Timestamp: time.Now()},
		{BatchID: "b2", Events: 1, Products: 2, Failures: 1, EventTypes: map[record.EventType]int{record.EventView: 1}, Timestamp: time.Now()},
	}
	for _, evt := range batches {
		next, _ := m.Update(eventMsg(evt))
		m = next.(Model)
	}
	errs.Store(4)
	next, _ := m.Update(tickMsg(time.Now()))
	m = next.(Model)

	if m.batches != 2 || m.records != 6 || m.failures != 1 {
		t.Errorf("batches=%d records=%d failures=%d, want 2/6/1", m.batches, m.records, m.failures)
	}
	if m.eventTypes[record.EventView] != 3 {
		t.Errorf("view total = %d, want 3", m.eventTypes[record.EventView])
	}
	if m.errors != 4 {
		t.Errorf("errors = %d, want 4", m.errors)
	}
	if m.recentBatches[0].BatchID != "b2" {
		t.Errorf("most recent batch = %s, want b2", m.recentBatches[0].BatchID)
	}

	view := m.View()
	for _, want := range []string{"Batches: 2", "Records: 6", "Recent Batches", "view 3"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}
}

func TestUpdate_RecentBatchesCapped(t *testing.T) {
	t.Parallel()
	m := NewModel(Config{}, nil, context.Background(), nil)
	for i := 0; i < maxRecentBatches+5; i++ {
		next, _ := m.Update(eventMsg(ingest.IngestEvent{Events: 1}))
		m = next.(Model)
	}
	if len(m.recentBatches) != maxRecentBatches {
		t.Errorf("recent = %d, want %d", len(m.recentBatches), maxRecentBatches)
	}
}

func TestDominantType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		types map[record.EventType]int
		want  record.EventType
	}{
		{nil, ""},
		{map[record.EventType]int{record.EventView: 1, record.EventPurchase: 4}, record.EventPurchase},
		{map[record.EventType]int{record.EventView: 2, record.EventClick: 2}, record.EventClick},
	}
	for _, tt := range tests {
		if got := dominantType(tt.types); got != tt.want {
			t.Errorf("dominantType(%v) = %q, want %q", tt.types, got, tt.want)
		}
	}
}

func TestFormatBytes(t *testing.T) {
	t.Parallel()

	tests := map[int]string{
		512:     "512 B",
		2048:    "2.0 KB",
		3 << 20: "3.0 MB",
	}
	for in, want := range tests {
		if got := formatBytes(in); got != want {
			t.Errorf("formatBytes(%d) = %q, want %q", in, got, want)
		}
	}
}
