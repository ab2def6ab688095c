package tui

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"commerce-pipeline/internal/ingest"
	"commerce-pipeline/internal/record"

	tea "github.com/charmbracelet/bubbletea"
)

const maxRecentBatches = 20

// funnel is the display order of the event mix line.
var funnel = []record.EventType{
	record.EventView,
	record.EventClick,
	record.EventSearch,
	record.EventCompare,
	record.EventWishlist,
	record.EventAddToCart,
	record.EventCheckout,
	record.EventPurchase,
	record.EventReview,
	record.EventShare,
}

// Config holds the static information displayed in the TUI header.
type Config struct {
	Version    string
	Backend    string
	BackendURL string
	RedisAddr  string
	ListenAddr string
}

// Model is the Bubble Tea model for the ingest dashboard.
type Model struct {
	cfg           Config
	eventCh       <-chan ingest.IngestEvent
	ctx           context.Context
	errCount      *atomic.Int64
	batches       int
	records       int
	failures      int
	errors        int64
	eventTypes    map[record.EventType]int
	lastEvent     time.Time
	recentBatches []ingest.IngestEvent
}

// NewModel creates a new TUI model.
func NewModel(cfg Config, eventCh <-chan ingest.IngestEvent, ctx context.Context, errCount *atomic.Int64) Model {
	return Model{
		cfg:        cfg,
		eventCh:    eventCh,
		ctx:        ctx,
		errCount:   errCount,
		eventTypes: make(map[record.EventType]int),
	}
}

// Run starts the Bubble Tea program and blocks until it exits.
func Run(m Model) error {
	p := tea.NewProgram(m, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// --- Messages ---

type eventMsg ingest.IngestEvent
type tickMsg time.Time

// --- Bubble Tea interface ---

func (m Model) Init() tea.Cmd {
	return tea.Batch(waitForEvent(m.eventCh, m.ctx), tickEvery(time.Second))
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case eventMsg:
		evt := ingest.IngestEvent(msg)
		m.batches++
		m.records += evt.Events + evt.Products
		m.failures += evt.Failures
		m.lastEvent = evt.Timestamp
		// copy on write; Model is passed by value
		types := make(map[record.EventType]int, len(m.eventTypes)+len(evt.EventTypes))
		for t, n := range m.eventTypes {
			types[t] = n
		}
		for t, n := range evt.EventTypes {
			types[t] += n
		}
		m.eventTypes = types
		m.recentBatches = append([]ingest.IngestEvent{evt}, m.recentBatches...)
		if len(m.recentBatches) > maxRecentBatches {
			m.recentBatches = m.recentBatches[:maxRecentBatches]
		}
		return m, waitForEvent(m.eventCh, m.ctx)

	case tickMsg:
		if m.errCount != nil {
			m.errors = m.errCount.Load()
		}
		return m, tickEvery(time.Second)
	}

	return m, nil
}

func (m Model) View() string {
	var b strings.Builder

	sep := sepStyle.Render(strings.Repeat("─", 64))

	// Header
	b.WriteString(sep + "\n")
	b.WriteString("  " + titleStyle.Render(fmt.Sprintf("commerce-pipeline %s", m.cfg.Version)) + "\n")
	b.WriteString(sep + "\n")

	// Config block
	b.WriteString("  " + labelStyle.Render("Documents:") + "    " + valueStyle.Render(fmt.Sprintf("%s (%s)", m.cfg.Backend, m.cfg.BackendURL)) + "\n")
	b.WriteString("  " + labelStyle.Render("Cache:") + "        " + valueStyle.Render("redis "+m.cfg.RedisAddr) + "\n")
	b.WriteString("  " + labelStyle.Render("Listening:") + "    " + valueStyle.Render(m.cfg.ListenAddr) + "\n")
	b.WriteString("  " + labelStyle.Render("Endpoints:") + "    " + valueStyle.Render("POST /ingest  GET /search /cache /analytics /health") + "\n")
	b.WriteString(sep + "\n")

	// Stats line
	errLabel := fmt.Sprintf("Errors: %d", m.errors)
	if m.errors > 0 {
		errLabel = errorStyle.Render(errLabel)
	} else {
		errLabel = valueStyle.Render(errLabel)
	}
	failLabel := fmt.Sprintf("Rejected: %d", m.failures)
	if m.failures > 0 {
		failLabel = errorStyle.Render(failLabel)
	} else {
		failLabel = valueStyle.Render(failLabel)
	}

	lastStr := "never"
	if !m.lastEvent.IsZero() {
		ago := time.Since(m.lastEvent).Truncate(time.Second)
		lastStr = fmt.Sprintf("%s ago", ago)
	}

	b.WriteString(fmt.Sprintf("  %s   %s   %s   %s   %s\n",
		valueStyle.Render(fmt.Sprintf("Batches: %d", m.batches)),
		valueStyle.Render(fmt.Sprintf("Records: %d", m.records)),
		failLabel,
		errLabel,
		valueStyle.Render(fmt.Sprintf("Last: %s", lastStr)),
	))
	if mix := m.eventMix(); mix != "" {
		b.WriteString("  " + mix + "\n")
	}
	b.WriteString(sep + "\n")

	// Activity log
	b.WriteString("  " + titleStyle.Render("Recent Batches") + "\n")
	if len(m.recentBatches) == 0 {
		b.WriteString("  " + dimStyle.Render("Waiting for batches...") + "\n")
	} else {
		for _, evt := range m.recentBatches {
			top := dominantType(evt.EventTypes)
			typeCol := dimStyle.Render(fmt.Sprintf("%-12s", "products"))
			if top != "" {
				typeCol = eventStyle(top).Render(fmt.Sprintf("%-12s", top))
			}

			countCol := valueStyle.Render(fmt.Sprintf("%4d ev %4d pr", evt.Events, evt.Products))
			failCol := dimStyle.Render(fmt.Sprintf("%4d rej", evt.Failures))
			if evt.Failures > 0 {
				failCol = errorStyle.Render(fmt.Sprintf("%4d rej", evt.Failures))
			}
			sizeCol := dimStyle.Render(fmt.Sprintf("%8s", formatBytes(evt.BodySize)))
			durCol := dimStyle.Render(fmt.Sprintf("%7s", evt.Duration.Round(time.Millisecond)))
			timeCol := dimStyle.Render(evt.Timestamp.Local().Format("15:04:05"))

			b.WriteString(fmt.Sprintf("  %s %s %s %s %s   %s\n", typeCol, countCol, failCol, sizeCol, durCol, timeCol))
		}
	}
	b.WriteString(sep + "\n")

	// Footer
	b.WriteString("  " + footerStyle.Render("q: quit") + "\n")

	return b.String()
}

// eventMix renders the running per-type totals in funnel order.
func (m Model) eventMix() string {
	var parts []string
	for _, t := range funnel {
		if n := m.eventTypes[t]; n > 0 {
			parts = append(parts, eventStyle(t).Render(fmt.Sprintf("%s %d", t, n)))
		}
	}
	return strings.Join(parts, "  ")
}

// dominantType is the most frequent event type of a batch, ties broken by
// name.
func dominantType(types map[record.EventType]int) record.EventType {
	keys := make([]record.EventType, 0, len(types))
	for t := range types {
		keys = append(keys, t)
	}
	sort.Slice(keys, func(i, j int) bool {
		if types[keys[i]] != types[keys[j]] {
			return types[keys[i]] > types[keys[j]]
		}
		return keys[i] < keys[j]
	})
	if len(keys) == 0 {
		return ""
	}
	return keys[0]
}

// --- Commands ---

func waitForEvent(ch <-chan ingest.IngestEvent, ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		select {
		case evt, ok := <-ch:
			if !ok {
				return tea.Quit()
			}
			return eventMsg(evt)
		case <-ctx.Done():
			return tea.Quit()
		}
	}
}

func tickEvery(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func formatBytes(b int) string {
	switch {
	case b >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(b)/float64(1<<20))
	case b >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(b)/float64(1<<10))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
