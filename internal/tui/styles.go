package tui

import (
	"commerce-pipeline/internal/record"

	"github.com/charmbracelet/lipgloss"
)

// eventTypeStyles colors the funnel: browsing in blues, intent in yellows,
// conversion in greens.
var eventTypeStyles = map[record.EventType]lipgloss.Style{
	record.EventView:      lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
	record.EventClick:     lipgloss.NewStyle().Foreground(lipgloss.Color("51")),
	record.EventSearch:    lipgloss.NewStyle().Foreground(lipgloss.Color("201")).Bold(true),
	record.EventCompare:   lipgloss.NewStyle().Foreground(lipgloss.Color("87")),
	record.EventWishlist:  lipgloss.NewStyle().Foreground(lipgloss.Color("227")),
	record.EventAddToCart: lipgloss.NewStyle().Foreground(lipgloss.Color("226")).Bold(true),
	record.EventCheckout:  lipgloss.NewStyle().Foreground(lipgloss.Color("46")),
	record.EventPurchase:  lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true),
	record.EventReview:    lipgloss.NewStyle().Foreground(lipgloss.Color("207")),
	record.EventShare:     lipgloss.NewStyle().Foreground(lipgloss.Color("75")),
}

var (
	defaultEventStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("42"))

	sepStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("237"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("244"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))
)

func eventStyle(t record.EventType) lipgloss.Style {
	if s, ok := eventTypeStyles[t]; ok {
		return s
	}
	return defaultEventStyle
}
