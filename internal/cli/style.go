package cli

import (
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
)

var (
	accent  = lipgloss.NewStyle().Foreground(lipgloss.Color("#7D56F4")).Bold(true)
	success = lipgloss.NewStyle().Foreground(lipgloss.Color("#6EF4A1"))
	warning = lipgloss.NewStyle().Foreground(lipgloss.Color("#F4C06E"))
	info    = lipgloss.NewStyle().Foreground(lipgloss.Color("#6EC4F4"))
	muted   = lipgloss.NewStyle().Foreground(lipgloss.Color("#808080"))
)

// relTime renders t relative to now ("3 minutes ago", "in 1 hour").
func relTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}
