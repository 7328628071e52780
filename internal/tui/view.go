package tui

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/randomizedcoder/go-camera-pipe/internal/stats"
)

func (m Model) renderDashboard() string {
	sections := []string{m.renderHeader()}

	if m.cfg.TargetFrames > 0 {
		sections = append(sections, m.renderProgress())
	}
	if m.snap != nil {
		sections = append(sections, m.renderTasks())
		if len(m.snap.Buffers) > 0 {
			sections = append(sections, m.renderBuffers())
		}
		sections = append(sections, m.renderLatency())
	}
	if len(m.warnings) > 0 {
		sections = append(sections, m.renderWarnings())
	}
	sections = append(sections, m.renderFooter())

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m Model) renderHeader() string {
	header := fmt.Sprintf(
		" go-camera-pipe │ %s │ %s/%s │ Elapsed: %s ",
		GetHealthLabel(m.DropRate()),
		m.cfg.ConfigMode,
		m.cfg.TuningMode,
		stats.FormatDuration(m.Elapsed()),
	)
	return headerStyle.Width(m.width).Render(header)
}

func (m Model) renderProgress() string {
	var completed int64
	if m.snap != nil {
		completed = m.snap.Completed
	}
	progress := m.Progress()

	var status string
	if progress >= 1.0 {
		status = statusOK.Render("✓ All frames completed")
	} else {
		status = statusInfo.Render(fmt.Sprintf("Capturing... %d/%d", completed, m.cfg.TargetFrames))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		sectionHeaderStyle.Render("Frames"),
		RenderProgressBar(progress, max(m.width-30, 20)),
		status,
	)
	return boxStyle.Width(m.width - 2).Render(content)
}

func (m Model) renderTasks() string {
	s := m.snap
	rows := []string{
		renderStatRow("Submitted", stats.FormatNumber(s.Submitted), ""),
		renderStatRow("Completed", stats.FormatNumber(s.Completed), stats.FormatRate(s.CompletionRate)),
		RenderKeyValue("In Flight", fmt.Sprintf("%d", s.InFlight)),
	}
	if m.rates != nil {
		rows = append(rows, RenderKeyValue("Frame Rate", fmt.Sprintf("1s %s │ 30s %s │ 60s %s",
			stats.FormatRate(m.rates.Avg1s),
			stats.FormatRate(m.rates.Avg30s),
			stats.FormatRate(m.rates.Avg60s),
		)))
	}
	rows = append(rows,
		lipgloss.JoinHorizontal(lipgloss.Left,
			labelStyle.Render("Skipped:"),
			GetDropStyle(s.Skipped).Render(stats.FormatNumber(s.Skipped)),
		),
		lipgloss.JoinHorizontal(lipgloss.Left,
			labelStyle.Render("Dropped:"),
			GetDropStyle(s.Dropped).Render(stats.FormatNumber(s.Dropped)),
		),
		lipgloss.JoinHorizontal(lipgloss.Left,
			labelStyle.Render("Errors:"),
			GetDropStyle(s.Errors).Render(stats.FormatNumber(s.Errors)),
		),
		RenderKeyValue("Stats / Metadata", fmt.Sprintf("%d / %d", s.StatsEvents, s.Metadata)),
	)
	if m.summary != nil && m.summary.StaleCompletions > 0 {
		rows = append(rows, lipgloss.JoinHorizontal(lipgloss.Left,
			labelStyle.Render("Stale HW Events:"),
			valueWarnStyle.Render(stats.FormatNumber(m.summary.StaleCompletions)),
		))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		append([]string{sectionHeaderStyle.Render("Tasks")}, rows...)...,
	)
	return boxStyle.Width(m.width - 2).Render(content)
}

func renderStatRow(label, value, rate string) string {
	if rate == "" {
		return RenderKeyValue(label, value)
	}
	return lipgloss.JoinHorizontal(lipgloss.Left,
		labelStyle.Render(label+":"),
		valueStyle.Width(12).Render(value),
		mutedStyle.Render(" ("),
		valueStyle.Render(rate),
		mutedStyle.Render(")"),
	)
}

func (m Model) renderBuffers() string {
	rows := []string{sectionHeaderStyle.Render("Output Buffers")}
	elapsed := m.Elapsed().Seconds()
	for _, port := range slices.Sorted(maps.Keys(m.snap.Buffers)) {
		n := m.snap.Buffers[port]
		rate := ""
		if elapsed > 0 {
			rate = stats.FormatRate(float64(n) / elapsed)
		}
		rows = append(rows, renderStatRow(fmt.Sprintf("Port %d", port), stats.FormatNumber(n), rate))
	}
	return boxStyle.Width(m.width - 2).Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

func (m Model) renderLatency() string {
	header := lipgloss.JoinHorizontal(lipgloss.Left,
		labelStyle.Render(""),
		mutedStyle.Width(10).Render("P50"),
		mutedStyle.Width(10).Render("P95"),
		mutedStyle.Width(10).Render("P99"),
		mutedStyle.Width(10).Render("Max"),
	)
	rows := []string{
		sectionHeaderStyle.Render("Latency"),
		header,
		renderLatencyRow("Task", m.snap.Latency),
	}
	if m.summary != nil {
		rows = append(rows, renderLatencyRow("Hardware", m.summary.HWLatency))
	}
	return boxStyle.Width(m.width - 2).Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

func renderLatencyRow(label string, l stats.LatencySnapshot) string {
	if l.Count == 0 {
		return lipgloss.JoinHorizontal(lipgloss.Left,
			labelStyle.Render(label+":"),
			dimStyle.Render("no samples"),
		)
	}
	cells := []string{labelStyle.Render(label + ":")}
	for _, d := range []time.Duration{l.P50, l.P95, l.P99, l.Max} {
		cells = append(cells, valueStyle.Width(10).Render(stats.FormatMs(d)))
	}
	return lipgloss.JoinHorizontal(lipgloss.Left, cells...)
}

func (m Model) renderWarnings() string {
	rows := []string{sectionHeaderStyle.Render("Recent Warnings")}
	for _, e := range m.warnings {
		rows = append(rows, lipgloss.JoinHorizontal(lipgloss.Left,
			dimStyle.Render(e.Time.Format("15:04:05")+" "),
			GetLevelStyle(e.Level.String()).Width(6).Render(e.Level.String()),
			valueStyle.Render(e.Message),
			mutedStyle.Render(" "+e.Attrs),
		))
	}
	return boxStyle.Width(m.width - 2).Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

func (m Model) renderFooter() string {
	left := "q: quit │ r: refresh"
	if m.cfg.MetricsAddr != "" {
		left += " │ metrics: " + m.cfg.MetricsAddr
	}
	right := dimStyle.Render("updated " + m.lastUpdate.Format("15:04:05"))
	return footerStyle.Render(left + "  " + right)
}
