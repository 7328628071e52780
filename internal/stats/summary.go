package stats

// This file implements the exit summary formatter which displays the run's
// statistics at program exit.

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

const (
	ruleHeavy = "═══════════════════════════════════════════════════════════════════════════════\n"
	ruleLight = "───────────────────────────────────────────────────────────────────────────────\n"
)

// SummaryConfig holds the run context and the values collected outside
// PipelineStats that the summary displays.
type SummaryConfig struct {
	// Duration is the total run duration
	Duration time.Duration

	ConfigMode string
	TuningMode string
	ConfigID   string

	// TargetFrames is the number of frames requested (0 = unbounded)
	TargetFrames int

	// MetricsAddr is the Prometheus metrics endpoint address
	MetricsAddr string

	// HWLatency is the hardware submission-to-completion distribution
	// (from metrics.Collector)
	HWLatency LatencySnapshot

	PeakInFlight     int
	StaleCompletions int64
	SlotOverwrites   int64

	// PendingTasks are the sequences still in the task table at exit.
	PendingTasks []int64

	// Warnings counts retained warning log records by message.
	Warnings map[string]int
}

// FormatExitSummary formats a pipeline snapshot for display at program exit.
//
// The summary includes:
// - Run information
// - Task statistics with rates
// - Per-port output buffers
// - Latency percentiles
// - Hardware health and warnings
func FormatExitSummary(snap *Snapshot, cfg SummaryConfig) string {
	if snap == nil {
		return formatBasicSummary(cfg)
	}

	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(ruleHeavy)
	b.WriteString("                          go-camera-pipe Exit Summary\n")
	b.WriteString(ruleHeavy + "\n")

	// Run info
	fmt.Fprintf(&b, "Run Duration:           %s\n", FormatDuration(cfg.Duration))
	fmt.Fprintf(&b, "Configuration:          %s/%s\n", cfg.ConfigMode, cfg.TuningMode)
	if cfg.ConfigID != "" {
		fmt.Fprintf(&b, "Config ID:              %s\n", cfg.ConfigID)
	}
	if cfg.TargetFrames > 0 {
		fmt.Fprintf(&b, "Target Frames:          %d\n", cfg.TargetFrames)
	}
	b.WriteString("\n")

	// Tasks
	section(&b, "Task Statistics")
	fmt.Fprintf(&b, "  %-20s %12s\n", "Event", "Total")
	b.WriteString("  " + strings.Repeat("─", 33) + "\n")
	fmt.Fprintf(&b, "  %-20s %12s\n", "Submitted", FormatNumber(snap.Submitted))
	fmt.Fprintf(&b, "  %-20s %12s\n", "Completed", FormatNumber(snap.Completed))
	fmt.Fprintf(&b, "  %-20s %12s\n", "Skipped frames", FormatNumber(snap.Skipped))
	fmt.Fprintf(&b, "  %-20s %12s\n", "Dropped", FormatNumber(snap.Dropped))
	fmt.Fprintf(&b, "  %-20s %12s\n", "Errors", FormatNumber(snap.Errors))
	fmt.Fprintf(&b, "  %-20s %12s\n", "Stats buffers", FormatNumber(snap.StatsEvents))
	fmt.Fprintf(&b, "\n  Completion Rate:      %s\n", FormatRate(snap.AverageRate))
	if cfg.PeakInFlight > 0 {
		fmt.Fprintf(&b, "  Peak In Flight:       %d\n", cfg.PeakInFlight)
	}
	b.WriteString("\n")

	// Outputs
	if len(snap.Buffers) > 0 {
		section(&b, "Output Buffers")
		for _, port := range slices.Sorted(maps.Keys(snap.Buffers)) {
			fmt.Fprintf(&b, "  Port %-4d             %s\n", port, FormatNumber(snap.Buffers[port]))
		}
		b.WriteString("\n")
	}

	// Latency
	if snap.Latency.Count > 0 || cfg.HWLatency.Count > 0 {
		section(&b, "Latency")
		fmt.Fprintf(&b, "  %-12s %10s %10s %10s %10s\n", "", "P50", "P95", "P99", "Max")
		if l := snap.Latency; l.Count > 0 {
			fmt.Fprintf(&b, "  %-12s %10s %10s %10s %10s\n", "Task", FormatMs(l.P50), FormatMs(l.P95), FormatMs(l.P99), FormatMs(l.Max))
		}
		if l := cfg.HWLatency; l.Count > 0 {
			fmt.Fprintf(&b, "  %-12s %10s %10s %10s %10s\n", "Hardware", FormatMs(l.P50), FormatMs(l.P95), FormatMs(l.P99), FormatMs(l.Max))
		}
		b.WriteString("\n")
	}

	// Hardware health
	hasIssues := cfg.StaleCompletions > 0 || cfg.SlotOverwrites > 0 || len(cfg.PendingTasks) > 0 || len(cfg.Warnings) > 0
	if hasIssues {
		section(&b, "Warnings")
		if cfg.SlotOverwrites > 0 {
			fmt.Fprintf(&b, "  Slot Overwrites:      %d\n", cfg.SlotOverwrites)
		}
		if cfg.StaleCompletions > 0 {
			fmt.Fprintf(&b, "  Stale Completions:    %d\n", cfg.StaleCompletions)
		}
		if n := len(cfg.PendingTasks); n > 0 {
			fmt.Fprintf(&b, "  Pending Tasks:        %d (first %d)\n", n, cfg.PendingTasks[0])
		}
		for _, msg := range slices.Sorted(maps.Keys(cfg.Warnings)) {
			fmt.Fprintf(&b, "  %-22s%d\n", msg+":", cfg.Warnings[msg])
		}
		b.WriteString("\n")
	}

	// Metrics endpoint
	if cfg.MetricsAddr != "" {
		fmt.Fprintf(&b, "Metrics endpoint was: http://%s/metrics\n", cfg.MetricsAddr)
	}

	b.WriteString(ruleHeavy)

	return b.String()
}

func section(b *strings.Builder, title string) {
	b.WriteString(ruleLight)
	pad := max((79-len(title))/2, 0)
	b.WriteString(strings.Repeat(" ", pad) + title + "\n")
	b.WriteString(ruleLight + "\n")
}

// formatBasicSummary formats a basic summary when no pipeline ran.
func formatBasicSummary(cfg SummaryConfig) string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(ruleHeavy)
	b.WriteString("                          go-camera-pipe Exit Summary\n")
	b.WriteString(ruleHeavy + "\n")

	fmt.Fprintf(&b, "Run Duration:           %s\n\n", FormatDuration(cfg.Duration))
	b.WriteString("(No frames were processed)\n\n")

	if cfg.MetricsAddr != "" {
		fmt.Fprintf(&b, "Metrics endpoint was: http://%s/metrics\n", cfg.MetricsAddr)
	}

	b.WriteString(ruleHeavy)

	return b.String()
}

// =============================================================================
// Formatting Helper Functions (exported for reuse)
// =============================================================================

// FormatDuration formats a duration as HH:MM:SS.
func FormatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// FormatNumber formats a number with K/M suffixes for readability.
func FormatNumber(n int64) string {
	if n >= 1_000_000 {
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	}
	if n >= 1_000 {
		return fmt.Sprintf("%.1fK", float64(n)/1_000)
	}
	return fmt.Sprintf("%d", n)
}

// FormatBytes formats bytes with KB/MB/GB suffixes.
func FormatBytes(n int64) string {
	if n >= 1_000_000_000 {
		return fmt.Sprintf("%.2f GB", float64(n)/1_000_000_000)
	}
	if n >= 1_000_000 {
		return fmt.Sprintf("%.2f MB", float64(n)/1_000_000)
	}
	if n >= 1_000 {
		return fmt.Sprintf("%.2f KB", float64(n)/1_000)
	}
	return fmt.Sprintf("%d B", n)
}

// FormatMs formats a duration as milliseconds.
func FormatMs(d time.Duration) string {
	ms := d.Milliseconds()
	if ms == 0 && d > 0 {
		// Sub-millisecond, show microseconds
		return fmt.Sprintf("%d µs", d.Microseconds())
	}
	return fmt.Sprintf("%d ms", ms)
}

// FormatRate formats a rate with appropriate precision.
func FormatRate(rate float64) string {
	if rate >= 1000 {
		return fmt.Sprintf("%.1fK/s", rate/1000)
	}
	if rate >= 1 {
		return fmt.Sprintf("%.1f/s", rate)
	}
	return fmt.Sprintf("%.2f/s", rate)
}
