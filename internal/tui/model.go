package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/randomizedcoder/go-camera-pipe/internal/logging"
	"github.com/randomizedcoder/go-camera-pipe/internal/metrics"
	"github.com/randomizedcoder/go-camera-pipe/internal/stats"
	"github.com/randomizedcoder/go-camera-pipe/internal/timeseries"
)

// =============================================================================
// Messages
// =============================================================================

// TickMsg is sent periodically to update the display.
type TickMsg time.Time

// QuitMsg signals the TUI should exit.
type QuitMsg struct{}

// =============================================================================
// Sources
// =============================================================================

// StatsSource provides pipeline task statistics.
type StatsSource interface {
	Snapshot() stats.Snapshot
}

// MetricsSource provides the collector's run summary (hardware latency,
// stale completions).
type MetricsSource interface {
	GenerateSummary() *metrics.Summary
}

// RateSource provides rolling frame rates.
type RateSource interface {
	Stats() timeseries.RateStats
}

// WarningSource provides recent warn-level log lines.
type WarningSource interface {
	Recent(n int) []logging.Entry
}

// maxWarnings is the number of log lines shown in the warnings panel.
const maxWarnings = 5

// =============================================================================
// Model
// =============================================================================

// Config holds TUI configuration.
type Config struct {
	ConfigMode   string
	TuningMode   string
	TargetFrames int
	MetricsAddr  string

	StatsSource   StatsSource
	MetricsSource MetricsSource
	RateSource    RateSource
	WarningSource WarningSource
}

// Model represents the TUI state.
type Model struct {
	cfg Config

	snap     *stats.Snapshot
	summary  *metrics.Summary
	rates    *timeseries.RateStats
	warnings []logging.Entry

	startTime  time.Time
	lastUpdate time.Time

	width  int
	height int

	quitting bool
}

// New creates a new TUI model.
func New(cfg Config) Model {
	return Model{
		cfg:        cfg,
		startTime:  time.Now(),
		lastUpdate: time.Now(),
		width:      80,
		height:     24,
	}
}

// Init starts the refresh ticker.
func (m Model) Init() tea.Cmd {
	return tickCmd()
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "r":
			// Refresh now; the ticker keeps running on its own.
			return m.refresh(), nil
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case TickMsg:
		return m.refresh(), tickCmd()

	case QuitMsg:
		m.quitting = true
		return m, tea.Quit
	}

	return m, nil
}

func (m Model) refresh() Model {
	if m.cfg.StatsSource != nil {
		snap := m.cfg.StatsSource.Snapshot()
		m.snap = &snap
	}
	if m.cfg.MetricsSource != nil {
		m.summary = m.cfg.MetricsSource.GenerateSummary()
	}
	if m.cfg.RateSource != nil {
		r := m.cfg.RateSource.Stats()
		m.rates = &r
	}
	if m.cfg.WarningSource != nil {
		m.warnings = m.cfg.WarningSource.Recent(maxWarnings)
	}
	m.lastUpdate = time.Now()
	return m
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	return m.renderDashboard()
}

// tickCmd returns a command that sends a tick after 500ms.
func tickCmd() tea.Cmd {
	return tea.Tick(500*time.Millisecond, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// =============================================================================
// Accessors
// =============================================================================

// Elapsed returns the time since the dashboard started.
func (m Model) Elapsed() time.Duration {
	if m.snap != nil && m.snap.Elapsed > 0 {
		return m.snap.Elapsed
	}
	return time.Since(m.startTime)
}

// Progress returns completed frames over the target (0.0 to 1.0), or 0 for
// an open-ended run.
func (m Model) Progress() float64 {
	if m.cfg.TargetFrames <= 0 || m.snap == nil {
		return 0
	}
	return min(float64(m.snap.Completed)/float64(m.cfg.TargetFrames), 1)
}

// DropRate returns dropped and failed tasks over submitted ones.
func (m Model) DropRate() float64 {
	if m.snap == nil || m.snap.Submitted == 0 {
		return 0
	}
	return float64(m.snap.Dropped+m.snap.Errors) / float64(m.snap.Submitted)
}

// SendQuit sends a quit message to the TUI.
func SendQuit(p *tea.Program) {
	if p != nil {
		p.Send(QuitMsg{})
	}
}
