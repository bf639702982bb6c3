// Package monitor implements the live weather sensor TUI using BubbleTea,
// with per-field sparklines built from the snapshots the hub broadcasts.
package monitor

import (
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/luki/weathersensors/internal/chart"
	"github.com/luki/weathersensors/internal/history"
	"github.com/luki/weathersensors/internal/registry"
)

const (
	refreshInterval = 1 * time.Second
	historySize     = 600
)

// ── Messages ─────────────────────────────────────────────────────────

// SnapshotMsg carries the display projection of every known sensor.
type SnapshotMsg struct {
	Sensors []registry.Display
	At      time.Time
}

// ErrMsg reports a failure from outside the program, such as the ingest
// server stopping.
type ErrMsg struct{ Err error }

func (e ErrMsg) Error() string { return e.Err.Error() }

type tickMsg time.Time

// ── Model ────────────────────────────────────────────────────────────

// Model is the BubbleTea model for the live monitor.
type Model struct {
	sensors    []registry.Display
	history    *history.Store
	source     string
	err        error
	width      int
	height     int
	scroll     int
	snapshots  int
	lastUpdate time.Time
	startTime  time.Time
	paused     bool
}

// New creates the initial model. source is shown in the title bar, e.g.
// the ingest address or the replayed capture file.
func New(source string) Model {
	return Model{
		history:   history.NewStore(historySize),
		source:    source,
		startTime: time.Now(),
	}
}

// ── Commands ─────────────────────────────────────────────────────────

func tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// ── Init / Update ────────────────────────────────────────────────────

func (m Model) Init() tea.Cmd {
	return tickCmd()
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "up", "k":
			if m.scroll > 0 {
				m.scroll--
			}
		case "down", "j":
			m.scroll++
		case "home":
			m.scroll = 0
		case " ", "p":
			m.paused = !m.paused
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		return m, tickCmd()

	case SnapshotMsg:
		if m.paused {
			return m, nil
		}
		m.apply(msg)

	case ErrMsg:
		m.err = msg.Err
	}

	return m, nil
}

// apply records the numeric fields of every sensor that changed since the
// previous snapshot.
func (m *Model) apply(msg SnapshotMsg) {
	m.sensors = msg.Sensors
	m.snapshots++
	m.lastUpdate = msg.At
	for _, d := range msg.Sensors {
		if !m.history.Advance(d.Key, d.LastUpdate) {
			continue
		}
		for field, v := range d.Data {
			if f, ok := v.(float64); ok {
				m.history.Record(d.Key, field, f, d.LastUpdate)
			}
		}
	}
}

// ── Color palette ────────────────────────────────────────────────────

var (
	colorTitleBg  = lipgloss.Color("17")
	colorTitleFg  = lipgloss.Color("51")
	colorBorder   = lipgloss.Color("62")
	colorName     = lipgloss.Color("147")
	colorKey      = lipgloss.Color("238")
	colorProtocol = lipgloss.Color("243")
	colorLabel    = lipgloss.Color("252")
	colorDim      = lipgloss.Color("240")
	colorFooterBg = lipgloss.Color("235")
	colorPaired   = lipgloss.Color("78")
	colorCrit     = lipgloss.Color("196")
)

// ── View ─────────────────────────────────────────────────────────────

func (m Model) View() string {
	if m.width == 0 {
		return "  Initializing..."
	}

	contentWidth := m.width - 2
	if contentWidth < 40 {
		contentWidth = 40
	}

	sections := []string{m.renderTitleBar(contentWidth)}

	if m.err != nil {
		sections = append(sections, lipgloss.NewStyle().
			Foreground(colorCrit).
			Bold(true).
			Width(contentWidth).
			Padding(0, 1).
			Render(fmt.Sprintf(" ERROR: %v", m.err)))
	}

	if len(m.sensors) == 0 {
		sections = append(sections, lipgloss.NewStyle().
			Foreground(colorDim).
			Width(contentWidth).
			Align(lipgloss.Center).
			Padding(2, 0).
			Render("Waiting for sensor data..."))
	} else {
		sections = append(sections, m.renderSensorPanels(contentWidth)...)
	}

	sections = append(sections, m.renderFooter(contentWidth))

	lines := strings.Split(lipgloss.JoinVertical(lipgloss.Left, sections...), "\n")
	visibleLines := m.height
	if visibleLines < 5 {
		visibleLines = 5
	}
	maxScroll := len(lines) - visibleLines
	if maxScroll < 0 {
		maxScroll = 0
	}
	start := m.scroll
	if start > maxScroll {
		start = maxScroll
	}
	end := start + visibleLines
	if end > len(lines) {
		end = len(lines)
	}

	return strings.Join(lines[start:end], "\n")
}

func (m Model) renderTitleBar(width int) string {
	logo := lipgloss.NewStyle().
		Bold(true).
		Foreground(colorTitleFg).
		Render("WEATHER SENSORS")

	dimS := lipgloss.NewStyle().Foreground(colorDim)
	statusParts := []string{
		dimS.Render(fmt.Sprintf("up %s", fmtDuration(time.Since(m.startTime)))),
		dimS.Render(fmt.Sprintf("%d sensors", len(m.sensors))),
	}
	if !m.lastUpdate.IsZero() {
		statusParts = append(statusParts, dimS.Render(m.lastUpdate.Format("15:04:05")))
	}
	if m.paused {
		statusParts = append(statusParts, lipgloss.NewStyle().Foreground(colorCrit).Bold(true).Render("PAUSED"))
	}
	if m.source != "" {
		statusParts = append(statusParts, dimS.Render(m.source))
	}

	sep := dimS.Render(" │ ")
	right := strings.Join(statusParts, sep)

	gap := width - lipgloss.Width(logo) - lipgloss.Width(right) - 4
	if gap < 1 {
		gap = 1
	}

	return lipgloss.NewStyle().
		Background(colorTitleBg).
		Width(width).
		Padding(0, 1).
		Render(logo + strings.Repeat(" ", gap) + right)
}

func (m Model) renderSensorPanels(totalWidth int) []string {
	innerWidth := totalWidth - 4
	chartWidth := innerWidth - 60
	if chartWidth < 15 {
		chartWidth = 15
	}
	if chartWidth > 140 {
		chartWidth = 140
	}

	const labelW, valueW = 14, 10

	dimS := lipgloss.NewStyle().Foreground(colorDim)
	valS := lipgloss.NewStyle().Foreground(lipgloss.Color("250"))
	frameL := lipgloss.NewStyle().Foreground(colorBorder).Render("▕")
	frameR := lipgloss.NewStyle().Foreground(colorBorder).Render("▏")

	var panels []string
	for _, d := range m.sensors {
		rows := []string{m.renderHeader(d)}

		var lastPts []history.Point
		for _, field := range sortedFields(d.Data) {
			label := lipgloss.NewStyle().
				Foreground(colorLabel).
				Width(labelW).
				Render(truncate(field, labelW))
			value := lipgloss.NewStyle().
				Width(valueW).
				Align(lipgloss.Right).
				Render(chart.FormatValue(field, d.Data[field]))

			row := label + " " + value
			if hist := m.history.Get(d.Key, field); hist != nil {
				pts := hist.LastNPoints(chartWidth)
				lastPts = pts
				spark := chart.RenderSparklinePoints(pts, chartWidth, hist.Min, hist.Peak)
				row += " " + frameL + spark + frameR +
					dimS.Render(" avg") + valS.Render(fmt.Sprintf("%7.1f", hist.Avg())) +
					dimS.Render(" lo") + valS.Render(fmt.Sprintf("%7.1f", hist.Min)) +
					dimS.Render(" pk") + valS.Render(fmt.Sprintf("%7.1f", hist.Peak))
			}
			rows = append(rows, row)
		}

		if lastPts != nil {
			if timeline := chart.RenderTimeline(lastPts, chartWidth); strings.TrimSpace(timeline) != "" {
				rows = append(rows, strings.Repeat(" ", labelW+valueW+3)+timeline)
			}
		}

		panels = append(panels, lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorBorder).
			Padding(0, 1).
			Width(totalWidth).
			Render(lipgloss.JoinVertical(lipgloss.Left, rows...)))
	}

	return panels
}

func (m Model) renderHeader(d registry.Display) string {
	name := d.Name
	if name == "" {
		name = d.Type
	}
	parts := []string{
		lipgloss.NewStyle().Bold(true).Foreground(colorName).Render(name),
		lipgloss.NewStyle().Foreground(colorKey).Render(d.Key),
		lipgloss.NewStyle().Foreground(colorProtocol).Render(d.Protocol + " · " + d.Type + " · ch " + d.Channel),
	}
	if d.Paired {
		parts = append(parts, lipgloss.NewStyle().Foreground(colorPaired).Render("paired"))
	}
	parts = append(parts, lipgloss.NewStyle().Foreground(colorDim).Render(d.Update))
	return strings.Join(parts, "  ")
}

func (m Model) renderFooter(width int) string {
	dimS := lipgloss.NewStyle().Foreground(colorDim)
	labelS := lipgloss.NewStyle().Foreground(colorLabel)

	var legend string
	for _, lvl := range []struct {
		norm float64
		name string
	}{{0, " low "}, {0.5, " mid "}, {1, " high "}} {
		legend += lipgloss.NewStyle().Foreground(chart.LevelColor(lvl.norm)).Render("██") + dimS.Render(lvl.name)
	}
	legend += lipgloss.NewStyle().Foreground(lipgloss.Color("239")).Render("│") + dimS.Render(" 1min")

	keys := dimS.Render("q") + labelS.Render(":quit") +
		dimS.Render("  j/k") + labelS.Render(":scroll") +
		dimS.Render("  p") + labelS.Render(":pause")

	gap := width - lipgloss.Width(legend) - lipgloss.Width(keys) - 4
	if gap < 1 {
		gap = 1
	}

	return lipgloss.NewStyle().
		Background(colorFooterBg).
		Width(width).
		Padding(0, 1).
		Render(legend + strings.Repeat(" ", gap) + keys)
}

func sortedFields(data map[string]any) []string {
	fields := make([]string, 0, len(data))
	for f := range data {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

func truncate(s string, w int) string {
	if len(s) <= w {
		return s
	}
	if w <= 3 {
		return s[:w]
	}
	return s[:w-1] + "…"
}

func fmtDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second
	if h > 0 {
		return fmt.Sprintf("%dh%02dm%02ds", h, m, s)
	}
	return fmt.Sprintf("%dm%02ds", m, s)
}
