// Package chart renders sparklines, minute ticks, timeline labels and
// range bars for weather sensor fields.
package chart

import (
	"fmt"
	"math"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/luki/weathersensors/internal/history"
)

var sparkBlocks = []rune{'▁', '▂', '▃', '▄', '▅', '▆', '▇', '█'}

var units = map[string]string{
	"temperature":  "°C",
	"humidity":     "%",
	"pressure":     "hPa",
	"rainrate":     "mm/h",
	"raintotal":    "mm",
	"direction":    "°",
	"currentspeed": "m/s",
	"averagespeed": "m/s",
}

// Unit returns the display unit for a field, or "" when unknown.
func Unit(field string) string {
	return units[field]
}

// LevelColor maps a position within a field's observed range (0..1) to a
// cold-to-hot colour.
func LevelColor(norm float64) lipgloss.Color {
	switch {
	case norm >= 0.9:
		return lipgloss.Color("196") // red
	case norm >= 0.7:
		return lipgloss.Color("208") // orange
	case norm >= 0.45:
		return lipgloss.Color("220") // yellow
	case norm >= 0.2:
		return lipgloss.Color("78") // soft green
	default:
		return lipgloss.Color("39") // blue
	}
}

func normalize(v, lo, hi float64) float64 {
	span := hi - lo
	if span <= 0 {
		span = 1
	}
	return math.Max(0, math.Min(1, (v-lo)/span))
}

// RenderSparklinePoints renders samples as coloured blocks scaled to
// [lo, hi]. A subtle pipe is drawn at each minute boundary.
func RenderSparklinePoints(points []history.Point, width int, lo, hi float64) string {
	if width <= 0 {
		return ""
	}

	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("236"))
	if len(points) == 0 {
		return dim.Render(strings.Repeat("╌", width))
	}
	if len(points) > width {
		points = points[len(points)-width:]
	}

	var sb strings.Builder
	for i := 0; i < width-len(points); i++ {
		sb.WriteString(dim.Render("╌"))
	}

	tickStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("239"))
	for i, p := range points {
		if minuteTick(points, i) {
			sb.WriteString(tickStyle.Render("│"))
			continue
		}
		norm := normalize(p.Value, lo, hi)
		idx := int(norm * 7)
		if idx > 7 {
			idx = 7
		}
		style := lipgloss.NewStyle().Foreground(LevelColor(norm))
		sb.WriteString(style.Render(string(sparkBlocks[idx])))
	}

	return sb.String()
}

func minuteTick(points []history.Point, i int) bool {
	p := points[i]
	if p.Time.IsZero() {
		return false
	}
	if p.Time.Second() == 0 {
		return true
	}
	return i > 0 && !points[i-1].Time.IsZero() && p.Time.Minute() != points[i-1].Time.Minute()
}

// RenderTimeline renders HH:MM labels under the sparkline at each minute
// tick position. Overlapping labels are skipped.
func RenderTimeline(points []history.Point, width int) string {
	if len(points) == 0 || width <= 0 {
		return ""
	}
	if len(points) > width {
		points = points[len(points)-width:]
	}
	padLen := width - len(points)

	line := []rune(strings.Repeat(" ", width))
	lastEnd := -1
	for i, p := range points {
		if !minuteTick(points, i) {
			continue
		}
		label := p.Time.Format("15:04")
		start := padLen + i - 2
		if start < 0 {
			start = 0
		}
		end := start + len(label)
		if end > width || start <= lastEnd+1 {
			continue
		}
		for j, ch := range label {
			line[start+j] = ch
		}
		lastEnd = end
	}

	return lipgloss.NewStyle().Foreground(lipgloss.Color("239")).Render(string(line))
}

// RenderRangeBar renders a scale bar showing where current sits between
// the lowest and highest value seen.
func RenderRangeBar(current, lo, hi float64, width int) string {
	if width <= 0 {
		return ""
	}
	norm := normalize(current, lo, hi)
	pos := int(float64(width-1) * norm)

	dot := lipgloss.NewStyle().Foreground(lipgloss.Color("236"))
	var sb strings.Builder
	for i := 0; i < width; i++ {
		if i == pos {
			sb.WriteString(lipgloss.NewStyle().Foreground(LevelColor(norm)).Bold(true).Render("◆"))
			continue
		}
		sb.WriteString(dot.Render("·"))
	}
	return sb.String()
}

// FormatValue renders a field value with its unit. Low-battery alarms are
// highlighted.
func FormatValue(field string, v any) string {
	switch x := v.(type) {
	case float64:
		return fmt.Sprintf("%.1f%s", x, Unit(field))
	case bool:
		if field == "lowbattery" && x {
			return lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true).Render("LOW")
		}
		if field == "lowbattery" {
			return "ok"
		}
		return fmt.Sprintf("%t", x)
	case string:
		return x
	default:
		return fmt.Sprintf("%v", x)
	}
}
