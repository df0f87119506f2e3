package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/abelbrown/feedline/internal/otel"
)

// debugPanelChrome is the number of lines DebugPanel's border adds.
const debugPanelChrome = 2

func debugOverlay(events *otel.Logger, rules RuleStats, width, height int) string {
	stats := events.Stats()
	recent := events.Recent(20)

	var lines []string
	lines = append(lines, DebugHeaderStyle.Render("Engine Stats"))
	lines = append(lines, fmt.Sprintf("  Fetches:    %d complete, %d skipped, %d discarded",
		stats[otel.KindFetchComplete], stats[otel.KindFetchSkip], stats[otel.KindFetchDiscard]))
	lines = append(lines, fmt.Sprintf("  Buffer:     %d appends, %d clears",
		stats[otel.KindBufferAppend], stats[otel.KindBufferClear]))
	lines = append(lines, fmt.Sprintf("  Merges:     %d auto, %d tap, %d manual",
		stats[otel.KindMergeAuto], stats[otel.KindMergeTap], stats[otel.KindMergeManual]))
	lines = append(lines, fmt.Sprintf("  Position:   %d loads, %d restores, %d saves",
		stats[otel.KindPositionLoad], stats[otel.KindPositionRestore], stats[otel.KindPositionSave]))
	lines = append(lines, fmt.Sprintf("  Sync:       %d up, %d down, %d errors",
		stats[otel.KindSyncUpload], stats[otel.KindSyncDownload], stats[otel.KindSyncError]))
	if rules != nil {
		n, failed := rules()
		lines = append(lines, fmt.Sprintf("  Filter:     %d rules, %d eval errors", n, failed))
	}
	lines = append(lines, fmt.Sprintf("  Dropped:    %d events", events.Dropped()))
	lines = append(lines, "")

	lines = append(lines, DebugHeaderStyle.Render("Recent Events"))
	for _, e := range recent {
		line := fmt.Sprintf("  %6s  %-18s", formatAge(time.Since(e.Time)), string(e.Kind))
		if e.Source != "" {
			line += "  " + truncateRunes(e.Source, 16)
		}
		if e.Reason != "" {
			line += "  " + e.Reason
		}
		if e.Msg != "" {
			line += "  " + truncateRunes(e.Msg, 40)
		}
		if e.Err != "" {
			line += "  ERR:" + truncateRunes(e.Err, 30)
		}
		lines = append(lines, line)
	}

	maxHeight := height - debugPanelChrome
	if maxHeight < 1 {
		maxHeight = 1
	}
	if len(lines) > maxHeight {
		lines = lines[:maxHeight]
	}

	panelWidth := 80
	if panelWidth > width-4 {
		panelWidth = width - 4
	}
	if panelWidth < 20 {
		panelWidth = 20
	}
	return DebugPanel.Width(panelWidth).Render(strings.Join(lines, "\n"))
}

func formatAge(d time.Duration) string {
	if d < 0 {
		return "0ms"
	}
	switch {
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	default:
		return fmt.Sprintf("%.0fm", d.Minutes())
	}
}
