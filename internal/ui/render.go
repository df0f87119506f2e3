package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/abelbrown/feedline/internal/position"
	"github.com/abelbrown/feedline/internal/timeline"
)

// RenderStream renders entries as exactly height lines, scrolled so the
// cursor is visible. Band headers are inserted where the band changes.
func RenderStream(entries []position.Entry, cursor, width, height int, showBands bool, now time.Time) string {
	if height < 1 {
		return ""
	}
	offset := calcScrollOffset(entries, cursor, height, showBands)

	var lines []string
	var band position.TimeBand
	for i := offset; i < len(entries) && len(lines) < height; i++ {
		e := entries[i]
		if showBands && (i == offset || e.Band != band) {
			band = e.Band
			lines = append(lines, TimeBandHeader.Render(string(band)))
			if len(lines) >= height {
				break
			}
		}
		lines = append(lines, renderEntryLine(e, i == cursor, width, now))
	}
	return padLines(strings.Join(lines, "\n"), height)
}

// calcScrollOffset returns the first entry index to draw so that the
// cursor row fits in availableHeight lines, headers included.
func calcScrollOffset(entries []position.Entry, cursor, availableHeight int, showBands bool) int {
	if len(entries) == 0 || cursor < 0 {
		return 0
	}
	if cursor >= len(entries) {
		cursor = len(entries) - 1
	}

	offset := 0
	if cursor >= availableHeight {
		offset = cursor - availableHeight + 1
	}
	if !showBands {
		return offset
	}

	// Headers only push the cursor further down, so walk forward until it fits.
	for offset <= cursor {
		if visibleLineCount(entries, offset, cursor, showBands) <= availableHeight {
			return offset
		}
		offset++
	}
	return cursor
}

// visibleLineCount counts the lines needed to draw entries[from:to+1].
func visibleLineCount(entries []position.Entry, from, to int, showBands bool) int {
	n := to - from + 1
	if !showBands {
		return n
	}
	var band position.TimeBand
	for i := from; i <= to; i++ {
		if i == from || entries[i].Band != band {
			band = entries[i].Band
			n++
		}
	}
	return n
}

func renderEntryLine(e position.Entry, selected bool, width int, now time.Time) string {
	marker := "  "
	if e.ReadState.Unread() {
		marker = UnreadMarker.Render("●") + " "
	}
	badge := SourceBadge.Render(e.Post.Source)
	age := formatAgeShort(now.Sub(e.Post.CreatedAt))

	title := e.Post.Title
	if title == "" {
		title = e.Post.ID
	}
	// 4 = item padding plus the space before the age.
	room := width - lipgloss.Width(marker) - lipgloss.Width(badge) - lipgloss.Width(age) - 4
	title = truncateRunes(title, max(room, 8))

	line := marker + badge + title + " " + age
	switch {
	case selected:
		return SelectedItem.Width(width).Render(line)
	case e.ReadState.Unread():
		return NormalItem.Render(line)
	default:
		return ReadItem.Render(line)
	}
}

// RenderPill renders the "N new posts" pill for a non-empty buffer.
func RenderPill(snap timeline.BufferSnapshot, width int) string {
	noun := "posts"
	if snap.Count == 1 {
		noun = "post"
	}
	text := fmt.Sprintf("↑ %d new %s", snap.Count, noun)
	if len(snap.Sources) > 0 {
		text += " from " + strings.Join(snap.Sources, ", ")
	}
	text += "  (n)"
	return lipgloss.PlaceHorizontal(width, lipgloss.Center, NewPostsPill.Render(truncateRunes(text, max(width-4, 8))))
}

// RenderStatusBar renders the bottom bar: position and unread count on the
// left, key hints on the right.
func RenderStatusBar(cursor, total, unread, width int, loading bool) string {
	var left string
	switch {
	case loading:
		left = " Loading... "
	case total == 0:
		left = " 0/0 "
	default:
		left = fmt.Sprintf(" %d/%d ", cursor+1, total)
	}
	if unread > 0 {
		left += UnreadMarker.Render(fmt.Sprintf("%d unread", unread)) + " "
	}

	var hints []string
	for _, b := range keys.hints() {
		h := b.Help()
		hints = append(hints, StatusBarKey.Render(h.Key)+StatusBarText.Render(":"+h.Desc))
	}
	keyHints := strings.Join(hints, " ")

	padding := width - lipgloss.Width(left) - lipgloss.Width(keyHints) - 2
	if padding < 0 {
		padding = 0
	}
	return StatusBar.Width(width).Render(left + strings.Repeat(" ", padding) + keyHints)
}

func formatAgeShort(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "now"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 1 {
		return string(r[:n])
	}
	return string(r[:n-1]) + "…"
}

// padLines pads s with empty lines to height and terminates it with a newline.
func padLines(s string, height int) string {
	n := strings.Count(s, "\n") + 1
	if s == "" {
		n = 0
	}
	if n < height {
		s += strings.Repeat("\n", height-n)
	}
	return s + "\n"
}
