// Package position owns the canonical visible post list for one timeline:
// which posts are loaded, where the reader is, and what is unread.
//
// State is published as one immutable value. Subscribers never see posts,
// entries and position from different generations.
package position

import (
	"time"

	"github.com/abelbrown/feedline/internal/timeline"
)

// ReadState is the per-post unread bookkeeping. The two flags are
// independent; a post is unread only when it is new and not read.
type ReadState struct {
	IsRead bool
	IsNew  bool
}

// Unread reports whether the post counts toward the unread total.
func (r ReadState) Unread() bool {
	return r.IsNew && !r.IsRead
}

// TimeBand groups entries by age for display.
type TimeBand string

const (
	BandJustNow   TimeBand = "Just Now"
	BandPastHour  TimeBand = "Past Hour"
	BandToday     TimeBand = "Today"
	BandYesterday TimeBand = "Yesterday"
	BandOlder     TimeBand = "Older"
)

// BandFor returns the band for a post created at created, as seen at now.
func BandFor(created, now time.Time) TimeBand {
	age := now.Sub(created)
	switch {
	case age < 15*time.Minute:
		return BandJustNow
	case age < time.Hour:
		return BandPastHour
	case age < 24*time.Hour:
		return BandToday
	case age < 48*time.Hour:
		return BandYesterday
	default:
		return BandOlder
	}
}

// Entry is one display row.
type Entry struct {
	Post      timeline.Post
	ReadState ReadState
	Band      TimeBand
}

// State is everything the presentation layer renders. Slices are shared
// between subscribers and must not be modified.
type State struct {
	Posts       []timeline.Post
	Entries     []Entry
	Position    timeline.ScrollPosition
	UnreadCount int
	Initialized bool // at least one load attempt finished, successful or not
	Loaded      bool // at least one load succeeded
}

// AnchorID returns the id of the post at the current position, or "" when
// the list is empty.
func (s State) AnchorID() string {
	if len(s.Posts) == 0 {
		return ""
	}
	return s.Posts[clamp(s.Position.Index, len(s.Posts))].ID
}

func clamp(i, n int) int {
	if n == 0 || i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}
