package position

import (
	"time"

	"github.com/abelbrown/feedline/internal/timeline"
)

// UnreadTracker derives ReadState for loaded posts.
//
// Nothing is new during the first load of a timeline that has never been
// loaded. After that, a post is new when it was created after the boundary
// and has not been read. The boundary is the first load's time, or the last
// visit when a session is resumed. Not safe for concurrent use; the
// Controller serializes access.
type UnreadTracker struct {
	enabled  bool
	read     map[string]struct{}
	boundary time.Time
	started  bool
}

// NewUnreadTracker creates a tracker. A disabled tracker reports every
// post as read-and-old, so the unread count is always zero.
func NewUnreadTracker(enabled bool) *UnreadTracker {
	return &UnreadTracker{
		enabled: enabled,
		read:    make(map[string]struct{}),
	}
}

// Seed installs the persisted read set.
func (u *UnreadTracker) Seed(read map[string]struct{}) {
	for id := range read {
		u.read[id] = struct{}{}
	}
}

// Resume continues from an earlier session. Posts created after lastVisit
// are new from the next Derive on.
func (u *UnreadTracker) Resume(lastVisit time.Time) {
	u.started = true
	u.boundary = lastVisit
}

// Derive builds entries for posts. Unless the tracker was resumed, the
// first call sets the new-post boundary to now and flags nothing as new.
func (u *UnreadTracker) Derive(posts []timeline.Post, now time.Time) []Entry {
	first := !u.started
	if first {
		u.started = true
		u.boundary = now
	}

	entries := make([]Entry, len(posts))
	for i, p := range posts {
		entries[i] = Entry{
			Post:      p,
			ReadState: u.stateFor(p, first),
			Band:      BandFor(p.CreatedAt, now),
		}
	}
	return entries
}

func (u *UnreadTracker) stateFor(p timeline.Post, first bool) ReadState {
	if !u.enabled {
		return ReadState{IsRead: true}
	}
	_, read := u.read[p.ID]
	return ReadState{
		IsRead: read,
		IsNew:  !first && !read && p.CreatedAt.After(u.boundary),
	}
}

// MarkRead records id as read. Returns false if it already was, or if
// tracking is disabled.
func (u *UnreadTracker) MarkRead(id string) bool {
	if !u.enabled {
		return false
	}
	if _, ok := u.read[id]; ok {
		return false
	}
	u.read[id] = struct{}{}
	return true
}

// IsRead reports whether id has been read.
func (u *UnreadTracker) IsRead(id string) bool {
	_, ok := u.read[id]
	return ok
}

// ClearAll marks every post read and moves the new-post boundary to now,
// so neither flag survives. Returns the ids that were not read before.
func (u *UnreadTracker) ClearAll(posts []timeline.Post, now time.Time) []string {
	if !u.enabled {
		return nil
	}
	var changed []string
	for _, p := range posts {
		if _, ok := u.read[p.ID]; !ok {
			u.read[p.ID] = struct{}{}
			changed = append(changed, p.ID)
		}
	}
	if now.After(u.boundary) {
		u.boundary = now
	}
	return changed
}

// Restamp rebuilds entries after a read-state change without moving the
// boundary. IsNew only ever goes from true to false here.
func (u *UnreadTracker) Restamp(entries []Entry, cleared bool) []Entry {
	out := make([]Entry, len(entries))
	for i, e := range entries {
		if !u.enabled {
			out[i] = e
			continue
		}
		_, read := u.read[e.Post.ID]
		e.ReadState.IsRead = read
		if read || cleared {
			e.ReadState.IsNew = false
		}
		out[i] = e
	}
	return out
}

// UnreadCount counts entries that are new and unread.
func UnreadCount(entries []Entry) int {
	n := 0
	for _, e := range entries {
		if e.ReadState.Unread() {
			n++
		}
	}
	return n
}
