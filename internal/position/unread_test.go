package position

import (
	"testing"
	"time"

	"github.com/abelbrown/feedline/internal/timeline"
)

func postAt(id string, t time.Time) timeline.Post {
	return timeline.Post{ID: id, Source: "s", CreatedAt: t}
}

func TestUnreadTrackerBoundary(t *testing.T) {
	start := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	u := NewUnreadTracker(true)

	old := postAt("old", start.Add(-time.Hour))
	entries := u.Derive([]timeline.Post{old}, start)
	if entries[0].ReadState.IsNew {
		t.Fatal("first derive must not flag anything new")
	}

	fresh := postAt("fresh", start.Add(time.Minute))
	entries = u.Derive([]timeline.Post{fresh, old}, start.Add(2*time.Minute))
	if !entries[0].ReadState.Unread() {
		t.Error("post created after the first load should be unread")
	}
	if entries[1].ReadState.IsNew {
		t.Error("post older than the boundary must stay old")
	}
	if n := UnreadCount(entries); n != 1 {
		t.Errorf("UnreadCount = %d, want 1", n)
	}
}

func TestUnreadTrackerSeedAndMarkRead(t *testing.T) {
	start := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	u := NewUnreadTracker(true)
	u.Seed(map[string]struct{}{"a": {}})
	u.Derive(nil, start)

	if !u.IsRead("a") {
		t.Error("seeded id should be read")
	}
	if u.MarkRead("a") {
		t.Error("MarkRead on a read id should report no change")
	}
	if !u.MarkRead("b") {
		t.Error("MarkRead on a new id should report a change")
	}

	entries := u.Derive([]timeline.Post{postAt("b", start.Add(time.Minute))}, start.Add(time.Hour))
	if entries[0].ReadState.IsNew || !entries[0].ReadState.IsRead {
		t.Errorf("read post state = %+v, want read and not new", entries[0].ReadState)
	}
}

func TestUnreadTrackerClearAllMovesBoundary(t *testing.T) {
	start := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	u := NewUnreadTracker(true)
	u.Derive(nil, start)

	posts := []timeline.Post{postAt("x", start.Add(time.Minute)), postAt("y", start.Add(2*time.Minute))}
	entries := u.Derive(posts, start.Add(3*time.Minute))
	if UnreadCount(entries) != 2 {
		t.Fatalf("UnreadCount = %d, want 2", UnreadCount(entries))
	}

	changed := u.ClearAll(posts, start.Add(4*time.Minute))
	if len(changed) != 2 {
		t.Errorf("ClearAll changed %v, want both", changed)
	}
	entries = u.Restamp(entries, true)
	for _, e := range entries {
		if e.ReadState.IsNew || !e.ReadState.IsRead {
			t.Errorf("%s after clear = %+v, want read and not new", e.Post.ID, e.ReadState)
		}
	}

	// A post created before the clear but never seen is not new either.
	late := postAt("z", start.Add(3*time.Minute+30*time.Second))
	entries = u.Derive([]timeline.Post{late}, start.Add(5*time.Minute))
	if entries[0].ReadState.IsNew {
		t.Error("post older than the cleared boundary must not be new")
	}
}

func TestUnreadTrackerDisabled(t *testing.T) {
	start := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	u := NewUnreadTracker(false)
	u.Derive(nil, start)

	entries := u.Derive([]timeline.Post{postAt("a", start.Add(time.Minute))}, start.Add(time.Hour))
	if entries[0].ReadState.Unread() {
		t.Error("disabled tracker must report nothing unread")
	}
	if u.MarkRead("a") {
		t.Error("disabled tracker MarkRead should be a no-op")
	}
	if got := u.ClearAll(nil, start); got != nil {
		t.Errorf("disabled ClearAll = %v, want nil", got)
	}
}
