package restore

import (
	"sort"

	"github.com/abelbrown/feedline/internal/ring"
)

// History is the bounded, goroutine-safe list of position snapshots.
// Oldest entries are evicted once the capacity is exceeded.
type History struct {
	ring *ring.Ring[Snapshot]
}

// NewHistory creates a history holding at most size snapshots.
func NewHistory(size int) *History {
	return &History{ring: ring.New[Snapshot](size)}
}

// Append records s.
func (h *History) Append(s Snapshot) {
	h.ring.Push(s)
}

// Snapshots returns all snapshots, oldest first.
func (h *History) Snapshots() []Snapshot {
	return h.ring.Snapshot()
}

// Latest returns the most recent snapshot.
func (h *History) Latest() (Snapshot, bool) {
	return h.ring.Find(func(Snapshot) bool { return true })
}

// ForAnchor returns the most recent snapshot anchored on id.
func (h *History) ForAnchor(id string) (Snapshot, bool) {
	return h.ring.Find(func(s Snapshot) bool { return s.AnchorID == id })
}

// Len returns the number of snapshots held.
func (h *History) Len() int {
	return h.ring.Len()
}

// Cap returns the capacity.
func (h *History) Cap() int {
	return h.ring.Cap()
}

// Replace swaps the contents for snaps (oldest first).
func (h *History) Replace(snaps []Snapshot) {
	h.ring.Replace(snaps)
}

// MergeSnapshots combines two histories: one entry per anchor id, keeping
// the most recent Timestamp. Ties go to the local entry. The result is
// sorted oldest first and trimmed to the newest limit entries (limit <= 0
// keeps everything).
func MergeSnapshots(local, remote []Snapshot, limit int) []Snapshot {
	byID := make(map[string]Snapshot, len(local)+len(remote))
	for _, s := range local {
		if cur, ok := byID[s.AnchorID]; !ok || s.Timestamp.After(cur.Timestamp) || s.Timestamp.Equal(cur.Timestamp) {
			byID[s.AnchorID] = s
		}
	}
	for _, s := range remote {
		if cur, ok := byID[s.AnchorID]; !ok || s.Timestamp.After(cur.Timestamp) {
			byID[s.AnchorID] = s
		}
	}

	out := make([]Snapshot, 0, len(byID))
	for _, s := range byID {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].AnchorID < out[j].AnchorID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}
