package timeline

import "time"

// Anchor is the persisted reading position: the post id at the top of the
// viewport plus its pixel offset. Index is informational only.
type Anchor struct {
	PostID  string
	Index   int
	Offset  float64
	SavedAt time.Time
}

// SessionMeta is per-timeline bookkeeping that outlives a process.
type SessionMeta struct {
	Initialized bool
	LastVisit   time.Time
}
