package timeline

import (
	"sort"
	"time"
)

// BufferSnapshot is an immutable summary of the buffer.
// Count always equals the number of distinct ids held.
type BufferSnapshot struct {
	Count    int
	Earliest time.Time // zero when Count == 0
	Sources  []string  // sorted
}

// Empty reports whether the snapshot describes an empty buffer.
func (s BufferSnapshot) Empty() bool {
	return s.Count == 0
}

// Buffer holds fetched-but-undisplayed posts, deduplicated by id and kept
// sorted newest first.
//
// Buffer does no locking. All calls must come from one serialized context;
// the coordinator that owns it is that context.
type Buffer struct {
	items []Post
	ids   map[string]struct{}
}

// NewBuffer creates an empty Buffer.
func NewBuffer() *Buffer {
	return &Buffer{ids: make(map[string]struct{})}
}

// Append adds the posts from incoming whose ids are neither visible nor
// already buffered. When nothing new remains the buffer is untouched and ok
// is false.
func (b *Buffer) Append(incoming, visible []Post) (snap BufferSnapshot, ok bool) {
	if len(incoming) == 0 {
		return BufferSnapshot{}, false
	}
	shown := IDSet(visible)

	added := 0
	for _, p := range incoming {
		if _, dup := b.ids[p.ID]; dup {
			continue
		}
		if _, dup := shown[p.ID]; dup {
			continue
		}
		b.ids[p.ID] = struct{}{}
		b.items = append(b.items, p)
		added++
	}
	if added == 0 {
		return BufferSnapshot{}, false
	}

	SortNewestFirst(b.items)
	return b.Snapshot(), true
}

// RemoveVisible drops every buffered post that is now visible. It always
// returns a snapshot, changed or not.
func (b *Buffer) RemoveVisible(visible []Post) BufferSnapshot {
	if len(b.items) == 0 || len(visible) == 0 {
		return b.Snapshot()
	}
	shown := IDSet(visible)

	kept := b.items[:0]
	for _, p := range b.items {
		if _, gone := shown[p.ID]; gone {
			delete(b.ids, p.ID)
			continue
		}
		kept = append(kept, p)
	}
	// Zero the tail so dropped posts can be collected.
	for i := len(kept); i < len(b.items); i++ {
		b.items[i] = Post{}
	}
	b.items = kept
	return b.Snapshot()
}

// Drain returns every buffered post and empties the buffer.
func (b *Buffer) Drain() []Post {
	out := make([]Post, len(b.items))
	copy(out, b.items)
	b.items = nil
	b.ids = make(map[string]struct{})
	return out
}

// Clear empties the buffer and returns the empty snapshot.
func (b *Buffer) Clear() BufferSnapshot {
	if len(b.items) > 0 {
		b.items = nil
		b.ids = make(map[string]struct{})
	}
	return BufferSnapshot{}
}

// Items returns a copy of the buffered posts, newest first.
func (b *Buffer) Items() []Post {
	out := make([]Post, len(b.items))
	copy(out, b.items)
	return out
}

// Len returns the number of buffered posts.
func (b *Buffer) Len() int {
	return len(b.items)
}

// Snapshot summarizes the current contents.
func (b *Buffer) Snapshot() BufferSnapshot {
	if len(b.items) == 0 {
		return BufferSnapshot{}
	}

	sources := make(map[string]struct{})
	for _, p := range b.items {
		sources[p.Source] = struct{}{}
	}
	names := make([]string, 0, len(sources))
	for s := range sources {
		names = append(names, s)
	}
	sort.Strings(names)

	return BufferSnapshot{
		Count:    len(b.items),
		Earliest: b.items[len(b.items)-1].CreatedAt,
		Sources:  names,
	}
}
