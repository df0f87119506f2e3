// Package timeline holds the shared value types of the feed engine and the
// deduplicating buffer that sits between background fetching and the
// visible list.
package timeline

import (
	"sort"
	"time"
)

// Post is a single piece of content from one source.
// The engine only reads ID, Source and CreatedAt; the rest rides along for display.
type Post struct {
	ID        string
	Source    string
	CreatedAt time.Time
	Author    string
	Title     string
	Summary   string
	URL       string
}

// ScrollPosition is either the top of the timeline or an (index, pixel offset) pair.
type ScrollPosition struct {
	Top    bool
	Index  int
	Offset float64
}

// Top returns the top-of-timeline position.
func Top() ScrollPosition {
	return ScrollPosition{Top: true}
}

// At returns a position at index with the given pixel offset.
// Index 0 with no offset is normalized to Top.
func At(index int, offset float64) ScrollPosition {
	if index <= 0 && offset == 0 {
		return Top()
	}
	if index < 0 {
		index = 0
	}
	return ScrollPosition{Index: index, Offset: offset}
}

// IndexOf returns the index of the post with id in posts, or -1.
func IndexOf(posts []Post, id string) int {
	for i := range posts {
		if posts[i].ID == id {
			return i
		}
	}
	return -1
}

// IDSet builds a set of post ids.
func IDSet(posts []Post) map[string]struct{} {
	set := make(map[string]struct{}, len(posts))
	for _, p := range posts {
		set[p.ID] = struct{}{}
	}
	return set
}

// SortNewestFirst sorts posts by CreatedAt descending. Ties break on ID so
// the order is deterministic.
func SortNewestFirst(posts []Post) {
	sort.SliceStable(posts, func(i, j int) bool {
		if posts[i].CreatedAt.Equal(posts[j].CreatedAt) {
			return posts[i].ID < posts[j].ID
		}
		return posts[i].CreatedAt.After(posts[j].CreatedAt)
	})
}
