// Package filter provides the post filter that runs before buffering.
// The building blocks are pure: []Post in, []Post out. Filter chains them
// with user rules written as expr expressions.
package filter

import (
	"sort"
	"strings"
	"time"

	"github.com/abelbrown/feedline/internal/timeline"
)

// commonPrefixes are title prefixes ignored when comparing titles for
// deduplication.
var commonPrefixes = []string{
	"breaking:",
	"update:",
	"updated:",
	"exclusive:",
	"just in:",
	"developing:",
	"watch:",
	"live:",
	"opinion:",
	"analysis:",
	"review:",
	"show hn:",
	"ask hn:",
}

// ByAge removes posts created before now-maxAge.
func ByAge(posts []timeline.Post, maxAge time.Duration, now time.Time) []timeline.Post {
	if len(posts) == 0 {
		return []timeline.Post{}
	}

	cutoff := now.Add(-maxAge)
	result := make([]timeline.Post, 0, len(posts))
	for _, p := range posts {
		if p.CreatedAt.After(cutoff) {
			result = append(result, p)
		}
	}
	return result
}

// normalizeTitle lowercases a title and strips one common prefix.
func normalizeTitle(title string) string {
	normalized := strings.ToLower(strings.TrimSpace(title))
	for _, prefix := range commonPrefixes {
		if strings.HasPrefix(normalized, prefix) {
			normalized = strings.TrimSpace(strings.TrimPrefix(normalized, prefix))
			break
		}
	}
	return normalized
}

// Dedup removes posts with a repeated id, URL, or normalized title.
// First occurrence wins, so callers pass newest-first input to keep the
// newest copy.
func Dedup(posts []timeline.Post) []timeline.Post {
	if len(posts) == 0 {
		return []timeline.Post{}
	}

	seenIDs := make(map[string]bool, len(posts))
	seenURLs := make(map[string]bool)
	seenTitles := make(map[string]bool)
	result := make([]timeline.Post, 0, len(posts))

	for _, p := range posts {
		if seenIDs[p.ID] {
			continue
		}
		if p.URL != "" && seenURLs[p.URL] {
			continue
		}
		title := normalizeTitle(p.Title)
		if title != "" && seenTitles[title] {
			continue
		}

		seenIDs[p.ID] = true
		if p.URL != "" {
			seenURLs[p.URL] = true
		}
		if title != "" {
			seenTitles[title] = true
		}
		result = append(result, p)
	}
	return result
}

// LimitPerSource caps the number of posts per source, keeping the newest.
// The result is sorted newest first.
func LimitPerSource(posts []timeline.Post, maxPerSource int) []timeline.Post {
	if len(posts) == 0 || maxPerSource <= 0 {
		return []timeline.Post{}
	}

	bySource := make(map[string][]timeline.Post)
	for _, p := range posts {
		bySource[p.Source] = append(bySource[p.Source], p)
	}

	result := make([]timeline.Post, 0, len(posts))
	for _, group := range bySource {
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].CreatedAt.After(group[j].CreatedAt)
		})
		if len(group) > maxPerSource {
			group = group[:maxPerSource]
		}
		result = append(result, group...)
	}

	// Map iteration order is random.
	timeline.SortNewestFirst(result)
	return result
}
