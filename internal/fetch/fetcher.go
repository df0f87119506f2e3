// Package fetch retrieves posts from feed sources (RSS, Atom, JSON Feed)
// and converts them to timeline.Post values.
package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/abelbrown/feedline/internal/timeline"
)

const userAgent = "feedline/1.0 (+https://github.com/abelbrown/feedline)"

// Source is a configured feed.
type Source struct {
	Name string
	Type string // "rss"
	URL  string
}

// Fetcher retrieves posts from feed sources.
type Fetcher struct {
	client *http.Client
	now    func() time.Time
}

// NewFetcher creates a Fetcher with the given HTTP client timeout.
func NewFetcher(timeout time.Duration) *Fetcher {
	return &Fetcher{
		client: &http.Client{Timeout: timeout},
		now:    time.Now,
	}
}

// Fetch retrieves posts from a source. Does NOT store them; the caller
// decides what to do with the result. Respects context cancellation.
func (f *Fetcher) Fetch(ctx context.Context, src Source) ([]timeline.Post, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP error: %s", resp.Status)
	}

	feed, err := gofeed.NewParser().Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}

	now := f.now()
	posts := make([]timeline.Post, 0, len(feed.Items))
	for _, item := range feed.Items {
		posts = append(posts, convertFeedItem(item, src, now))
	}
	return posts, nil
}

// convertFeedItem converts a gofeed.Item to a timeline.Post.
func convertFeedItem(item *gofeed.Item, src Source, fetchTime time.Time) timeline.Post {
	created := fetchTime
	if item.PublishedParsed != nil {
		created = *item.PublishedParsed
	} else if item.UpdatedParsed != nil {
		created = *item.UpdatedParsed
	}

	author := ""
	if item.Author != nil {
		author = item.Author.Name
	} else if len(item.Authors) > 0 && item.Authors[0] != nil {
		author = item.Authors[0].Name
	}

	summary := item.Description
	if summary == "" && item.Content != "" {
		summary = truncate(item.Content, 500)
	}

	return timeline.Post{
		ID:        generateID(item, src.Name),
		Source:    src.Name,
		CreatedAt: created,
		Author:    author,
		Title:     item.Title,
		Summary:   summary,
		URL:       item.Link,
	}
}

// generateID creates a deterministic id scoped to the source.
// Uses the GUID if available, otherwise the link, otherwise title + date.
func generateID(item *gofeed.Item, source string) string {
	key := item.GUID
	if key == "" {
		key = item.Link
	}
	if key == "" {
		key = item.Title
		if item.PublishedParsed != nil {
			key += item.PublishedParsed.String()
		}
	}
	return hashString(source + "\x00" + key)
}

// hashString creates a short hash of a string for use as an id.
func hashString(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:8])
}

// truncate shortens a string to maxLen runes, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-3]) + "..."
}
