package fetch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/abelbrown/feedline/internal/otel"
	"github.com/abelbrown/feedline/internal/timeline"
)

// ErrUnknownSource is returned when fetching a source that was not configured.
var ErrUnknownSource = errors.New("unknown source")

// rawFetcher is the error-returning fetch seam. *Fetcher satisfies it.
type rawFetcher interface {
	Fetch(ctx context.Context, src Source) ([]timeline.Post, error)
}

// StatusRecorder persists per-source fetch outcomes. *store.Store satisfies it.
type StatusRecorder interface {
	UpdateSourceStatus(ctx context.Context, name string, itemCount int, lastError string) error
}

// Health is the fetch history of one source.
type Health struct {
	Source              string
	LastAttempt         time.Time
	LastSuccess         time.Time
	ConsecutiveFailures int
	LastError           string
	LastCount           int
}

// Broken reports whether the source has failed at least threshold times in a row.
func (h Health) Broken(threshold int) bool {
	return threshold > 0 && h.ConsecutiveFailures >= threshold
}

// Collapsed adapts a fetcher to the background contract: a failure is
// logged and recorded, then reported to the caller as "no new posts".
// Goroutine-safe.
type Collapsed struct {
	inner   rawFetcher
	sources map[string]Source
	events  *otel.Logger
	status  StatusRecorder
	now     func() time.Time

	mu     sync.Mutex
	health map[string]*Health
}

// CollapsedOption configures a Collapsed.
type CollapsedOption func(*Collapsed)

// WithEvents emits fetch events to l.
func WithEvents(l *otel.Logger) CollapsedOption {
	return func(c *Collapsed) { c.events = l }
}

// WithStatus persists each outcome through r.
func WithStatus(r StatusRecorder) CollapsedOption {
	return func(c *Collapsed) { c.status = r }
}

// NewCollapsed wraps inner for the given sources.
func NewCollapsed(inner rawFetcher, sources []Source, opts ...CollapsedOption) *Collapsed {
	c := &Collapsed{
		inner:   inner,
		sources: make(map[string]Source, len(sources)),
		health:  make(map[string]*Health, len(sources)),
		now:     time.Now,
	}
	for _, s := range sources {
		c.sources[s.Name] = s
		c.health[s.Name] = &Health{Source: s.Name}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fetch returns the source's posts or an error, updating health either way.
// Use this on paths that must surface failure.
func (c *Collapsed) Fetch(ctx context.Context, name string) ([]timeline.Post, error) {
	src, ok := c.sources[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSource, name)
	}

	start := c.now()
	c.events.Emit(otel.Event{Level: otel.LevelDebug, Kind: otel.KindFetchStart, Comp: "fetch", Source: name})

	posts, err := c.inner.Fetch(ctx, src)
	if ctx.Err() != nil {
		// Cancellation is neither success nor failure.
		return nil, ctx.Err()
	}
	c.record(ctx, name, start, len(posts), err)

	if err != nil {
		c.events.Emit(otel.Event{Level: otel.LevelWarn, Kind: otel.KindFetchError, Comp: "fetch",
			Source: name, Err: err.Error(), Dur: c.now().Sub(start)})
		return nil, err
	}
	c.events.Emit(otel.Event{Level: otel.LevelInfo, Kind: otel.KindFetchComplete, Comp: "fetch",
		Source: name, Count: len(posts), Dur: c.now().Sub(start)})
	return posts, nil
}

// FetchPosts is the background form of Fetch: any failure yields nil.
func (c *Collapsed) FetchPosts(ctx context.Context, name string) []timeline.Post {
	posts, err := c.Fetch(ctx, name)
	if err != nil {
		return nil
	}
	return posts
}

func (c *Collapsed) record(ctx context.Context, name string, at time.Time, count int, err error) {
	c.mu.Lock()
	h, ok := c.health[name]
	if !ok {
		h = &Health{Source: name}
		c.health[name] = h
	}
	h.LastAttempt = at
	if err != nil {
		h.ConsecutiveFailures++
		h.LastError = err.Error()
	} else {
		h.ConsecutiveFailures = 0
		h.LastError = ""
		h.LastSuccess = at
		h.LastCount = count
	}
	c.mu.Unlock()

	if c.status == nil {
		return
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	if serr := c.status.UpdateSourceStatus(context.WithoutCancel(ctx), name, count, msg); serr != nil {
		c.events.Error(otel.KindStoreError, "fetch", serr)
	}
}

// Seed installs health carried over from an earlier process. Entries for
// sources that are no longer configured are ignored.
func (c *Collapsed) Seed(prior []Health) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, h := range prior {
		if _, ok := c.sources[h.Source]; !ok {
			continue
		}
		c.health[h.Source] = &h
	}
}

// Health returns a copy of every source's health, sorted by name.
func (c *Collapsed) Health() []Health {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Health, 0, len(c.health))
	for _, h := range c.health {
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}

// Sources returns the configured source names, sorted.
func (c *Collapsed) Sources() []string {
	names := make([]string, 0, len(c.sources))
	for name := range c.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
