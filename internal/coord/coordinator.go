// Package coord owns the per-timeline refresh loop: per-source polling,
// the buffer of fetched-but-unshown posts, and the rules for when that
// buffer may be fetched into or merged out of.
//
// Goroutine safety:
// c.mu guards the buffer and every flag. Collaborators (fetch, filter,
// merge, refresh, visible, loading) are never called while it is held.
// Subscribers are notified after it is released.
package coord

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/abelbrown/feedline/internal/config"
	"github.com/abelbrown/feedline/internal/otel"
	"github.com/abelbrown/feedline/internal/timeline"
)

// Trigger says why a fetch was requested.
type Trigger string

const (
	TriggerIdle       Trigger = "idle"
	TriggerForeground Trigger = "foreground"
	TriggerDirect     Trigger = "direct" // FetchToBuffer, ungated
)

// RefreshIntent describes a user-initiated refresh.
type RefreshIntent string

const (
	IntentPull    RefreshIntent = "pull"
	IntentKey     RefreshIntent = "key"
	IntentStartup RefreshIntent = "startup"
)

// Fetcher fetches one source. Failure is reported as an empty result.
type Fetcher interface {
	FetchPosts(ctx context.Context, source string) []timeline.Post
}

// Filter applies visibility and dedup policy before buffering.
type Filter interface {
	Apply(ctx context.Context, posts []timeline.Post) []timeline.Post
}

// Deps are the coordinator's collaborators.
type Deps struct {
	Fetcher Fetcher
	Filter  Filter                                           // optional
	Merge   func(posts []timeline.Post)                      // apply buffered posts to the visible list
	Refresh func(ctx context.Context, in RefreshIntent) error // full reload, manual refresh only
	Visible func() []timeline.Post                           // what is rendered now
	Loading func() bool                                      // optional
	Log     func(string)                                     // optional
	Events  *otel.Logger                                     // optional
}

// SourceSchedule is one source's polling range.
type SourceSchedule struct {
	Name        string
	PollMin     time.Duration
	PollMax     time.Duration
	MinInterval time.Duration // minimum gap between idle fetches
}

// Config holds coordinator tunables.
type Config struct {
	Sources              []SourceSchedule
	GracePeriod          time.Duration
	AutoMergeDelay       time.Duration
	SettleDelay          time.Duration
	ForegroundMin        time.Duration
	ForegroundMax        time.Duration
	FetchTimeout         time.Duration
	MaxConcurrentFetches int
}

// FromConfig builds a Config from the loaded application config.
func FromConfig(cfg *config.Config) Config {
	out := Config{
		GracePeriod:          cfg.Refresh.GracePeriod.Duration,
		AutoMergeDelay:       cfg.Refresh.AutoMergeDelay.Duration,
		SettleDelay:          cfg.Refresh.SettleDelay.Duration,
		ForegroundMin:        cfg.Refresh.ForegroundMin.Duration,
		ForegroundMax:        cfg.Refresh.ForegroundMax.Duration,
		FetchTimeout:         cfg.Refresh.FetchTimeout.Duration,
		MaxConcurrentFetches: cfg.Refresh.MaxConcurrentFetches,
	}
	for _, s := range cfg.Sources {
		out.Sources = append(out.Sources, SourceSchedule{
			Name:        s.Name,
			PollMin:     s.PollMin.Duration,
			PollMax:     s.PollMax.Duration,
			MinInterval: s.MinInterval.Duration,
		})
	}
	return out
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock overrides time.Now for gate decisions.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithJitter overrides the random draw in [lo, hi].
func WithJitter(fn func(lo, hi time.Duration) time.Duration) Option {
	return func(c *Coordinator) { c.jitter = fn }
}

// Coordinator manages background fetching into a buffer and merging out of it
// for one timeline. Uses context cancellation as the ONLY stop mechanism.
type Coordinator struct {
	cfg     Config
	deps    Deps
	sources map[string]SourceSchedule // IMMUTABLE after New
	now     func() time.Time
	jitter  func(lo, hi time.Duration) time.Duration
	events  *otel.Logger

	parent context.Context
	wg     sync.WaitGroup

	mu              sync.Mutex
	buf             *timeline.Buffer
	shown           bool
	composing       bool
	scrolling       bool
	nearTop         bool
	deepHistory     bool
	lastFetch       map[string]time.Time
	lastInteraction time.Time
	stopLoops       context.CancelFunc
	inflight        map[uint64]context.CancelFunc // opportunistic fetches only
	nextHandle      uint64
	mergeTimer      *time.Timer
	mergeGen        uint64
	visibleSeq      uint64 // bumped whenever the visible list is replaced by us
	subs            map[int]func(timeline.BufferSnapshot)
	nextSub         int
}

// New creates a Coordinator. Call Start before SetVisible.
func New(cfg Config, deps Deps, opts ...Option) *Coordinator {
	if cfg.MaxConcurrentFetches <= 0 {
		cfg.MaxConcurrentFetches = 5
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	if deps.Log == nil {
		deps.Log = func(string) {}
	}
	if deps.Visible == nil {
		deps.Visible = func() []timeline.Post { return nil }
	}

	sources := make(map[string]SourceSchedule, len(cfg.Sources))
	for _, s := range cfg.Sources {
		sources[s.Name] = s
	}
	// Copy so the caller cannot mutate our schedule.
	cfg.Sources = append([]SourceSchedule(nil), cfg.Sources...)

	c := &Coordinator{
		cfg:       cfg,
		deps:      deps,
		sources:   sources,
		now:       time.Now,
		jitter:    randomBetween,
		events:    deps.Events,
		parent:    context.Background(),
		buf:       timeline.NewBuffer(),
		lastFetch: make(map[string]time.Time, len(sources)),
		inflight:  make(map[uint64]context.CancelFunc),
		subs:      make(map[int]func(timeline.BufferSnapshot)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start binds the coordinator to ctx. Cancelling ctx stops every loop,
// in-flight fetch and pending merge.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	c.parent = ctx
	c.mu.Unlock()

	context.AfterFunc(ctx, func() {
		c.mu.Lock()
		c.stopLocked()
		c.mu.Unlock()
	})
}

// Wait blocks until every background goroutine exits.
// Call after cancelling the context passed to Start, or after SetVisible(false).
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// SetVisible starts one polling loop per source, or stops them together
// with any in-flight opportunistic fetch and pending merge.
func (c *Coordinator) SetVisible(visible bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if visible == c.shown {
		return
	}
	c.shown = visible
	if !visible {
		c.stopLocked()
		c.deps.Log("hidden: polling stopped")
		return
	}
	if c.parent.Err() != nil {
		return
	}

	ctx, cancel := context.WithCancel(c.parent)
	c.stopLoops = cancel
	for _, src := range c.cfg.Sources {
		c.wg.Add(1)
		go c.pollLoop(ctx, src)
	}
	c.deps.Log(fmt.Sprintf("visible: polling %d sources", len(c.cfg.Sources)))
}

// stopLocked cancels loops, opportunistic fetches and the pending merge.
func (c *Coordinator) stopLocked() {
	if c.stopLoops != nil {
		c.stopLoops()
		c.stopLoops = nil
	}
	c.cancelInflightLocked()
	c.cancelMergeLocked()
}

// SetComposing marks the reader as writing. Composing cancels the
// in-flight opportunistic fetch.
func (c *Coordinator) SetComposing(composing bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.composing = composing
	if composing {
		c.cancelInflightLocked()
		c.cancelMergeLocked()
		return
	}
	c.maybeScheduleMergeLocked()
}

// OnForegrounded issues one prefetch per source, gated by the longer
// foreground interval rather than the idle loop's timer.
func (c *Coordinator) OnForegrounded() {
	c.mu.Lock()
	ctx := c.parent
	c.mu.Unlock()
	if ctx.Err() != nil {
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.RequestPrefetch(ctx, TriggerForeground)
	}()
}

// ScrollBegan marks the reader as scrolling and cancels the in-flight
// opportunistic fetch.
func (c *Coordinator) ScrollBegan() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.scrolling = true
	c.cancelInflightLocked()
	c.cancelMergeLocked()
}

// ScrollEnded records the interaction and re-evaluates auto-merge.
func (c *Coordinator) ScrollEnded() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.scrolling = false
	c.lastInteraction = c.now()
	c.maybeScheduleMergeLocked()
}

// UpdateScrollState records where the reader is. Deep history suppresses
// idle polling until it is cleared.
func (c *Coordinator) UpdateScrollState(nearTop, deepHistory bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if deepHistory && !c.deepHistory {
		c.deps.Log("deep history: idle polling suppressed")
	}
	c.nearTop = nearTop
	c.deepHistory = deepHistory
	if !nearTop {
		c.cancelMergeLocked()
		return
	}
	c.maybeScheduleMergeLocked()
}

// Snapshot returns the current buffer summary.
func (c *Coordinator) Snapshot() timeline.BufferSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Snapshot()
}

// Subscribe registers fn for every buffer snapshot change. The returned
// func unsubscribes. fn must not block.
func (c *Coordinator) Subscribe(fn func(timeline.BufferSnapshot)) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// publish notifies subscribers. Caller must not hold c.mu.
func (c *Coordinator) publish(snap timeline.BufferSnapshot) {
	c.mu.Lock()
	fns := make([]func(timeline.BufferSnapshot), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}

// registerInflight tracks an opportunistic fetch so scroll, compose and
// hide can cancel it.
func (c *Coordinator) registerInflight(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	id := c.nextHandle
	c.nextHandle++
	c.inflight[id] = cancel
	c.mu.Unlock()

	return ctx, func() {
		c.mu.Lock()
		delete(c.inflight, id)
		c.mu.Unlock()
		cancel()
	}
}

func (c *Coordinator) cancelInflightLocked() {
	for id, cancel := range c.inflight {
		cancel()
		delete(c.inflight, id)
	}
}

// lockWithVisible fetches the visible list and returns with c.mu held,
// retrying if a merge replaced the list in between.
func (c *Coordinator) lockWithVisible() []timeline.Post {
	for attempt := 0; ; attempt++ {
		c.mu.Lock()
		seq := c.visibleSeq
		c.mu.Unlock()

		visible := c.deps.Visible()

		c.mu.Lock()
		if c.visibleSeq == seq || attempt >= 4 {
			return visible
		}
		c.mu.Unlock()
	}
}

func randomBetween(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo+1)
}
