package position

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/abelbrown/feedline/internal/config"
	"github.com/abelbrown/feedline/internal/logging"
	"github.com/abelbrown/feedline/internal/otel"
	"github.com/abelbrown/feedline/internal/restore"
	"github.com/abelbrown/feedline/internal/timeline"
)

// ErrLoadInProgress is returned by Load and Refresh while another load runs.
var ErrLoadInProgress = errors.New("load already in progress")

const persistTimeout = 5 * time.Second

// PostSource is the source of truth for the visible list.
type PostSource interface {
	Posts(ctx context.Context, limit int) ([]timeline.Post, error)
}

// PostWriter is implemented by sources that accept merged posts.
type PostWriter interface {
	SavePosts(ctx context.Context, posts []timeline.Post) (int, error)
}

// Persistence stores the anchor, read set and session bookkeeping per timeline.
type Persistence interface {
	Anchor(ctx context.Context, timelineID string) (timeline.Anchor, bool, error)
	SaveAnchor(ctx context.Context, timelineID string, a timeline.Anchor) error
	ReadIDs(ctx context.Context, timelineID string) (map[string]struct{}, error)
	MarkRead(ctx context.Context, timelineID string, ids ...string) error
	SessionMeta(ctx context.Context, timelineID string) (timeline.SessionMeta, error)
	SaveSessionMeta(ctx context.Context, timelineID string, m timeline.SessionMeta) error
}

// Config holds feature toggles. It is fixed for the controller's lifetime.
type Config struct {
	TimelineID       string
	Persistence      bool
	SmartRestoration bool
	UnreadTracking   bool
	FallbackStrategy restore.FallbackStrategy
	ItemLimit        int
}

// FromConfig builds a Config from the loaded application config.
func FromConfig(cfg *config.Config) (Config, error) {
	strategy, err := restore.ParseStrategy(cfg.Position.FallbackStrategy)
	if err != nil {
		return Config{}, err
	}
	return Config{
		TimelineID:       cfg.Position.TimelineID,
		Persistence:      cfg.Position.Persistence,
		SmartRestoration: cfg.Position.SmartRestoration,
		UnreadTracking:   cfg.Position.UnreadTracking,
		FallbackStrategy: strategy,
		ItemLimit:        cfg.UI.ItemLimit,
	}, nil
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithEvents reports loads, restores and persistence failures to l.
func WithEvents(l *otel.Logger) Option {
	return func(c *Controller) { c.events = l }
}

// Controller owns one timeline's visible list.
//
// Every mutation computes a complete new State and swaps it in with a
// single pointer store. I/O happens outside mu.
type Controller struct {
	cfg     Config
	src     PostSource
	persist Persistence // nil disables persistence
	engine  *restore.Engine
	now     func() time.Time
	events  *otel.Logger

	state   atomic.Pointer[State]
	loading atomic.Bool

	mu     sync.Mutex // serializes compute-and-swap
	unread *UnreadTracker
	primed bool
	// sessionSaved is set once the timeline has a persisted session row,
	// or when reading it failed and it must not be overwritten.
	sessionSaved bool

	subMu   sync.Mutex
	subs    map[int]func(State)
	nextSub int
}

// New creates a Controller. persist and engine may be nil.
func New(cfg Config, src PostSource, persist Persistence, engine *restore.Engine, opts ...Option) *Controller {
	if cfg.TimelineID == "" {
		cfg.TimelineID = config.DefaultTimelineID
	}
	if cfg.ItemLimit <= 0 {
		cfg.ItemLimit = config.DefaultItemLimit
	}
	if cfg.FallbackStrategy == "" {
		cfg.FallbackStrategy = restore.TopOfTimeline
	}
	if !cfg.Persistence {
		persist = nil
	}

	c := &Controller{
		cfg:     cfg,
		src:     src,
		persist: persist,
		engine:  engine,
		now:     time.Now,
		unread:  NewUnreadTracker(cfg.UnreadTracking),
		subs:    make(map[int]func(State)),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.state.Store(&State{Position: timeline.Top()})
	return c
}

// State returns the current state.
func (c *Controller) State() State {
	return *c.state.Load()
}

// Visible returns the loaded posts, newest first.
func (c *Controller) Visible() []timeline.Post {
	return c.state.Load().Posts
}

// Loading reports whether a load is running.
func (c *Controller) Loading() bool {
	return c.loading.Load()
}

// Subscribe registers fn for every state replacement. The returned func
// unsubscribes. fn must not block.
func (c *Controller) Subscribe(fn func(State)) func() {
	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.subMu.Unlock()

	return func() {
		c.subMu.Lock()
		delete(c.subs, id)
		c.subMu.Unlock()
	}
}

// swapLocked installs next and returns it for publishing. Caller holds c.mu.
func (c *Controller) swapLocked(next State) State {
	c.state.Store(&next)
	return next
}

func (c *Controller) publish(s State) {
	c.subMu.Lock()
	fns := make([]func(State), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.subMu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
}

// Load fetches the authoritative list and publishes it. The first
// successful load restores the saved anchor; later loads keep the live
// position. On failure the list is emptied, the state is still marked
// initialized, and the error is returned.
func (c *Controller) Load(ctx context.Context) error {
	if !c.loading.CompareAndSwap(false, true) {
		return ErrLoadInProgress
	}
	defer c.loading.Store(false)

	return c.load(ctx, "")
}

// Refresh reloads and, if the reader was away from the top, re-resolves
// the post they were looking at.
func (c *Controller) Refresh(ctx context.Context) error {
	if !c.loading.CompareAndSwap(false, true) {
		return ErrLoadInProgress
	}
	defer c.loading.Store(false)

	prev := c.State()
	follow := ""
	if !prev.Position.Top {
		follow = prev.AnchorID()
	}
	return c.load(ctx, follow)
}

// load does the work of Load and Refresh. follow, when set, is re-resolved
// through the restore engine after the reload.
func (c *Controller) load(ctx context.Context, follow string) error {
	start := c.now()
	c.prime(ctx)

	posts, err := c.src.Posts(ctx, c.cfg.ItemLimit)
	if err != nil {
		c.mu.Lock()
		prev := c.State()
		next := c.swapLocked(State{
			Position:    timeline.Top(),
			Initialized: true,
			Loaded:      prev.Loaded,
		})
		c.mu.Unlock()

		c.events.Emit(otel.Event{Level: otel.LevelError, Kind: otel.KindPositionLoad, Comp: "position",
			Err: err.Error(), Dur: c.now().Sub(start)})
		c.publish(next)
		return fmt.Errorf("load posts: %w", err)
	}

	// Anchor lookups happen before taking the lock.
	var saved timeline.Anchor
	var haveSaved bool
	if !c.State().Loaded {
		saved, haveSaved = c.savedAnchor(ctx)
	}

	c.mu.Lock()
	prev := c.State()
	first := !prev.Loaded
	entries := c.unread.Derive(posts, c.now())

	saveMeta := first && !c.sessionSaved
	if saveMeta {
		c.sessionSaved = true
	}

	var pos timeline.ScrollPosition
	var method restore.Method
	switch {
	case first:
		pos, method = c.restoreLocked(posts, saved, haveSaved)
	case follow != "":
		pos, method = c.followLocked(posts, follow, prev.Position.Offset)
	default:
		pos = keep(prev.Position, len(posts))
	}

	next := c.swapLocked(State{
		Posts:       posts,
		Entries:     entries,
		Position:    pos,
		UnreadCount: UnreadCount(entries),
		Initialized: true,
		Loaded:      true,
	})
	c.mu.Unlock()

	if saveMeta {
		c.saveSessionMeta(ctx, c.now())
	}
	c.events.Emit(otel.Event{Level: otel.LevelInfo, Kind: otel.KindPositionLoad, Comp: "position",
		Count: len(posts), Dur: c.now().Sub(start)})
	if method != "" {
		c.events.Emit(otel.Event{Level: otel.LevelInfo, Kind: otel.KindPositionRestore, Comp: "position",
			Method: string(method), Count: pos.Index})
	}
	c.publish(next)
	return nil
}

// prime runs once per controller. It resumes the persisted session, if
// any, and seeds the read set.
func (c *Controller) prime(ctx context.Context) {
	c.mu.Lock()
	done := c.primed
	c.primed = true
	c.mu.Unlock()
	if done || c.persist == nil {
		return
	}

	meta, metaErr := c.persist.SessionMeta(ctx, c.cfg.TimelineID)
	if metaErr != nil {
		c.persistFailed("session meta", metaErr)
	}
	var ids map[string]struct{}
	if c.cfg.UnreadTracking {
		var err error
		if ids, err = c.persist.ReadIDs(ctx, c.cfg.TimelineID); err != nil {
			c.persistFailed("read ids", err)
		}
	}

	c.mu.Lock()
	c.sessionSaved = meta.Initialized || metaErr != nil
	if meta.Initialized && !meta.LastVisit.IsZero() {
		c.unread.Resume(meta.LastVisit)
	}
	c.unread.Seed(ids)
	c.mu.Unlock()
}

func (c *Controller) savedAnchor(ctx context.Context) (timeline.Anchor, bool) {
	if c.persist == nil {
		return timeline.Anchor{}, false
	}
	a, ok, err := c.persist.Anchor(ctx, c.cfg.TimelineID)
	if err != nil {
		c.persistFailed("anchor", err)
		return timeline.Anchor{}, false
	}
	return a, ok && a.PostID != ""
}

// restoreLocked resolves the saved anchor on the first load.
func (c *Controller) restoreLocked(posts []timeline.Post, saved timeline.Anchor, ok bool) (timeline.ScrollPosition, restore.Method) {
	if !ok || len(posts) == 0 {
		return timeline.Top(), ""
	}
	if !c.cfg.SmartRestoration || c.engine == nil {
		if i := timeline.IndexOf(posts, saved.PostID); i >= 0 {
			return timeline.At(i, saved.Offset), restore.MethodExactMatch
		}
		return timeline.Top(), ""
	}

	res := c.engine.Resolve(posts, saved.PostID, c.cfg.FallbackStrategy)
	offset := res.Offset
	if res.Method == restore.MethodExactMatch {
		// The saved offset is relative to the anchor post itself.
		offset = saved.Offset
	}
	return timeline.At(res.Index, offset), res.Method
}

// followLocked re-finds id after a reload.
func (c *Controller) followLocked(posts []timeline.Post, id string, offset float64) (timeline.ScrollPosition, restore.Method) {
	if len(posts) == 0 {
		return timeline.Top(), ""
	}
	if c.engine == nil || !c.cfg.SmartRestoration {
		if i := timeline.IndexOf(posts, id); i >= 0 {
			return timeline.At(i, offset), restore.MethodExactMatch
		}
		return timeline.Top(), ""
	}
	res := c.engine.Resolve(posts, id, c.cfg.FallbackStrategy)
	if res.Method == restore.MethodExactMatch {
		return timeline.At(res.Index, offset), res.Method
	}
	return timeline.At(res.Index, res.Offset), res.Method
}

// keep clamps a live position to a list of n posts.
func keep(p timeline.ScrollPosition, n int) timeline.ScrollPosition {
	if p.Top || n == 0 {
		return timeline.Top()
	}
	return timeline.At(clamp(p.Index, n), p.Offset)
}

// MergePosts applies buffered posts to the visible list, keeping the
// reader on the same post when they are away from the top. Posts are
// written through to the source when it accepts writes.
func (c *Controller) MergePosts(posts []timeline.Post) {
	if len(posts) == 0 {
		return
	}
	if w, ok := c.src.(PostWriter); ok {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		if _, err := w.SavePosts(ctx, posts); err != nil {
			c.persistFailed("save merged posts", err)
		}
		cancel()
	}

	c.mu.Lock()
	prev := c.State()
	anchor := prev.AnchorID()

	seen := make(map[string]struct{}, len(prev.Posts)+len(posts))
	merged := make([]timeline.Post, 0, len(prev.Posts)+len(posts))
	for _, list := range [][]timeline.Post{posts, prev.Posts} {
		for _, p := range list {
			if _, dup := seen[p.ID]; dup {
				continue
			}
			seen[p.ID] = struct{}{}
			merged = append(merged, p)
		}
	}
	timeline.SortNewestFirst(merged)
	if len(merged) > c.cfg.ItemLimit {
		merged = merged[:c.cfg.ItemLimit]
	}

	pos := timeline.Top()
	if !prev.Position.Top && anchor != "" {
		if i := timeline.IndexOf(merged, anchor); i >= 0 {
			pos = timeline.At(i, prev.Position.Offset)
		} else {
			pos = keep(prev.Position, len(merged))
		}
	}

	entries := c.unread.Derive(merged, c.now())
	next := c.swapLocked(State{
		Posts:       merged,
		Entries:     entries,
		Position:    pos,
		UnreadCount: UnreadCount(entries),
		Initialized: true,
		Loaded:      prev.Loaded,
	})
	c.mu.Unlock()

	c.publish(next)
}

// MarkRead marks one post read. No-op if it already is.
func (c *Controller) MarkRead(id string) {
	c.mu.Lock()
	if !c.unread.MarkRead(id) {
		c.mu.Unlock()
		return
	}
	prev := c.State()
	entries := c.unread.Restamp(prev.Entries, false)
	next := prev
	next.Entries = entries
	next.UnreadCount = UnreadCount(entries)
	next = c.swapLocked(next)
	c.mu.Unlock()

	c.publish(next)
	c.persistRead(id)
}

// ClearAllUnread marks every loaded post read and not new.
func (c *Controller) ClearAllUnread() {
	c.mu.Lock()
	prev := c.State()
	changed := c.unread.ClearAll(prev.Posts, c.now())
	entries := c.unread.Restamp(prev.Entries, true)
	next := prev
	next.Entries = entries
	next.UnreadCount = UnreadCount(entries)
	next = c.swapLocked(next)
	c.mu.Unlock()

	c.publish(next)
	c.persistRead(changed...)

	if c.persist != nil && c.cfg.UnreadTracking && next.Loaded {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		c.saveSessionMeta(ctx, c.now())
		cancel()
	}
}

// EndSession records now as the last visit. The next session flags posts
// created after it as new. No-op before the first successful load.
func (c *Controller) EndSession(ctx context.Context) {
	if c.persist == nil || !c.State().Loaded {
		return
	}
	c.saveSessionMeta(ctx, c.now())
}

// SaveScrollPosition records where the reader is. The post id at index is
// persisted, not the index, since merges shift indices.
func (c *Controller) SaveScrollPosition(index int, offset float64) {
	c.mu.Lock()
	prev := c.State()
	next := prev
	next.Position = keep(timeline.At(index, offset), len(prev.Posts))
	next = c.swapLocked(next)
	c.mu.Unlock()

	c.publish(next)

	if len(prev.Posts) == 0 {
		return
	}
	if c.engine != nil {
		c.engine.Record(prev.Posts, index, offset)
	}
	if c.persist == nil {
		return
	}

	i := clamp(index, len(prev.Posts))
	a := timeline.Anchor{PostID: prev.Posts[i].ID, Index: i, Offset: offset, SavedAt: c.now()}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := c.persist.SaveAnchor(ctx, c.cfg.TimelineID, a); err != nil {
		c.persistFailed("save anchor", err)
		return
	}
	c.events.Emit(otel.Event{Level: otel.LevelDebug, Kind: otel.KindPositionSave, Comp: "position",
		Count: i, Msg: a.PostID})
}

func (c *Controller) persistRead(ids ...string) {
	if c.persist == nil || len(ids) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := c.persist.MarkRead(ctx, c.cfg.TimelineID, ids...); err != nil {
		c.persistFailed("mark read", err)
	}
}

func (c *Controller) saveSessionMeta(ctx context.Context, lastVisit time.Time) {
	if c.persist == nil {
		return
	}
	meta := timeline.SessionMeta{Initialized: true, LastVisit: lastVisit}
	if err := c.persist.SaveSessionMeta(ctx, c.cfg.TimelineID, meta); err != nil {
		c.persistFailed("session meta", err)
	}
}

// persistFailed logs and otherwise ignores a storage error.
func (c *Controller) persistFailed(op string, err error) {
	logging.Warn("position: persist failed", "op", op, "timeline", c.cfg.TimelineID, "err", err)
	c.events.Emit(otel.Event{Level: otel.LevelWarn, Kind: otel.KindStoreError, Comp: "position",
		Reason: op, Err: err.Error()})
}
