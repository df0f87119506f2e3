package restore

import (
	"context"
	"sync"
	"time"

	"github.com/abelbrown/feedline/internal/otel"
	"github.com/abelbrown/feedline/internal/timeline"
)

const (
	DefaultHistorySize    = 50
	DefaultTemporalWindow = time.Hour
)

// HistoryStore persists snapshot history locally. Failures are best-effort.
type HistoryStore interface {
	LoadHistory(ctx context.Context, timelineID string) ([]Snapshot, error)
	SaveHistory(ctx context.Context, timelineID string, snaps []Snapshot) error
}

// Config holds engine tunables.
type Config struct {
	TimelineID     string
	HistorySize    int
	TemporalWindow time.Duration
	DeviceID       string
}

// Option configures an Engine.
type Option func(*Engine)

// WithStore persists history through s.
func WithStore(s HistoryStore) Option {
	return func(e *Engine) { e.store = s }
}

// WithClock overrides time.Now for snapshot timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithEvents emits restore events to l.
func WithEvents(l *otel.Logger) Option {
	return func(e *Engine) { e.events = l }
}

// Engine resolves anchor ids to list indices and keeps the position history.
// Goroutine-safe.
type Engine struct {
	mu      sync.Mutex // serializes history read-modify-write
	cfg     Config
	history *History
	store   HistoryStore
	events  *otel.Logger
	now     func() time.Time
}

// NewEngine creates an engine with an empty history.
func NewEngine(cfg Config, opts ...Option) *Engine {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	if cfg.TemporalWindow <= 0 {
		cfg.TemporalWindow = DefaultTemporalWindow
	}
	e := &Engine{
		cfg:     cfg,
		history: NewHistory(cfg.HistorySize),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// LoadHistory replaces the in-memory history with what the store holds.
// A missing store is a no-op.
func (e *Engine) LoadHistory(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	snaps, err := e.store.LoadHistory(ctx, e.cfg.TimelineID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.history.Replace(snaps)
	e.mu.Unlock()
	return nil
}

// History returns the engine's snapshot history.
func (e *Engine) History() *History {
	return e.history
}

// Snapshots returns the current history, oldest first.
func (e *Engine) Snapshots() []Snapshot {
	return e.history.Snapshots()
}

// Resolve finds where targetID sits in entries (newest first).
//
//  1. exact id match: that index, offset 0
//  2. the anchor's last known creation time from history: the entry closest
//     in time, accepted only within the temporal window
//  3. the fallback strategy, applied deterministically
//
// Every call appends a snapshot to history.
func (e *Engine) Resolve(entries []timeline.Post, targetID string, strategy FallbackStrategy) Result {
	e.mu.Lock()
	res := e.resolveLocked(entries, targetID, strategy)
	snap := e.snapshotFor(entries, targetID, res, strategy)
	e.history.Append(snap)
	snaps := e.history.Snapshots()
	e.mu.Unlock()

	e.persist(snaps)
	e.events.Emit(otel.Event{
		Level:  otel.LevelInfo,
		Kind:   otel.KindPositionRestore,
		Comp:   "restore",
		Method: string(res.Method),
		Count:  res.Index,
		Extra:  map[string]any{"anchor": targetID, "strategy": string(strategy)},
	})
	return res
}

func (e *Engine) resolveLocked(entries []timeline.Post, targetID string, strategy FallbackStrategy) Result {
	if targetID != "" {
		if i := timeline.IndexOf(entries, targetID); i >= 0 {
			return Result{Index: i, Method: MethodExactMatch}
		}
		if snap, ok := e.history.ForAnchor(targetID); ok && !snap.AnchorTime.IsZero() {
			if i, ok := nearestInTime(entries, snap.AnchorTime, e.cfg.TemporalWindow); ok {
				return Result{Index: i, Method: MethodTemporalProximity}
			}
		}
	}
	return e.fallback(entries, strategy)
}

func (e *Engine) fallback(entries []timeline.Post, strategy FallbackStrategy) Result {
	res := Result{Method: MethodFallback}
	if len(entries) == 0 {
		return res
	}
	switch strategy {
	case NearestContent:
		res.Index = len(entries) / 2
	case OldestPost:
		res.Index = len(entries) - 1
	case LastKnownOffset:
		if snap, ok := e.history.Latest(); ok {
			res.Index = clamp(snap.Index, len(entries))
			res.Offset = snap.Offset
		}
	default: // TopOfTimeline, NewestPost
		res.Index = 0
	}
	return res
}

// nearestInTime returns the entry whose CreatedAt is closest to t, if the gap
// is within window. Ties go to the lower index.
func nearestInTime(entries []timeline.Post, t time.Time, window time.Duration) (int, bool) {
	best, bestGap := -1, time.Duration(0)
	for i, p := range entries {
		gap := p.CreatedAt.Sub(t)
		if gap < 0 {
			gap = -gap
		}
		if gap > window {
			continue
		}
		if best < 0 || gap < bestGap {
			best, bestGap = i, gap
		}
	}
	return best, best >= 0
}

// Record saves an explicit reading position (method manual) and returns the
// snapshot. ok is false when entries is empty.
func (e *Engine) Record(entries []timeline.Post, index int, offset float64) (Snapshot, bool) {
	if len(entries) == 0 {
		return Snapshot{}, false
	}
	index = clamp(index, len(entries))
	p := entries[index]
	snap := Snapshot{
		AnchorID:   p.ID,
		AnchorTime: p.CreatedAt,
		Timestamp:  e.now(),
		Index:      index,
		Offset:     offset,
		Method:     MethodManual,
		DeviceID:   e.cfg.DeviceID,
	}

	e.mu.Lock()
	e.history.Append(snap)
	snaps := e.history.Snapshots()
	e.mu.Unlock()

	e.persist(snaps)
	return snap, true
}

// Merge folds remote snapshots into local history: one entry per anchor,
// newest Timestamp wins. Returns the number of snapshots that were new or
// replaced a local entry.
func (e *Engine) Merge(remote []Snapshot) int {
	if len(remote) == 0 {
		return 0
	}

	e.mu.Lock()
	local := e.history.Snapshots()
	merged := MergeSnapshots(local, remote, e.history.Cap())
	changed := countChanged(local, merged)
	if changed > 0 {
		e.history.Replace(merged)
	}
	e.mu.Unlock()

	if changed > 0 {
		e.persist(merged)
	}
	return changed
}

func countChanged(before, after []Snapshot) int {
	latest := make(map[string]time.Time, len(before))
	for _, s := range before {
		if t, ok := latest[s.AnchorID]; !ok || s.Timestamp.After(t) {
			latest[s.AnchorID] = s.Timestamp
		}
	}
	n := 0
	for _, s := range after {
		if t, ok := latest[s.AnchorID]; !ok || s.Timestamp.After(t) {
			n++
		}
	}
	return n
}

func (e *Engine) snapshotFor(entries []timeline.Post, targetID string, res Result, strategy FallbackStrategy) Snapshot {
	snap := Snapshot{
		AnchorID:  targetID,
		Timestamp: e.now(),
		Index:     res.Index,
		Offset:    res.Offset,
		Method:    res.Method,
		DeviceID:  e.cfg.DeviceID,
	}
	if res.Method == MethodFallback {
		snap.Strategy = strategy
	}
	if res.Index < len(entries) {
		snap.AnchorID = entries[res.Index].ID
		snap.AnchorTime = entries[res.Index].CreatedAt
	}
	return snap
}

func (e *Engine) persist(snaps []Snapshot) {
	if e.store == nil {
		return
	}
	if err := e.store.SaveHistory(context.Background(), e.cfg.TimelineID, snaps); err != nil {
		e.events.Error(otel.KindStoreError, "restore", err)
	}
}

func clamp(i, n int) int {
	if i >= n {
		i = n - 1
	}
	if i < 0 {
		i = 0
	}
	return i
}
