package restore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/abelbrown/feedline/internal/timeline"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// list builds n posts newest first, one minute apart.
func list(n int) []timeline.Post {
	out := make([]timeline.Post, n)
	for i := range out {
		out[i] = timeline.Post{
			ID:        fmt.Sprintf("p%02d", i),
			Source:    "rss",
			CreatedAt: base.Add(-time.Duration(i) * time.Minute),
		}
	}
	return out
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

type memHistoryStore struct {
	mu    sync.Mutex
	saved map[string][]Snapshot
	err   error
}

func newMemHistoryStore() *memHistoryStore {
	return &memHistoryStore{saved: make(map[string][]Snapshot)}
}

func (m *memHistoryStore) LoadHistory(_ context.Context, id string) ([]Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Snapshot(nil), m.saved[id]...), m.err
}

func (m *memHistoryStore) SaveHistory(_ context.Context, id string, snaps []Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.saved[id] = append([]Snapshot(nil), snaps...)
	return nil
}

func TestParseStrategy(t *testing.T) {
	for _, s := range []string{"nearest_content", "top_of_timeline", "last_known_offset", "newest_post", "oldest_post"} {
		if _, err := ParseStrategy(s); err != nil {
			t.Errorf("ParseStrategy(%q): %v", s, err)
		}
	}
	if _, err := ParseStrategy("middle"); !errors.Is(err, ErrUnknownStrategy) {
		t.Errorf("expected ErrUnknownStrategy, got %v", err)
	}
}

func TestResolveExactMatchIsDeterministic(t *testing.T) {
	e := NewEngine(Config{})
	entries := list(20)

	for _, strategy := range []FallbackStrategy{NearestContent, TopOfTimeline, LastKnownOffset, NewestPost, OldestPost} {
		for i := 0; i < 3; i++ {
			res := e.Resolve(entries, "p07", strategy)
			if res.Index != 7 || res.Offset != 0 || res.Method != MethodExactMatch {
				t.Fatalf("strategy %s: expected exact match at 7, got %+v", strategy, res)
			}
		}
	}
}

func TestResolveTemporalProximity(t *testing.T) {
	e := NewEngine(Config{TemporalWindow: time.Hour})

	// The reader was on a post that has since dropped out of the list.
	gone := timeline.Post{ID: "gone", CreatedAt: base.Add(-10*time.Minute - 20*time.Second)}
	if _, ok := e.Record([]timeline.Post{gone}, 0, 12); !ok {
		t.Fatal("Record failed")
	}

	res := e.Resolve(list(30), "gone", TopOfTimeline)
	if res.Method != MethodTemporalProximity {
		t.Fatalf("expected temporal match, got %+v", res)
	}
	if res.Index != 10 {
		t.Errorf("expected nearest post p10, got index %d", res.Index)
	}
}

func TestResolveTemporalWindowIsBounded(t *testing.T) {
	e := NewEngine(Config{TemporalWindow: 30 * time.Minute})

	// Anchor two hours older than anything in the list.
	gone := timeline.Post{ID: "gone", CreatedAt: base.Add(-2 * time.Hour)}
	e.Record([]timeline.Post{gone}, 0, 0)

	entries := list(10) // spans base-9m..base
	res := e.Resolve(entries, "gone", OldestPost)
	if res.Method != MethodFallback {
		t.Fatalf("expected fallback outside window, got %+v", res)
	}
	if res.Index != len(entries)-1 {
		t.Errorf("oldest_post should land on last index, got %d", res.Index)
	}
}

func TestResolveFallbackStrategies(t *testing.T) {
	entries := list(9)
	tests := []struct {
		strategy FallbackStrategy
		want     int
	}{
		{NearestContent, 4},
		{TopOfTimeline, 0},
		{NewestPost, 0},
		{OldestPost, 8},
	}
	for _, tt := range tests {
		t.Run(string(tt.strategy), func(t *testing.T) {
			e := NewEngine(Config{})
			res := e.Resolve(entries, "missing", tt.strategy)
			if res.Method != MethodFallback || res.Index != tt.want {
				t.Errorf("expected fallback at %d, got %+v", tt.want, res)
			}
		})
	}
}

func TestResolveLastKnownOffset(t *testing.T) {
	e := NewEngine(Config{})

	e.Record(list(40), 25, 33.5)

	res := e.Resolve(list(10), "missing", LastKnownOffset)
	if res.Method != MethodFallback {
		t.Fatalf("expected fallback, got %+v", res)
	}
	if res.Index != 9 || res.Offset != 33.5 {
		t.Errorf("expected clamped index 9 offset 33.5, got %+v", res)
	}

	fresh := NewEngine(Config{})
	if res := fresh.Resolve(list(10), "missing", LastKnownOffset); res.Index != 0 || res.Offset != 0 {
		t.Errorf("no history should fall to top, got %+v", res)
	}
}

func TestResolveEmptyList(t *testing.T) {
	e := NewEngine(Config{})
	res := e.Resolve(nil, "p01", NearestContent)
	if res.Index != 0 || res.Method != MethodFallback {
		t.Errorf("unexpected %+v", res)
	}
	if e.History().Len() != 1 {
		t.Errorf("resolution should still be recorded")
	}
}

func TestHistoryIsBounded(t *testing.T) {
	e := NewEngine(Config{HistorySize: 5})
	entries := list(20)
	for i := 0; i < 12; i++ {
		e.Resolve(entries, fmt.Sprintf("p%02d", i), TopOfTimeline)
	}
	snaps := e.Snapshots()
	if len(snaps) != 5 {
		t.Fatalf("expected 5 snapshots, got %d", len(snaps))
	}
	if snaps[0].AnchorID != "p07" || snaps[4].AnchorID != "p11" {
		t.Errorf("oldest should be evicted first: %s..%s", snaps[0].AnchorID, snaps[4].AnchorID)
	}
}

func TestResolveRecordsMethodAndAnchor(t *testing.T) {
	clock := &fakeClock{t: base}
	e := NewEngine(Config{DeviceID: "laptop"}, WithClock(clock.now))

	e.Resolve(list(5), "nope", OldestPost)
	snap, ok := e.History().Latest()
	if !ok {
		t.Fatal("no snapshot")
	}
	if snap.AnchorID != "p04" || snap.Method != MethodFallback || snap.Strategy != OldestPost {
		t.Errorf("unexpected snapshot %+v", snap)
	}
	if snap.DeviceID != "laptop" || !snap.Timestamp.Equal(base.Add(time.Second)) {
		t.Errorf("unexpected stamp %+v", snap)
	}
}

func TestMergeLastWriteWins(t *testing.T) {
	clock := &fakeClock{t: base}
	e := NewEngine(Config{}, WithClock(clock.now))
	entries := list(5)
	e.Record(entries, 1, 0) // p01 @ base+1s
	e.Record(entries, 2, 0) // p02 @ base+2s

	remote := []Snapshot{
		{AnchorID: "p01", Timestamp: base.Add(time.Hour), Offset: 99, Method: MethodManual, DeviceID: "phone"},
		{AnchorID: "p02", Timestamp: base, Offset: 50, Method: MethodManual, DeviceID: "phone"},
		{AnchorID: "p03", Timestamp: base.Add(time.Minute), Method: MethodManual, DeviceID: "phone"},
	}
	if n := e.Merge(remote); n != 2 {
		t.Errorf("expected 2 changes (p01 newer, p03 new), got %d", n)
	}

	got := make(map[string]Snapshot)
	for _, s := range e.Snapshots() {
		got[s.AnchorID] = s
	}
	if len(got) != 3 {
		t.Fatalf("expected one entry per anchor, got %v", got)
	}
	if got["p01"].DeviceID != "phone" || got["p01"].Offset != 99 {
		t.Errorf("newer remote p01 should win: %+v", got["p01"])
	}
	if got["p02"].DeviceID != "" {
		t.Errorf("newer local p02 should win: %+v", got["p02"])
	}

	if n := e.Merge(remote); n != 0 {
		t.Errorf("re-merging the same data should change nothing, got %d", n)
	}
}

func TestMergeSnapshotsSortedAndTrimmed(t *testing.T) {
	var remote []Snapshot
	for i := 0; i < 6; i++ {
		remote = append(remote, Snapshot{AnchorID: fmt.Sprintf("r%d", i), Timestamp: base.Add(time.Duration(i) * time.Minute)})
	}
	out := MergeSnapshots(nil, remote, 4)
	if len(out) != 4 {
		t.Fatalf("expected 4, got %d", len(out))
	}
	if out[0].AnchorID != "r2" || out[3].AnchorID != "r5" {
		t.Errorf("expected newest 4 oldest first, got %v..%v", out[0].AnchorID, out[3].AnchorID)
	}
}

func TestEnginePersistsHistory(t *testing.T) {
	store := newMemHistoryStore()
	e := NewEngine(Config{TimelineID: "home"}, WithStore(store))
	e.Record(list(3), 2, 5)
	e.Resolve(list(3), "p00", TopOfTimeline)

	again := NewEngine(Config{TimelineID: "home"}, WithStore(store))
	if err := again.LoadHistory(context.Background()); err != nil {
		t.Fatalf("LoadHistory: %v", err)
	}
	if again.History().Len() != 2 {
		t.Errorf("expected 2 restored snapshots, got %d", again.History().Len())
	}
}

func TestEngineStoreFailureIsIgnored(t *testing.T) {
	store := newMemHistoryStore()
	store.err = errors.New("disk full")
	e := NewEngine(Config{}, WithStore(store))

	res := e.Resolve(list(3), "p01", TopOfTimeline)
	if res.Index != 1 {
		t.Errorf("resolution should not depend on persistence, got %+v", res)
	}
	if err := e.LoadHistory(context.Background()); err == nil {
		t.Error("LoadHistory should surface the store error")
	}
}

func TestEngineConcurrentUse(t *testing.T) {
	e := NewEngine(Config{HistorySize: 16})
	entries := list(10)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				e.Resolve(entries, fmt.Sprintf("p%02d", (i+j)%10), NearestContent)
				e.Record(entries, j%10, float64(j))
				e.Merge([]Snapshot{{AnchorID: "x", Timestamp: base.Add(time.Duration(j) * time.Second)}})
			}
		}(i)
	}
	wg.Wait()
	if e.History().Len() > 16 {
		t.Errorf("history exceeded capacity: %d", e.History().Len())
	}
}
