package coord

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/abelbrown/feedline/internal/timeline"
)

var base = time.Date(2026, 5, 4, 18, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

// mockFetcher implements Fetcher for testing. When block is set, fetches
// wait on it (or on ctx) before returning.
type mockFetcher struct {
	mu      sync.Mutex
	posts   map[string][]timeline.Post
	calls   map[string]int
	block   chan struct{}
	started chan string
}

func newMockFetcher() *mockFetcher {
	return &mockFetcher{
		posts: map[string][]timeline.Post{
			"A": {post("a1", "A", 1), post("a2", "A", 2)},
			"B": {post("b1", "B", 3)},
		},
		calls: make(map[string]int),
	}
}

func (m *mockFetcher) FetchPosts(ctx context.Context, source string) []timeline.Post {
	m.mu.Lock()
	m.calls[source]++
	posts := m.posts[source]
	block, started := m.block, m.started
	m.mu.Unlock()

	if started != nil {
		started <- source
	}
	if block != nil {
		select {
		case <-ctx.Done():
			return nil
		case <-block:
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	return posts
}

func (m *mockFetcher) callCount(source string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[source]
}

// visibleList stands in for the rendered list.
type visibleList struct {
	mu     sync.Mutex
	posts  []timeline.Post
	merges int
}

func (v *visibleList) Merge(posts []timeline.Post) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.merges++
	v.posts = append(v.posts, posts...)
	timeline.SortNewestFirst(v.posts)
}

func (v *visibleList) Visible() []timeline.Post {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]timeline.Post(nil), v.posts...)
}

func (v *visibleList) mergeCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.merges
}

func post(id, source string, minutesAgo int) timeline.Post {
	return timeline.Post{ID: id, Source: source, CreatedAt: base.Add(-time.Duration(minutesAgo) * time.Minute)}
}

func testConfig() Config {
	return Config{
		Sources: []SourceSchedule{
			{Name: "A", PollMin: time.Hour, PollMax: time.Hour, MinInterval: 5 * time.Minute},
			{Name: "B", PollMin: time.Hour, PollMax: time.Hour, MinInterval: 5 * time.Minute},
		},
		GracePeriod:    10 * time.Second,
		AutoMergeDelay: time.Hour,
		SettleDelay:    time.Millisecond,
		ForegroundMin:  10 * time.Minute,
		ForegroundMax:  15 * time.Minute,
		FetchTimeout:   5 * time.Second,
	}
}

type harness struct {
	c       *Coordinator
	clock   *fakeClock
	fetcher *mockFetcher
	vis     *visibleList
}

func newHarness(t *testing.T, cfg Config, mutate func(*Deps)) *harness {
	t.Helper()
	h := &harness{
		clock:   &fakeClock{t: base},
		fetcher: newMockFetcher(),
		vis:     &visibleList{},
	}
	deps := Deps{
		Fetcher: h.fetcher,
		Merge:   h.vis.Merge,
		Visible: h.vis.Visible,
	}
	if mutate != nil {
		mutate(&deps)
	}
	h.c = New(cfg, deps,
		WithClock(h.clock.Now),
		WithJitter(func(lo, hi time.Duration) time.Duration { return lo }),
	)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		h.c.Wait()
	})
	h.c.Start(ctx)
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPrefetchBuffersNewPosts(t *testing.T) {
	h := newHarness(t, testConfig(), nil)

	if got := h.c.RequestPrefetch(context.Background(), TriggerIdle); got != 3 {
		t.Fatalf("expected 3 buffered, got %d", got)
	}
	snap := h.c.Snapshot()
	if snap.Earliest != base.Add(-3*time.Minute) {
		t.Errorf("earliest = %v", snap.Earliest)
	}
	if len(snap.Sources) != 2 || snap.Sources[0] != "A" || snap.Sources[1] != "B" {
		t.Errorf("sources = %v", snap.Sources)
	}

	items := h.c.Buffered()
	want := []string{"a1", "a2", "b1"}
	for i, id := range want {
		if items[i].ID != id {
			t.Errorf("position %d: want %s, got %s", i, id, items[i].ID)
		}
	}
	if len(h.vis.Visible()) != 0 {
		t.Error("prefetch must not touch the visible list")
	}
}

func TestPrefetchSkipsVisiblePosts(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.vis.posts = []timeline.Post{post("a1", "A", 1)}

	if got := h.c.RequestPrefetch(context.Background(), TriggerIdle); got != 2 {
		t.Fatalf("expected 2 buffered, got %d", got)
	}
	for _, p := range h.c.Buffered() {
		if p.ID == "a1" {
			t.Error("visible post was buffered")
		}
	}
}

func TestScrollBeganCancelsInflightFetch(t *testing.T) {
	cfg := testConfig()
	cfg.Sources = cfg.Sources[:1]
	h := newHarness(t, cfg, nil)
	h.fetcher.block = make(chan struct{})
	h.fetcher.started = make(chan string, 1)

	done := make(chan int)
	go func() { done <- h.c.RequestPrefetch(context.Background(), TriggerIdle) }()

	<-h.fetcher.started
	h.c.ScrollBegan()

	select {
	case got := <-done:
		if got != 0 {
			t.Errorf("expected empty buffer, got %d", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("fetch was not cancelled")
	}
	if len(h.vis.Visible()) != 0 || h.c.Snapshot().Count != 0 {
		t.Error("cancelled fetch mutated state")
	}
}

func TestCancelledFetchKeepsMinIntervalOpen(t *testing.T) {
	cfg := testConfig()
	cfg.Sources = cfg.Sources[:1]
	h := newHarness(t, cfg, nil)
	h.fetcher.block = make(chan struct{})
	h.fetcher.started = make(chan string, 1)

	done := make(chan int)
	go func() { done <- h.c.RequestPrefetch(context.Background(), TriggerIdle) }()
	<-h.fetcher.started
	h.c.ScrollBegan()
	<-done
	h.c.ScrollEnded()

	if !h.c.LastFetch("A").IsZero() {
		t.Errorf("cancelled fetch kept its stamp: %v", h.c.LastFetch("A"))
	}

	h.fetcher.mu.Lock()
	h.fetcher.block, h.fetcher.started = nil, nil
	h.fetcher.mu.Unlock()

	// Past the grace period but well inside the 5m min interval.
	h.clock.Advance(11 * time.Second)
	if got := h.c.RequestPrefetch(context.Background(), TriggerIdle); got != 2 {
		t.Fatalf("next idle fetch buffered %d, want 2", got)
	}
	if got := h.fetcher.callCount("A"); got != 2 {
		t.Errorf("fetch calls = %d, want 2", got)
	}
}

func TestComposingCancelsInflightFetch(t *testing.T) {
	cfg := testConfig()
	cfg.Sources = cfg.Sources[:1]
	h := newHarness(t, cfg, nil)
	h.fetcher.block = make(chan struct{})
	h.fetcher.started = make(chan string, 1)

	done := make(chan int)
	go func() { done <- h.c.RequestPrefetch(context.Background(), TriggerIdle) }()

	<-h.fetcher.started
	h.c.SetComposing(true)

	select {
	case got := <-done:
		if got != 0 {
			t.Errorf("expected empty buffer, got %d", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("fetch was not cancelled")
	}
}

func TestInteractionDuringFetchDiscardsResult(t *testing.T) {
	cfg := testConfig()
	cfg.Sources = cfg.Sources[:1]
	h := newHarness(t, cfg, nil)
	h.fetcher.block = make(chan struct{})
	h.fetcher.started = make(chan string, 1)

	done := make(chan int)
	go func() { done <- h.c.RequestPrefetch(context.Background(), TriggerIdle) }()

	<-h.fetcher.started
	// An interaction that does not cancel: the result must still be dropped.
	h.c.ScrollEnded()
	close(h.fetcher.block)

	if got := <-done; got != 0 {
		t.Errorf("expected result discarded, got %d buffered", got)
	}
}

func TestGracePeriodAfterScroll(t *testing.T) {
	h := newHarness(t, testConfig(), nil)

	h.c.ScrollBegan()
	h.c.ScrollEnded()

	if got := h.c.RequestPrefetch(context.Background(), TriggerIdle); got != 0 {
		t.Fatalf("fetch inside grace period buffered %d", got)
	}
	if h.fetcher.callCount("A") != 0 {
		t.Error("fetcher called inside grace period")
	}

	h.clock.Advance(11 * time.Second)
	if got := h.c.RequestPrefetch(context.Background(), TriggerIdle); got != 3 {
		t.Fatalf("expected 3 after grace period, got %d", got)
	}
}

func TestFetchGates(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(h *harness)
		trigger Trigger
		loading bool
	}{
		{"composing", func(h *harness) { h.c.SetComposing(true) }, TriggerIdle, false},
		{"scrolling", func(h *harness) { h.c.ScrollBegan() }, TriggerForeground, false},
		{"loading", func(h *harness) {}, TriggerIdle, true},
		{"deep history", func(h *harness) { h.c.UpdateScrollState(false, true) }, TriggerIdle, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, testConfig(), func(d *Deps) {
				d.Loading = func() bool { return tt.loading }
			})
			tt.setup(h)
			if got := h.c.RequestPrefetch(context.Background(), tt.trigger); got != 0 {
				t.Errorf("expected skip, buffered %d", got)
			}
			if h.fetcher.callCount("A")+h.fetcher.callCount("B") != 0 {
				t.Error("fetcher should not be called")
			}
		})
	}
}

func TestDeepHistoryAllowsForeground(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.c.UpdateScrollState(false, true)

	if got := h.c.RequestPrefetch(context.Background(), TriggerForeground); got != 3 {
		t.Errorf("foreground fetch in deep history: expected 3, got %d", got)
	}
}

func TestMinInterval(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	ctx := context.Background()

	h.c.RequestPrefetch(ctx, TriggerIdle)
	h.c.RequestPrefetch(ctx, TriggerIdle)
	if got := h.fetcher.callCount("A"); got != 1 {
		t.Fatalf("expected 1 fetch inside min interval, got %d", got)
	}

	h.clock.Advance(6 * time.Minute)
	// Idle interval has passed; the longer foreground interval has not.
	h.c.RequestPrefetch(ctx, TriggerForeground)
	if got := h.fetcher.callCount("A"); got != 1 {
		t.Fatalf("foreground fetch should wait %v, got %d fetches", 10*time.Minute, got)
	}
	h.c.RequestPrefetch(ctx, TriggerIdle)
	if got := h.fetcher.callCount("A"); got != 2 {
		t.Fatalf("expected idle fetch after interval, got %d", got)
	}
	if !h.c.LastFetch("A").Equal(h.clock.Now()) {
		t.Errorf("LastFetch = %v", h.c.LastFetch("A"))
	}
}

func TestSourcesGatedIndependently(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	ctx := context.Background()

	h.c.RequestPrefetch(ctx, TriggerIdle, "A")
	h.clock.Advance(time.Minute)
	h.c.RequestPrefetch(ctx, TriggerIdle)

	if got := h.fetcher.callCount("A"); got != 1 {
		t.Errorf("A fetched %d times, want 1", got)
	}
	if got := h.fetcher.callCount("B"); got != 1 {
		t.Errorf("B fetched %d times, want 1", got)
	}
}

func TestOnForegrounded(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.c.OnForegrounded()
	waitFor(t, "foreground prefetch", func() bool { return h.c.Snapshot().Count == 3 })
}

func TestAutoMergeDebounced(t *testing.T) {
	cfg := testConfig()
	cfg.AutoMergeDelay = 50 * time.Millisecond
	h := newHarness(t, cfg, nil)
	h.c.UpdateScrollState(true, false)

	ctx := context.Background()
	h.c.RequestPrefetch(ctx, TriggerIdle, "A")
	h.c.RequestPrefetch(ctx, TriggerIdle, "B")

	waitFor(t, "auto-merge", func() bool { return h.vis.mergeCount() > 0 })
	time.Sleep(100 * time.Millisecond)

	if got := h.vis.mergeCount(); got != 1 {
		t.Errorf("expected one merge, got %d", got)
	}
	if got := len(h.vis.Visible()); got != 3 {
		t.Errorf("expected 3 visible, got %d", got)
	}
	if h.c.Snapshot().Count != 0 {
		t.Error("merged posts should leave the buffer")
	}
}

func TestWaitCoversRunningAutoMerge(t *testing.T) {
	cfg := testConfig()
	cfg.AutoMergeDelay = 10 * time.Millisecond
	vis := &visibleList{}
	entered := make(chan struct{})
	release := make(chan struct{})

	c := New(cfg, Deps{
		Fetcher: newMockFetcher(),
		Merge: func(posts []timeline.Post) {
			close(entered)
			<-release
			vis.Merge(posts)
		},
		Visible: vis.Visible,
	}, WithClock((&fakeClock{t: base}).Now))

	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)
	c.UpdateScrollState(true, false)
	c.RequestPrefetch(ctx, TriggerIdle, "A")
	<-entered

	cancel()
	waited := make(chan struct{})
	go func() {
		c.Wait()
		close(waited)
	}()

	select {
	case <-waited:
		t.Fatal("Wait returned while the auto-merge was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-waited:
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after the merge finished")
	}
	if got := len(vis.Visible()); got != 2 {
		t.Errorf("visible = %d, want 2", got)
	}
}

func TestAutoMergeWaitsForTop(t *testing.T) {
	cfg := testConfig()
	cfg.AutoMergeDelay = 10 * time.Millisecond
	h := newHarness(t, cfg, nil)
	h.c.UpdateScrollState(false, false)

	h.c.RequestPrefetch(context.Background(), TriggerIdle)
	time.Sleep(50 * time.Millisecond)
	if h.vis.mergeCount() != 0 {
		t.Fatal("merged while away from the top")
	}

	h.c.UpdateScrollState(true, false)
	waitFor(t, "merge at top", func() bool { return h.vis.mergeCount() == 1 })
}

func TestScrollCancelsPendingMerge(t *testing.T) {
	cfg := testConfig()
	cfg.AutoMergeDelay = 30 * time.Millisecond
	h := newHarness(t, cfg, nil)
	h.c.UpdateScrollState(true, false)

	h.c.RequestPrefetch(context.Background(), TriggerIdle)
	h.c.ScrollBegan()
	time.Sleep(80 * time.Millisecond)

	if h.vis.mergeCount() != 0 {
		t.Error("merge fired while scrolling")
	}
	if h.c.Snapshot().Count != 3 {
		t.Error("buffer should be intact")
	}
}

func TestMergeBuffer(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.c.RequestPrefetch(context.Background(), TriggerIdle)

	if got := h.c.MergeBuffer(); got != 3 {
		t.Fatalf("MergeBuffer = %d, want 3", got)
	}
	if len(h.vis.Visible()) != 3 || h.c.Snapshot().Count != 0 {
		t.Error("tap should move every buffered post into view")
	}
	if got := h.c.MergeBuffer(); got != 0 {
		t.Errorf("second tap merged %d", got)
	}
}

func TestManualRefreshMergesFirstAtTop(t *testing.T) {
	var sawVisible int
	var h *harness
	h = newHarness(t, testConfig(), func(d *Deps) {
		d.Refresh = func(ctx context.Context, in RefreshIntent) error {
			sawVisible = len(h.vis.Visible())
			return nil
		}
	})
	h.c.RequestPrefetch(context.Background(), TriggerIdle)
	h.c.UpdateScrollState(true, false)

	h.clock.Advance(time.Second)
	if err := h.c.ManualRefresh(context.Background(), IntentPull); err != nil {
		t.Fatal(err)
	}
	if sawVisible != 3 {
		t.Errorf("refresh saw %d visible, want buffered posts merged first", sawVisible)
	}
	if h.c.Snapshot().Count != 0 {
		t.Error("buffer should be empty after refresh")
	}
	for _, s := range []string{"A", "B"} {
		if !h.c.LastFetch(s).Equal(h.clock.Now()) {
			t.Errorf("LastFetch(%s) not stamped", s)
		}
	}
}

func TestManualRefreshAwayFromTopDrains(t *testing.T) {
	var sawVisible = -1
	var h *harness
	h = newHarness(t, testConfig(), func(d *Deps) {
		d.Refresh = func(ctx context.Context, in RefreshIntent) error {
			sawVisible = len(h.vis.Visible())
			return nil
		}
	})
	h.c.RequestPrefetch(context.Background(), TriggerIdle)

	if err := h.c.ManualRefresh(context.Background(), IntentKey); err != nil {
		t.Fatal(err)
	}
	if sawVisible != 0 || h.vis.mergeCount() != 0 {
		t.Error("buffer should be dropped, not merged, away from the top")
	}
	if h.c.Snapshot().Count != 0 {
		t.Error("buffer should be empty")
	}
}

func TestManualRefreshError(t *testing.T) {
	errBoom := errors.New("boom")
	h := newHarness(t, testConfig(), func(d *Deps) {
		d.Refresh = func(context.Context, RefreshIntent) error { return errBoom }
	})
	h.clock.Advance(time.Minute)

	err := h.c.ManualRefresh(context.Background(), IntentKey)
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected wrapped errBoom, got %v", err)
	}
	if !h.c.LastFetch("A").Equal(h.clock.Now()) {
		t.Error("failed refresh should still stamp sources")
	}
}

func TestManualRefreshIgnoresScroll(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	h := newHarness(t, testConfig(), func(d *Deps) {
		d.Refresh = func(ctx context.Context, in RefreshIntent) error {
			close(entered)
			<-release
			return ctx.Err()
		}
	})

	done := make(chan error)
	go func() { done <- h.c.ManualRefresh(context.Background(), IntentPull) }()

	<-entered
	h.c.ScrollBegan()
	h.c.SetComposing(true)
	close(release)

	if err := <-done; err != nil {
		t.Errorf("manual refresh was cancelled: %v", err)
	}
}

func TestFetchToBufferBypassesGates(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.c.ScrollBegan()
	h.c.SetComposing(true)

	if got := h.c.FetchToBuffer(context.Background()); got != 3 {
		t.Fatalf("FetchToBuffer = %d, want 3", got)
	}
	if h.vis.mergeCount() != 0 {
		t.Error("FetchToBuffer must not merge")
	}
	if !h.c.LastFetch("B").Equal(h.clock.Now()) {
		t.Error("FetchToBuffer should stamp sources")
	}
}

func TestSubscribe(t *testing.T) {
	h := newHarness(t, testConfig(), nil)

	var mu sync.Mutex
	var got []int
	unsub := h.c.Subscribe(func(s timeline.BufferSnapshot) {
		mu.Lock()
		got = append(got, s.Count)
		mu.Unlock()
	})

	h.c.RequestPrefetch(context.Background(), TriggerIdle, "A")
	unsub()
	h.c.RequestPrefetch(context.Background(), TriggerIdle, "B")

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != 2 {
		t.Errorf("expected one snapshot with count 2, got %v", got)
	}
}

func TestSetVisiblePollsUntilHidden(t *testing.T) {
	cfg := testConfig()
	for i := range cfg.Sources {
		cfg.Sources[i].PollMin = 5 * time.Millisecond
		cfg.Sources[i].PollMax = 5 * time.Millisecond
		cfg.Sources[i].MinInterval = 0
	}
	h := newHarness(t, cfg, nil)

	h.c.SetVisible(true)
	waitFor(t, "polling", func() bool {
		return h.fetcher.callCount("A") >= 2 && h.fetcher.callCount("B") >= 2
	})
	h.c.SetVisible(false)

	waited := make(chan struct{})
	go func() {
		h.c.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(2 * time.Second):
		t.Fatal("loops did not stop after SetVisible(false)")
	}

	n := h.fetcher.callCount("A")
	time.Sleep(30 * time.Millisecond)
	if h.fetcher.callCount("A") != n {
		t.Error("polling continued while hidden")
	}
}

func TestContextCancelStopsLoops(t *testing.T) {
	cfg := testConfig()
	cfg.Sources[0].PollMin = time.Millisecond
	cfg.Sources[0].PollMax = time.Millisecond
	c := New(cfg, Deps{Fetcher: newMockFetcher()})

	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)
	c.SetVisible(true)
	cancel()

	waited := make(chan struct{})
	go func() {
		c.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after cancel")
	}
}
