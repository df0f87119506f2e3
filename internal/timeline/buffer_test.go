package timeline

import (
	"fmt"
	"math/rand"
	"testing"
	"time"
)

var base = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func post(id string, sec int, source string) Post {
	return Post{ID: id, Source: source, CreatedAt: base.Add(time.Duration(sec) * time.Second)}
}

func assertSorted(t *testing.T, b *Buffer) {
	t.Helper()
	items := b.Items()
	for i := 1; i < len(items); i++ {
		if items[i].CreatedAt.After(items[i-1].CreatedAt) {
			t.Fatalf("buffer not sorted newest first at %d: %v after %v", i, items[i].CreatedAt, items[i-1].CreatedAt)
		}
	}
}

func TestBufferAppendScenarioA(t *testing.T) {
	b := NewBuffer()

	snap, ok := b.Append([]Post{post("P1", 100, "mastodon"), post("P2", 90, "bluesky")}, nil)
	if !ok {
		t.Fatal("expected a snapshot")
	}
	if snap.Count != 2 {
		t.Errorf("expected count 2, got %d", snap.Count)
	}
	if !snap.Earliest.Equal(base.Add(90 * time.Second)) {
		t.Errorf("expected earliest t90, got %v", snap.Earliest)
	}
	if len(snap.Sources) != 2 || snap.Sources[0] != "bluesky" || snap.Sources[1] != "mastodon" {
		t.Errorf("unexpected sources %v", snap.Sources)
	}
}

func TestBufferAppendScenarioB(t *testing.T) {
	b := NewBuffer()
	b.Append([]Post{post("P1", 100, "a")}, nil)

	snap, ok := b.Append([]Post{post("P1", 100, "a"), post("P3", 80, "a")}, nil)
	if !ok {
		t.Fatal("expected a snapshot")
	}
	if snap.Count != 2 {
		t.Errorf("expected count 2 after adding only P3, got %d", snap.Count)
	}
}

func TestBufferAppendNothingNew(t *testing.T) {
	b := NewBuffer()
	b.Append([]Post{post("P1", 100, "a")}, nil)

	if _, ok := b.Append([]Post{post("P1", 100, "a")}, nil); ok {
		t.Error("re-appending a buffered post should not emit a snapshot")
	}
	if _, ok := b.Append([]Post{post("P2", 100, "a")}, []Post{post("P2", 100, "a")}); ok {
		t.Error("appending a visible post should not emit a snapshot")
	}
	if _, ok := b.Append(nil, nil); ok {
		t.Error("empty append should not emit a snapshot")
	}
	if b.Len() != 1 {
		t.Errorf("expected 1 item, got %d", b.Len())
	}
}

func TestBufferAppendDedupsWithinBatch(t *testing.T) {
	b := NewBuffer()
	snap, _ := b.Append([]Post{post("P1", 100, "a"), post("P1", 100, "a")}, nil)
	if snap.Count != 1 {
		t.Errorf("expected 1, got %d", snap.Count)
	}
}

func TestBufferRemoveVisible(t *testing.T) {
	b := NewBuffer()
	b.Append([]Post{post("P1", 100, "a"), post("P2", 90, "b"), post("P3", 80, "a")}, nil)

	snap := b.RemoveVisible([]Post{post("P2", 90, "b")})
	if snap.Count != 2 {
		t.Errorf("expected 2, got %d", snap.Count)
	}
	if len(snap.Sources) != 1 || snap.Sources[0] != "a" {
		t.Errorf("expected only source a, got %v", snap.Sources)
	}

	// Unchanged still yields a snapshot.
	snap = b.RemoveVisible([]Post{post("X", 1, "z")})
	if snap.Count != 2 {
		t.Errorf("expected 2, got %d", snap.Count)
	}

	// A removed id can be buffered again later.
	if _, ok := b.Append([]Post{post("P2", 90, "b")}, nil); !ok {
		t.Error("P2 should be appendable after removal")
	}
	assertSorted(t, b)
}

func TestBufferDrainAndClear(t *testing.T) {
	b := NewBuffer()
	if got := b.Drain(); len(got) != 0 {
		t.Errorf("drain on empty buffer returned %d items", len(got))
	}
	if snap := b.Clear(); !snap.Empty() {
		t.Error("clear on empty buffer should return empty snapshot")
	}

	b.Append([]Post{post("P1", 100, "a"), post("P2", 200, "a")}, nil)
	got := b.Drain()
	if len(got) != 2 || got[0].ID != "P2" {
		t.Fatalf("unexpected drain result %v", got)
	}
	if b.Len() != 0 {
		t.Error("drain should empty the buffer")
	}

	b.Append([]Post{post("P1", 100, "a")}, nil)
	if snap := b.Clear(); snap.Count != 0 || !snap.Earliest.IsZero() {
		t.Errorf("unexpected snapshot after clear: %+v", snap)
	}
}

func TestBufferRandomizedInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	b := NewBuffer()
	var visible []Post

	for round := 0; round < 200; round++ {
		var incoming []Post
		for i := 0; i < rng.Intn(6); i++ {
			n := rng.Intn(40)
			incoming = append(incoming, post(fmt.Sprintf("p%d", n), n*10, fmt.Sprintf("s%d", n%3)))
		}

		switch rng.Intn(4) {
		case 0:
			// Simulate a merge: some buffered posts become visible.
			items := b.Items()
			if len(items) > 0 {
				visible = append(visible, items[:rng.Intn(len(items))+1]...)
			}
			b.RemoveVisible(visible)
		case 1:
			if rng.Intn(10) == 0 {
				b.Clear()
			}
		}
		b.Append(incoming, visible)

		assertSorted(t, b)
		shown := IDSet(visible)
		for _, p := range b.Items() {
			if _, dup := shown[p.ID]; dup {
				t.Fatalf("round %d: %s is both visible and buffered", round, p.ID)
			}
		}
		if snap := b.Snapshot(); snap.Count != len(IDSet(b.Items())) {
			t.Fatalf("round %d: count %d != distinct ids", round, snap.Count)
		}
	}
}
