package otel

// Goroutine safety:
// The drain goroutine is the sole reader of l.ch and the sole writer to l.w.
// Logger.mu protects only the l.recent pointer (read by drain, written by KeepRecent).
// The ring's own mutex handles concurrent Push/Snapshot calls.
// drain releases Logger.mu before calling Push.

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/abelbrown/feedline/internal/ring"
)

const (
	// writerChanSize is the capacity of the async write channel.
	// At ~200 bytes/event, 4096 events buffers ~800KB.
	writerChanSize = 4096
)

// logEntry carries both the serialized bytes (for disk) and the original
// Event (for the in-memory ring), so Dur survives in the ring copy.
type logEntry struct {
	data []byte
	ev   Event
}

// Logger serializes events as JSONL via an async background writer.
// Goroutine-safe. A nil *Logger is valid and discards everything.
type Logger struct {
	mu        sync.Mutex
	recent    *ring.Ring[Event] // nil until KeepRecent
	sessionID string
	timeline  string
	ch        chan logEntry
	w         io.Writer
	dropped   atomic.Uint64 // full channel, encode failure, or write error
	closed    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

// NewLogger creates a Logger writing JSONL to w asynchronously.
// Starts a background drain goroutine. Call Close() to flush and stop.
func NewLogger(w io.Writer) *Logger {
	l := &Logger{
		sessionID: uuid.NewString(),
		ch:        make(chan logEntry, writerChanSize),
		w:         w,
		done:      make(chan struct{}),
	}
	go l.drain()
	return l
}

// NewNullLogger creates a Logger that discards output.
// Callers should still call Close() to stop the drain goroutine.
func NewNullLogger() *Logger {
	return NewLogger(io.Discard)
}

// SessionID returns the id stamped on every event from this logger.
func (l *Logger) SessionID() string {
	if l == nil {
		return ""
	}
	return l.sessionID
}

// ForTimeline stamps every subsequent event with the timeline id.
// Must be called before the logger is shared.
func (l *Logger) ForTimeline(id string) *Logger {
	if l != nil {
		l.timeline = id
	}
	return l
}

func (l *Logger) drain() {
	defer close(l.done)
	for entry := range l.ch {
		if _, err := l.w.Write(entry.data); err != nil {
			l.dropped.Add(1)
		}

		l.mu.Lock()
		rb := l.recent
		l.mu.Unlock()

		if rb != nil {
			rb.Push(entry.ev)
		}
	}
}

// Emit writes an event to the JSONL log (and the ring if attached).
// Sets Time (if zero), SessionID and Timeline. Non-blocking: if the channel
// is full or the logger is closed, the event is dropped and counted.
//
// Safe to call concurrently with Close(). If Close() races between the
// closed-flag check and the channel send, the panic is recovered and the
// event is counted as dropped.
func (l *Logger) Emit(e Event) {
	if l == nil {
		return
	}
	if e.Level == LevelDebug && !TraceEnabled() {
		return
	}
	defer func() {
		if recover() != nil {
			l.dropped.Add(1)
		}
	}()

	if l.closed.Load() {
		l.dropped.Add(1)
		return
	}

	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	e.SessionID = l.sessionID
	if e.Timeline == "" {
		e.Timeline = l.timeline
	}
	if e.Extra != nil {
		cp := make(map[string]any, len(e.Extra))
		for k, v := range e.Extra {
			cp[k] = v
		}
		e.Extra = cp
	}

	data, err := json.Marshal(e)
	if err != nil {
		l.dropped.Add(1)
		return
	}
	data = append(data, '\n')

	select {
	case l.ch <- logEntry{data: data, ev: e}:
	default:
		l.dropped.Add(1)
	}
}

// Info emits an info-level event.
func (l *Logger) Info(kind EventKind, comp string, msg string) {
	l.Emit(Event{Level: LevelInfo, Kind: kind, Comp: comp, Msg: msg})
}

// Warn emits a warn-level event.
func (l *Logger) Warn(kind EventKind, comp string, msg string) {
	l.Emit(Event{Level: LevelWarn, Kind: kind, Comp: comp, Msg: msg})
}

// Error emits an error-level event. Nil err is logged as empty string.
func (l *Logger) Error(kind EventKind, comp string, err error) {
	errStr := ""
	if err != nil {
		errStr = err.Error()
	}
	l.Emit(Event{Level: LevelError, Kind: kind, Comp: comp, Err: errStr})
}

// KeepRecent retains the last n events in memory for Recent and Stats.
func (l *Logger) KeepRecent(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recent = ring.New[Event](n)
}

// Recent returns up to n of the most recently written events, oldest first.
func (l *Logger) Recent(n int) []Event {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	rb := l.recent
	l.mu.Unlock()
	if rb == nil {
		return nil
	}
	return rb.Last(n)
}

// Stats counts retained events by kind.
func (l *Logger) Stats() map[EventKind]int {
	counts := make(map[EventKind]int)
	if l == nil {
		return counts
	}
	l.mu.Lock()
	rb := l.recent
	l.mu.Unlock()
	if rb == nil {
		return counts
	}
	for _, e := range rb.Snapshot() {
		counts[e.Kind]++
	}
	return counts
}

// Dropped returns the number of events dropped since creation.
func (l *Logger) Dropped() uint64 {
	if l == nil {
		return 0
	}
	return l.dropped.Load()
}

// Close flushes pending events, stops the drain goroutine, and reports any
// dropped events to stderr. Emit calls racing with Close are dropped.
func (l *Logger) Close() {
	if l == nil {
		return
	}
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		close(l.ch)
		<-l.done

		if d := l.dropped.Load(); d > 0 {
			fmt.Fprintf(os.Stderr, "feedline: %d events dropped during session %s\n", d, l.sessionID)
		}
	})
}
