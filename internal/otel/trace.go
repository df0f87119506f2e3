package otel

import (
	"os"
	"sync/atomic"
)

// traceEnabled is set once at package init. Atomic for safe concurrent access.
var traceEnabled atomic.Bool

func init() {
	traceEnabled.Store(os.Getenv("FEEDLINE_TRACE") != "")
}

// TraceEnabled reports whether FEEDLINE_TRACE is set. Debug-level events are
// only emitted when it is.
func TraceEnabled() bool {
	return traceEnabled.Load()
}

// setTraceEnabled overrides the flag for testing.
func setTraceEnabled(v bool) {
	traceEnabled.Store(v)
}
