// Package otel provides structured observability for feedline.
//
// Events are typed structs serialized as JSONL lines. The Logger writes
// events asynchronously via a buffered channel and background drain goroutine.
// An optional ring keeps recent events in memory for the debug overlay.
package otel

import (
	"encoding/json"
	"time"
)

// Level defines event severity for filtering.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// EventKind identifies the category of an observability event.
// Dot-delimited: "<subsystem>.<action>".
type EventKind string

const (
	// Refresh pipeline
	KindFetchStart    EventKind = "fetch.start"
	KindFetchComplete EventKind = "fetch.complete"
	KindFetchError    EventKind = "fetch.error"
	KindFetchSkip     EventKind = "fetch.skip"
	KindFetchDiscard  EventKind = "fetch.discard"
	KindBufferAppend  EventKind = "buffer.append"
	KindBufferClear   EventKind = "buffer.clear"

	// Merges
	KindMergeTap    EventKind = "merge.tap"
	KindMergeAuto   EventKind = "merge.auto"
	KindMergeManual EventKind = "merge.manual"

	// Position
	KindPositionLoad    EventKind = "position.load"
	KindPositionRestore EventKind = "position.restore"
	KindPositionSave    EventKind = "position.save"

	// Cross-device mirror
	KindSyncUpload   EventKind = "sync.upload"
	KindSyncDownload EventKind = "sync.download"
	KindSyncError    EventKind = "sync.error"

	// Store
	KindStoreError EventKind = "store.error"

	// System
	KindStartup  EventKind = "sys.startup"
	KindShutdown EventKind = "sys.shutdown"
	KindError    EventKind = "sys.error"
)

// Event is the universal observability record. Every field except Kind and
// Time is optional. Serialized as a single JSONL line.
type Event struct {
	Time      time.Time      `json:"t"`
	Level     Level          `json:"level,omitempty"`
	Kind      EventKind      `json:"kind"`
	Comp      string         `json:"comp,omitempty"`       // component: "coord", "position", "restore", "mirror", "main"
	SessionID string         `json:"session_id,omitempty"` // same for the entire app run
	Timeline  string         `json:"timeline,omitempty"`
	Dur       time.Duration  `json:"-"`                // not serialized directly
	DurMs     float64        `json:"dur_ms,omitempty"` // computed from Dur at marshal time
	Count     int            `json:"count,omitempty"`
	Source    string         `json:"source,omitempty"`
	Trigger   string         `json:"trigger,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Method    string         `json:"method,omitempty"`
	Err       string         `json:"err,omitempty"`
	Msg       string         `json:"msg,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// MarshalJSON implements json.Marshaler, converting Dur to DurMs.
func (e Event) MarshalJSON() ([]byte, error) {
	type Alias Event
	a := struct {
		Alias
	}{Alias: Alias(e)}
	if e.Dur > 0 {
		a.DurMs = float64(e.Dur) / float64(time.Millisecond)
	}
	return json.Marshal(a)
}
