// Package ui is the Bubble Tea shell for feedline. It holds no engine
// objects: state arrives as messages and every effect leaves as a tea.Cmd
// built by the composition root.
package ui

import (
	"github.com/abelbrown/feedline/internal/position"
	"github.com/abelbrown/feedline/internal/timeline"
)

// StateChanged carries a newly published position state.
type StateChanged struct {
	State position.State
}

// BufferChanged carries a new buffer snapshot.
type BufferChanged struct {
	Snapshot timeline.BufferSnapshot
}

// LoadDone is sent when a Load command finishes.
type LoadDone struct {
	Err error
}

// RefreshDone is sent when a manual refresh finishes.
type RefreshDone struct {
	Err error
}

// Merged is sent after the buffer was merged on request.
type Merged struct {
	Count int
}
