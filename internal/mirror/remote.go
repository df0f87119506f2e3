// Package mirror copies position history between devices through a
// remote key-value store. The remote never takes part in resolution; it
// only feeds snapshots into restore.Engine.Merge.
package mirror

import (
	"context"
	"time"

	"github.com/abelbrown/feedline/internal/restore"
)

// RemoteStore holds one timeline's snapshot history.
// Download returns an empty result, not an error, when nothing was uploaded yet.
type RemoteStore interface {
	Upload(ctx context.Context, snaps []restore.Snapshot) error
	Download(ctx context.Context) ([]restore.Snapshot, error)
}

// Watcher is implemented by stores that can report remote changes.
// Watch calls changed until ctx is done.
type Watcher interface {
	Watch(ctx context.Context, changed func()) error
}

// document is the stored form for both remotes.
type document struct {
	UpdatedAt time.Time          `json:"updated_at" msgpack:"updated_at"`
	Snapshots []restore.Snapshot `json:"snapshots" msgpack:"snapshots"`
}
