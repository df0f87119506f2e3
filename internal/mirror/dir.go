package mirror

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/abelbrown/feedline/internal/restore"
)

// DirStore keeps history as a msgpack file in a directory shared between
// devices (a synced folder, a network mount).
type DirStore struct {
	dir  string
	name string
	now  func() time.Time
}

// NewDirStore stores timelineID's history under dir.
func NewDirStore(dir, timelineID string) *DirStore {
	return &DirStore{
		dir:  dir,
		name: fmt.Sprintf("positions-%s.msgpack", timelineID),
		now:  time.Now,
	}
}

// Path returns the history file path.
func (d *DirStore) Path() string {
	return filepath.Join(d.dir, d.name)
}

// Upload writes snaps atomically (temp file + rename).
func (d *DirStore) Upload(ctx context.Context, snaps []restore.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := msgpack.Marshal(document{UpdatedAt: d.now().UTC(), Snapshots: snaps})
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	if err := os.MkdirAll(d.dir, 0755); err != nil {
		return fmt.Errorf("create sync directory: %w", err)
	}

	tmp, err := os.CreateTemp(d.dir, "."+d.name+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write history: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close history: %w", err)
	}
	if err := os.Rename(tmp.Name(), d.Path()); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace history: %w", err)
	}
	return nil
}

// Download reads the history file. A missing file is empty history.
func (d *DirStore) Download(ctx context.Context) ([]restore.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(d.Path())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}

	var doc document
	if err := msgpack.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return doc.Snapshots, nil
}

// Watch calls changed whenever the history file is written or replaced.
// The directory is watched, not the file, so renames are seen.
// Blocks until ctx is done.
func (d *DirStore) Watch(ctx context.Context, changed func()) error {
	if err := os.MkdirAll(d.dir, 0755); err != nil {
		return fmt.Errorf("create sync directory: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(d.dir); err != nil {
		return fmt.Errorf("watch %q: %w", d.dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != d.name {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				changed()
			}
		case _, ok := <-w.Errors:
			if !ok {
				return nil
			}
		}
	}
}
