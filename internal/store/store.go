// Package store provides SQLite persistence for feedline.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/abelbrown/feedline/internal/restore"
	"github.com/abelbrown/feedline/internal/timeline"
)

// Store handles SQLite persistence. NOT an interface - concrete type.
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type Store struct {
	db *sql.DB
	mu sync.RWMutex // Protects all database operations
}

// SourceStatus is the last recorded fetch outcome for a source.
type SourceStatus struct {
	Name        string
	LastFetched time.Time
	ItemCount   int
	ErrorCount  int
	LastError   string
}

// Open creates a new Store with the given database path.
// Creates tables if they don't exist.
// Uses WAL mode for better concurrent read performance (file-based DBs only).
func Open(dbPath string) (*Store, error) {
	connStr := dbPath
	if dbPath == ":memory:" {
		// Shared cache so every pooled connection sees the same database.
		connStr = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if dbPath != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL mode: %w", err)
		}
	}

	s := &Store{db: db}

	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return s, nil
}

func (s *Store) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS posts (
		id TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		created_at INTEGER NOT NULL, -- unix nanoseconds
		author TEXT,
		title TEXT,
		summary TEXT,
		url TEXT,
		stored_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_posts_created ON posts(created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_posts_source ON posts(source);

	CREATE TABLE IF NOT EXISTS anchors (
		timeline_id TEXT PRIMARY KEY,
		post_id TEXT NOT NULL,
		idx INTEGER NOT NULL DEFAULT 0,
		pixel_offset REAL NOT NULL DEFAULT 0,
		saved_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS read_state (
		timeline_id TEXT NOT NULL,
		post_id TEXT NOT NULL,
		read_at DATETIME NOT NULL,
		PRIMARY KEY (timeline_id, post_id)
	);

	CREATE TABLE IF NOT EXISTS timeline_meta (
		timeline_id TEXT PRIMARY KEY,
		initialized INTEGER NOT NULL DEFAULT 0,
		last_visit DATETIME
	);

	CREATE TABLE IF NOT EXISTS position_history (
		timeline_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		anchor_id TEXT NOT NULL,
		anchor_time DATETIME,
		recorded_at DATETIME NOT NULL,
		idx INTEGER NOT NULL DEFAULT 0,
		pixel_offset REAL NOT NULL DEFAULT 0,
		method TEXT NOT NULL,
		strategy TEXT,
		device_id TEXT,
		PRIMARY KEY (timeline_id, seq)
	);

	CREATE TABLE IF NOT EXISTS sources (
		name TEXT PRIMARY KEY,
		last_fetched_at DATETIME,
		item_count INTEGER DEFAULT 0,
		error_count INTEGER DEFAULT 0,
		last_error TEXT
	);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	return nil
}

// Close closes the database connection.
// Thread-safe: acquires write lock to prevent closing during in-flight operations.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// SavePosts stores posts, returning count of new posts inserted.
// Duplicates (by id) are silently ignored via INSERT OR IGNORE.
func (s *Store) SavePosts(ctx context.Context, posts []timeline.Post) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(posts) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO posts (
			id, source, created_at, author, title, summary, url, stored_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	now := time.Now().UTC()
	newCount := 0
	for _, p := range posts {
		result, err := stmt.ExecContext(ctx,
			p.ID,
			p.Source,
			p.CreatedAt.UnixNano(),
			p.Author,
			p.Title,
			p.Summary,
			p.URL,
			now,
		)
		if err != nil {
			return 0, err
		}

		affected, err := result.RowsAffected()
		if err != nil {
			return 0, err
		}
		if affected > 0 {
			newCount++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return newCount, nil
}

// Posts returns up to limit posts, newest first.
func (s *Store) Posts(ctx context.Context, limit int) ([]timeline.Post, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryPosts(ctx, `
		SELECT id, source, created_at, author, title, summary, url
		FROM posts
		ORDER BY created_at DESC, id ASC
		LIMIT ?
	`, limit)
}

// PostCount returns the number of stored posts.
func (s *Store) PostCount(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM posts").Scan(&n)
	return n, err
}

// queryPosts executes a query and scans results into Posts.
// Caller must hold s.mu (read lock is sufficient).
func (s *Store) queryPosts(ctx context.Context, query string, args ...any) ([]timeline.Post, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var posts []timeline.Post
	for rows.Next() {
		var p timeline.Post
		var created int64
		var author, title, summary, url sql.NullString
		if err := rows.Scan(&p.ID, &p.Source, &created, &author, &title, &summary, &url); err != nil {
			return nil, err
		}
		p.CreatedAt = time.Unix(0, created).UTC()
		p.Author, p.Title, p.Summary, p.URL = author.String, title.String, summary.String, url.String
		posts = append(posts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return posts, nil
}

// Anchor returns the saved anchor for a timeline. ok is false if none exists.
func (s *Store) Anchor(ctx context.Context, timelineID string) (timeline.Anchor, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var a timeline.Anchor
	err := s.db.QueryRowContext(ctx, `
		SELECT post_id, idx, pixel_offset, saved_at FROM anchors WHERE timeline_id = ?
	`, timelineID).Scan(&a.PostID, &a.Index, &a.Offset, &a.SavedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return timeline.Anchor{}, false, nil
	}
	if err != nil {
		return timeline.Anchor{}, false, err
	}
	return a, true, nil
}

// SaveAnchor upserts the anchor for a timeline.
func (s *Store) SaveAnchor(ctx context.Context, timelineID string, a timeline.Anchor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.SavedAt.IsZero() {
		a.SavedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO anchors (timeline_id, post_id, idx, pixel_offset, saved_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(timeline_id) DO UPDATE SET
			post_id = excluded.post_id,
			idx = excluded.idx,
			pixel_offset = excluded.pixel_offset,
			saved_at = excluded.saved_at
	`, timelineID, a.PostID, a.Index, a.Offset, a.SavedAt.UTC())
	return err
}

// ReadIDs returns the set of read post ids for a timeline.
func (s *Store) ReadIDs(ctx context.Context, timelineID string) (map[string]struct{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT post_id FROM read_state WHERE timeline_id = ?", timelineID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

// MarkRead adds ids to the timeline's read set. Already-read ids are ignored.
func (s *Store) MarkRead(ctx context.Context, timelineID string, ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(ids) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO read_state (timeline_id, post_id, read_at) VALUES (?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, timelineID, id, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// SessionMeta returns the timeline's bookkeeping row. A missing row is the
// zero value.
func (s *Store) SessionMeta(ctx context.Context, timelineID string) (timeline.SessionMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var initialized int
	var lastVisit sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT initialized, last_visit FROM timeline_meta WHERE timeline_id = ?
	`, timelineID).Scan(&initialized, &lastVisit)
	if errors.Is(err, sql.ErrNoRows) {
		return timeline.SessionMeta{}, nil
	}
	if err != nil {
		return timeline.SessionMeta{}, err
	}
	return timeline.SessionMeta{Initialized: initialized != 0, LastVisit: lastVisit.Time}, nil
}

// SaveSessionMeta upserts the timeline's bookkeeping row.
func (s *Store) SaveSessionMeta(ctx context.Context, timelineID string, m timeline.SessionMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var lastVisit any
	if !m.LastVisit.IsZero() {
		lastVisit = m.LastVisit.UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO timeline_meta (timeline_id, initialized, last_visit)
		VALUES (?, ?, ?)
		ON CONFLICT(timeline_id) DO UPDATE SET
			initialized = excluded.initialized,
			last_visit = excluded.last_visit
	`, timelineID, boolToInt(m.Initialized), lastVisit)
	return err
}

// LoadHistory returns the persisted position history, oldest first.
func (s *Store) LoadHistory(ctx context.Context, timelineID string) ([]restore.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT anchor_id, anchor_time, recorded_at, idx, pixel_offset, method, strategy, device_id
		FROM position_history
		WHERE timeline_id = ?
		ORDER BY seq ASC
	`, timelineID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []restore.Snapshot
	for rows.Next() {
		var snap restore.Snapshot
		var anchorTime sql.NullTime
		var method string
		var strategy, device sql.NullString
		if err := rows.Scan(&snap.AnchorID, &anchorTime, &snap.Timestamp, &snap.Index, &snap.Offset,
			&method, &strategy, &device); err != nil {
			return nil, err
		}
		snap.AnchorTime = anchorTime.Time
		snap.Method = restore.Method(method)
		snap.Strategy = restore.FallbackStrategy(strategy.String)
		snap.DeviceID = device.String
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// SaveHistory replaces the persisted history for a timeline.
func (s *Store) SaveHistory(ctx context.Context, timelineID string, snaps []restore.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM position_history WHERE timeline_id = ?", timelineID); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO position_history (
			timeline_id, seq, anchor_id, anchor_time, recorded_at, idx, pixel_offset, method, strategy, device_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, snap := range snaps {
		var anchorTime any
		if !snap.AnchorTime.IsZero() {
			anchorTime = snap.AnchorTime.UTC()
		}
		if _, err := stmt.ExecContext(ctx, timelineID, i, snap.AnchorID, anchorTime, snap.Timestamp.UTC(),
			snap.Index, snap.Offset, string(snap.Method), string(snap.Strategy), snap.DeviceID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// UpdateSourceStatus records a fetch outcome. A non-empty lastError bumps the
// consecutive error count; success resets it.
func (s *Store) UpdateSourceStatus(ctx context.Context, name string, itemCount int, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sources (name, last_fetched_at, item_count, last_error, error_count)
		VALUES (?, ?, ?, ?, CASE WHEN ? != '' THEN 1 ELSE 0 END)
		ON CONFLICT(name) DO UPDATE SET
			last_fetched_at = excluded.last_fetched_at,
			item_count = excluded.item_count,
			last_error = excluded.last_error,
			error_count = CASE WHEN excluded.last_error != '' THEN error_count + 1 ELSE 0 END
	`, name, time.Now().UTC(), itemCount, lastError, lastError)
	return err
}

// SourceStatuses returns every recorded source status, by name.
func (s *Store) SourceStatuses(ctx context.Context) ([]SourceStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT name, last_fetched_at, item_count, error_count, last_error
		FROM sources ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SourceStatus
	for rows.Next() {
		var st SourceStatus
		var fetched sql.NullTime
		var lastErr sql.NullString
		if err := rows.Scan(&st.Name, &fetched, &st.ItemCount, &st.ErrorCount, &lastErr); err != nil {
			return nil, err
		}
		st.LastFetched = fetched.Time
		st.LastError = lastErr.String
		out = append(out, st)
	}
	return out, rows.Err()
}

// boolToInt converts a bool to an int for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
