package mirror

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"golang.org/x/time/rate"

	"github.com/abelbrown/feedline/internal/config"
	"github.com/abelbrown/feedline/internal/logging"
	"github.com/abelbrown/feedline/internal/otel"
	"github.com/abelbrown/feedline/internal/restore"
)

// ErrNotStarted is returned by Stop before Start.
var ErrNotStarted = errors.New("mirror not started")

// Config holds mirror tunables.
type Config struct {
	Interval         time.Duration
	UploadsPerMinute int
}

// Result summarizes one sync round.
type Result struct {
	Downloaded int  // snapshots received
	Merged     int  // snapshots that were new or newer locally
	Uploaded   int  // snapshots sent; zero when throttled
	Throttled  bool // upload skipped by the rate limit
}

// Mirror periodically exchanges position history with a RemoteStore.
// Sync failures are logged and never reach the caller of the scheduled job.
type Mirror struct {
	engine  *restore.Engine
	remote  RemoteStore
	cfg     Config
	limiter *rate.Limiter
	events  *otel.Logger

	mu        sync.Mutex // one round at a time
	scheduler gocron.Scheduler
	stopWatch context.CancelFunc
	watchDone chan struct{}
}

// Option configures a Mirror.
type Option func(*Mirror)

// WithEvents reports sync rounds to l.
func WithEvents(l *otel.Logger) Option {
	return func(m *Mirror) { m.events = l }
}

// New creates a Mirror for engine.
func New(engine *restore.Engine, remote RemoteStore, cfg Config, opts ...Option) *Mirror {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.UploadsPerMinute <= 0 {
		cfg.UploadsPerMinute = 6
	}
	m := &Mirror{
		engine:  engine,
		remote:  remote,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.UploadsPerMinute)), 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RemoteFromConfig builds the configured remote store.
func RemoteFromConfig(cfg *config.Config) (RemoteStore, error) {
	s := cfg.Sync
	switch s.Mode {
	case "http":
		return NewHTTPStore(s.URL, s.APIKey), nil
	case "dir":
		return NewDirStore(config.ExpandPath(s.Dir), cfg.Position.TimelineID), nil
	}
	return nil, fmt.Errorf("sync: unknown mode %q", s.Mode)
}

// Pull downloads remote history and merges it into the engine.
func (m *Mirror) Pull(ctx context.Context) (downloaded, merged int, err error) {
	start := time.Now()
	remote, err := m.remote.Download(ctx)
	if err != nil {
		m.failed("download", err)
		return 0, 0, fmt.Errorf("download history: %w", err)
	}
	merged = m.engine.Merge(remote)
	m.events.Emit(otel.Event{Level: otel.LevelInfo, Kind: otel.KindSyncDownload, Comp: "mirror",
		Count: merged, Dur: time.Since(start), Extra: map[string]any{"received": len(remote)}})
	return len(remote), merged, nil
}

// Push uploads local history unless the upload rate limit is exhausted.
// Returns the number of snapshots sent.
func (m *Mirror) Push(ctx context.Context) (sent int, throttled bool, err error) {
	if !m.limiter.Allow() {
		logging.Debug("mirror: upload throttled")
		return 0, true, nil
	}
	start := time.Now()
	snaps := m.engine.Snapshots()
	if err := m.remote.Upload(ctx, snaps); err != nil {
		m.failed("upload", err)
		return 0, false, fmt.Errorf("upload history: %w", err)
	}
	m.events.Emit(otel.Event{Level: otel.LevelInfo, Kind: otel.KindSyncUpload, Comp: "mirror",
		Count: len(snaps), Dur: time.Since(start)})
	return len(snaps), false, nil
}

// Sync runs one round: pull, merge, then push the merged history.
func (m *Mirror) Sync(ctx context.Context) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res Result
	var err error
	res.Downloaded, res.Merged, err = m.Pull(ctx)
	if err != nil {
		return res, err
	}
	res.Uploaded, res.Throttled, err = m.Push(ctx)
	return res, err
}

func (m *Mirror) runOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	res, err := m.Sync(ctx)
	if err != nil {
		return // already reported
	}
	logging.Debug("mirror: sync round", "downloaded", res.Downloaded, "merged", res.Merged,
		"uploaded", res.Uploaded, "throttled", res.Throttled)
}

// Start schedules a sync every Interval, beginning immediately. When the
// remote can watch for changes, remote writes also trigger a pull.
func (m *Mirror) Start(ctx context.Context) error {
	s, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create sync scheduler: %w", err)
	}
	_, err = s.NewJob(
		gocron.DurationJob(m.cfg.Interval),
		gocron.NewTask(m.runOnce, ctx),
		gocron.WithName("position-sync"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		_ = s.Shutdown()
		return fmt.Errorf("create sync job: %w", err)
	}

	m.mu.Lock()
	m.scheduler = s
	if w, ok := m.remote.(Watcher); ok {
		wctx, cancel := context.WithCancel(ctx)
		m.stopWatch = cancel
		m.watchDone = make(chan struct{})
		go m.watch(wctx, w, m.watchDone)
	}
	m.mu.Unlock()

	s.Start()
	logging.Info("mirror: started", "interval", m.cfg.Interval)
	return nil
}

func (m *Mirror) watch(ctx context.Context, w Watcher, done chan struct{}) {
	defer close(done)
	err := w.Watch(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		_, _, _ = m.Pull(ctx)
	})
	if err != nil {
		m.failed("watch", err)
	}
}

// Stop shuts the scheduler down and waits for a running round.
func (m *Mirror) Stop() error {
	m.mu.Lock()
	s := m.scheduler
	stop, done := m.stopWatch, m.watchDone
	m.scheduler, m.stopWatch, m.watchDone = nil, nil, nil
	m.mu.Unlock()

	if s == nil {
		return ErrNotStarted
	}
	if stop != nil {
		stop()
		<-done
	}
	if err := s.Shutdown(); err != nil {
		return fmt.Errorf("stop sync scheduler: %w", err)
	}
	return nil
}

func (m *Mirror) failed(op string, err error) {
	logging.Warn("mirror: sync failed", "op", op, "err", err)
	m.events.Emit(otel.Event{Level: otel.LevelWarn, Kind: otel.KindSyncError, Comp: "mirror",
		Reason: op, Err: err.Error()})
}
