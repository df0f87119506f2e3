package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/abelbrown/feedline/internal/config"
	"github.com/abelbrown/feedline/internal/coord"
	"github.com/abelbrown/feedline/internal/fetch"
	"github.com/abelbrown/feedline/internal/filter"
	"github.com/abelbrown/feedline/internal/logging"
	"github.com/abelbrown/feedline/internal/mirror"
	"github.com/abelbrown/feedline/internal/otel"
	"github.com/abelbrown/feedline/internal/position"
	"github.com/abelbrown/feedline/internal/restore"
	"github.com/abelbrown/feedline/internal/store"
	"github.com/abelbrown/feedline/internal/timeline"
)

const deviceIDFile = "device-id"

// app is every engine object for one timeline, wired together.
type app struct {
	cfg     *config.Config
	dataDir string
	store   *store.Store
	events  *otel.Logger
	logFile *os.File
	fetcher *fetch.Collapsed
	filter  *filter.Filter
	engine  *restore.Engine
	ctrl    *position.Controller
	coord   *coord.Coordinator
	mirror  *mirror.Mirror // nil unless sync is enabled

	closeOnce sync.Once
}

// newApp loads the config at path and builds the engine. Nothing runs in
// the background until the caller starts the coordinator or mirror.
func newApp(ctx context.Context, path string) (*app, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, dataDir: filepath.Dir(cfg.Path())}
	if err := os.MkdirAll(a.dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	level := log.InfoLevel
	if debugLog {
		level = log.DebugLevel
	}
	logDir := filepath.Join(a.dataDir, "logs")
	if err := logging.Init(logDir, level); err != nil {
		return nil, err
	}

	if err := a.openEvents(logDir); err != nil {
		a.Close()
		return nil, err
	}

	a.store, err = store.Open(cfg.DBPath())
	if err != nil {
		a.Close()
		return nil, err
	}

	deviceID, err := a.deviceID()
	if err != nil {
		a.Close()
		return nil, err
	}

	a.fetcher = fetch.NewCollapsed(
		fetch.NewFetcher(cfg.Refresh.FetchTimeout.Duration),
		sourcesFromConfig(cfg),
		fetch.WithEvents(a.events),
		fetch.WithStatus(a.store),
	)
	if statuses, err := a.store.SourceStatuses(ctx); err != nil {
		logging.Warn("fetch: load source status", "err", err)
	} else {
		a.fetcher.Seed(healthFromStatus(statuses))
	}

	a.filter, err = filter.New(filter.Config{
		Rules:          cfg.Filter.Rules,
		MaxAge:         cfg.Filter.MaxAge.Duration,
		PerSourceLimit: cfg.Filter.PerSourceLimit,
	}, filter.WithEvents(a.events))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("compile filter rules: %w", err)
	}

	a.engine = restore.NewEngine(restore.Config{
		TimelineID:     cfg.Position.TimelineID,
		HistorySize:    cfg.Position.HistorySize,
		TemporalWindow: cfg.Position.TemporalWindow.Duration,
		DeviceID:       deviceID,
	}, restore.WithStore(a.store), restore.WithEvents(a.events))
	if err := a.engine.LoadHistory(ctx); err != nil {
		logging.Warn("restore: load history failed", "err", err)
	}

	pcfg, err := position.FromConfig(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.ctrl = position.New(pcfg, a.store, a.store, a.engine, position.WithEvents(a.events))

	a.coord = coord.New(coord.FromConfig(cfg), coord.Deps{
		Fetcher: a.fetcher,
		Filter:  a.filter,
		Merge:   a.ctrl.MergePosts,
		Refresh: a.refresh,
		Visible: a.ctrl.Visible,
		Loading: a.ctrl.Loading,
		Log:     logging.Sink("coord"),
		Events:  a.events,
	})

	if cfg.Sync.Enabled {
		remote, err := mirror.RemoteFromConfig(cfg)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.mirror = mirror.New(a.engine, remote, mirror.Config{
			Interval:         cfg.Sync.Interval.Duration,
			UploadsPerMinute: cfg.Sync.UploadsPerMinute,
		}, mirror.WithEvents(a.events))
	}

	a.events.Emit(otel.Event{Level: otel.LevelInfo, Kind: otel.KindStartup, Comp: "main",
		Count: len(cfg.Sources), Extra: map[string]any{"device": deviceID, "sync": cfg.Sync.Enabled}})
	logging.Info("feedline: started", "config", cfg.Path(), "sources", len(cfg.Sources), "device", deviceID)
	return a, nil
}

func (a *app) openEvents(dir string) error {
	f, err := os.OpenFile(filepath.Join(dir, "events.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	a.logFile = f
	a.events = otel.NewLogger(f).ForTimeline(a.cfg.Position.TimelineID)
	a.events.KeepRecent(200)
	return nil
}

// deviceID returns the configured device id, or a generated one kept in
// the data directory so it survives restarts.
func (a *app) deviceID() (string, error) {
	if id := a.cfg.Sync.DeviceID; id != "" {
		return id, nil
	}
	path := filepath.Join(a.dataDir, deviceIDFile)
	data, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("read device id: %w", err)
	}

	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id+"\n"), 0600); err != nil {
		return "", fmt.Errorf("write device id: %w", err)
	}
	return id, nil
}

// refresh is the manual-refresh path: fetch every source now, surfacing
// failures, store what arrived, then reload the visible list. It fails
// only when every source failed.
func (a *app) refresh(ctx context.Context, intent coord.RefreshIntent) error {
	names := a.fetcher.Sources()
	results := make([][]timeline.Post, len(names))
	errs := make([]error, len(names))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Refresh.MaxConcurrentFetches)
	for i, name := range names {
		g.Go(func() error {
			posts, err := a.fetcher.Fetch(gctx, name)
			results[i], errs[i] = posts, err
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}

	var all []timeline.Post
	var failed []error
	for i := range names {
		if errs[i] != nil {
			failed = append(failed, errs[i])
			continue
		}
		all = append(all, results[i]...)
	}
	if len(names) > 0 && len(failed) == len(names) {
		return fmt.Errorf("all %d sources failed: %w", len(names), errors.Join(failed...))
	}

	all = a.filter.Apply(ctx, all)
	if n, err := a.store.SavePosts(ctx, all); err != nil {
		logging.Warn("refresh: save posts failed", "err", err)
	} else {
		logging.Debug("refresh: saved posts", "intent", intent, "new", n, "fetched", len(all))
	}
	return a.ctrl.Refresh(ctx)
}

// Close releases everything newApp opened. Safe to call more than once.
func (a *app) Close() {
	a.closeOnce.Do(func() {
		if a.events != nil {
			a.events.Emit(otel.Event{Level: otel.LevelInfo, Kind: otel.KindShutdown, Comp: "main"})
			a.events.Close()
		}
		if a.logFile != nil {
			a.logFile.Close()
		}
		if a.store != nil {
			if err := a.store.Close(); err != nil {
				logging.Warn("close database failed", "err", err)
			}
		}
		logging.Close()
	})
}

func sourcesFromConfig(cfg *config.Config) []fetch.Source {
	out := make([]fetch.Source, len(cfg.Sources))
	for i, s := range cfg.Sources {
		out[i] = fetch.Source{Name: s.Name, Type: s.Type, URL: s.URL}
	}
	return out
}

// healthFromStatus converts persisted source rows into fetch health.
func healthFromStatus(statuses []store.SourceStatus) []fetch.Health {
	out := make([]fetch.Health, 0, len(statuses))
	for _, st := range statuses {
		h := fetch.Health{
			Source:              st.Name,
			LastAttempt:         st.LastFetched,
			ConsecutiveFailures: st.ErrorCount,
			LastError:           st.LastError,
		}
		if st.ErrorCount == 0 {
			h.LastSuccess = st.LastFetched
			h.LastCount = st.ItemCount
		}
		out = append(out, h)
	}
	return out
}
