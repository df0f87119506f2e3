package coord

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/abelbrown/feedline/internal/otel"
)

// SkipReason names why a fetch or buffer update was refused.
type SkipReason string

const (
	ReasonNone        SkipReason = ""
	ReasonComposing   SkipReason = "composing"
	ReasonScrolling   SkipReason = "scrolling"
	ReasonLoading     SkipReason = "load in progress"
	ReasonDeepHistory SkipReason = "deep history"
	ReasonGrace       SkipReason = "interaction grace period"
	ReasonMinInterval SkipReason = "min interval"
)

// pollLoop sleeps a random duration in the source's range, attempts an
// idle fetch, and repeats until ctx is done.
func (c *Coordinator) pollLoop(ctx context.Context, src SourceSchedule) {
	defer c.wg.Done()

	for {
		timer := time.NewTimer(c.jitter(src.PollMin, src.PollMax))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		c.RequestPrefetch(ctx, TriggerIdle, src.Name)
	}
}

// shouldFetchLocked decides whether source may be fetched now for trigger.
// loading is sampled by the caller outside the lock. Caller holds c.mu.
func (c *Coordinator) shouldFetchLocked(source string, trigger Trigger, loading bool) SkipReason {
	now := c.now()
	switch {
	case c.composing:
		return ReasonComposing
	case c.scrolling:
		return ReasonScrolling
	case loading:
		return ReasonLoading
	case trigger == TriggerIdle && c.deepHistory:
		return ReasonDeepHistory
	case trigger == TriggerIdle && now.Sub(c.lastInteraction) < c.cfg.GracePeriod:
		return ReasonGrace
	}

	if last, ok := c.lastFetch[source]; ok && now.Sub(last) < c.minIntervalLocked(source, trigger) {
		return ReasonMinInterval
	}
	return ReasonNone
}

func (c *Coordinator) minIntervalLocked(source string, trigger Trigger) time.Duration {
	if trigger == TriggerForeground {
		return c.jitter(c.cfg.ForegroundMin, c.cfg.ForegroundMax)
	}
	return c.sources[source].MinInterval
}

// shouldApplyLocked re-checks, after a fetch, that the reader has not
// started interacting since it began. Caller holds c.mu.
func (c *Coordinator) shouldApplyLocked() SkipReason {
	if c.scrolling {
		return ReasonScrolling
	}
	if c.now().Sub(c.lastInteraction) < c.cfg.GracePeriod {
		return ReasonGrace
	}
	return ReasonNone
}

// RequestPrefetch fetches the named sources (all when none are given) into
// the buffer, subject to the fetch and apply gates. Each source is gated
// independently. Returns the buffer count afterwards.
func (c *Coordinator) RequestPrefetch(ctx context.Context, trigger Trigger, sources ...string) int {
	if len(sources) == 0 {
		for _, s := range c.cfg.Sources {
			sources = append(sources, s.Name)
		}
	}

	loading := c.deps.Loading != nil && c.deps.Loading()

	var allowed []string
	stamps := make(map[string]fetchStamp)
	c.mu.Lock()
	now := c.now()
	for _, name := range sources {
		if reason := c.shouldFetchLocked(name, trigger, loading); reason != ReasonNone {
			c.deps.Log(fmt.Sprintf("skip %s (%s): %s", name, trigger, reason))
			c.events.Emit(otel.Event{Level: otel.LevelDebug, Kind: otel.KindFetchSkip, Comp: "coord",
				Source: name, Trigger: string(trigger), Reason: string(reason)})
			continue
		}
		prior, had := c.lastFetch[name]
		stamps[name] = fetchStamp{at: now, prior: prior, hadPrior: had}
		c.lastFetch[name] = now
		allowed = append(allowed, name)
	}
	c.mu.Unlock()

	if len(allowed) > 0 {
		fctx, done := c.registerInflight(ctx)
		c.fetchAll(fctx, allowed, trigger, stamps)
		done()
	}
	return c.Snapshot().Count
}

// FetchToBuffer fetches every source straight into the buffer without
// merging and without the interaction gates. Returns the buffer count.
func (c *Coordinator) FetchToBuffer(ctx context.Context) int {
	names := make([]string, 0, len(c.cfg.Sources))
	c.mu.Lock()
	now := c.now()
	for _, s := range c.cfg.Sources {
		names = append(names, s.Name)
		c.lastFetch[s.Name] = now
	}
	c.mu.Unlock()

	c.fetchAll(ctx, names, TriggerDirect, nil)
	return c.Snapshot().Count
}

// fetchStamp is the min-interval stamp a gated fetch took, with the value
// it replaced.
type fetchStamp struct {
	at       time.Time
	prior    time.Time
	hadPrior bool
}

// fetchAll fetches sources in parallel. A slow source never blocks the
// others beyond the concurrency limit. Returns how many posts were added.
// stamps is non-nil for gated fetches; a cancelled gated fetch gives its
// stamp back.
func (c *Coordinator) fetchAll(ctx context.Context, sources []string, trigger Trigger, stamps map[string]fetchStamp) int {
	var g errgroup.Group
	g.SetLimit(c.cfg.MaxConcurrentFetches)

	var added atomic.Int64
	for _, name := range sources {
		g.Go(func() error {
			if ctx.Err() != nil {
				c.unstamp(name, stamps)
				return nil
			}
			added.Add(int64(c.fetchSource(ctx, name, trigger, stamps)))
			return nil // never fail the group - failure is an empty result
		})
	}
	_ = g.Wait()
	return int(added.Load())
}

// fetchSource fetches one source with timeout and buffers the result.
func (c *Coordinator) fetchSource(ctx context.Context, name string, trigger Trigger, stamps map[string]fetchStamp) int {
	gated := stamps != nil
	fetchCtx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
	defer cancel()

	posts := c.deps.Fetcher.FetchPosts(fetchCtx, name)
	if ctx.Err() != nil {
		c.unstamp(name, stamps)
		return 0
	}
	if len(posts) == 0 {
		return 0
	}
	if c.deps.Filter != nil {
		posts = c.deps.Filter.Apply(ctx, posts)
		if ctx.Err() != nil || len(posts) == 0 {
			return 0
		}
	}

	visible := c.lockWithVisible()
	if ctx.Err() != nil {
		c.mu.Unlock()
		return 0
	}
	if gated {
		if reason := c.shouldApplyLocked(); reason != ReasonNone {
			c.mu.Unlock()
			c.deps.Log(fmt.Sprintf("discard %d from %s: %s", len(posts), name, reason))
			c.events.Emit(otel.Event{Level: otel.LevelDebug, Kind: otel.KindFetchDiscard, Comp: "coord",
				Source: name, Trigger: string(trigger), Reason: string(reason), Count: len(posts)})
			return 0
		}
	}

	before := c.buf.Len()
	snap, ok := c.buf.Append(posts, visible)
	if ok {
		c.maybeScheduleMergeLocked()
	}
	c.mu.Unlock()

	if !ok {
		return 0
	}
	added := snap.Count - before
	c.deps.Log(fmt.Sprintf("buffered %d from %s (%d waiting)", added, name, snap.Count))
	c.events.Emit(otel.Event{Level: otel.LevelInfo, Kind: otel.KindBufferAppend, Comp: "coord",
		Source: name, Trigger: string(trigger), Count: added})
	c.publish(snap)
	return added
}

// unstamp rolls back the min-interval stamp of a cancelled fetch, unless a
// later fetch has stamped the source since.
func (c *Coordinator) unstamp(name string, stamps map[string]fetchStamp) {
	st, ok := stamps[name]
	if !ok {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.lastFetch[name].Equal(st.at) {
		return
	}
	if st.hadPrior {
		c.lastFetch[name] = st.prior
	} else {
		delete(c.lastFetch, name)
	}
}
