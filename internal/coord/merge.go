package coord

import (
	"context"
	"fmt"
	"time"

	"github.com/abelbrown/feedline/internal/otel"
	"github.com/abelbrown/feedline/internal/timeline"
)

// maybeScheduleMergeLocked (re)schedules the auto-merge when the reader is
// idle at the top and something is buffered. The newest schedule wins.
// Caller holds c.mu.
func (c *Coordinator) maybeScheduleMergeLocked() {
	if !c.nearTop || c.composing || c.scrolling || c.buf.Len() == 0 {
		return
	}
	c.scheduleMergeLocked(c.cfg.AutoMergeDelay)
}

func (c *Coordinator) scheduleMergeLocked(delay time.Duration) {
	if c.parent.Err() != nil {
		return
	}
	c.cancelMergeLocked()
	gen := c.mergeGen
	// Released by the callback, or by cancelMergeLocked if it never runs.
	c.wg.Add(1)
	c.mergeTimer = time.AfterFunc(delay, func() {
		defer c.wg.Done()
		c.fireAutoMerge(gen)
	})
}

// cancelMergeLocked stops the pending auto-merge. Bumping the generation
// also neutralises a timer that already fired but has not taken the lock.
func (c *Coordinator) cancelMergeLocked() {
	c.mergeGen++
	if c.mergeTimer != nil {
		if c.mergeTimer.Stop() {
			c.wg.Done()
		}
		c.mergeTimer = nil
	}
}

func (c *Coordinator) fireAutoMerge(gen uint64) {
	c.mu.Lock()
	if gen != c.mergeGen {
		c.mu.Unlock()
		return
	}
	c.mergeTimer = nil

	if !c.nearTop || c.composing || c.scrolling || c.buf.Len() == 0 {
		c.mu.Unlock()
		return
	}
	// Still inside the grace period: try again once it has passed.
	if idle := c.now().Sub(c.lastInteraction); idle < c.cfg.GracePeriod {
		c.scheduleMergeLocked(c.cfg.GracePeriod - idle)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.applyMerge(otel.KindMergeAuto)
}

// MergeBuffer applies everything buffered to the visible list now
// (the "N new posts" tap). Returns how many posts were handed to Merge.
func (c *Coordinator) MergeBuffer() int {
	c.mu.Lock()
	c.cancelMergeLocked()
	c.mu.Unlock()
	return c.applyMerge(otel.KindMergeTap)
}

// applyMerge hands the buffer to the merge callback, then prunes whatever
// became visible.
func (c *Coordinator) applyMerge(kind otel.EventKind) int {
	c.mu.Lock()
	items := c.buf.Items()
	c.mu.Unlock()
	if len(items) == 0 || c.deps.Merge == nil {
		return 0
	}

	c.deps.Merge(items)
	visible := c.deps.Visible()

	c.mu.Lock()
	c.visibleSeq++
	snap := c.buf.RemoveVisible(visible)
	c.mu.Unlock()

	c.deps.Log(fmt.Sprintf("%s: merged %d (%d still buffered)", kind, len(items), snap.Count))
	c.events.Emit(otel.Event{Level: otel.LevelInfo, Kind: kind, Comp: "coord", Count: len(items)})
	c.publish(snap)
	return len(items)
}

// ManualRefresh is the user-initiated refresh. When the reader is at the
// top with posts buffered, those are merged first and given SettleDelay to
// render; then the refresh callback reloads everything and the buffer is
// cleared. Unlike background work, its failure is returned. It is never
// cancelled by scroll or compose. Every source's last-fetch time is
// stamped on all paths.
func (c *Coordinator) ManualRefresh(ctx context.Context, intent RefreshIntent) error {
	start := c.now()
	defer c.stampAll()

	c.mu.Lock()
	c.cancelMergeLocked()
	mergeFirst := c.nearTop && c.buf.Len() > 0
	c.mu.Unlock()

	if mergeFirst {
		c.applyMerge(otel.KindMergeManual)
		settle := time.NewTimer(c.cfg.SettleDelay)
		select {
		case <-ctx.Done():
			settle.Stop()
			return ctx.Err()
		case <-settle.C:
		}
	} else {
		c.mu.Lock()
		drained := c.buf.Drain()
		snap := c.buf.Snapshot()
		c.mu.Unlock()
		if len(drained) > 0 {
			c.deps.Log(fmt.Sprintf("manual refresh: dropped %d buffered, reload will refetch", len(drained)))
			c.publish(snap)
		}
	}

	if c.deps.Refresh != nil {
		if err := c.deps.Refresh(ctx, intent); err != nil {
			c.events.Emit(otel.Event{Level: otel.LevelWarn, Kind: otel.KindMergeManual, Comp: "coord",
				Trigger: string(intent), Err: err.Error(), Dur: c.now().Sub(start)})
			return fmt.Errorf("manual refresh: %w", err)
		}
	}

	c.mu.Lock()
	c.visibleSeq++
	snap := c.buf.Clear()
	c.mu.Unlock()

	c.events.Emit(otel.Event{Level: otel.LevelInfo, Kind: otel.KindBufferClear, Comp: "coord",
		Trigger: string(intent), Dur: c.now().Sub(start)})
	c.publish(snap)
	return nil
}

func (c *Coordinator) stampAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for _, s := range c.cfg.Sources {
		c.lastFetch[s.Name] = now
	}
}

// LastFetch returns when source was last fetched (zero if never).
func (c *Coordinator) LastFetch(source string) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastFetch[source]
}

// Buffered returns a copy of the buffered posts, newest first.
func (c *Coordinator) Buffered() []timeline.Post {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Items()
}
