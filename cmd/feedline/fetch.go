package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/abelbrown/feedline/internal/fetch"
	"github.com/abelbrown/feedline/internal/timeline"
)

// brokenAfter is the failure streak at which a source is flagged.
const brokenAfter = 3

var fetchMerge bool

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Fetch every source once into the buffer and report what arrived",
	RunE:  fetchAction,
}

func init() {
	fetchCmd.Flags().BoolVar(&fetchMerge, "merge", false, "merge buffered posts into the timeline")
	rootCmd.AddCommand(fetchCmd)
}

func fetchAction(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close()
	a.coord.Start(ctx)

	// Load first so posts already on the timeline are not buffered again.
	if err := a.ctrl.Load(ctx); err != nil {
		return err
	}

	start := time.Now()
	added := a.coord.FetchToBuffer(ctx)
	snap := a.coord.Snapshot()
	out := cmd.OutOrStdout()

	fmt.Fprintf(out, "fetched %d new posts in %s\n", added, time.Since(start).Round(time.Millisecond))
	printSnapshot(out, snap)
	printHealth(out, a.fetcher.Health())

	if fetchMerge && !snap.Empty() {
		n := a.coord.MergeBuffer()
		fmt.Fprintf(out, "merged %d posts into %q\n", n, a.cfg.Position.TimelineID)
	}
	return nil
}

func printSnapshot(w io.Writer, snap timeline.BufferSnapshot) {
	if snap.Empty() {
		fmt.Fprintln(w, "buffer: empty")
		return
	}
	fmt.Fprintf(w, "buffer: %d posts from %s, oldest %s\n",
		snap.Count, strings.Join(snap.Sources, ", "), snap.Earliest.Local().Format(time.DateTime))
}

func printHealth(w io.Writer, health []fetch.Health) {
	for _, h := range health {
		status := "ok"
		switch {
		case h.Broken(brokenAfter):
			status = fmt.Sprintf("BROKEN (%d failures)", h.ConsecutiveFailures)
		case h.ConsecutiveFailures > 0:
			status = fmt.Sprintf("failing (%d)", h.ConsecutiveFailures)
		case h.LastAttempt.IsZero():
			status = "not fetched"
		}
		line := fmt.Sprintf("  %-20s %-22s %4d posts", h.Source, status, h.LastCount)
		if h.LastError != "" {
			line += "  " + h.LastError
		}
		fmt.Fprintln(w, line)
	}
}
