package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var positionJSON bool

var positionCmd = &cobra.Command{
	Use:   "position",
	Short: "Show the saved anchor and the position history",
	RunE:  positionAction,
}

func init() {
	positionCmd.Flags().BoolVar(&positionJSON, "json", false, "print the history as JSON")
	rootCmd.AddCommand(positionCmd)
}

func positionAction(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	snaps := a.engine.Snapshots()
	out := cmd.OutOrStdout()
	if positionJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(snaps)
	}

	timelineID := a.cfg.Position.TimelineID
	anchor, ok, err := a.store.Anchor(ctx, timelineID)
	if err != nil {
		return fmt.Errorf("read anchor: %w", err)
	}
	if ok {
		fmt.Fprintf(out, "anchor for %q: %s (offset %.1f, saved %s)\n",
			timelineID, anchor.PostID, anchor.Offset, anchor.SavedAt.Local().Format(time.DateTime))
	} else {
		fmt.Fprintf(out, "no anchor saved for %q\n", timelineID)
	}

	if len(snaps) == 0 {
		fmt.Fprintln(out, "history: empty")
		return nil
	}
	fmt.Fprintf(out, "history: %d snapshots, oldest first\n", len(snaps))
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RECORDED\tANCHOR\tINDEX\tMETHOD\tDEVICE")
	for _, s := range snaps {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
			s.Timestamp.Local().Format(time.DateTime), s.AnchorID, s.Index, s.Method, s.DeviceID)
	}
	return tw.Flush()
}
