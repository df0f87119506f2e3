package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var errSyncDisabled = errors.New("sync is not enabled (set sync.enabled in the config)")

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Exchange position history with the remote store once",
	RunE:  syncAction,
}

func init() {
	rootCmd.AddCommand(syncCmd)
}

func syncAction(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	if a.mirror == nil {
		return errSyncDisabled
	}
	res, err := a.mirror.Sync(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "downloaded %d snapshots, %d merged\n", res.Downloaded, res.Merged)
	if res.Throttled {
		fmt.Fprintln(out, "upload skipped: rate limited")
	} else {
		fmt.Fprintf(out, "uploaded %d snapshots\n", res.Uploaded)
	}
	return nil
}
