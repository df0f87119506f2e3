package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var unreadCmd = &cobra.Command{
	Use:   "unread",
	Short: "Show the unread count",
	RunE:  unreadAction,
}

var unreadClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Mark every loaded post read",
	RunE:  unreadClearAction,
}

func init() {
	unreadCmd.AddCommand(unreadClearCmd)
	rootCmd.AddCommand(unreadCmd)
}

func unreadAction(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.ctrl.Load(ctx); err != nil {
		return err
	}
	s := a.ctrl.State()
	fmt.Fprintf(cmd.OutOrStdout(), "%d unread of %d posts\n", s.UnreadCount, len(s.Posts))
	return nil
}

func unreadClearAction(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.ctrl.Load(ctx); err != nil {
		return err
	}
	before := a.ctrl.State().UnreadCount
	a.ctrl.ClearAllUnread()
	fmt.Fprintf(cmd.OutOrStdout(), "cleared %d unread\n", before)
	return nil
}
