package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version and Commit are set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
)

var (
	configPath string
	debugLog   bool
)

var rootCmd = &cobra.Command{
	Use:           "feedline",
	Short:         "A federated timeline that keeps your place",
	Long:          "feedline merges RSS and Atom sources into one timeline, buffers new posts in the background, and restores your reading position across restarts and devices.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "feedline %s (%s)\n", Version, Commit)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.feedline/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debugLog, "debug", false, "write debug lines to the log file")
	rootCmd.AddCommand(versionCmd)
}
