// Package main is the replay CLI. It lists the recordings available in a
// directory, inspects archive indices, and drives a local paced playout for
// diagnostics.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "replay",
	Short: "Index and replay recorded media archives",
	Long: `replay - archive indexing and paced playout.

Recordings are pairs of per-track archive files (audio and/or video)
described by a sidecar descriptor. The CLI can list a recordings
directory, inspect the ordered index built from an archive, and replay
a recording against a local diagnostic sink with original pacing.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
