package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/zsiec/replay/index"
	"github.com/zsiec/replay/media"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <archive>...",
	Short: "Build and summarize the ordered index of one or more archives",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, path := range args {
			x, err := index.Build(path)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			span := x.Tail().Timestamp - x.Head().Timestamp
			khz := media.ClockRateKHz(x.Kind(), x.Codec())
			dur := time.Duration(span) * time.Millisecond / time.Duration(khz)
			fmt.Printf("%s: kind=%s codec=%s frames=%d span=%s first(seq=%d ts=%d) last(seq=%d ts=%d)\n",
				x.Path(), x.Kind(), orUnknown(x.Codec()), x.Count(), dur.Round(time.Millisecond),
				x.Head().Seq, x.Head().Timestamp, x.Tail().Seq, x.Tail().Timestamp)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}
