package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/zsiec/replay/registry"
)

var listDir string

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List recordings described by sidecar descriptors in a directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg := registry.New(listDir, nil)
		if err := reg.Update(); err != nil {
			return err
		}
		recs := reg.List()
		if len(recs) == 0 {
			fmt.Println("no recordings found")
			return nil
		}
		sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })
		for _, r := range recs {
			fmt.Printf("%d\t%q\t%s", r.ID, r.Name, r.Date)
			if r.HasAudio() {
				fmt.Printf("\taudio=%s (%s)", r.AudioFile, orUnknown(r.AudioCodec))
			}
			if r.HasVideo() {
				fmt.Printf("\tvideo=%s (%s)", r.VideoFile, orUnknown(r.VideoCodec))
			}
			fmt.Println()
		}
		return nil
	},
}

func orUnknown(codec string) string {
	if codec == "" {
		return "unknown codec"
	}
	return codec
}

func init() {
	listCmd.Flags().StringVarP(&listDir, "dir", "d", ".", "recordings directory")
	rootCmd.AddCommand(listCmd)
}
