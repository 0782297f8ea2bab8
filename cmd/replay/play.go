package main

import (
	"fmt"
	"log/slog"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/replay/index"
	"github.com/zsiec/replay/media"
	"github.com/zsiec/replay/playout"
	"github.com/zsiec/replay/registry"
)

var (
	playDir   string
	playID    uint64
	playAudio string
	playVideo string
)

var playCmd = &cobra.Command{
	Use:   "play",
	Short: "Replay a recording with original pacing against a diagnostic sink",
	Long: `Replay a recording with original pacing.

Select the recording either by id from a recordings directory
(--dir/--id, resolved through its sidecar descriptor) or by naming the
archive files directly (--audio/--video). Emitted packets go to a local
counting sink; delivery to a real transport is the embedder's job.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		audioPath, videoPath := playAudio, playVideo
		if playID != 0 {
			reg := registry.New(playDir, nil)
			if err := reg.Update(); err != nil {
				return err
			}
			rec, ok := reg.Get(playID)
			if !ok {
				return fmt.Errorf("no recording with id %d in %s", playID, playDir)
			}
			defer rec.Release()
			if rec.HasAudio() {
				audioPath = filepath.Join(playDir, rec.AudioFile)
			}
			if rec.HasVideo() {
				videoPath = filepath.Join(playDir, rec.VideoFile)
			}
		}
		if audioPath == "" && videoPath == "" {
			return fmt.Errorf("nothing to play: pass --id or --audio/--video")
		}

		var (
			audioIdx *index.Index
			videoIdx *index.Index
			err      error
		)
		if audioPath != "" {
			if audioIdx, err = index.Build(audioPath); err != nil {
				return err
			}
			slog.Info("audio index ready", "frames", audioIdx.Count(), "codec", audioIdx.Codec())
		}
		if videoPath != "" {
			if videoIdx, err = index.Build(videoPath); err != nil {
				return err
			}
			slog.Info("video index ready", "frames", videoIdx.Count(), "codec", videoIdx.Codec())
		}

		sink := &countingSink{}
		done := make(chan struct{})
		player, err := playout.New(playout.Config{
			Audio:  audioIdx,
			Video:  videoIdx,
			Sink:   sink,
			OnDone: func() { close(done) },
		})
		if err != nil {
			return err
		}

		started := time.Now()
		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			player.Run(ctx)
			return nil
		})
		select {
		case <-ctx.Done():
			player.Stop()
		case <-done:
		}
		if err := g.Wait(); err != nil {
			return err
		}

		fmt.Printf("played %d audio packets (%d bytes), %d video packets (%d bytes) in %s\n",
			sink.audioPackets.Load(), sink.audioBytes.Load(),
			sink.videoPackets.Load(), sink.videoBytes.Load(),
			time.Since(started).Round(time.Millisecond))
		return nil
	},
}

// countingSink is the diagnostic sink: it only counts what a transport
// would have delivered.
type countingSink struct {
	audioPackets atomic.Int64
	audioBytes   atomic.Int64
	videoPackets atomic.Int64
	videoBytes   atomic.Int64
}

func (s *countingSink) Emit(kind media.Kind, payload []byte) {
	if kind == media.Video {
		s.videoPackets.Add(1)
		s.videoBytes.Add(int64(len(payload)))
		return
	}
	s.audioPackets.Add(1)
	s.audioBytes.Add(int64(len(payload)))
}

func init() {
	playCmd.Flags().StringVarP(&playDir, "dir", "d", ".", "recordings directory")
	playCmd.Flags().Uint64Var(&playID, "id", 0, "recording id from a sidecar descriptor")
	playCmd.Flags().StringVar(&playAudio, "audio", "", "audio archive file")
	playCmd.Flags().StringVar(&playVideo, "video", "", "video archive file")
	rootCmd.AddCommand(playCmd)
}
