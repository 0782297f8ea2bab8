// Package playout drives time-paced emission of indexed frames to a sink,
// reproducing the original media clock. Up to two tracks (audio and video)
// are serviced by one dedicated worker per session; their pacing references
// are independent and only loosely synchronized by starting near the same
// instant.
package playout

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"

	"github.com/zsiec/replay/archive"
	"github.com/zsiec/replay/index"
	"github.com/zsiec/replay/media"
)

// Sink receives emitted frames for transport. Implementations are external
// to this engine and assumed non-blocking.
type Sink interface {
	Emit(kind media.Kind, payload []byte)
}

const (
	// idleTick bounds the sleep between scheduling passes when neither
	// track emitted, which also bounds cancellation latency.
	idleTick = 5 * time.Millisecond

	// earlyFire lets a frame go out slightly before its due time rather
	// than a full idle tick after it.
	earlyFire = 5 * time.Millisecond
)

// ErrNoTracks reports a playout configured without any index.
var ErrNoTracks = errors.New("playout: no tracks to play")

// Config describes one playout session.
type Config struct {
	Audio  *index.Index // optional
	Video  *index.Index // optional
	Sink   Sink
	Log    *slog.Logger
	OnDone func() // invoked after teardown, may be nil
}

type trackState int

const (
	atStart trackState = iota
	running
	trackDone
)

// track is the per-track playout cursor: it advances monotonically through
// the index and is never rewound.
type track struct {
	kind  media.Kind
	file  *archive.File
	head  *index.Frame
	cur   *index.Frame
	state trackState
	ref   time.Time // pacing reference: wall-clock instant of the last emit
	khz   int64
	pt    uint8
	burst bool // emit the whole same-timestamp group at once
}

func (t *track) pending() bool {
	return t != nil && t.cur != nil
}

// Player replays one or two indexed tracks through a sink. Create with New,
// then call Run on a dedicated goroutine; Stop deactivates the session
// cooperatively within roughly one idle tick.
type Player struct {
	log    *slog.Logger
	sink   Sink
	audio  *track
	video  *track
	active atomic.Bool
	onDone func()
}

// New opens the archive files for the configured tracks. Any open failure is
// fatal to starting playout and reported synchronously, before a worker
// exists.
func New(cfg Config) (*Player, error) {
	if cfg.Sink == nil {
		return nil, errors.New("playout: nil sink")
	}
	if cfg.Audio == nil && cfg.Video == nil {
		return nil, ErrNoTracks
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	p := &Player{
		log:    log.With("component", "playout"),
		sink:   cfg.Sink,
		onDone: cfg.OnDone,
	}
	if cfg.Audio != nil {
		t, err := newTrack(cfg.Audio, media.Audio, false)
		if err != nil {
			return nil, err
		}
		p.audio = t
	}
	if cfg.Video != nil {
		t, err := newTrack(cfg.Video, media.Video, true)
		if err != nil {
			if p.audio != nil {
				p.audio.file.Close()
			}
			return nil, err
		}
		p.video = t
	}
	p.active.Store(true)
	return p, nil
}

func newTrack(idx *index.Index, kind media.Kind, burst bool) (*track, error) {
	f, err := archive.Open(idx.Path())
	if err != nil {
		return nil, err
	}
	return &track{
		kind:  kind,
		file:  f,
		head:  idx.Head(),
		cur:   idx.Head(),
		khz:   media.ClockRateKHz(kind, idx.Codec()),
		pt:    media.PayloadType(kind, idx.Codec()),
		burst: burst,
	}, nil
}

// Stop deactivates the session. The worker observes the flag on its next
// tick and tears down.
func (p *Player) Stop() {
	p.active.Store(false)
}

// Run drives paced delivery until both tracks are exhausted, Stop is called,
// or ctx is cancelled. It services both tracks every tick and sleeps one
// idle tick only when neither emitted. On return the file handles are closed
// and the frame lists released.
func (p *Player) Run(ctx context.Context) {
	defer p.teardown()
	p.log.Info("playout started",
		"audio", p.audio.pending(),
		"video", p.video.pending(),
	)
	buf := make([]byte, 64<<10)
	for p.active.Load() && ctx.Err() == nil && (p.audio.pending() || p.video.pending()) {
		sent := false
		if p.audio.pending() {
			sent = p.service(p.audio, buf) || sent
		}
		if p.video.pending() {
			sent = p.service(p.video, buf) || sent
		}
		if !sent {
			select {
			case <-ctx.Done():
			case <-time.After(idleTick):
			}
		}
	}
}

// service emits the track's due frames for this tick and reports whether
// anything went out.
func (p *Player) service(t *track, buf []byte) bool {
	if t.state == atStart {
		// First frames go out immediately and set the pacing reference.
		p.emit(t, buf)
		t.ref = time.Now()
		t.state = running
		return true
	}
	delta := t.cur.Timestamp - t.cur.Prev.Timestamp
	dur := time.Duration(delta) * time.Millisecond / time.Duration(t.khz)
	if time.Since(t.ref) < dur-earlyFire {
		return false
	}
	// Advance the reference by the media-clock duration, not to now, so
	// pacing does not drift by the scheduling slack of each tick.
	t.ref = t.ref.Add(dur)
	p.emit(t, buf)
	return true
}

// emit sends the frame under the cursor, plus the rest of its
// same-timestamp burst when the track coalesces (one video frame may span
// several transport packets). The cursor advances past everything sent.
func (p *Player) emit(t *track, buf []byte) {
	ts := t.cur.Timestamp
	for t.cur != nil && t.cur.Timestamp == ts {
		p.emitFrame(t, t.cur, buf)
		t.cur = t.cur.Next
		if !t.burst {
			break
		}
	}
	if t.cur == nil {
		t.state = trackDone
		p.log.Info("track finished", "track", t.kind)
	}
}

// emitFrame fetches the payload bytes and hands them to the sink. A short
// read is recoverable: the frame goes out with whatever bytes were read,
// since dropping one frame beats aborting a live playout.
func (p *Player) emitFrame(t *track, fr *index.Frame, buf []byte) {
	n, err := t.file.ReadAt(buf[:fr.Len], fr.Offset)
	if n < int(fr.Len) {
		p.log.Warn("short read at emission, sending truncated frame",
			"track", t.kind,
			"offset", fr.Offset,
			"want", fr.Len,
			"got", n,
			"error", err,
		)
	}
	if n <= 0 {
		return
	}
	p.sink.Emit(t.kind, restamp(buf[:n], t.pt))
}

// restamp rewrites the packet's payload-type field to the session's
// negotiated value. A packet that does not parse is emitted as captured.
func restamp(pkt []byte, pt uint8) []byte {
	var parsed rtp.Packet
	if err := parsed.Unmarshal(pkt); err != nil {
		return pkt
	}
	parsed.Header.PayloadType = pt
	out, err := parsed.Marshal()
	if err != nil {
		return pkt
	}
	return out
}

// teardown releases both frame sequences, closes the file handles, and
// signals the owner.
func (p *Player) teardown() {
	for _, t := range []*track{p.audio, p.video} {
		if t == nil {
			continue
		}
		t.file.Close()
		t.head = nil
		t.cur = nil
	}
	p.log.Info("playout finished")
	if p.onDone != nil {
		p.onDone()
	}
}
