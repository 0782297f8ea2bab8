// Package index builds the time-ordered frame index for one track of an
// archive. Raw 32-bit clock values are unwrapped once at build time so the
// rest of the system compares plain 64-bit presentation timestamps, and
// frames are kept in a doubly-linked list ordered by (timestamp, sequence)
// that the playout scheduler walks forward.
package index

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/zsiec/replay/archive"
	"github.com/zsiec/replay/media"
)

// ErrEmpty reports an archive that parsed cleanly but contained no media
// frames, so there is nothing to index or play.
var ErrEmpty = errors.New("index: archive contains no media frames")

const (
	// halfRange32 is the backward-jump threshold that distinguishes a clock
	// reset from simple reordering.
	halfRange32 = uint32(1) << 31

	// wrapModulus is added to raw timestamps following a detected reset.
	wrapModulus = uint64(1) << 32

	// halfRange16 is the sequence-number gap beyond which a same-timestamp
	// comparison is treated as 16-bit wraparound.
	halfRange16 = 1 << 15
)

// Frame is one indexed media frame. It records where the payload lives on
// disk rather than owning the bytes, keeping build-time memory bounded
// regardless of archive size. Prev/Next link temporal neighbors within the
// same track only.
type Frame struct {
	Seq       uint16
	Timestamp uint64 // unwrapped presentation timestamp
	Len       uint16
	Offset    int64
	Prev      *Frame
	Next      *Frame
}

// Index is the ordered frame sequence for one track, together with the
// archive identity a playout session needs to reopen the file.
type Index struct {
	head  *Frame
	tail  *Frame
	count int
	kind  media.Kind
	codec string
	path  string
}

// Head returns the first frame in presentation order.
func (x *Index) Head() *Frame { return x.head }

// Tail returns the last frame in presentation order.
func (x *Index) Tail() *Frame { return x.tail }

// Count returns the number of indexed frames.
func (x *Index) Count() int { return x.count }

// Kind returns the track kind from the archive metadata.
func (x *Index) Kind() media.Kind { return x.kind }

// Codec returns the codec name from the archive metadata.
func (x *Index) Codec() string { return x.codec }

// Path returns the resolved archive path the index was built from.
func (x *Index) Path() string { return x.path }

// Build parses the archive at path and produces its ordered index. Framing
// errors abort the build entirely; a half-built index is never returned.
func Build(path string) (*Index, error) {
	f, err := archive.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	log := slog.With("component", "index", "archive", f.Path())

	// First pass: reset detection, reading transport headers only.
	det, err := detectReset(f, log)
	if err != nil {
		return nil, err
	}

	// Second pass: unwrap and insert in order.
	x := &Index{
		kind:  f.Info().Kind,
		codec: f.Info().Codec,
		path:  f.Path(),
	}
	var (
		prevRaw uint32
		haveRaw bool
		wrapped bool
	)
	err = f.Scan(func(e archive.Entry) error {
		if det.found && haveRaw && !wrapped &&
			e.Timestamp < prevRaw && prevRaw-e.Timestamp > halfRange32 {
			wrapped = true
		}
		prevRaw, haveRaw = e.Timestamp, true
		ts := uint64(e.Timestamp)
		if wrapped {
			ts += wrapModulus
		}
		x.insert(&Frame{
			Seq:       e.Seq,
			Timestamp: ts,
			Len:       e.Len,
			Offset:    e.Offset,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	if x.count == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmpty, f.Path())
	}
	log.Debug("index built",
		"kind", x.kind,
		"codec", x.codec,
		"frames", x.count,
		"first_ts", det.firstTS,
		"reset", det.found,
	)
	return x, nil
}

// detection is the outcome of the first pass over the archive.
type detection struct {
	firstTS uint32
	lastTS  uint32
	reset   uint32
	found   bool
	frames  int
}

// detectReset walks the media entries once looking for a large backward jump
// in the raw clock, which is assumed to be a source timestamp restart. The
// recorded reset value is overwritten by any later, smaller one, biasing
// toward the most recent restart. Multiple independent resets cannot be told
// apart from reordering; only the first is honored by the unwrap.
func detectReset(f *archive.File, log *slog.Logger) (detection, error) {
	var d detection
	err := f.Scan(func(e archive.Entry) error {
		if d.frames == 0 {
			d.firstTS = e.Timestamp
		} else if e.Timestamp < d.lastTS {
			if d.lastTS-e.Timestamp > halfRange32 {
				if !d.found {
					log.Debug("timestamp reset detected", "raw", e.Timestamp, "previous", d.lastTS)
				}
				d.reset = e.Timestamp
				d.found = true
			}
		} else if d.found && e.Timestamp < d.reset {
			log.Debug("updating timestamp reset", "raw", e.Timestamp, "was", d.reset)
			d.reset = e.Timestamp
		}
		d.lastTS = e.Timestamp
		d.frames++
		return nil
	})
	return d, err
}

// insert places p into the list by searching backward from the tail, which
// is O(1) for the mostly-ordered input archives produce. It steps back past
// every frame that is newer than p and links p after the first frame that is
// not; if none is found p becomes the new head.
func (x *Index) insert(p *Frame) {
	x.count++
	if x.head == nil {
		x.head, x.tail = p, p
		return
	}
	for cur := x.tail; cur != nil; cur = cur.Prev {
		if cur.Timestamp < p.Timestamp ||
			(cur.Timestamp == p.Timestamp && seqBefore(cur.Seq, p.Seq)) {
			p.Prev = cur
			p.Next = cur.Next
			if cur.Next != nil {
				cur.Next.Prev = p
			} else {
				x.tail = p
			}
			cur.Next = p
			return
		}
	}
	p.Next = x.head
	x.head.Prev = p
	x.head = p
}

// seqBefore reports whether sequence number a precedes b among frames that
// share a timestamp. A gap wider than half the 16-bit space is taken as
// wraparound, in which case the numerically larger value is the older one.
// A gap of exactly half the space is ambiguous and reports false.
func seqBefore(a, b uint16) bool {
	d := int32(a) - int32(b)
	if d < 0 {
		d = -d
	}
	switch {
	case d == 0 || d == halfRange16:
		return false
	case d < halfRange16:
		return a < b
	default:
		return a > b
	}
}
