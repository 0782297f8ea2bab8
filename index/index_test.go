package index

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/pion/rtp"

	"github.com/zsiec/replay/media"
)

const legacyMarker = "MEETECHO"

type frameSpec struct {
	seq uint16
	ts  uint32
}

// buildArchive writes a legacy audio archive containing the given frames in
// file order and returns its path.
func buildArchive(t *testing.T, frames []frameSpec) string {
	t.Helper()
	var buf bytes.Buffer
	appendEntry(&buf, []byte("audio"))
	for _, fs := range frames {
		pkt := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    96,
				SequenceNumber: fs.seq,
				Timestamp:      fs.ts,
				SSRC:           0xDECAFBAD,
			},
			Payload: []byte{0x01, 0x02, 0x03, 0x04},
		}
		raw, err := pkt.Marshal()
		if err != nil {
			t.Fatal(err)
		}
		appendEntry(&buf, raw)
	}
	path := filepath.Join(t.TempDir(), "track.mjr")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func appendEntry(buf *bytes.Buffer, payload []byte) {
	buf.WriteString(legacyMarker)
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(payload)))
	buf.Write(l[:])
	buf.Write(payload)
}

func collect(x *Index) []*Frame {
	var out []*Frame
	for f := x.Head(); f != nil; f = f.Next {
		out = append(out, f)
	}
	return out
}

// checkOrdered asserts the total-order invariant: adjacent frames ascend by
// timestamp, with the wraparound-aware sequence tie-break at equal stamps.
func checkOrdered(t *testing.T, x *Index) {
	t.Helper()
	for f := x.Head(); f != nil && f.Next != nil; f = f.Next {
		n := f.Next
		if f.Timestamp < n.Timestamp {
			continue
		}
		if f.Timestamp == n.Timestamp && !seqBefore(n.Seq, f.Seq) {
			continue
		}
		t.Fatalf("order violated: (ts=%d seq=%d) before (ts=%d seq=%d)",
			f.Timestamp, f.Seq, n.Timestamp, n.Seq)
	}
}

func TestBuildOrdersOutOfOrderFrames(t *testing.T) {
	t.Parallel()
	path := buildArchive(t, []frameSpec{
		{3, 3000}, {1, 1000}, {4, 4000}, {2, 2000}, {5, 5000},
	})
	x, err := Build(path)
	if err != nil {
		t.Fatal(err)
	}
	if x.Count() != 5 {
		t.Fatalf("count = %d, want 5", x.Count())
	}
	checkOrdered(t, x)

	want := []uint64{1000, 2000, 3000, 4000, 5000}
	for i, f := range collect(x) {
		if f.Timestamp != want[i] {
			t.Errorf("frame %d: ts = %d, want %d", i, f.Timestamp, want[i])
		}
	}
	if x.Kind() != media.Audio {
		t.Errorf("kind = %q, want audio", x.Kind())
	}
	if x.Codec() != media.LegacyAudioCodec {
		t.Errorf("codec = %q, want %q", x.Codec(), media.LegacyAudioCodec)
	}
}

func TestBuildIdempotent(t *testing.T) {
	t.Parallel()
	path := buildArchive(t, []frameSpec{
		{9, 900}, {2, 100}, {5, 500}, {5, 500}, {7, 700}, {1, 100},
	})
	first, err := Build(path)
	if err != nil {
		t.Fatal(err)
	}
	second, err := Build(path)
	if err != nil {
		t.Fatal(err)
	}

	a, b := collect(first), collect(second)
	if len(a) != len(b) {
		t.Fatalf("counts differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i].Timestamp != b[i].Timestamp || a[i].Seq != b[i].Seq ||
			a[i].Offset != b[i].Offset || a[i].Len != b[i].Len {
			t.Errorf("frame %d differs between builds: %+v vs %+v", i, a[i], b[i])
		}
	}
}

func TestBuildDiscontinuity(t *testing.T) {
	t.Parallel()
	// Raw clock climbs almost to the 32-bit limit, resets, and keeps going.
	path := buildArchive(t, []frameSpec{
		{1, 0}, {2, 1000}, {3, 2000},
		{4, 4294965000}, {5, 4294966000},
		{6, 500}, {7, 1500},
	})
	x, err := Build(path)
	if err != nil {
		t.Fatal(err)
	}
	checkOrdered(t, x)

	frames := collect(x)
	want := []uint64{0, 1000, 2000, 4294965000, 4294966000, 4294967796, 4294968796}
	if len(frames) != len(want) {
		t.Fatalf("count = %d, want %d", len(frames), len(want))
	}
	for i, f := range frames {
		if f.Timestamp != want[i] {
			t.Errorf("frame %d: ts = %d, want %d", i, f.Timestamp, want[i])
		}
	}
	// The post-reset frames sit after every pre-reset frame.
	if frames[5].Seq != 6 || frames[6].Seq != 7 {
		t.Errorf("post-reset frames out of place: tail seqs %d, %d", frames[5].Seq, frames[6].Seq)
	}
}

func TestBuildNoDiscontinuityKeepsRawStamps(t *testing.T) {
	t.Parallel()
	// A small backward jump is reordering, not a reset.
	path := buildArchive(t, []frameSpec{
		{1, 1000}, {3, 3000}, {2, 2000},
	})
	x, err := Build(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range collect(x) {
		if f.Timestamp > 3000 {
			t.Errorf("timestamp %d was unwrapped without a discontinuity", f.Timestamp)
		}
	}
}

func TestBuildSequenceWraparoundTieBreak(t *testing.T) {
	t.Parallel()
	// Four fragments of one frame, written while the 16-bit sequence wraps.
	path := buildArchive(t, []frameSpec{
		{65534, 9000}, {65535, 9000}, {0, 9000}, {1, 9000},
	})
	x, err := Build(path)
	if err != nil {
		t.Fatal(err)
	}
	checkOrdered(t, x)

	want := []uint16{65534, 65535, 0, 1}
	for i, f := range collect(x) {
		if f.Seq != want[i] {
			t.Errorf("position %d: seq = %d, want %d", i, f.Seq, want[i])
		}
	}
}

func TestBuildEmptyArchive(t *testing.T) {
	t.Parallel()
	path := buildArchive(t, nil)
	if _, err := Build(path); !errors.Is(err, ErrEmpty) {
		t.Errorf("error = %v, want ErrEmpty", err)
	}
}

func TestBuildExcludesShortEntries(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	appendEntry(&buf, []byte("audio"))
	appendEntry(&buf, bytes.Repeat([]byte{0x00}, 10)) // too short for a transport header
	pkt := &rtp.Packet{
		Header:  rtp.Header{Version: 2, SequenceNumber: 1, Timestamp: 100},
		Payload: []byte{0xAA},
	}
	raw, err := pkt.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	appendEntry(&buf, raw)
	path := filepath.Join(t.TempDir(), "short.mjr")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}

	x, err := Build(path)
	if err != nil {
		t.Fatal(err)
	}
	if x.Count() != 1 {
		t.Errorf("count = %d, want 1 (length-10 entry must never be indexed)", x.Count())
	}
}

func TestBuildAbortsOnTruncation(t *testing.T) {
	t.Parallel()
	full := buildArchive(t, []frameSpec{{1, 1000}, {2, 2000}})
	raw, err := os.ReadFile(full)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "cut.mjr")
	if err := os.WriteFile(path, raw[:len(raw)-5], 0o644); err != nil {
		t.Fatal(err)
	}

	x, err := Build(path)
	if err == nil {
		t.Fatal("Build should fail on a truncated archive, no partial index")
	}
	if x != nil {
		t.Error("a failed build must not return an index")
	}
}

func TestSeqBefore(t *testing.T) {
	t.Parallel()
	cases := []struct {
		a, b uint16
		want bool
	}{
		{1, 2, true},
		{2, 1, false},
		{5, 5, false},
		{65535, 0, true},  // wraparound: larger value is older
		{0, 65535, false},
		{1, 40000, false}, // gap beyond half the space reads as wraparound
		{40000, 1, true},
		{0, 32768, false}, // exactly half is ambiguous
		{32768, 0, false},
	}
	for _, c := range cases {
		if got := seqBefore(c.a, c.b); got != c.want {
			t.Errorf("seqBefore(%d, %d) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}
