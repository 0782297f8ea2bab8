// Package archive reads the self-describing binary capture format used to
// record one media track. An archive is a flat sequence of length-prefixed
// entries: a metadata header written once before any frames, followed by raw
// transport packets. The parser validates framing and extracts per-frame
// metadata; payload bytes are fetched on demand so an index build never
// buffers the file.
package archive

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/zsiec/replay/media"
)

// Entry framing: an 8-byte marker whose second byte selects the dialect,
// a big-endian uint16 payload length, then the payload itself.
const (
	markerSize = 8
	lengthSize = 2

	markerByte    = 'M'
	dialectLegacy = 'E' // "MEETECHO": kind-only header, frames
	dialectInfo   = 'J' // "MJR00002": JSON metadata header

	// legacyHeaderLen is the payload length of the legacy kind-only header.
	legacyHeaderLen = 5

	// minTransportHeader is the fixed transport-packet header size. Entries
	// shorter than this cannot be media frames and are skipped.
	minTransportHeader = 12

	// Extension appended to archive names that lack it.
	fileExt = ".mjr"
)

// Info describes one track's archive, taken from its metadata header. For
// legacy archives the codec is implied by the track kind and the timestamps
// are zero.
type Info struct {
	Kind       media.Kind
	Codec      string
	CreatedAt  int64
	FirstWrite int64
}

// Entry is one media frame's location and transport metadata, extracted
// during a scan. The payload stays on disk.
type Entry struct {
	Seq       uint16 // cyclic transport sequence number
	Timestamp uint32 // raw 32-bit media clock value
	Offset    int64  // payload offset into the file
	Len       uint16 // payload length in bytes
}

// File is an open, read-only archive. It is not safe for concurrent use;
// each playout session opens its own handle.
type File struct {
	f    *os.File
	size int64
	path string
	info Info
}

// Open opens the archive at path, appending the standard extension when
// missing, and parses its metadata header. A nonexistent file surfaces the
// underlying fs.ErrNotExist so setup can fail before any worker is spawned.
func Open(path string) (*File, error) {
	path = ResolvePath(path)
	osf, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("archive: open: %w", err)
	}
	st, err := osf.Stat()
	if err != nil {
		osf.Close()
		return nil, fmt.Errorf("archive: stat: %w", err)
	}
	f := &File{f: osf, size: st.Size(), path: path}
	if err := f.scan(nil, true); err != nil && !errors.Is(err, errStopScan) {
		osf.Close()
		return nil, err
	}
	return f, nil
}

// ResolvePath appends the archive extension when the name lacks it.
func ResolvePath(path string) string {
	if strings.Contains(path, fileExt) {
		return path
	}
	return path + fileExt
}

// Info returns the archive metadata parsed at open time.
func (f *File) Info() Info { return f.info }

// Path returns the resolved on-disk path.
func (f *File) Path() string { return f.path }

// Size returns the archive size in bytes.
func (f *File) Size() int64 { return f.size }

// Close releases the file handle.
func (f *File) Close() error { return f.f.Close() }

// ReadAt reads payload bytes at the given file offset. On a short read near
// the end of a damaged file it returns the bytes read along with the error,
// letting emission proceed with a truncated frame.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	return f.f.ReadAt(p, off)
}

// Scan walks every entry from the start of the file, validating framing, and
// invokes fn for each media-bearing entry with only its fixed transport
// header decoded. Metadata and sub-header-length entries are skipped. Any
// framing violation aborts the scan with an error.
func (f *File) Scan(fn func(Entry) error) error {
	return f.scan(fn, false)
}

// errStopScan ends a header-only scan once the metadata header (or the first
// media entry proving there is none) has been seen.
var errStopScan = errors.New("archive: stop scan")

func (f *File) scan(fn func(Entry) error, headerOnly bool) error {
	var (
		offset       int64
		parsedHeader bool
		hdr          [markerSize + lengthSize]byte
	)
	for offset < f.size {
		start := offset
		if _, err := f.f.ReadAt(hdr[:], offset); err != nil {
			return fmt.Errorf("%w: entry header at offset %d: %v", ErrTruncated, start, err)
		}
		if hdr[0] != markerByte {
			return fmt.Errorf("%w: bad marker 0x%02X at offset %d", ErrCorrupt, hdr[0], start)
		}
		dialect := hdr[1]
		length := binary.BigEndian.Uint16(hdr[markerSize:])
		payload := offset + markerSize + lengthSize
		offset = payload + int64(length)
		if offset > f.size {
			return fmt.Errorf("%w: entry at offset %d declares %d bytes, %d available",
				ErrTruncated, start, length, f.size-payload)
		}

		switch dialect {
		case dialectLegacy:
			if length == legacyHeaderLen && !parsedHeader {
				if err := f.parseLegacyHeader(payload); err != nil {
					return err
				}
				parsedHeader = true
				if headerOnly {
					return errStopScan
				}
				continue
			}
			if length < minTransportHeader {
				// Non-media entry, excluded from the index.
				continue
			}
		case dialectInfo:
			if length > 0 && !parsedHeader {
				if err := f.parseInfoHeader(payload, length); err != nil {
					return err
				}
				parsedHeader = true
				if headerOnly {
					return errStopScan
				}
			}
			// Info-dialect entries never carry media.
			continue
		default:
			return fmt.Errorf("%w: marker byte 0x%02X at offset %d", ErrUnsupportedDialect, dialect, start)
		}

		if headerOnly {
			// Frames before any header: there is no metadata to find.
			return errStopScan
		}
		if fn == nil {
			continue
		}
		var th [minTransportHeader]byte
		if _, err := f.f.ReadAt(th[:], payload); err != nil {
			return fmt.Errorf("%w: transport header at offset %d: %v", ErrTruncated, payload, err)
		}
		e := Entry{
			Seq:       binary.BigEndian.Uint16(th[2:4]),
			Timestamp: binary.BigEndian.Uint32(th[4:8]),
			Offset:    payload,
			Len:       length,
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// parseLegacyHeader decodes the kind-only header of old archives. The codec
// is implied: VP8 for video, Opus for audio.
func (f *File) parseLegacyHeader(offset int64) error {
	var buf [legacyHeaderLen]byte
	if _, err := f.f.ReadAt(buf[:], offset); err != nil {
		return fmt.Errorf("%w: legacy header: %v", ErrTruncated, err)
	}
	switch buf[0] {
	case 'v':
		f.info = Info{Kind: media.Video, Codec: media.LegacyVideoCodec}
	case 'a':
		f.info = Info{Kind: media.Audio, Codec: media.LegacyAudioCodec}
	default:
		return fmt.Errorf("%w: unknown track kind %q in legacy header", ErrCorrupt, buf[0])
	}
	return nil
}

// infoHeader is the JSON payload of the self-describing metadata entry.
// Pointer fields distinguish absent values, which are fatal.
type infoHeader struct {
	Kind       *string `json:"t"`
	Codec      *string `json:"c"`
	CreatedAt  *int64  `json:"s"`
	FirstWrite *int64  `json:"u"`
}

func (f *File) parseInfoHeader(offset int64, length uint16) error {
	buf := make([]byte, length)
	if _, err := f.f.ReadAt(buf, offset); err != nil {
		return fmt.Errorf("%w: info header: %v", ErrTruncated, err)
	}
	var ih infoHeader
	if err := json.Unmarshal(buf, &ih); err != nil {
		return fmt.Errorf("%w: info header: %v", ErrCorrupt, err)
	}
	if ih.Kind == nil || ih.Codec == nil || ih.CreatedAt == nil || ih.FirstWrite == nil {
		return fmt.Errorf("%w: info header missing required fields", ErrCorrupt)
	}
	var kind media.Kind
	switch strings.ToLower(*ih.Kind) {
	case "v":
		kind = media.Video
	case "a":
		kind = media.Audio
	default:
		return fmt.Errorf("%w: unknown track kind %q in info header", ErrCorrupt, *ih.Kind)
	}
	if *ih.Codec == "" {
		return fmt.Errorf("%w: empty codec in info header", ErrCorrupt)
	}
	f.info = Info{
		Kind:       kind,
		Codec:      *ih.Codec,
		CreatedAt:  *ih.CreatedAt,
		FirstWrite: *ih.FirstWrite,
	}
	return nil
}

// ProbeCodec opens the archive just long enough to read the codec name from
// its metadata header. Used when importing recordings into the registry.
func ProbeCodec(path string) (string, error) {
	f, err := Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if f.info.Codec == "" {
		return "", fmt.Errorf("%w: no codec metadata in %s", ErrCorrupt, f.path)
	}
	return f.info.Codec, nil
}
