package archive

import "errors"

// Sentinel errors for archive parsing. Callers distinguish failure modes
// with errors.Is; all of them abort index construction for the track.
var (
	ErrCorrupt            = errors.New("archive: corrupt entry")
	ErrTruncated          = errors.New("archive: truncated entry")
	ErrUnsupportedDialect = errors.New("archive: unsupported dialect")
)
