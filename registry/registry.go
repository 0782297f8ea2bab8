// Package registry tracks the recordings available for playout, importing
// them from sidecar descriptors found next to the archive files. The
// registry is the only structure shared across sessions; every insert and
// remove is mutex-guarded, and reference counting keeps an entry alive while
// any session holds it.
package registry

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/zsiec/replay/archive"
	"github.com/zsiec/replay/media"
)

// descriptorExt is the sidecar extension scanned on Update.
const descriptorExt = ".nfo"

// descriptor is the on-disk sidecar: a human-readable mapping from a
// recording id to its display name, date, and per-track archive files.
type descriptor struct {
	ID    uint64 `yaml:"id"`
	Name  string `yaml:"name"`
	Date  string `yaml:"date"`
	Audio string `yaml:"audio"`
	Video string `yaml:"video"`
}

// Recording is one playable capture: up to one audio and one video archive
// plus display metadata. Fields are immutable after import; sessions hold a
// Recording through a counted reference.
type Recording struct {
	ID         uint64
	Name       string
	Date       string
	AudioFile  string
	VideoFile  string
	AudioCodec string
	VideoCodec string

	refs    atomic.Int64
	removed atomic.Bool
}

// HasAudio reports whether the recording carries an audio track.
func (r *Recording) HasAudio() bool { return r.AudioFile != "" }

// HasVideo reports whether the recording carries a video track.
func (r *Recording) HasVideo() bool { return r.VideoFile != "" }

// AudioPayloadType returns the payload type emitted packets of the audio
// track are stamped with.
func (r *Recording) AudioPayloadType() uint8 {
	return media.PayloadType(media.Audio, r.AudioCodec)
}

// VideoPayloadType returns the payload type for the video track.
func (r *Recording) VideoPayloadType() uint8 {
	return media.PayloadType(media.Video, r.VideoCodec)
}

// Refs returns the number of sessions currently holding the recording.
func (r *Recording) Refs() int64 { return r.refs.Load() }

// Removed reports whether the recording's descriptor has disappeared from
// the directory. Sessions already holding a reference may keep playing; new
// lookups will not find it.
func (r *Recording) Removed() bool { return r.removed.Load() }

// Release drops one session reference, taken via Registry.Get.
func (r *Recording) Release() {
	r.refs.Add(-1)
}

// Registry is the mutex-guarded id → recording table.
type Registry struct {
	log *slog.Logger
	dir string

	mu   sync.Mutex
	recs map[uint64]*Recording
}

// New creates a Registry over the given recordings directory. If log is nil,
// slog.Default() is used. Call Update to populate it.
func New(dir string, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:  log.With("component", "registry"),
		dir:  dir,
		recs: make(map[uint64]*Recording),
	}
}

// Dir returns the recordings directory.
func (g *Registry) Dir() string { return g.dir }

// Get returns the recording with the given id, acquiring a reference the
// caller must Release when its session ends.
func (g *Registry) Get(id uint64) (*Recording, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.recs[id]
	if !ok {
		return nil, false
	}
	rec.refs.Add(1)
	return rec, true
}

// List returns a snapshot of all known recordings, without references.
func (g *Registry) List() []*Recording {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Recording, 0, len(g.recs))
	for _, rec := range g.recs {
		out = append(out, rec)
	}
	return out
}

// Update rescans the directory for sidecar descriptors: new recordings are
// imported (probing each archive for its codec), known ids are kept as-is,
// and recordings whose descriptor disappeared are removed. Removal of an
// entry still referenced by a session is logical only; the session keeps its
// pointer until it releases it.
func (g *Registry) Update() error {
	entries, err := os.ReadDir(g.dir)
	if err != nil {
		return fmt.Errorf("registry: read dir: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	seen := make(map[uint64]bool, len(g.recs))
	for _, ent := range entries {
		if ent.IsDir() || !strings.EqualFold(filepath.Ext(ent.Name()), descriptorExt) {
			continue
		}
		d, err := readDescriptor(filepath.Join(g.dir, ent.Name()))
		if err != nil {
			g.log.Warn("skipping invalid descriptor", "file", ent.Name(), "error", err)
			continue
		}
		seen[d.ID] = true
		if _, ok := g.recs[d.ID]; ok {
			// Already imported; descriptors are immutable per id.
			continue
		}
		rec := g.importRecording(d)
		g.recs[d.ID] = rec
		g.log.Info("recording imported",
			"id", rec.ID,
			"name", rec.Name,
			"audio", rec.AudioFile,
			"video", rec.VideoFile,
		)
	}

	for id, rec := range g.recs {
		if seen[id] {
			continue
		}
		delete(g.recs, id)
		rec.removed.Store(true)
		if n := rec.refs.Load(); n > 0 {
			g.log.Info("recording removed while in use, deferring teardown", "id", id, "refs", n)
		} else {
			g.log.Info("recording removed", "id", id)
		}
	}
	return nil
}

func readDescriptor(path string) (descriptor, error) {
	var d descriptor
	buf, err := os.ReadFile(path)
	if err != nil {
		return d, err
	}
	if err := yaml.Unmarshal(buf, &d); err != nil {
		return d, err
	}
	switch {
	case d.ID == 0:
		return d, fmt.Errorf("missing or zero id")
	case d.Name == "" || d.Date == "":
		return d, fmt.Errorf("missing name or date")
	case d.Audio == "" && d.Video == "":
		return d, fmt.Errorf("no audio and no video file")
	}
	return d, nil
}

// importRecording builds a Recording from its descriptor, probing each
// archive's metadata header for the codec. A failed probe leaves the codec
// empty and the default payload type in effect.
func (g *Registry) importRecording(d descriptor) *Recording {
	rec := &Recording{
		ID:        d.ID,
		Name:      d.Name,
		Date:      d.Date,
		AudioFile: d.Audio,
		VideoFile: d.Video,
	}
	if d.Audio != "" {
		codec, err := archive.ProbeCodec(filepath.Join(g.dir, d.Audio))
		if err != nil {
			g.log.Warn("could not probe audio codec", "id", d.ID, "file", d.Audio, "error", err)
		}
		rec.AudioCodec = codec
	}
	if d.Video != "" {
		codec, err := archive.ProbeCodec(filepath.Join(g.dir, d.Video))
		if err != nil {
			g.log.Warn("could not probe video codec", "id", d.ID, "file", d.Video, "error", err)
		}
		rec.VideoCodec = codec
	}
	return rec
}
