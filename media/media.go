// Package media defines the track and codec types shared by the archive
// parser, the frame index, and the playout scheduler.
package media

// Kind identifies which track an archive or frame belongs to. Audio and
// video tracks are indexed and paced independently and are never mixed
// within one archive file.
type Kind string

// Track kinds.
const (
	Audio Kind = "audio"
	Video Kind = "video"
)

// Valid reports whether k is a known track kind.
func (k Kind) Valid() bool {
	return k == Audio || k == Video
}

func (k Kind) String() string {
	return string(k)
}

// Codecs implied by the legacy archive dialect, which names only the track
// kind in its header.
const (
	LegacyAudioCodec = "opus"
	LegacyVideoCodec = "vp8"
)

// Default dynamic payload types applied to emitted packets. Narrowband audio
// codecs carry static assignments that must not be remapped.
const (
	DefaultAudioPayloadType uint8 = 111
	DefaultVideoPayloadType uint8 = 100
)

// PayloadType returns the payload type to stamp on emitted packets for the
// given track kind and codec.
func PayloadType(kind Kind, codec string) uint8 {
	if kind == Video {
		return DefaultVideoPayloadType
	}
	switch codec {
	case "pcmu":
		return 0
	case "pcma":
		return 8
	case "g722":
		return 9
	}
	return DefaultAudioPayloadType
}

// ClockRateKHz returns the media clock rate in kHz used to convert timestamp
// deltas into wall-clock pacing. Video always runs at 90 kHz. Audio runs at
// 48 kHz except for the narrowband codecs, which are clocked at 8 kHz on the
// wire (including G.722, whose RTP clock is 8 kHz for historical reasons).
func ClockRateKHz(kind Kind, codec string) int64 {
	if kind == Video {
		return 90
	}
	switch codec {
	case "pcmu", "pcma", "g722":
		return 8
	}
	return 48
}
