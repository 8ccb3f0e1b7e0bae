// Package media defines the core timed-sample types that flow from the
// demultiplexer to the downstream packager: NAL units, samples, per-type
// tracks, and the derived stream metadata.
package media

// TrackType identifies which elementary stream a track carries.
type TrackType int

// Track types.
const (
	TrackVideo TrackType = iota
	TrackAudio
)

// String returns the lowercase track type name used in metadata payloads.
func (t TrackType) String() string {
	switch t {
	case TrackVideo:
		return "video"
	case TrackAudio:
		return "audio"
	default:
		return "unknown"
	}
}

// SampleUnit is a single length-prefixed NAL unit belonging to a sample.
// Data holds the raw bytes including the length prefix, so units can be
// written to an AVCC-style container without re-framing.
type SampleUnit struct {
	Type byte
	Data []byte
}

// Sample is one decoded access unit: an ordered list of NAL units with
// timing. PTS is always DTS + CTS. FilePosition records the absolute byte
// offset of the frame's start within the overall stream and is only
// meaningful on keyframes, where it enables later random access.
type Sample struct {
	Units        []SampleUnit
	Length       int
	IsKeyframe   bool
	DTS          uint32
	CTS          uint32
	PTS          uint32
	FilePosition int64
}
