package media

// MediaInfo describes the decoded stream geometry and codec identity,
// derived from the first parameter set the demuxer sees. It is emitted to
// the packager once per initial SPS so a decoder can be initialized before
// any samples arrive.
type MediaInfo struct {
	MimeType     string
	HasVideo     bool
	HasAudio     bool
	VideoCodec   string
	AudioCodec   string
	Width        int
	Height       int
	FPS          float64
	Profile      string
	Level        string
	RefFrames    int
	ChromaFormat string
	SarNum       int
	SarDen       int
}

// Ready reports whether every enabled track has learned its codec, i.e.
// the info is complete enough for a decoder to be configured.
func (m MediaInfo) Ready() bool {
	if !m.HasVideo && !m.HasAudio {
		return false
	}
	if m.HasVideo && m.VideoCodec == "" {
		return false
	}
	if m.HasAudio && m.AudioCodec == "" {
		return false
	}
	return true
}
