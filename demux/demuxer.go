// Package demux parses the framed elementary-stream records delivered by
// the ingest layer into timed media samples. Each record carries one
// access unit or parameter set; the demuxer extracts NAL units, decodes
// SPS geometry, and batches samples per track for the downstream
// consumer.
package demux

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tdwu/flv.js/media"
)

// recordHeaderSize is the fixed per-record header: a 32-bit big-endian
// decode timestamp in milliseconds followed by a 32-bit big-endian
// payload length.
const recordHeaderSize = 8

const defaultFallbackFPS = 23.976

// TrackMetadata is the per-track initialization payload handed to the
// consumer before any samples from that track. RefSampleDuration is the
// nominal sample duration in timescale units.
type TrackMetadata struct {
	Type              media.TrackType
	ID                int
	Timescale         int
	Codec             string
	Width             int
	Height            int
	SPS               []byte
	PPS               []byte
	RefSampleDuration float64
}

// Config controls demuxer behavior.
type Config struct {
	// NALUPrefixWidth is the length-prefix width of NAL units inside a
	// record payload, 3 or 4 bytes. Zero means 4.
	NALUPrefixWidth int
	// FallbackFPS is assumed when the bitstream declares no usable frame
	// rate. Zero means 23.976.
	FallbackFPS float64
	// HasVideo/HasAudio declare which elementary streams to expect. When
	// both are false the stream is treated as video-only.
	HasVideo bool
	HasAudio bool
	// SPSDecoder decodes sequence parameter sets. Nil uses the built-in
	// bitstream decoder.
	SPSDecoder SPSDecoder
	Log        *slog.Logger
}

// Handlers are the demuxer's output callbacks. All four are mandatory.
type Handlers struct {
	// MediaInfo fires once, when the first parameter set completes the
	// stream description.
	MediaInfo func(info media.MediaInfo)
	// TrackMetadata fires for each decoded parameter set that changes a
	// track's initialization data, always before that track's samples.
	TrackMetadata func(meta TrackMetadata)
	// SamplesAvailable hands off the batched samples accumulated during
	// one Parse call. The tracks are cleared after the call returns;
	// consumers must copy what they keep.
	SamplesAvailable func(audio, video *media.Track)
	// Error reports format-level problems that do not stop parsing.
	Error func(err error)
}

var (
	errNoMediaInfoHandler = errors.New("demux: MediaInfo handler is required")
	errNoTrackMetaHandler = errors.New("demux: TrackMetadata handler is required")
	errNoSamplesHandler   = errors.New("demux: SamplesAvailable handler is required")
	errNoErrorHandler     = errors.New("demux: Error handler is required")
	errBadPrefixWidth     = errors.New("demux: NALU prefix width must be 3 or 4")
	ErrSPSDecodeFailed    = errors.New("demux: SPS decode failed")
)

// Demuxer walks framed records and emits tracks of timed samples. It is
// not safe for concurrent use; the ingest controller serializes calls.
type Demuxer struct {
	h   Handlers
	log *slog.Logger

	prefixWidth int
	fallbackFPS float64
	decoder     SPSDecoder

	videoTrack *media.Track
	audioTrack *media.Track

	sps []byte
	pps []byte

	mediaInfo         media.MediaInfo
	mediaInfoSent     bool
	videoMetaSent     bool
	audioMetaSent     bool
	videoTimescale    int
	refSampleDuration float64
	droppedFrames     int
}

// New creates a demuxer. All handlers must be set.
func New(cfg Config, h Handlers) (*Demuxer, error) {
	switch {
	case h.MediaInfo == nil:
		return nil, errNoMediaInfoHandler
	case h.TrackMetadata == nil:
		return nil, errNoTrackMetaHandler
	case h.SamplesAvailable == nil:
		return nil, errNoSamplesHandler
	case h.Error == nil:
		return nil, errNoErrorHandler
	}

	width := cfg.NALUPrefixWidth
	if width == 0 {
		width = 4
	}
	if width != 3 && width != 4 {
		return nil, errBadPrefixWidth
	}

	fps := cfg.FallbackFPS
	if fps <= 0 {
		fps = defaultFallbackFPS
	}

	dec := cfg.SPSDecoder
	if dec == nil {
		dec = BitstreamDecoder{}
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	hasVideo, hasAudio := cfg.HasVideo, cfg.HasAudio
	if !hasVideo && !hasAudio {
		hasVideo = true
	}

	return &Demuxer{
		h:           h,
		log:         log.With("component", "demuxer"),
		prefixWidth: width,
		fallbackFPS: fps,
		decoder:     dec,
		videoTrack:  media.NewTrack(media.TrackVideo, 1),
		audioTrack:  media.NewTrack(media.TrackAudio, 2),
		mediaInfo: media.MediaInfo{
			HasVideo: hasVideo,
			HasAudio: hasAudio,
		},
		videoTimescale: 1000,
	}, nil
}

// Reset clears all per-session state so the demuxer can consume a stream
// from its beginning again.
func (d *Demuxer) Reset() {
	d.videoTrack = media.NewTrack(media.TrackVideo, 1)
	d.audioTrack = media.NewTrack(media.TrackAudio, 2)
	d.sps = nil
	d.pps = nil
	d.mediaInfoSent = false
	d.videoMetaSent = false
	d.audioMetaSent = false
	d.refSampleDuration = 0
	d.droppedFrames = 0
	d.mediaInfo = media.MediaInfo{
		HasVideo: d.mediaInfo.HasVideo,
		HasAudio: d.mediaInfo.HasAudio,
	}
}

// DroppedFrames reports how many malformed frames were discarded.
func (d *Demuxer) DroppedFrames() int { return d.droppedFrames }

// Parse consumes as many complete records as data holds and returns the
// number of bytes consumed. byteStart is the absolute stream offset of
// data[0]; it anchors keyframe file positions. A trailing partial record
// is left unconsumed for the caller to re-present with more bytes.
func (d *Demuxer) Parse(data []byte, byteStart int64) int {
	offset := 0
	for offset+recordHeaderSize <= len(data) {
		dts := binary.BigEndian.Uint32(data[offset:])
		payloadLen := int(binary.BigEndian.Uint32(data[offset+4:]))
		recordEnd := offset + recordHeaderSize + payloadLen
		if recordEnd > len(data) {
			break
		}
		payload := data[offset+recordHeaderSize : recordEnd]
		d.parseRecord(dts, payload, byteStart+int64(offset))
		offset = recordEnd
	}

	d.flushTracks()
	return offset
}

// parseRecord handles one complete record. Parameter-set records update
// track metadata; everything else becomes one timed sample.
func (d *Demuxer) parseRecord(dts uint32, payload []byte, recordStart int64) {
	w := d.prefixWidth
	if len(payload) < w+1 {
		d.dropFrame(dts, "payload too short")
		return
	}

	if t := payload[w] & 0x1F; t == NALTypeSPS || t == NALTypePPS {
		d.walkUnits(dts, payload, func(unit []byte) {
			nal := unit[w:]
			switch nal[0] & 0x1F {
			case NALTypeSPS:
				d.handleSPS(nal)
			case NALTypePPS:
				d.handlePPS(nal)
			default:
				d.log.Debug("skipping unit in parameter-set record", "type", nal[0]&0x1F)
			}
		})
		return
	}

	sample := media.Sample{
		DTS:          dts,
		CTS:          0,
		PTS:          dts,
		FilePosition: recordStart,
	}
	ok := d.walkUnits(dts, payload, func(unit []byte) {
		unitType := unit[w] & 0x1F
		if unitType == NALTypeIDR {
			sample.IsKeyframe = true
		}
		data := make([]byte, len(unit))
		copy(data, unit)
		sample.Units = append(sample.Units, media.SampleUnit{
			Type: unitType,
			Data: data,
		})
		sample.Length += len(unit)
	})
	if !ok || len(sample.Units) == 0 {
		return
	}
	if !sample.IsKeyframe {
		sample.FilePosition = 0
	}
	d.videoTrack.AppendSample(sample)
}

// walkUnits iterates the length-prefixed units of a record payload,
// passing each complete unit (prefix included) to fn. Any malformed
// prefix aborts the walk: a truncated prefix, a zero length (no header
// byte), or a length past the payload end. Returns false if the record
// was dropped.
func (d *Demuxer) walkUnits(dts uint32, payload []byte, fn func(unit []byte)) bool {
	w := d.prefixWidth
	offset := 0
	for offset < len(payload) {
		if offset+4 > len(payload) {
			d.dropFrame(dts, "truncated length prefix")
			return false
		}
		size := int(binary.BigEndian.Uint32(payload[offset:]))
		if w == 3 {
			size >>= 8
		}
		if size < 1 || size > len(payload)-offset-w {
			d.dropFrame(dts, "unit length exceeds payload")
			return false
		}
		fn(payload[offset : offset+w+size])
		offset += w + size
	}
	return true
}

func (d *Demuxer) dropFrame(dts uint32, reason string) {
	d.droppedFrames++
	d.log.Warn("malformed frame dropped", "dts", dts, "reason", reason)
}

// handleSPS decodes a sequence parameter set and publishes stream and
// track metadata. A byte-identical repeat of the current SPS is skipped.
func (d *Demuxer) handleSPS(sps []byte) {
	if d.sps != nil && bytes.Equal(d.sps, sps) {
		return
	}

	info, err := d.decoder.DecodeSPS(sps)
	if err != nil {
		d.h.Error(fmt.Errorf("%w: %v", ErrSPSDecodeFailed, err))
		return
	}

	d.sps = append([]byte(nil), sps...)

	fps := info.FrameRate.FPS
	if !info.FrameRate.Fixed || info.FrameRate.Num == 0 || info.FrameRate.Den == 0 {
		fps = d.fallbackFPS
	}
	d.refSampleDuration = float64(d.videoTimescale) / fps

	d.mediaInfo.VideoCodec = info.CodecString()
	d.mediaInfo.Width = info.Width
	d.mediaInfo.Height = info.Height
	d.mediaInfo.FPS = fps
	d.mediaInfo.Profile = info.ProfileString()
	d.mediaInfo.Level = info.LevelString()
	d.mediaInfo.RefFrames = info.RefFrames
	d.mediaInfo.ChromaFormat = info.ChromaFormatString()
	d.mediaInfo.SarNum = info.SarNum
	d.mediaInfo.SarDen = info.SarDen
	d.mediaInfo.MimeType = fmt.Sprintf("video/x-flv; codecs=\"%s\"", d.mediaInfo.VideoCodec)

	if !d.mediaInfoSent && d.mediaInfo.Ready() {
		d.mediaInfoSent = true
		d.h.MediaInfo(d.mediaInfo)
	}

	d.videoMetaSent = true
	d.h.TrackMetadata(TrackMetadata{
		Type:              media.TrackVideo,
		ID:                d.videoTrack.ID,
		Timescale:         d.videoTimescale,
		Codec:             d.mediaInfo.VideoCodec,
		Width:             info.Width,
		Height:            info.Height,
		SPS:               append([]byte(nil), sps...),
		PPS:               append([]byte(nil), d.pps...),
		RefSampleDuration: d.refSampleDuration,
	})
}

func (d *Demuxer) handlePPS(pps []byte) {
	d.pps = append([]byte(nil), pps...)
	d.log.Debug("picture parameter set stored", "length", len(pps))
}

// flushTracks hands the accumulated samples off once initialization
// metadata has gone out, then recycles the tracks for the next batch.
func (d *Demuxer) flushTracks() {
	if d.videoTrack.Length == 0 && d.audioTrack.Length == 0 {
		return
	}
	// Samples decoded before every enabled track has initialization
	// metadata cannot be configured downstream; hold them until then.
	if d.mediaInfo.HasVideo && !d.videoMetaSent {
		return
	}
	if d.mediaInfo.HasAudio && !d.audioMetaSent {
		return
	}

	d.h.SamplesAvailable(d.audioTrack, d.videoTrack)
	d.audioTrack.SequenceNumber++
	d.videoTrack.SequenceNumber++
	d.audioTrack.Clear()
	d.videoTrack.Clear()
}
