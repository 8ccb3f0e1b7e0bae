package demux

import (
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/tdwu/flv.js/media"
)

// nalUnit builds a length-prefixed NAL unit: w prefix bytes encoding
// size, then a header byte and filler.
func nalUnit(w int, header byte, size int) []byte {
	b := make([]byte, w+size)
	if w == 4 {
		binary.BigEndian.PutUint32(b, uint32(size))
	} else {
		b[0] = byte(size >> 16)
		b[1] = byte(size >> 8)
		b[2] = byte(size)
	}
	b[w] = header
	return b
}

// record frames a DTS and a NAL unit sequence with the 8-byte header.
func record(dts uint32, units ...[]byte) []byte {
	var payload []byte
	for _, u := range units {
		payload = append(payload, u...)
	}
	b := make([]byte, recordHeaderSize, recordHeaderSize+len(payload))
	binary.BigEndian.PutUint32(b, dts)
	binary.BigEndian.PutUint32(b[4:], uint32(len(payload)))
	return append(b, payload...)
}

type fakeDecoder struct {
	info  SPSInfo
	err   error
	calls int
	got   []byte
}

func (d *fakeDecoder) DecodeSPS(sps []byte) (SPSInfo, error) {
	d.calls++
	d.got = append([]byte(nil), sps...)
	return d.info, d.err
}

type collector struct {
	events  []string
	infos   []media.MediaInfo
	metas   []TrackMetadata
	batches [][]media.Sample
	errs    []error
}

func (c *collector) handlers() Handlers {
	return Handlers{
		MediaInfo: func(info media.MediaInfo) {
			c.events = append(c.events, "media_info")
			c.infos = append(c.infos, info)
		},
		TrackMetadata: func(meta TrackMetadata) {
			c.events = append(c.events, "track_metadata")
			c.metas = append(c.metas, meta)
		},
		SamplesAvailable: func(audio, video *media.Track) {
			c.events = append(c.events, "samples")
			batch := make([]media.Sample, len(video.Samples))
			copy(batch, video.Samples)
			c.batches = append(c.batches, batch)
		},
		Error: func(err error) {
			c.events = append(c.events, "error")
			c.errs = append(c.errs, err)
		},
	}
}

func newTestDemuxer(t *testing.T, cfg Config) (*Demuxer, *collector) {
	t.Helper()
	col := &collector{}
	if cfg.SPSDecoder == nil {
		cfg.SPSDecoder = &fakeDecoder{info: SPSInfo{
			Width: 1280, Height: 720, ProfileIDC: 100, LevelIDC: 31,
			SarNum: 1, SarDen: 1,
		}}
	}
	cfg.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	d, err := New(cfg, col.handlers())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d, col
}

func TestNewRequiresAllHandlers(t *testing.T) {
	full := (&collector{}).handlers()
	variants := []Handlers{
		{TrackMetadata: full.TrackMetadata, SamplesAvailable: full.SamplesAvailable, Error: full.Error},
		{MediaInfo: full.MediaInfo, SamplesAvailable: full.SamplesAvailable, Error: full.Error},
		{MediaInfo: full.MediaInfo, TrackMetadata: full.TrackMetadata, Error: full.Error},
		{MediaInfo: full.MediaInfo, TrackMetadata: full.TrackMetadata, SamplesAvailable: full.SamplesAvailable},
	}
	for i, h := range variants {
		if _, err := New(Config{}, h); err == nil {
			t.Errorf("variant %d: expected error for missing handler", i)
		}
	}
	if _, err := New(Config{NALUPrefixWidth: 2}, full); err == nil {
		t.Error("expected error for bad prefix width")
	}
}

func TestMetadataPrecedesSamples(t *testing.T) {
	d, col := newTestDemuxer(t, Config{})

	data := record(0, nalUnit(4, 0x67, 20))
	data = append(data, record(0, nalUnit(4, 0x68, 5))...)
	idrOffset := len(data)
	data = append(data, record(40, nalUnit(4, 0x65, 100), nalUnit(4, 0x41, 30))...)

	const base = int64(1000)
	if consumed := d.Parse(data, base); consumed != len(data) {
		t.Fatalf("consumed %d, want %d", consumed, len(data))
	}

	want := []string{"media_info", "track_metadata", "samples"}
	if len(col.events) != len(want) {
		t.Fatalf("events = %v, want %v", col.events, want)
	}
	for i, e := range want {
		if col.events[i] != e {
			t.Fatalf("events = %v, want %v", col.events, want)
		}
	}

	info := col.infos[0]
	if info.Width != 1280 || info.Height != 720 || info.VideoCodec != "avc1.64001F" {
		t.Fatalf("media info = %+v", info)
	}

	meta := col.metas[0]
	if meta.Timescale != 1000 || meta.Codec != "avc1.64001F" || len(meta.SPS) == 0 {
		t.Fatalf("track metadata = %+v", meta)
	}

	batch := col.batches[0]
	if len(batch) != 1 {
		t.Fatalf("got %d samples, want 1", len(batch))
	}
	s := batch[0]
	if !s.IsKeyframe {
		t.Fatal("IDR sample not marked keyframe")
	}
	if s.FilePosition != base+int64(idrOffset) {
		t.Fatalf("FilePosition = %d, want %d", s.FilePosition, base+int64(idrOffset))
	}
	if s.DTS != 40 || s.PTS != 40 || s.CTS != 0 {
		t.Fatalf("timing = dts %d cts %d pts %d", s.DTS, s.CTS, s.PTS)
	}
	if len(s.Units) != 2 {
		t.Fatalf("got %d units, want 2", len(s.Units))
	}
	if s.Length != (4+100)+(4+30) {
		t.Fatalf("sample length = %d", s.Length)
	}
}

func TestSamplesHeldUntilParameterSets(t *testing.T) {
	d, col := newTestDemuxer(t, Config{})

	frame := record(0, nalUnit(4, 0x65, 50))
	if consumed := d.Parse(frame, 0); consumed != len(frame) {
		t.Fatalf("consumed %d, want %d", consumed, len(frame))
	}
	if len(col.batches) != 0 {
		t.Fatal("samples released before any parameter set")
	}

	sps := record(20, nalUnit(4, 0x67, 20))
	d.Parse(sps, int64(len(frame)))

	if len(col.batches) != 1 || len(col.batches[0]) != 1 {
		t.Fatalf("batches = %d, want the held sample released", len(col.batches))
	}
	if col.batches[0][0].DTS != 0 {
		t.Fatalf("released sample DTS = %d, want 0", col.batches[0][0].DTS)
	}
}

func TestPartialRecordLeftUnconsumed(t *testing.T) {
	d, _ := newTestDemuxer(t, Config{})

	complete := record(0, nalUnit(4, 0x65, 50))
	partial := record(40, nalUnit(4, 0x65, 200))

	data := append(append([]byte{}, complete...), partial[:len(partial)-10]...)
	if consumed := d.Parse(data, 0); consumed != len(complete) {
		t.Fatalf("consumed %d, want %d", consumed, len(complete))
	}

	// Header alone is not a record either.
	if consumed := d.Parse(partial[:recordHeaderSize-2], 0); consumed != 0 {
		t.Fatalf("consumed %d from a truncated header, want 0", consumed)
	}
}

func TestZeroLengthInput(t *testing.T) {
	d, _ := newTestDemuxer(t, Config{})
	if consumed := d.Parse(nil, 0); consumed != 0 {
		t.Fatalf("consumed %d, want 0", consumed)
	}
}

func TestMalformedUnitLengthDropsFrameOnly(t *testing.T) {
	d, col := newTestDemuxer(t, Config{})

	data := record(0, nalUnit(4, 0x67, 20))

	// A frame whose unit declares far more bytes than the payload holds.
	bogus := make([]byte, 15)
	binary.BigEndian.PutUint32(bogus, 9999)
	bogus[4] = 0x65
	data = append(data, record(40, bogus)...)

	data = append(data, record(80, nalUnit(4, 0x65, 60))...)

	if consumed := d.Parse(data, 0); consumed != len(data) {
		t.Fatalf("consumed %d, want %d", consumed, len(data))
	}
	if d.DroppedFrames() != 1 {
		t.Fatalf("dropped = %d, want 1", d.DroppedFrames())
	}
	if len(col.batches) != 1 || len(col.batches[0]) != 1 {
		t.Fatal("surviving frame not delivered")
	}
	if col.batches[0][0].DTS != 80 {
		t.Fatalf("surviving sample DTS = %d, want 80", col.batches[0][0].DTS)
	}
}

func TestZeroLengthTrailingUnitDropsFrame(t *testing.T) {
	d, col := newTestDemuxer(t, Config{})

	data := record(0, nalUnit(4, 0x67, 20))

	// A frame whose last four bytes are a zero length prefix: no header
	// byte follows, so the whole frame is malformed.
	trailing := append(nalUnit(4, 0x41, 2), 0x00, 0x00, 0x00, 0x00)
	data = append(data, record(40, trailing)...)

	data = append(data, record(80, nalUnit(4, 0x65, 60))...)

	if consumed := d.Parse(data, 0); consumed != len(data) {
		t.Fatalf("consumed %d, want %d", consumed, len(data))
	}
	if d.DroppedFrames() != 1 {
		t.Fatalf("dropped = %d, want 1", d.DroppedFrames())
	}
	if len(col.batches) != 1 || len(col.batches[0]) != 1 {
		t.Fatal("surviving frame not delivered")
	}
	if col.batches[0][0].DTS != 80 {
		t.Fatalf("surviving sample DTS = %d, want 80", col.batches[0][0].DTS)
	}
}

func TestAudioEnabledGateHoldsSamples(t *testing.T) {
	d, col := newTestDemuxer(t, Config{HasVideo: true, HasAudio: true})

	data := record(0, nalUnit(4, 0x67, 20))
	data = append(data, record(40, nalUnit(4, 0x65, 30))...)

	if consumed := d.Parse(data, 0); consumed != len(data) {
		t.Fatalf("consumed %d, want %d", consumed, len(data))
	}

	// Video metadata alone does not satisfy an audio-enabled session:
	// no MediaInfo (no audio codec yet) and no sample hand-off.
	for _, e := range col.events {
		if e == "samples" {
			t.Fatal("samples released before all enabled tracks had metadata")
		}
		if e == "media_info" {
			t.Fatal("media info emitted without an audio codec")
		}
	}
	if len(col.metas) != 1 {
		t.Fatalf("track metadata emissions = %d, want 1 (video)", len(col.metas))
	}
}

func TestParameterRecordSlicedByDeclaredLength(t *testing.T) {
	dec := &fakeDecoder{info: SPSInfo{Width: 640, Height: 480, SarNum: 1, SarDen: 1}}
	d, col := newTestDemuxer(t, Config{SPSDecoder: dec})

	// SPS and PPS units framed in a single record: each handler must see
	// exactly its own unit, not the record remainder.
	data := record(0, nalUnit(4, 0x67, 20), nalUnit(4, 0x68, 5))
	if consumed := d.Parse(data, 0); consumed != len(data) {
		t.Fatalf("consumed %d, want %d", consumed, len(data))
	}

	if len(dec.got) != 20 {
		t.Fatalf("decoder saw %d bytes, want the 20-byte SPS unit", len(dec.got))
	}
	if len(col.metas) != 1 || len(col.metas[0].SPS) != 20 {
		t.Fatalf("metadata SPS length = %d, want 20", len(col.metas[0].SPS))
	}
	if len(d.pps) != 5 {
		t.Fatalf("stored PPS length = %d, want 5", len(d.pps))
	}
}

func TestRepeatedSPSDecodedOnce(t *testing.T) {
	dec := &fakeDecoder{info: SPSInfo{Width: 640, Height: 480, SarNum: 1, SarDen: 1}}
	d, col := newTestDemuxer(t, Config{SPSDecoder: dec})

	sps := record(0, nalUnit(4, 0x67, 20))
	d.Parse(sps, 0)
	d.Parse(sps, int64(len(sps)))

	if dec.calls != 1 {
		t.Fatalf("decoder calls = %d, want 1", dec.calls)
	}
	if len(col.metas) != 1 {
		t.Fatalf("metadata emissions = %d, want 1", len(col.metas))
	}

	// A different SPS re-initializes the track but MediaInfo stays sent.
	changed := record(0, nalUnit(4, 0x67, 24))
	d.Parse(changed, 2*int64(len(sps)))
	if dec.calls != 2 || len(col.metas) != 2 {
		t.Fatalf("calls=%d metas=%d after changed SPS, want 2/2", dec.calls, len(col.metas))
	}
	if len(col.infos) != 1 {
		t.Fatalf("media info emissions = %d, want 1", len(col.infos))
	}
}

func TestSPSDecodeFailureReported(t *testing.T) {
	dec := &fakeDecoder{err: errors.New("bad bitstream")}
	d, col := newTestDemuxer(t, Config{SPSDecoder: dec})

	d.Parse(record(0, nalUnit(4, 0x67, 20)), 0)

	if len(col.errs) != 1 || !errors.Is(col.errs[0], ErrSPSDecodeFailed) {
		t.Fatalf("errs = %v, want ErrSPSDecodeFailed", col.errs)
	}
	if len(col.infos) != 0 || len(col.metas) != 0 {
		t.Fatal("metadata emitted despite decode failure")
	}
}

func TestThreeByteUnitPrefix(t *testing.T) {
	d, col := newTestDemuxer(t, Config{NALUPrefixWidth: 3})

	data := record(0, nalUnit(3, 0x67, 20))
	data = append(data, record(40, nalUnit(3, 0x65, 30), nalUnit(3, 0x41, 12))...)

	if consumed := d.Parse(data, 0); consumed != len(data) {
		t.Fatalf("consumed %d, want %d", consumed, len(data))
	}
	if len(col.batches) != 1 {
		t.Fatal("no sample batch delivered")
	}
	s := col.batches[0][0]
	if len(s.Units) != 2 {
		t.Fatalf("got %d units, want 2", len(s.Units))
	}
	if s.Length != (3+30)+(3+12) {
		t.Fatalf("sample length = %d", s.Length)
	}
	if s.Units[0].Type != NALTypeIDR || s.Units[1].Type != NALTypeSlice {
		t.Fatalf("unit types = %d, %d", s.Units[0].Type, s.Units[1].Type)
	}
}

func TestFallbackFrameRate(t *testing.T) {
	dec := &fakeDecoder{info: SPSInfo{Width: 640, Height: 480, SarNum: 1, SarDen: 1}}
	d, col := newTestDemuxer(t, Config{SPSDecoder: dec})

	d.Parse(record(0, nalUnit(4, 0x67, 20)), 0)

	if got := col.infos[0].FPS; got != defaultFallbackFPS {
		t.Fatalf("FPS = %v, want fallback %v", got, defaultFallbackFPS)
	}
	wantDur := 1000 / defaultFallbackFPS
	if got := col.metas[0].RefSampleDuration; got != wantDur {
		t.Fatalf("RefSampleDuration = %v, want %v", got, wantDur)
	}
}

func TestDeclaredFrameRateUsed(t *testing.T) {
	dec := &fakeDecoder{info: SPSInfo{
		Width: 1920, Height: 1080, SarNum: 1, SarDen: 1,
		FrameRate: FrameRate{Fixed: true, FPS: 30, Num: 60000, Den: 2000},
	}}
	d, col := newTestDemuxer(t, Config{SPSDecoder: dec})

	d.Parse(record(0, nalUnit(4, 0x67, 20)), 0)

	if got := col.infos[0].FPS; got != 30 {
		t.Fatalf("FPS = %v, want 30", got)
	}
}

func TestSequenceNumberAdvancesPerBatch(t *testing.T) {
	d, _ := newTestDemuxer(t, Config{})

	d.Parse(record(0, nalUnit(4, 0x67, 20)), 0)
	d.Parse(record(40, nalUnit(4, 0x65, 10)), 100)
	d.Parse(record(80, nalUnit(4, 0x41, 10)), 200)

	if d.videoTrack.SequenceNumber != 2 {
		t.Fatalf("sequence number = %d, want 2", d.videoTrack.SequenceNumber)
	}
	if d.videoTrack.Length != 0 || len(d.videoTrack.Samples) != 0 {
		t.Fatal("track not recycled after hand-off")
	}
}

func TestResetClearsSessionState(t *testing.T) {
	d, col := newTestDemuxer(t, Config{})

	d.Parse(record(0, nalUnit(4, 0x67, 20)), 0)
	if len(col.infos) != 1 {
		t.Fatal("expected media info before reset")
	}

	d.Reset()
	d.Parse(record(0, nalUnit(4, 0x67, 20)), 0)

	if len(col.infos) != 2 {
		t.Fatalf("media info emissions = %d, want a fresh one after reset", len(col.infos))
	}
}
