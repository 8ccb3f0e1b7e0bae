package loader

import "testing"

func TestRangeSeekHandler(t *testing.T) {
	h := RangeSeekHandler{}

	cfg := h.RequestConfig("http://example/video", ByteRange{From: 0, To: -1})
	if _, ok := cfg.Headers["Range"]; ok {
		t.Error("full request must not carry a Range header by default")
	}

	cfg = h.RequestConfig("http://example/video", ByteRange{From: 1024, To: -1})
	if got := cfg.Headers["Range"]; got != "bytes=1024-" {
		t.Errorf("Range = %q, want bytes=1024-", got)
	}

	cfg = h.RequestConfig("http://example/video", ByteRange{From: 1024, To: 2047})
	if got := cfg.Headers["Range"]; got != "bytes=1024-2047" {
		t.Errorf("Range = %q, want bytes=1024-2047", got)
	}

	if got := h.RemoveURLParameters("http://example/video?x=1"); got != "http://example/video?x=1" {
		t.Errorf("RemoveURLParameters changed the URL: %q", got)
	}
}

func TestRangeSeekHandlerZeroStart(t *testing.T) {
	h := RangeSeekHandler{ZeroStart: true}
	cfg := h.RequestConfig("http://example/video", ByteRange{From: 0, To: -1})
	if got := cfg.Headers["Range"]; got != "bytes=0-" {
		t.Errorf("Range = %q, want bytes=0-", got)
	}
}

func TestParamSeekHandler(t *testing.T) {
	h := ParamSeekHandler{StartName: "bstart", EndName: "bend"}

	cfg := h.RequestConfig("http://example/video", ByteRange{From: 0, To: -1})
	if cfg.URL != "http://example/video" {
		t.Errorf("full request URL = %q, want unchanged", cfg.URL)
	}

	cfg = h.RequestConfig("http://example/video", ByteRange{From: 1024, To: -1})
	if cfg.URL != "http://example/video?bstart=1024" {
		t.Errorf("URL = %q", cfg.URL)
	}

	cfg = h.RequestConfig("http://example/video?token=abc", ByteRange{From: 1024, To: 2047})
	if cfg.URL != "http://example/video?token=abc&bstart=1024&bend=2047" {
		t.Errorf("URL = %q", cfg.URL)
	}
}

func TestParamSeekHandlerRemoveURLParameters(t *testing.T) {
	h := ParamSeekHandler{StartName: "bstart", EndName: "bend"}

	got := h.RemoveURLParameters("http://example/video?bstart=1024&bend=2047&token=abc")
	if got != "http://example/video?token=abc" {
		t.Errorf("RemoveURLParameters = %q, want token preserved only", got)
	}

	if got := h.RemoveURLParameters("http://example/video"); got != "http://example/video" {
		t.Errorf("RemoveURLParameters = %q, want unchanged", got)
	}
}
