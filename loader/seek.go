package loader

import (
	"fmt"
	"net/url"
	"strings"
)

// RequestConfig is the transport-specific rendering of a byte range:
// the URL to request plus any extra headers.
type RequestConfig struct {
	URL     string
	Headers map[string]string
}

// SeekHandler turns a byte offset window into request parameters. The two
// built-in strategies cover Range-header servers and query-parameter
// servers; a custom implementation may be substituted wholesale.
type SeekHandler interface {
	RequestConfig(url string, r ByteRange) RequestConfig
	// RemoveURLParameters strips any seek-related query parameters this
	// handler may have added, returning the base URL.
	RemoveURLParameters(url string) string
}

// RangeSeekHandler seeks with an HTTP Range header. With ZeroStart set, a
// full request still carries "bytes=0-", which some servers require to
// enable ranged replies on later requests.
type RangeSeekHandler struct {
	ZeroStart bool
}

// RequestConfig implements SeekHandler.
func (h RangeSeekHandler) RequestConfig(u string, r ByteRange) RequestConfig {
	headers := map[string]string{}
	if r.From != 0 || r.To != -1 {
		if r.To != -1 {
			headers["Range"] = fmt.Sprintf("bytes=%d-%d", r.From, r.To)
		} else {
			headers["Range"] = fmt.Sprintf("bytes=%d-", r.From)
		}
	} else if h.ZeroStart {
		headers["Range"] = "bytes=0-"
	}
	return RequestConfig{URL: u, Headers: headers}
}

// RemoveURLParameters implements SeekHandler. Range seeking never touches
// the URL, so it is returned unchanged.
func (h RangeSeekHandler) RemoveURLParameters(u string) string {
	return u
}

// ParamSeekHandler seeks with start/end query parameters, e.g.
// "?bstart=1024&bend=2047".
type ParamSeekHandler struct {
	StartName string
	EndName   string
}

// RequestConfig implements SeekHandler.
func (h ParamSeekHandler) RequestConfig(u string, r ByteRange) RequestConfig {
	target := u
	if r.From != 0 || r.To != -1 {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += fmt.Sprintf("%s%s=%d", sep, h.StartName, r.From)
		if r.To != -1 {
			target += fmt.Sprintf("&%s=%d", h.EndName, r.To)
		}
	}
	return RequestConfig{URL: target, Headers: map[string]string{}}
}

// RemoveURLParameters implements SeekHandler, dropping this handler's
// start/end parameters while preserving everything else.
func (h ParamSeekHandler) RemoveURLParameters(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := parsed.Query()
	if len(q) == 0 {
		return raw
	}
	q.Del(h.StartName)
	q.Del(h.EndName)
	parsed.RawQuery = q.Encode()
	return parsed.String()
}
