package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
)

const defaultChunkSize = 64 << 10

// HTTPConfig configures an HTTPLoader.
type HTTPConfig struct {
	// SeekHandler renders byte ranges into request parameters.
	// Defaults to RangeSeekHandler.
	SeekHandler SeekHandler
	// Transport overrides the round tripper, e.g. HTTP3Transport.
	Transport http.RoundTripper
	// ChunkSize is the read buffer size per data notification (default 64 KiB).
	ChunkSize int
	Log       *slog.Logger
}

// HTTPLoader streams a byte range over HTTP(S) with chunked reads,
// delivering data as it arrives rather than after the full response.
// Each loader serves exactly one Open.
type HTTPLoader struct {
	log       *slog.Logger
	seek      SeekHandler
	client    *http.Client
	chunkSize int

	mu             sync.Mutex
	cb             Callbacks
	status         Status
	cancel         context.CancelFunc
	aborted        bool
	receivedLength int64
}

// NewHTTPLoader creates an HTTP range loader.
func NewHTTPLoader(cfg HTTPConfig) *HTTPLoader {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	seek := cfg.SeekHandler
	if seek == nil {
		seek = RangeSeekHandler{}
	}
	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	return &HTTPLoader{
		log:       log.With("component", "http-loader"),
		seek:      seek,
		client:    &http.Client{Transport: cfg.Transport},
		chunkSize: chunkSize,
		status:    StatusIdle,
	}
}

// Bind implements Loader.
func (l *HTTPLoader) Bind(cb Callbacks) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cb = cb
}

// NeedsStash implements Loader. Streaming reads arrive in arbitrary
// chunk sizes, so staging pays off.
func (l *HTTPLoader) NeedsStash() bool { return true }

// IsWorking implements Loader.
func (l *HTTPLoader) IsWorking() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status == StatusConnecting || l.status == StatusBuffering
}

// Open implements Loader. The request runs on a background goroutine;
// progress and failures are reported through the bound callbacks.
func (l *HTTPLoader) Open(ds *DataSource, r ByteRange) error {
	reqConfig := l.seek.RequestConfig(ds.CurrentURL(), r)

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqConfig.URL, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("build request: %w", err)
	}
	for k, v := range reqConfig.Headers {
		req.Header.Set(k, v)
	}

	// Expected payload length for early-EOF detection, when knowable
	// up front from the data source.
	var expected int64 = -1
	if r.To != -1 {
		expected = r.To - r.From + 1
	} else if ds.TotalSize > 0 {
		expected = ds.TotalSize - r.From
	}

	l.mu.Lock()
	l.cancel = cancel
	l.status = StatusConnecting
	l.mu.Unlock()

	go l.run(req, reqConfig.URL, r.From, expected)
	return nil
}

func (l *HTTPLoader) run(req *http.Request, requestedURL string, from, expected int64) {
	resp, err := l.client.Do(req)
	if err != nil {
		l.fail(KindException, ErrorInfo{Msg: err.Error()})
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		l.fail(KindInvalidStatusCode, ErrorInfo{Code: resp.StatusCode, Msg: resp.Status})
		return
	}

	if resp.Request != nil && resp.Request.URL.String() != requestedURL {
		if cb := l.callbacks(); cb.OnRedirect != nil {
			cb.OnRedirect(resp.Request.URL.String())
		}
	}

	if resp.ContentLength > 0 {
		if expected == -1 {
			expected = resp.ContentLength
		}
		if cb := l.callbacks(); cb.OnContentLength != nil {
			cb.OnContentLength(resp.ContentLength)
		}
	}

	buf := make([]byte, l.chunkSize)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])

			l.mu.Lock()
			byteStart := from + l.receivedLength
			l.receivedLength += int64(n)
			received := l.receivedLength
			l.status = StatusBuffering
			cb := l.cb
			aborted := l.aborted
			l.mu.Unlock()

			if aborted {
				return
			}
			if cb.OnData != nil {
				cb.OnData(chunk, byteStart, received)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				l.finish(from, expected)
				return
			}
			if l.wasAborted() {
				return
			}
			l.mu.Lock()
			received := l.receivedLength
			l.mu.Unlock()
			if received > 0 && expected > 0 {
				// Connection dropped mid-range.
				l.fail(KindEarlyEOF, ErrorInfo{Msg: err.Error()})
			} else {
				l.fail(KindException, ErrorInfo{Msg: err.Error()})
			}
			return
		}
	}
}

func (l *HTTPLoader) finish(from, expected int64) {
	l.mu.Lock()
	received := l.receivedLength
	if l.aborted {
		l.mu.Unlock()
		return
	}
	l.status = StatusComplete
	cb := l.cb
	l.mu.Unlock()

	if expected >= 0 && received < expected {
		l.log.Warn("response ended before expected length",
			"received", received, "expected", expected)
		if cb.OnError != nil {
			cb.OnError(KindEarlyEOF, ErrorInfo{
				Msg: fmt.Sprintf("early EOF: received %d of %d bytes", received, expected),
			})
		}
		return
	}
	if cb.OnComplete != nil {
		cb.OnComplete(from, from+received-1)
	}
}

func (l *HTTPLoader) fail(kind ErrorKind, info ErrorInfo) {
	l.mu.Lock()
	if l.aborted {
		l.mu.Unlock()
		return
	}
	l.status = StatusError
	cb := l.cb
	l.mu.Unlock()

	if cb.OnError != nil {
		cb.OnError(kind, info)
	}
}

func (l *HTTPLoader) callbacks() Callbacks {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cb
}

func (l *HTTPLoader) wasAborted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.aborted
}

// Abort implements Loader.
func (l *HTTPLoader) Abort() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.aborted {
		return
	}
	l.aborted = true
	l.status = StatusComplete
	if l.cancel != nil {
		l.cancel()
	}
}

// Destroy implements Loader.
func (l *HTTPLoader) Destroy() {
	l.Abort()
	l.mu.Lock()
	l.cb = Callbacks{}
	l.mu.Unlock()
}
