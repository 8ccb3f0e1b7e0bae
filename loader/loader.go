// Package loader defines the transport contract the ingestion controller
// drives: a Loader delivers a byte stream in offset-ordered chunks through
// callbacks, and a SeekHandler turns a byte offset into transport-specific
// request parameters. Concrete loaders for HTTP(S) byte ranges and
// WebSocket message framing are included; anything else can be plugged in
// through the same interface.
package loader

// Status is the lifecycle state of a loader.
type Status int

// Loader statuses.
const (
	StatusIdle Status = iota
	StatusConnecting
	StatusBuffering
	StatusError
	StatusComplete
)

// ErrorKind classifies a transport failure for the recovery policy in the
// ingestion controller.
type ErrorKind int

// Transport error kinds.
const (
	// KindEarlyEOF means the connection closed before the end of the
	// requested range. Recoverable by reconnection when the total length
	// is known and bytes remain.
	KindEarlyEOF ErrorKind = iota
	// KindUnrecoverableEarlyEOF is an early EOF that cannot be retried:
	// live source, unknown length, or a failed reconnection attempt.
	KindUnrecoverableEarlyEOF
	// KindConnectingTimeout means the transport closed having delivered
	// zero bytes.
	KindConnectingTimeout
	// KindInvalidStatusCode is a non-2xx HTTP response.
	KindInvalidStatusCode
	// KindException is any other internal transport fault.
	KindException
)

// String returns a stable name for the error kind.
func (k ErrorKind) String() string {
	switch k {
	case KindEarlyEOF:
		return "early_eof"
	case KindUnrecoverableEarlyEOF:
		return "unrecoverable_early_eof"
	case KindConnectingTimeout:
		return "connecting_timeout"
	case KindInvalidStatusCode:
		return "invalid_status_code"
	case KindException:
		return "exception"
	default:
		return "unknown"
	}
}

// ErrorInfo carries the transport-level detail of a failure.
type ErrorInfo struct {
	Code int
	Msg  string
}

// DataSource describes where the byte stream comes from. URL may be
// updated between sessions; everything else is fixed while a session is
// open. RedirectedURL records the last redirect target reported by the
// transport.
type DataSource struct {
	URL             string
	TotalSize       int64
	Cors            bool
	WithCredentials bool
	RedirectedURL   string
}

// CurrentURL returns the redirected URL when one is known, else the
// configured URL.
func (ds *DataSource) CurrentURL() string {
	if ds.RedirectedURL != "" {
		return ds.RedirectedURL
	}
	return ds.URL
}

// HasRedirect reports whether the transport has been redirected away
// from the configured URL.
func (ds *DataSource) HasRedirect() bool {
	return ds.RedirectedURL != ""
}

// ByteRange is a half-open request window in absolute stream offsets.
// To == -1 means open-ended.
type ByteRange struct {
	From int64
	To   int64
}

// Callbacks are the notifications a loader delivers while a session is
// open. All callbacks for one session are invoked sequentially from a
// single goroutine, in non-decreasing stream-offset order.
type Callbacks struct {
	// OnContentLength reports the total response length once known.
	OnContentLength func(length int64)
	// OnRedirect reports the final URL after transport-level redirects.
	OnRedirect func(url string)
	// OnData delivers a chunk at its absolute stream offset, together
	// with the total bytes received so far in this session. The buffer
	// is owned by the receiver after the call returns.
	OnData func(chunk []byte, byteStart int64, receivedLength int64)
	// OnComplete reports a normally finished session covering [from, to].
	OnComplete func(from, to int64)
	// OnError reports a transport failure.
	OnError func(kind ErrorKind, info ErrorInfo)
}

// Loader is a single-use byte stream transport. A loader is bound to its
// callbacks before Open and must never be opened twice; the controller
// creates a fresh loader for every (re)connection.
type Loader interface {
	// Bind registers the notification callbacks. Must be called before Open.
	Bind(cb Callbacks)
	// Open starts delivering the requested range of the data source.
	Open(ds *DataSource, r ByteRange) error
	// Abort stops delivery as soon as possible. Idempotent.
	Abort()
	// Destroy aborts and releases all resources.
	Destroy()
	// IsWorking reports whether the loader is connecting or delivering.
	IsWorking() bool
	// NeedsStash reports whether chunks from this transport should be
	// staged in the controller's stash buffer. Single-shot transports
	// that deliver one contiguous buffer bypass staging.
	NeedsStash() bool
}
