// Package ingest buffers, paces, and recovers a live byte stream. The
// Controller owns one transport loader at a time, stages arriving chunks
// in an adaptive stash sized by measured throughput, and forwards byte
// ranges downstream under a consumed-count back-pressure contract. On
// transient disconnects of bounded sources it transparently reissues the
// request at the next unreceived offset.
package ingest

import (
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/tdwu/flv.js/loader"
)

// State is the controller's session state.
type State int

// Controller states.
const (
	StateIdle State = iota
	StateConnecting
	StateBuffering
	StatePaused
	StateComplete
	StateError
)

const defaultStashInitialSize = 384 << 10

// Config tunes a Controller. The zero value is usable: 384 KiB initial
// stash, staging enabled, bounded source, Range-header seeking, transport
// chosen from the URL scheme.
type Config struct {
	// StashInitialSize is the initial stash target in bytes.
	StashInitialSize int
	// DisableStash bypasses staging: every chunk dispatches immediately
	// and only unconsumed remainders are retained.
	DisableStash bool
	// IsLive marks a continuous source: no automatic reconnection and
	// the live stash sizing policy.
	IsLive bool

	// SeekHandler renders byte offsets into request parameters.
	SeekHandler loader.SeekHandler
	// NewLoader overrides transport selection. By default ws:// and
	// wss:// URLs get a WebSocketLoader and everything else an
	// HTTPLoader. A fresh loader is created for every (re)connection.
	NewLoader func() loader.Loader
	// Sampler overrides the throughput sampler.
	Sampler SpeedSampler
	Log     *slog.Logger
}

// Handlers receive the controller's notifications. DataArrival and Error
// are mandatory; New fails without them. Handlers are invoked with the
// controller's internal lock held and must not call back into the
// controller synchronously.
type Handlers struct {
	// DataArrival receives (data, absolute stream offset) and returns
	// how many bytes it consumed, in [0, len(data)]. Returning less than
	// the full length is deferred back-pressure, not an error: the
	// remainder is redelivered with later data. The buffer is only valid
	// for the duration of the call.
	DataArrival func(data []byte, byteStart int64) int
	// Error receives classified transport failures.
	Error func(kind loader.ErrorKind, info loader.ErrorInfo)
	// Seeked fires after a seek or resume has reopened the transport.
	Seeked func()
	// Complete fires when a session finishes having delivered data.
	Complete func()
	// Redirect reports the transport's final URL.
	Redirect func(url string)
	// Recovered fires when data flows again after automatic reconnection.
	Recovered func()
}

var (
	errNilDataSource  = errors.New("ingest: nil data source")
	errNoDataArrival  = errors.New("ingest: DataArrival handler is required")
	errNoErrorHandler = errors.New("ingest: Error handler is required")
)

// Controller drives one transport loader at a time and owns the stash.
// All loader notifications and all public operations are serialized by an
// internal mutex, so stash and range state never see concurrent mutation.
type Controller struct {
	log *slog.Logger
	ds  *loader.DataSource
	h   Handlers

	newLoader func() loader.Loader
	sampler   SpeedSampler

	mu               sync.Mutex
	ldr              loader.Loader
	stash            *stashBuffer
	stashInitialSize int
	enableStash      bool
	isLive           bool

	state           State
	currentRange    loader.ByteRange
	totalLength     int64
	fullRequestFlag bool
	totalReceived   int64
	speedNormalized int
	paused          bool
	resumeFrom      int64
	reconnecting    bool
}

// New creates a Controller for the given data source. It fails if either
// mandatory handler is unset, so an unhandled transport error can never
// be silently swallowed.
func New(ds *loader.DataSource, cfg Config, h Handlers) (*Controller, error) {
	if ds == nil {
		return nil, errNilDataSource
	}
	if h.DataArrival == nil {
		return nil, errNoDataArrival
	}
	if h.Error == nil {
		return nil, errNoErrorHandler
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "ingest")

	initial := cfg.StashInitialSize
	if initial <= 0 {
		initial = defaultStashInitialSize
	}
	sampler := cfg.Sampler
	if sampler == nil {
		sampler = NewSampler()
	}
	seek := cfg.SeekHandler
	if seek == nil {
		seek = loader.RangeSeekHandler{}
	}

	c := &Controller{
		log:              log,
		ds:               ds,
		h:                h,
		sampler:          sampler,
		stash:            newStashBuffer(initial),
		stashInitialSize: initial,
		enableStash:      !cfg.DisableStash,
		isLive:           cfg.IsLive,
		totalLength:      ds.TotalSize,
		currentRange:     loader.ByteRange{From: 0, To: -1},
	}

	c.newLoader = cfg.NewLoader
	if c.newLoader == nil {
		c.newLoader = func() loader.Loader {
			u := ds.CurrentURL()
			if strings.HasPrefix(u, "ws://") || strings.HasPrefix(u, "wss://") {
				return loader.NewWebSocketLoader(log, nil)
			}
			return loader.NewHTTPLoader(loader.HTTPConfig{SeekHandler: seek, Log: log})
		}
	}
	return c, nil
}

// State returns the current session state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// TotalLength returns the stream's total byte length, or zero while unknown.
func (c *Controller) TotalLength() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalLength
}

// Open begins a session at the given absolute offset. Offset zero marks a
// full request, which learns the total stream length from the transport's
// content-length notification. A transport that rejects the request is
// routed into the error path rather than returned.
func (c *Controller) Open(from int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stash.used > 0 {
		c.log.Warn("dropping stale stash from a previous session", "bytes", c.stash.used)
	}
	c.stash.reset()
	c.stash.size = c.stashInitialSize
	c.currentRange = loader.ByteRange{From: from, To: -1}
	c.sampler.Reset()
	c.fullRequestFlag = from == 0
	c.openLoaderLocked(loader.ByteRange{From: from, To: -1})
}

// Abort stops the active transport immediately and flushes the stash,
// so a later Open starts from a clean window. Idempotent. A pending
// pause/resume cycle is cancelled.
func (c *Controller) Abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ldr != nil {
		c.ldr.Abort()
	}
	c.flushStashLocked(true)
	if c.paused {
		c.paused = false
		c.resumeFrom = 0
	}
	c.state = StateIdle
}

// Pause aborts the transport and remembers where to resume: the logical
// start of still-stashed data if any exists, otherwise one past the last
// confirmed byte. No-op unless the controller is actively working.
func (c *Controller) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused || c.ldr == nil || !c.ldr.IsWorking() {
		return
	}
	c.ldr.Abort()
	if c.stash.used != 0 {
		c.resumeFrom = c.stash.byteStart
		c.currentRange.To = c.stash.byteStart - 1
	} else {
		c.resumeFrom = c.currentRange.To + 1
	}
	// Stashed bytes are re-fetched on resume, so drop them now rather
	// than double-delivering them through the resume flush.
	c.stash.reset()
	c.paused = true
	c.state = StatePaused
}

// Resume reopens the transport at the offset computed by Pause. No-op if
// not paused.
func (c *Controller) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.paused {
		return
	}
	c.paused = false
	from := c.resumeFrom
	c.resumeFrom = 0
	c.reopenLocked(from, true, true)
}

// Seek discards any stashed occupancy and reopens the transport at the
// given absolute offset. The next dispatched byte is exactly offset.
func (c *Controller) Seek(from int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = false
	c.resumeFrom = 0
	if c.stash.used > 0 {
		c.log.Warn("dropping unconsumed stash on seek", "bytes", c.stash.used)
	}
	c.stash.reset()
	c.reopenLocked(from, true, true)
}

// Destroy tears the session down and releases the transport.
func (c *Controller) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ldr != nil {
		if c.ldr.IsWorking() {
			c.ldr.Abort()
		}
		c.ldr.Destroy()
		c.ldr = nil
	}
	c.stash.reset()
	c.paused = false
	c.resumeFrom = 0
	c.reconnecting = false
	c.state = StateIdle
}

// openLoaderLocked creates, binds, and opens a fresh loader for r. The
// previous loader must already be released; the controller never holds
// two active transports.
func (c *Controller) openLoaderLocked(r loader.ByteRange) {
	l := c.newLoader()
	if !l.NeedsStash() {
		c.enableStash = false
	}
	c.ldr = l
	c.state = StateConnecting

	// Each callback re-checks loader identity so late notifications from
	// a released transport can never interleave into the current stash.
	l.Bind(loader.Callbacks{
		OnContentLength: func(n int64) { c.onContentLength(l, n) },
		OnRedirect:      func(u string) { c.onRedirect(l, u) },
		OnData:          func(chunk []byte, byteStart, received int64) { c.onData(l, chunk, byteStart, received) },
		OnComplete:      func(from, to int64) { c.onComplete(l, from, to) },
		OnError:         func(kind loader.ErrorKind, info loader.ErrorInfo) { c.onError(l, kind, info) },
	})

	if err := l.Open(c.ds, r); err != nil {
		c.log.Warn("transport rejected open", "error", err)
		c.handleErrorLocked(loader.KindException, loader.ErrorInfo{Msg: err.Error()})
	}
}

// reopenLocked is the internal seek: release the current transport, flush
// the stash, and open a new loader at from with the stash target back at
// its initial size.
func (c *Controller) reopenLocked(from int64, dropUnconsumed, notifySeek bool) {
	if c.ldr != nil {
		if c.ldr.IsWorking() {
			c.ldr.Abort()
		}
		c.flushStashLocked(dropUnconsumed)
		c.ldr.Destroy()
		c.ldr = nil
	} else {
		c.flushStashLocked(dropUnconsumed)
	}

	c.currentRange = loader.ByteRange{From: from, To: -1}
	c.sampler.Reset()
	c.stash.size = c.stashInitialSize
	c.openLoaderLocked(loader.ByteRange{From: from, To: -1})

	if notifySeek && c.h.Seeked != nil {
		c.h.Seeked()
	}
}

func (c *Controller) onContentLength(l loader.Loader, length int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ldr != l {
		return
	}
	if c.fullRequestFlag && length > 0 {
		c.totalLength = length
		c.ds.TotalSize = length
		c.fullRequestFlag = false
	}
}

func (c *Controller) onRedirect(l loader.Loader, url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ldr != l {
		return
	}
	c.ds.RedirectedURL = url
	if c.h.Redirect != nil {
		c.h.Redirect(url)
	}
}

func (c *Controller) onData(l loader.Loader, chunk []byte, byteStart, received int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ldr != l || c.paused {
		return
	}
	c.state = StateBuffering
	c.totalReceived += int64(len(chunk))

	c.sampler.AddBytes(len(chunk))
	if kbps := c.sampler.LastSecondKBps(); kbps != 0 {
		if normalized := normalizeSpeed(kbps); normalized != c.speedNormalized {
			c.speedNormalized = normalized
			c.adjustStashSizeLocked(normalized)
		}
	}

	if len(chunk) > 0 {
		if c.enableStash {
			c.arrivalStashedLocked(chunk, byteStart)
		} else {
			c.arrivalDirectLocked(chunk, byteStart)
		}
	}

	if c.reconnecting {
		c.reconnecting = false
		c.log.Info("recovered from early EOF", "offset", byteStart)
		if c.h.Recovered != nil {
			c.h.Recovered()
		}
	}
}

// arrivalDirectLocked implements the stash-disabled policy: dispatch each
// chunk as it arrives, merging with any retained remainder first.
func (c *Controller) arrivalDirectLocked(chunk []byte, byteStart int64) {
	s := c.stash
	if s.used == 0 {
		consumed := c.dispatchLocked(chunk, byteStart)
		if consumed < len(chunk) {
			remain := len(chunk) - consumed
			s.ensure(remain)
			copy(s.buf, chunk[consumed:])
			s.used = remain
			s.byteStart = byteStart + int64(consumed)
		}
		return
	}

	s.ensure(s.used + len(chunk))
	s.write(chunk)
	consumed := c.dispatchLocked(s.buf[:s.used], s.byteStart)
	if consumed > 0 {
		if consumed < s.used {
			copy(s.buf, s.buf[consumed:s.used])
		}
		s.used -= consumed
		s.byteStart += int64(consumed)
	}
}

// arrivalStashedLocked implements the stash-enabled policy: accumulate
// until the target would be exceeded, then dispatch the whole occupied
// region as one unit at its logical start.
func (c *Controller) arrivalStashedLocked(chunk []byte, byteStart int64) {
	s := c.stash
	if s.used == 0 && s.byteStart == 0 {
		// First chunk after open or seek anchors the logical window.
		s.byteStart = byteStart
	}

	if s.used+len(chunk) <= s.size {
		s.ensure(s.used + len(chunk))
		s.write(chunk)
		return
	}

	if s.used > 0 {
		s.ensure(s.used + len(chunk))
		s.write(chunk)
		consumed := c.dispatchLocked(s.buf[:s.used], s.byteStart)
		if consumed < s.used {
			if consumed > 0 {
				copy(s.buf, s.buf[consumed:s.used])
				s.used -= consumed
				s.byteStart += int64(consumed)
			}
		} else {
			s.used = 0
			s.byteStart += int64(consumed)
		}
		return
	}

	// Empty stash but the chunk alone exceeds the target: dispatch it
	// directly and stage only the unconsumed remainder.
	consumed := c.dispatchLocked(chunk, byteStart)
	if consumed < len(chunk) {
		remain := len(chunk) - consumed
		s.ensure(remain)
		copy(s.buf, chunk[consumed:])
		s.used = remain
		s.byteStart = byteStart + int64(consumed)
	}
}

// dispatchLocked forwards (data, offset) downstream and clamps the
// consumed count into contract range. currentRange.To tracks the last
// byte ever handed to the consumer.
func (c *Controller) dispatchLocked(data []byte, byteStart int64) int {
	c.currentRange.To = byteStart + int64(len(data)) - 1
	consumed := c.h.DataArrival(data, byteStart)
	if consumed < 0 {
		consumed = 0
	}
	if consumed > len(data) {
		consumed = len(data)
	}
	return consumed
}

// adjustStashSizeLocked adopts a new stash target for the tier, growing
// the arena first so the target always keeps its headroom.
func (c *Controller) adjustStashSizeLocked(normalized int) {
	target := targetStashSizeKB(normalized, c.isLive) * 1024
	if c.stash.capacity() < target+headroom {
		c.stash.expand(target + headroom)
	}
	c.stash.size = target
}

// flushStashLocked dispatches the occupied region once. On partial
// consumption the remainder is either dropped with a warning or compacted
// to the front and retained. Returns the number of dropped bytes.
func (c *Controller) flushStashLocked(dropUnconsumed bool) int {
	s := c.stash
	if s.used == 0 {
		return 0
	}
	buffer := s.buf[:s.used]
	consumed := c.dispatchLocked(buffer, s.byteStart)
	remain := len(buffer) - consumed
	if consumed < len(buffer) {
		if dropUnconsumed {
			c.log.Warn("dropping unconsumed bytes on flush", "bytes", remain)
		} else {
			if consumed > 0 {
				copy(s.buf, buffer[consumed:])
				s.used = remain
				s.byteStart += int64(consumed)
			}
			return 0
		}
	}
	s.used = 0
	s.byteStart = 0
	return remain
}

func (c *Controller) onComplete(l loader.Loader, from, to int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ldr != l {
		return
	}
	c.flushStashLocked(true)
	if c.totalReceived == 0 {
		c.state = StateError
		c.h.Error(loader.KindConnectingTimeout, loader.ErrorInfo{
			Msg: "transport closed without delivering any data",
		})
		return
	}
	c.state = StateComplete
	if c.h.Complete != nil {
		c.h.Complete()
	}
}

func (c *Controller) onError(l loader.Loader, kind loader.ErrorKind, info loader.ErrorInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ldr != l {
		return
	}
	c.handleErrorLocked(kind, info)
}

// handleErrorLocked flushes the stash (keeping unconsumed data) and
// applies the recovery policy: a transient early EOF on a bounded source
// with bytes known to remain is retried exactly once per occurrence by
// reopening at the next unreceived offset; everything else, including a
// failure of the reconnection attempt itself, escalates.
func (c *Controller) handleErrorLocked(kind loader.ErrorKind, info loader.ErrorInfo) {
	c.flushStashLocked(false)

	if kind == loader.KindEarlyEOF {
		switch {
		case c.reconnecting:
			kind = loader.KindUnrecoverableEarlyEOF
		case !c.isLive && c.totalLength > 0:
			nextFrom := c.currentRange.To + 1
			if nextFrom < c.totalLength {
				c.log.Warn("connection lost, reconnecting", "from", nextFrom)
				c.reconnecting = true
				c.reopenLocked(nextFrom, false, false)
				return
			}
			kind = loader.KindUnrecoverableEarlyEOF
		default:
			kind = loader.KindUnrecoverableEarlyEOF
		}
	}

	c.state = StateError
	c.h.Error(kind, info)
}
