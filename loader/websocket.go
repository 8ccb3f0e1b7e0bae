package loader

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

// WebSocketLoader ingests a byte stream delivered as binary WebSocket
// messages. The transport has no notion of byte offsets, so only
// open-ended sessions starting at offset zero are supported; message
// payloads are assigned consecutive stream offsets in arrival order.
type WebSocketLoader struct {
	log    *slog.Logger
	dialer *websocket.Dialer

	mu             sync.Mutex
	cb             Callbacks
	conn           *websocket.Conn
	status         Status
	aborted        bool
	receivedLength int64
}

// NewWebSocketLoader creates a message-based loader. A nil dialer uses
// websocket.DefaultDialer.
func NewWebSocketLoader(log *slog.Logger, dialer *websocket.Dialer) *WebSocketLoader {
	if log == nil {
		log = slog.Default()
	}
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return &WebSocketLoader{
		log:    log.With("component", "ws-loader"),
		dialer: dialer,
		status: StatusIdle,
	}
}

// Bind implements Loader.
func (l *WebSocketLoader) Bind(cb Callbacks) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cb = cb
}

// NeedsStash implements Loader. Message sizes follow the sender's
// framing, not frame-record boundaries.
func (l *WebSocketLoader) NeedsStash() bool { return true }

// IsWorking implements Loader.
func (l *WebSocketLoader) IsWorking() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status == StatusConnecting || l.status == StatusBuffering
}

// Open implements Loader.
func (l *WebSocketLoader) Open(ds *DataSource, r ByteRange) error {
	if r.From != 0 {
		return errors.New("websocket transport does not support seeking")
	}

	l.mu.Lock()
	l.status = StatusConnecting
	l.mu.Unlock()

	conn, _, err := l.dialer.Dial(ds.CurrentURL(), nil)
	if err != nil {
		l.mu.Lock()
		l.status = StatusError
		l.mu.Unlock()
		return fmt.Errorf("dial %s: %w", ds.CurrentURL(), err)
	}

	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()

	go l.readLoop(conn)
	return nil
}

func (l *WebSocketLoader) readLoop(conn *websocket.Conn) {
	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			l.handleReadError(err)
			return
		}
		if msgType != websocket.BinaryMessage || len(msg) == 0 {
			continue
		}

		l.mu.Lock()
		byteStart := l.receivedLength
		l.receivedLength += int64(len(msg))
		received := l.receivedLength
		l.status = StatusBuffering
		cb := l.cb
		aborted := l.aborted
		l.mu.Unlock()

		if aborted {
			return
		}
		if cb.OnData != nil {
			cb.OnData(msg, byteStart, received)
		}
	}
}

func (l *WebSocketLoader) handleReadError(err error) {
	l.mu.Lock()
	if l.aborted {
		l.mu.Unlock()
		return
	}
	received := l.receivedLength
	cb := l.cb
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		l.status = StatusComplete
		l.mu.Unlock()
		if cb.OnComplete != nil {
			cb.OnComplete(0, received-1)
		}
		return
	}
	l.status = StatusError
	l.mu.Unlock()

	l.log.Warn("websocket read failed", "error", err)
	if cb.OnError != nil {
		cb.OnError(KindException, ErrorInfo{Msg: err.Error()})
	}
}

// Abort implements Loader.
func (l *WebSocketLoader) Abort() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.aborted {
		return
	}
	l.aborted = true
	l.status = StatusComplete
	if l.conn != nil {
		l.conn.Close()
	}
}

// Destroy implements Loader.
func (l *WebSocketLoader) Destroy() {
	l.Abort()
	l.mu.Lock()
	l.cb = Callbacks{}
	l.conn = nil
	l.mu.Unlock()
}
