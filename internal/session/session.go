package session

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// DefaultHeartbeatInterval is how often idle sessions are swept.
	DefaultHeartbeatInterval = 30 * time.Second
	// DefaultStaleTimeout is how long a session may stay silent before the
	// sweep disconnects it.
	DefaultStaleTimeout = 90 * time.Second

	writeWait = 10 * time.Second
)

// Conn is the slice of a websocket connection the session layer needs.
// *websocket.Conn satisfies it.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

var _ Conn = (*websocket.Conn)(nil)

// Handle wraps one accepted client socket. Handles are owned by the
// Manager; callers interact with them through the manager's methods and
// must not retain one past the call that produced it.
type Handle struct {
	id       string
	groupKey string
	conn     Conn

	writeMu      sync.Mutex // serializes frames; delivery stays FIFO per sender
	lastActivity atomic.Int64
	closed       atomic.Bool
}

// ID returns the connection id assigned at accept time.
func (h *Handle) ID() string { return h.id }

// GroupKey returns the group this handle was accepted into, if any.
func (h *Handle) GroupKey() string { return h.groupKey }

// Closed reports whether the handle has been torn down. Once true it
// never goes back.
func (h *Handle) Closed() bool { return h.closed.Load() }

// LastActivity returns the time of the last inbound message or
// successful ping on this handle.
func (h *Handle) LastActivity() time.Time {
	return time.Unix(0, h.lastActivity.Load())
}

func (h *Handle) touch(now time.Time) {
	h.lastActivity.Store(now.UnixNano())
}

// write delivers one JSON frame. The write deadline bounds a stuck peer.
func (h *Handle) write(data []byte) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	_ = h.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return h.conn.WriteMessage(websocket.TextMessage, data)
}

// close tears down the socket. Safe to call more than once; only the
// first call closes the underlying connection.
func (h *Handle) close() {
	if !h.closed.CompareAndSwap(false, true) {
		return
	}
	_ = h.conn.Close()
}

// Outbound frame types sent to clients.
const (
	FrameChunk    = "chunk"
	FrameComplete = "complete"
	FrameError    = "error"
	FramePing     = "ping"
)

// Frame is an outbound message to a client.
type Frame struct {
	Type      string `json:"type"`
	Content   string `json:"content,omitempty"`
	Error     string `json:"error,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

func encodeFrame(message any) ([]byte, error) {
	return json.Marshal(message)
}

func pingFrame(now time.Time) []byte {
	data, _ := json.Marshal(Frame{Type: FramePing, Timestamp: now.UnixMilli()})
	return data
}
