package hub

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quizrelay/quizrelay/internal/protocol"
)

const (
	sendBufferSize   = 64
	writeWait        = 10 * time.Second
	closeGracePeriod = time.Second
)

// Connection is one accepted RelayLink socket. Outbound writes are
// serialized through a buffered channel drained by a single writer
// goroutine; a full buffer drops the message rather than blocking the
// broadcaster.
type Connection struct {
	ID          string
	ConnectedAt time.Time

	ws    *websocket.Conn
	send  chan []byte
	done  chan struct{}
	once  sync.Once
	alive atomic.Bool

	mu          sync.RWMutex
	userID      string
	displayName string
}

func newConnection(id string, ws *websocket.Conn, connectedAt time.Time) *Connection {
	c := &Connection{
		ID:          id,
		ConnectedAt: connectedAt,
		ws:          ws,
		send:        make(chan []byte, sendBufferSize),
		done:        make(chan struct{}),
	}
	c.alive.Store(true)
	return c
}

func (c *Connection) setIdentity(id protocol.Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = id.UserID
	c.displayName = id.DisplayName
}

// UserID returns the identified user, or "" before identify.
func (c *Connection) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *Connection) DisplayName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.displayName
}

func (c *Connection) markAlive()    { c.alive.Store(true) }
func (c *Connection) markStale()    { c.alive.Store(false) }
func (c *Connection) isAlive() bool { return c.alive.Load() }

// trySend enqueues one frame without blocking. Returns false when the
// connection is closed or its buffer is full; the caller swallows either.
func (c *Connection) trySend(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// writePump drains the send buffer onto the socket. It exits when close is
// called or a write fails, and owns the socket teardown so queued frames get
// their flush window before the read loop observes the dead socket.
func (c *Connection) writePump() {
	defer c.ws.Close()
	for {
		select {
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-c.done:
			// Flush whatever is already queued before closing.
			for {
				select {
				case data := <-c.send:
					_ = c.ws.SetWriteDeadline(time.Now().Add(closeGracePeriod))
					if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// pingProbe sends a control-frame ping; safe concurrently with writePump.
func (c *Connection) pingProbe() error {
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// close signals termination. The socket itself is closed by writePump after
// its drain loop exits, so frames queued before close still go out.
// Idempotent.
func (c *Connection) close() {
	c.once.Do(func() {
		close(c.done)
	})
}
