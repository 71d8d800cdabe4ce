package realtime

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Sink is the write side of one client socket. *websocket.Conn satisfies it;
// tests substitute fakes that honor the deadline the same way a real socket
// does.
type Sink interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Connection is one live bidirectional link between a client process and the
// server. All outbound bytes flow through its queue and are written by a
// single goroutine, which is what gives the broadcaster its FIFO-per-
// destination and sole-writer guarantees.
type Connection struct {
	ID        string
	UserID    string
	CreatedAt time.Time

	sink        Sink
	send        chan []byte
	done        chan struct{}
	closed      int32
	sendTimeout time.Duration
	onDead      func(*Connection)
	logger      *slog.Logger
}

func newConnection(userID string, sink Sink, queueSize int, sendTimeout time.Duration, logger *slog.Logger) *Connection {
	return &Connection{
		ID:          uuid.New().String(),
		UserID:      userID,
		CreatedAt:   time.Now(),
		sink:        sink,
		send:        make(chan []byte, queueSize),
		done:        make(chan struct{}),
		sendTimeout: sendTimeout,
		logger:      logger,
	}
}

// Alive reports whether the connection has not been torn down.
func (c *Connection) Alive() bool {
	return atomic.LoadInt32(&c.closed) == 0
}

// Enqueue appends payload to the connection's outbound queue. It never
// blocks: a full queue means the consumer has fallen hopelessly behind, and
// the connection is reported dead rather than stalling the caller.
func (c *Connection) Enqueue(payload []byte) error {
	if !c.Alive() {
		return ErrConnectionClosed
	}
	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	default:
		c.logger.Warn("outbound queue full, dropping connection",
			"connectionID", c.ID, "userID", c.UserID)
		c.teardown()
		return ErrDeliveryFailed
	}
}

// pingPeriod must be under the read pump's pong wait so idle connections
// stay alive.
const pingPeriod = 54 * time.Second

// writeLoop drains the queue onto the socket and keeps the peer alive with
// periodic pings. Each write is bounded by the send timeout via the sink's
// write deadline; any failure tears the connection down and notifies the
// registry.
func (c *Connection) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case payload := <-c.send:
			c.sink.SetWriteDeadline(time.Now().Add(c.sendTimeout))
			if err := c.sink.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.logger.Debug("write failed",
					"connectionID", c.ID, "userID", c.UserID, "error", err)
				c.teardown()
				return
			}
		case <-ticker.C:
			c.sink.SetWriteDeadline(time.Now().Add(c.sendTimeout))
			if err := c.sink.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.teardown()
				return
			}
		case <-c.done:
			return
		}
	}
}

// teardown marks the connection dead exactly once, closes the socket and
// reports the death upstream so the registry can drop it.
func (c *Connection) teardown() {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return
	}
	close(c.done)
	c.sink.Close()
	if c.onDead != nil {
		go c.onDead(c)
	}
}
