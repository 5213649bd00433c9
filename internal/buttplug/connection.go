package buttplug

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	ws "github.com/gorilla/websocket"
)

const (
	sendChSize   = 256
	maxReconnect = 10
	maxBackoff   = 30 * time.Second
	writeWait    = 10 * time.Second
)

// initialBackoff is the first reconnect delay. Tests shorten it.
var initialBackoff = time.Second

var (
	errSendQueueFull = errors.New("send queue full")
	errNotConnected  = errors.New("not connected to device server")
	errConnClosed    = errors.New("connection closed")
)

// connection manages a WebSocket connection with a single write goroutine.
// Replies are routed to waiters by message Id; everything else goes to
// onMessage.
type connection struct {
	mu      sync.Mutex
	conn    *ws.Conn
	sendCh  chan []byte
	waiters map[uint32]chan Incoming
	done    chan struct{} // closed on shutdown
	closed  bool

	url string

	onMessage   func(Incoming)
	onReconnect func()

	logger *slog.Logger
}

func newConnection(logger *slog.Logger) *connection {
	return &connection{
		sendCh:  make(chan []byte, sendChSize),
		waiters: make(map[uint32]chan Incoming),
		done:    make(chan struct{}),
		logger:  logger,
	}
}

// dial connects to the device server and starts the read/write loops.
func (c *connection) dial(ctx context.Context, rawURL string) error {
	c.url = rawURL

	conn, _, err := ws.DefaultDialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		return fmt.Errorf("websocket dial failed: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.writeLoop(conn)
	go c.readLoop(conn)

	return nil
}

// writeLoop drains sendCh and writes messages to the WebSocket.
// It returns on error or shutdown.
func (c *connection) writeLoop(conn *ws.Conn) {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.sendCh:
			c.mu.Lock()
			current := c.conn == conn
			c.mu.Unlock()
			if !current {
				// Superseded by a reconnect; hand the data to the new loop.
				_ = c.send(data)
				return
			}

			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Warn("Device server SetWriteDeadline error", "error", err)
				go c.reconnect(conn)
				return
			}
			if err := conn.WriteMessage(ws.TextMessage, data); err != nil {
				c.logger.Warn("Device server write error", "error", err)
				go c.reconnect(conn)
				return
			}
		}
	}
}

// readLoop reads frames and routes their messages.
func (c *connection) readLoop(conn *ws.Conn) {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			c.logger.Warn("Device server read error", "error", err)
			go c.reconnect(conn)
			return
		}

		msgs, err := DecodeFrame(frame)
		if err != nil {
			c.logger.Debug("Malformed frame from device server", "raw", string(frame), "error", err)
			continue
		}

		for _, m := range msgs {
			c.route(m)
		}
	}
}

func (c *connection) route(m Incoming) {
	if m.ID != 0 {
		c.mu.Lock()
		w, ok := c.waiters[m.ID]
		delete(c.waiters, m.ID)
		c.mu.Unlock()

		if ok {
			w <- m
			return
		}
	}
	if c.onMessage != nil {
		c.onMessage(m)
	}
}

// reconnect re-establishes the connection with exponential backoff. Only
// the first caller for a given broken connection does the work.
func (c *connection) reconnect(broken *ws.Conn) {
	c.mu.Lock()
	if c.closed || c.conn != broken {
		c.mu.Unlock()
		return
	}
	_ = c.conn.Close()
	c.conn = nil
	c.failWaitersLocked()
	c.mu.Unlock()

	backoff := initialBackoff
	for attempt := 1; attempt <= maxReconnect; attempt++ {
		c.logger.Info("Reconnecting to device server", "attempt", attempt, "backoff", backoff)

		select {
		case <-c.done:
			return
		case <-time.After(backoff):
		}

		conn, _, err := ws.DefaultDialer.Dial(c.url, nil)
		if err != nil {
			c.logger.Warn("Reconnect dial failed", "attempt", attempt, "error", err)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = conn.Close()
			return
		}
		c.conn = conn
		c.mu.Unlock()

		c.logger.Info("Device server reconnected", "attempt", attempt)
		go c.writeLoop(conn)
		go c.readLoop(conn)

		// Introduce ourselves again so the server accepts commands.
		if c.onReconnect != nil {
			go c.onReconnect()
		}
		return
	}

	c.logger.Error("Device server reconnect failed after max attempts", "maxAttempts", maxReconnect)
}

// failWaitersLocked drops all pending waits; their replies will never come.
func (c *connection) failWaitersLocked() {
	for id, w := range c.waiters {
		close(w)
		delete(c.waiters, id)
	}
}

// send pushes data to the write loop. Non-blocking.
func (c *connection) send(data []byte) error {
	select {
	case c.sendCh <- data:
		return nil
	default:
		c.logger.Warn("Device server send channel full, dropping message")
		return errSendQueueFull
	}
}

// sendAndWait sends data and blocks until the reply with the given Id
// arrives, the context ends or the connection goes away.
func (c *connection) sendAndWait(ctx context.Context, id uint32, data []byte) (Incoming, error) {
	w := make(chan Incoming, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Incoming{}, errConnClosed
	}
	if c.conn == nil {
		c.mu.Unlock()
		return Incoming{}, errNotConnected
	}
	c.waiters[id] = w
	c.mu.Unlock()

	unregister := func() {
		c.mu.Lock()
		delete(c.waiters, id)
		c.mu.Unlock()
	}

	if err := c.send(data); err != nil {
		unregister()
		return Incoming{}, err
	}

	select {
	case m, ok := <-w:
		if !ok {
			return Incoming{}, errNotConnected
		}
		return m, nil
	case <-ctx.Done():
		unregister()
		return Incoming{}, fmt.Errorf("waiting for reply to message %d: %w", id, ctx.Err())
	case <-c.done:
		return Incoming{}, errConnClosed
	}
}

// close sends a WebSocket close frame and shuts down all goroutines.
func (c *connection) close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(
			ws.CloseMessage,
			ws.FormatCloseMessage(ws.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		return conn.Close()
	}
	return nil
}
