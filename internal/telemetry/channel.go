package telemetry

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	ws "github.com/gorilla/websocket"

	"github.com/vibrouter/router/internal/dispatcher"
	"github.com/vibrouter/router/pkg/hookproto"
)

const (
	writeWait  = 5 * time.Second
	detachWait = time.Second
)

var upgrader = ws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Only local processes can reach the listener.
	CheckOrigin: func(*http.Request) bool { return true },
}

// channel is the server side of one session. The payload connects once;
// a second connection is refused.
type channel struct {
	pid      int
	endpoint Endpoint
	sink     Sink
	logger   *slog.Logger
	srv      *http.Server

	mu         sync.Mutex
	conn       *ws.Conn
	closed     bool
	terminated bool
	pending    [][]byte
	timer      *time.Timer

	writeMu sync.Mutex
}

func newChannel(pid int, endpoint Endpoint, sink Sink, logger *slog.Logger) *channel {
	return &channel{
		pid:      pid,
		endpoint: endpoint,
		sink:     sink,
		logger:   logger.With("channel", endpoint.Name, "pid", pid),
	}
}

func (c *channel) Name() string {
	return c.endpoint.Name
}

func (c *channel) Endpoint() Endpoint {
	return c.endpoint
}

// armTimeout delivers ErrProducerTimeout if nobody connects in time.
func (c *channel) armTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.conn != nil {
		return
	}
	c.timer = time.AfterFunc(d, func() {
		c.mu.Lock()
		connected := c.conn != nil
		c.mu.Unlock()
		if connected {
			return
		}
		c.logger.Warn("Payload did not connect", "timeout", d)
		c.deliver(CommandError, ErrProducerTimeout, true)
	})
}

func (c *channel) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	if c.closed || c.terminated || c.conn != nil {
		c.mu.Unlock()
		http.Error(w, "channel already in use", http.StatusConflict)
		return
	}
	c.mu.Unlock()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.logger.Warn("Payload upgrade failed", "error", err)
		return
	}

	c.mu.Lock()
	if c.closed || c.terminated || c.conn != nil {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	if c.timer != nil {
		c.timer.Stop()
	}
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	c.logger.Info("Payload connected", "remote", r.RemoteAddr)

	for _, data := range pending {
		if err := c.write(conn, data, writeWait); err != nil {
			c.logger.Warn("Failed to send queued control", "error", err)
		}
	}

	c.readLoop(conn)
}

// readLoop turns payload messages into events until the connection drops
// or a terminal message arrives.
func (c *channel) readLoop(conn *ws.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if closed {
				return
			}
			c.logger.Info("Payload connection lost", "error", err)
			c.deliver(CommandExit, nil, true)
			return
		}

		var env hookproto.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			c.logger.Debug("Malformed message from payload", "raw", string(message), "error", err)
			continue
		}

		switch env.Type {
		case hookproto.TypeVibration:
			var p hookproto.VibrationPayload
			if err := hookproto.Decode(env, &p); err != nil {
				c.logger.Debug("Bad vibration message", "error", err)
				continue
			}
			c.deliver(CommandVibration, p.Vibration(), false)

		case hookproto.TypePing:
			var p hookproto.MessagePayload
			_ = hookproto.Decode(env, &p)
			c.deliver(CommandPing, p.Message, false)

		case hookproto.TypeError:
			var p hookproto.MessagePayload
			_ = hookproto.Decode(env, &p)
			c.deliver(CommandError, RemoteError{Message: p.Message}, true)
			return

		case hookproto.TypeExit:
			c.deliver(CommandExit, nil, true)
			return

		default:
			c.logger.Debug("Unknown message type from payload", "type", env.Type)
		}
	}
}

// deliver hands an event to the sink. Nothing is delivered after Close or
// after a terminal event.
func (c *channel) deliver(command string, payload any, terminal bool) {
	c.mu.Lock()
	if c.closed || c.terminated {
		c.mu.Unlock()
		return
	}
	if terminal {
		c.terminated = true
	}
	c.mu.Unlock()

	_, err := c.sink.Dispatch(dispatcher.Event{
		Command: command,
		Source:  c.endpoint.Name,
		Payload: payload,
	})
	if err != nil {
		c.logger.Debug("Event not dispatched", "command", command, "error", err)
	}
}

func (c *channel) SetPassthru(enabled bool) error {
	return c.send(hookproto.TypePassthru, hookproto.PassthruPayload{Enabled: enabled})
}

// send writes a control message, queueing it until the payload connects.
func (c *channel) send(msgType string, payload any) error {
	data, err := hookproto.Marshal(msgType, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	conn := c.conn
	if conn == nil {
		c.pending = append(c.pending, data)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	return c.write(conn, data, writeWait)
}

func (c *channel) write(conn *ws.Conn, data []byte, wait time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(wait)); err != nil {
		return err
	}
	return conn.WriteMessage(ws.TextMessage, data)
}

// Close asks the payload to detach, then closes the connection and the
// listener. It does not wait for the read loop.
func (c *channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
	}
	conn := c.conn
	c.conn = nil
	c.pending = nil
	c.mu.Unlock()

	if conn != nil {
		if data, err := hookproto.Marshal(hookproto.TypeDetach, nil); err == nil {
			if err := c.write(conn, data, detachWait); err != nil {
				c.logger.Debug("Detach not delivered", "error", err)
			}
		}
		c.writeMu.Lock()
		_ = conn.WriteControl(ws.CloseMessage,
			ws.FormatCloseMessage(ws.CloseNormalClosure, ""),
			time.Now().Add(detachWait))
		c.writeMu.Unlock()
		_ = conn.Close()
	}

	if c.srv != nil {
		return c.srv.Close()
	}
	return nil
}
