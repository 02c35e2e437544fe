package broadcast

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// outboundBuffer is the bound on a connection's queued-but-unsent
// events. When full, the oldest queued event is dropped in favor of
// the new one (spec.md §4.8: "a slow or dead connection MUST NOT stall
// other connections"), matching the teacher's SSE channel's
// drop-when-full policy rather than blocking the publisher.
const outboundBuffer = 64

const writeTimeout = 10 * time.Second
const pongTimeout = 60 * time.Second
const pingInterval = pongTimeout / 2

// Link is a live client connection a ServerEvent can be delivered to.
// The hub only depends on this interface so tests can substitute a
// fake link instead of a real socket.
type Link interface {
	// Send enqueues event for delivery. Returns false if the link is
	// already closed.
	Send(event ServerEvent) bool
	// Close tears the link down.
	Close()
}

// WSConnection adapts a gorilla/websocket connection to Link, pumping
// queued events out on a dedicated writer goroutine so Send never
// blocks the caller (the bridge, mid-turn) on socket I/O.
type WSConnection struct {
	conn *websocket.Conn
	log  zerolog.Logger

	mu     sync.Mutex
	queue  chan ServerEvent
	closed bool
	done   chan struct{}
}

// NewWSConnection wraps conn and starts its writer pump.
func NewWSConnection(conn *websocket.Conn, log zerolog.Logger) *WSConnection {
	c := &WSConnection{
		conn:  conn,
		log:   log,
		queue: make(chan ServerEvent, outboundBuffer),
		done:  make(chan struct{}),
	}
	go c.pump()
	return c
}

func (c *WSConnection) Send(event ServerEvent) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}

	select {
	case c.queue <- event:
		return true
	default:
		// Buffer full: drop the oldest queued event to make room,
		// prioritizing delivery of the newest state over replaying history.
		select {
		case <-c.queue:
		default:
		}
		select {
		case c.queue <- event:
			return true
		default:
			return false
		}
	}
}

func (c *WSConnection) pump() {
	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})

	for {
		select {
		case event, ok := <-c.queue:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(event); err != nil {
				c.log.Warn().Err(err).Msg("broadcast: write failed, closing connection")
				c.Close()
				return
			}
		case <-pingTicker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *WSConnection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	close(c.done)
	_ = c.conn.Close()
}
