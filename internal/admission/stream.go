package admission

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ocx/gatekeeper/internal/events"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

const (
	streamWriteWait  = 10 * time.Second
	streamPingPeriod = 30 * time.Second
	streamSendBuffer = 64
)

// Stream fans admission events out to WebSocket subscribers. All writes to
// a connection go through its outbound channel and a single writePump
// goroutine, so ping and event frames never race.
type Stream struct {
	bus events.Bus

	mu    sync.Mutex
	conns map[*streamConn]struct{}
}

type streamConn struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
	done chan struct{}
}

// NewStream subscribes to all admission event types on the bus.
func NewStream(bus events.Bus) *Stream {
	s := &Stream{
		bus:   bus,
		conns: make(map[*streamConn]struct{}),
	}
	for _, t := range []events.Type{
		events.EventRequestAllowed,
		events.EventRequestBlocked,
		events.EventRequestWarning,
		events.EventSuspiciousActivity,
		events.EventPenaltyApplied,
		events.EventPenaltyRevoked,
		events.EventAdmissionError,
	} {
		bus.Subscribe(t, s.onEvent)
	}
	return s
}

func (s *Stream) onEvent(_ context.Context, ev *events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		select {
		case c.send <- data:
		default:
			// Slow consumer: drop the connection rather than block the gate.
			go c.close()
		}
	}
	return nil
}

// Handler upgrades the request and streams events until the client leaves.
func (s *Stream) Handler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[AdmissionStream] Upgrade failed", "error", err)
		return
	}

	c := &streamConn{
		conn: conn,
		send: make(chan []byte, streamSendBuffer),
		done: make(chan struct{}),
	}

	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	go c.writePump()
	go s.readPump(c)
}

// readPump discards inbound frames and detects disconnects.
func (s *Stream) readPump(c *streamConn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		c.close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *streamConn) writePump() {
	ticker := time.NewTicker(streamPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *streamConn) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}
