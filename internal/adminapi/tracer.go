package adminapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// TraceEvent is one session event delivered over the admin WebSocket
// trace channel (§6): {id, when, payload}. Payload carries whatever the
// emitting surface (SMTP ingress, dispatcher) hands it; diffing against
// conn_meta between consecutive events for the same id is left to the
// consumer, which already holds every prior event for that id.
type TraceEvent struct {
	ID      string      `json:"id"`
	When    time.Time   `json:"when"`
	Payload interface{} `json:"payload"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Tracer fans out TraceEvents to every connected WebSocket client. Events
// for a slow client are dropped rather than allowed to back-pressure the
// emitters that feed it.
type Tracer struct {
	mu      sync.Mutex
	clients map[*traceClient]struct{}
}

type traceClient struct {
	conn *websocket.Conn
	send chan TraceEvent
}

func NewTracer() *Tracer {
	return &Tracer{clients: map[*traceClient]struct{}{}}
}

// Emit pushes one event to every currently-connected client.
func (t *Tracer) Emit(id string, payload interface{}) {
	ev := TraceEvent{ID: id, When: time.Now().UTC(), Payload: payload}

	t.mu.Lock()
	defer t.mu.Unlock()
	for c := range t.clients {
		select {
		case c.send <- ev:
		default:
			// Client's buffer is full; drop the event for it rather than
			// block the emitter. A disconnected client is unregistered
			// by its write loop once a write to the closed connection
			// fails.
		}
	}
}

func (t *Tracer) register(c *traceClient) {
	t.mu.Lock()
	t.clients[c] = struct{}{}
	t.mu.Unlock()
}

func (t *Tracer) unregister(c *traceClient) {
	t.mu.Lock()
	delete(t.clients, c)
	t.mu.Unlock()
	close(c.send)
}

// handleTraceWS upgrades the request to a WebSocket and streams TraceEvents
// to it until the client disconnects.
func (s *Service) handleTraceWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &traceClient{conn: conn, send: make(chan TraceEvent, 64)}
	s.tracer.register(c)
	defer func() {
		s.tracer.unregister(c)
		_ = conn.Close()
	}()

	go c.drainReads()

	for ev := range c.send {
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}

// drainReads discards client-sent frames but keeps reading so the
// connection's close/ping control frames are processed, per gorilla's
// documented full-duplex contract. A read error (including the client
// disconnecting) closes the connection, which unblocks the write loop's
// next WriteMessage so it can unregister and return.
func (c *traceClient) drainReads() {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			_ = c.conn.Close()
			return
		}
	}
}
