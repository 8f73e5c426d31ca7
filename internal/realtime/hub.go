// Package realtime is the websocket push hub: authenticated clients
// register over /ws and receive targeted and broadcast messages from the
// monitoring and budget cores. One writePump goroutine owns all writes to
// a connection; one readPump owns all reads.
package realtime

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/courtflow/courtflow/internal/events"
)

// Hub timing. Clients silent past the reap window are torn down.
const (
	pingInterval  = 15 * time.Second
	reapAfter     = 30 * time.Second
	writeDeadline = 10 * time.Second
	sendBuffer    = 64
)

// Message is the wire format for pushed frames.
type Message struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// TokenVerifier authenticates the ?token= query parameter and returns the
// caller's user ID.
type TokenVerifier func(token string) (string, error)

// Metrics receives hub observations; any field may be nil.
type Metrics struct {
	Active  func(n int)
	Sent    func()
	Dropped func()
}

type connection struct {
	id     string
	userID string
	ws     *websocket.Conn
	send   chan []byte
	done   chan struct{} // closed on unregister; send stays open so queued deliveries never panic

	mu       sync.Mutex
	lastSeen time.Time

	closeOnce sync.Once
}

func (c *connection) touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

func (c *connection) silentSince(cutoff time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen.Before(cutoff)
}

// Hub owns the connection set and both per-connection indices.
type Hub struct {
	verify   TokenVerifier
	upgrader websocket.Upgrader
	metrics  Metrics
	ping     time.Duration
	reap     time.Duration

	mu     sync.Mutex
	conns  map[string]*connection            // connID → connection
	users  map[string]map[string]*connection // userID → connID → connection
	closed bool

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// NewHub creates the hub. checkOrigin nil allows all origins (dev).
func NewHub(verify TokenVerifier, checkOrigin func(*http.Request) bool, metrics Metrics) *Hub {
	return newHub(verify, checkOrigin, metrics, pingInterval, reapAfter)
}

func newHub(verify TokenVerifier, checkOrigin func(*http.Request) bool, metrics Metrics, ping, reap time.Duration) *Hub {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	h := &Hub{
		verify: verify,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		metrics: metrics,
		ping:    ping,
		reap:    reap,
		conns:   make(map[string]*connection),
		users:   make(map[string]map[string]*connection),
		done:    make(chan struct{}),
	}
	h.wg.Add(1)
	go h.reapLoop()
	return h
}

// ServeHTTP authenticates and upgrades a client. Verification happens
// before the upgrade so an invalid token gets a plain HTTP error.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	userID, err := h.verify(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusForbidden)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	conn := &connection{
		id:       uuid.New().String(),
		userID:   userID,
		ws:       ws,
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
		lastSeen: time.Now(),
	}

	if !h.register(conn) {
		ws.Close()
		return
	}

	h.wg.Add(2)
	go h.writePump(conn)
	go h.readPump(conn)

	h.SendToConnection(conn.id, Message{
		Type: "connection_status",
		Data: map[string]interface{}{
			"connected":     true,
			"connectionId":  conn.id,
			"userId":        userID,
			"lastHeartbeat": time.Now(),
		},
	})
	log.Info().Str("conn", conn.id).Str("user", userID).Msg("websocket client connected")
}

func (h *Hub) register(conn *connection) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[conn.id] = conn
	if h.users[conn.userID] == nil {
		h.users[conn.userID] = make(map[string]*connection)
	}
	h.users[conn.userID][conn.id] = conn
	if h.metrics.Active != nil {
		h.metrics.Active(len(h.conns))
	}
	return true
}

func (h *Hub) unregister(conn *connection) {
	h.mu.Lock()
	if _, ok := h.conns[conn.id]; ok {
		delete(h.conns, conn.id)
		if set := h.users[conn.userID]; set != nil {
			delete(set, conn.id)
			if len(set) == 0 {
				delete(h.users, conn.userID)
			}
		}
		if h.metrics.Active != nil {
			h.metrics.Active(len(h.conns))
		}
	}
	h.mu.Unlock()

	// conn.send is deliberately left open: deliveries racing this teardown
	// park harmlessly in the buffer instead of panicking on a closed channel.
	conn.closeOnce.Do(func() {
		close(conn.done)
		conn.ws.Close()
	})
}

// writePump owns every write on the connection, including pings.
func (h *Hub) writePump(conn *connection) {
	defer h.wg.Done()
	ticker := time.NewTicker(h.ping)
	defer ticker.Stop()
	defer h.unregister(conn)

	for {
		select {
		case <-conn.done:
			conn.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeDeadline))
			return
		case frame := <-conn.send:
			conn.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := conn.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
			if h.metrics.Sent != nil {
				h.metrics.Sent()
			}
		case <-ticker.C:
			conn.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := conn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-h.done:
			return
		}
	}
}

// readPump owns every read; pongs and client frames refresh liveness.
func (h *Hub) readPump(conn *connection) {
	defer h.wg.Done()
	defer h.unregister(conn)

	conn.ws.SetReadLimit(4096)
	conn.ws.SetReadDeadline(time.Now().Add(h.reap + h.ping))
	conn.ws.SetPongHandler(func(string) error {
		conn.touch()
		conn.ws.SetReadDeadline(time.Now().Add(h.reap + h.ping))
		return nil
	})

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("conn", conn.id).Msg("websocket read error")
			}
			return
		}
		conn.touch()
		conn.ws.SetReadDeadline(time.Now().Add(h.reap + h.ping))

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == "heartbeat" {
			h.SendToConnection(conn.id, Message{
				Type: "heartbeat",
				Data: map[string]interface{}{"lastHeartbeat": time.Now()},
			})
		}
	}
}

// reapLoop tears down connections silent past the reap window.
func (h *Hub) reapLoop() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.ping)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-h.reap)
			h.mu.Lock()
			var stale []*connection
			for _, conn := range h.conns {
				if conn.silentSince(cutoff) {
					stale = append(stale, conn)
				}
			}
			h.mu.Unlock()
			for _, conn := range stale {
				log.Info().Str("conn", conn.id).Str("user", conn.userID).
					Msg("reaping silent websocket client")
				h.unregister(conn)
			}
		case <-h.done:
			return
		}
	}
}

func encode(msg Message) []byte {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		log.Warn().Err(err).Str("type", msg.Type).Msg("message encode failed")
		return nil
	}
	return data
}

// deliver queues a frame on one connection, dropping on a full buffer or a
// connection already torn down.
func (h *Hub) deliver(conn *connection, frame []byte) {
	select {
	case <-conn.done:
	case conn.send <- frame:
	default:
		if h.metrics.Dropped != nil {
			h.metrics.Dropped()
		}
		log.Warn().Str("conn", conn.id).Str("user", conn.userID).
			Msg("send buffer full, dropping message")
	}
}

// SendToUser pushes to every connection of a user. Fire-and-forget.
func (h *Hub) SendToUser(userID string, msg Message) {
	frame := encode(msg)
	if frame == nil {
		return
	}
	h.mu.Lock()
	conns := make([]*connection, 0, len(h.users[userID]))
	for _, conn := range h.users[userID] {
		conns = append(conns, conn)
	}
	h.mu.Unlock()
	for _, conn := range conns {
		h.deliver(conn, frame)
	}
}

// SendToConnection pushes to a single connection by ID.
func (h *Hub) SendToConnection(connID string, msg Message) {
	frame := encode(msg)
	if frame == nil {
		return
	}
	h.mu.Lock()
	conn := h.conns[connID]
	h.mu.Unlock()
	if conn != nil {
		h.deliver(conn, frame)
	}
}

// Broadcast pushes to every connection except the excluded IDs.
func (h *Hub) Broadcast(msg Message, exclude ...string) {
	frame := encode(msg)
	if frame == nil {
		return
	}
	skip := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}
	h.mu.Lock()
	conns := make([]*connection, 0, len(h.conns))
	for id, conn := range h.conns {
		if !skip[id] {
			conns = append(conns, conn)
		}
	}
	h.mu.Unlock()
	for _, conn := range conns {
		h.deliver(conn, frame)
	}
}

// HandleEvent routes a bus event: targeted events go to their user, the
// rest broadcast. Wire with bus.Subscribe(hub.HandleEvent).
func (h *Hub) HandleEvent(ev events.Event) {
	msg := Message{Type: ev.Type, Data: ev.Payload, Timestamp: ev.Timestamp}
	if ev.UserID != "" {
		h.SendToUser(ev.UserID, msg)
		return
	}
	h.Broadcast(msg)
}

// Stats reports connection counts, total and per user.
func (h *Hub) Stats() (total int, perUser map[string]int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	perUser = make(map[string]int, len(h.users))
	for userID, set := range h.users {
		perUser[userID] = len(set)
	}
	return len(h.conns), perUser
}

// Close tears down every connection and stops the hub loops.
func (h *Hub) Close() {
	h.once.Do(func() {
		h.mu.Lock()
		h.closed = true
		conns := make([]*connection, 0, len(h.conns))
		for _, conn := range h.conns {
			conns = append(conns, conn)
		}
		h.mu.Unlock()

		for _, conn := range conns {
			h.unregister(conn)
		}
		close(h.done)
		h.wg.Wait()
	})
}
