// Package hub owns live connections and the single goroutine that mutates
// session and room state and fans events out to connections.
package hub

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/xiaot623/huddle/internal/metrics"
	"github.com/xiaot623/huddle/internal/room"
	"github.com/xiaot623/huddle/internal/session"
)

// Connection represents a single WebSocket connection.
type Connection struct {
	ID   string
	Conn *websocket.Conn
	Send chan []byte

	mu sync.Mutex // guards writes to Conn

	userMu sync.RWMutex
	userID string

	// closed is only touched on the hub goroutine.
	closed bool
}

// DisconnectFunc is called on the hub goroutine after a connection is removed.
// userID is empty for connections that never identified; last reports whether
// it was the user's final live connection.
type DisconnectFunc func(conn *Connection, userID string, last bool)

// Hub manages all connections. Every method documented as running on the hub
// goroutine must only be called from a task passed to Post, Do or Dispatch.
type Hub struct {
	// Connections indexed by connection ID
	connections map[string]*Connection

	sessions *session.Registry
	rooms    *room.Directory

	register   chan *Connection
	unregister chan *Connection
	tasks      chan func()
	done       chan struct{}

	sendBuffer   int
	onDisconnect []DisconnectFunc
	logger       zerolog.Logger
}

// Stats is a point-in-time view of hub state.
type Stats struct {
	Connections int `json:"connections"`
	Users       int `json:"users"`
	Rooms       int `json:"rooms"`
}

// New creates a Hub around the given registry and directory.
func New(sessions *session.Registry, rooms *room.Directory, logger zerolog.Logger, sendBuffer int) *Hub {
	if sendBuffer <= 0 {
		sendBuffer = 256
	}
	return &Hub{
		connections: make(map[string]*Connection),
		sessions:    sessions,
		rooms:       rooms,
		register:    make(chan *Connection),
		unregister:  make(chan *Connection),
		tasks:       make(chan func(), 1024),
		done:        make(chan struct{}),
		sendBuffer:  sendBuffer,
		logger:      logger,
	}
}

// OnDisconnect registers fn to run after each connection removal. Call before Run.
func (h *Hub) OnDisconnect(fn DisconnectFunc) {
	h.onDisconnect = append(h.onDisconnect, fn)
}

// Run starts the hub's main loop and blocks until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case conn := <-h.register:
			h.connections[conn.ID] = conn
			metrics.Connections.Inc()
			h.logger.Debug().Str("connection_id", conn.ID).Msg("connection registered")

		case conn := <-h.unregister:
			h.remove(conn)

		case task := <-h.tasks:
			task()

		case <-ctx.Done():
			for _, conn := range h.connections {
				h.remove(conn)
			}
			h.logger.Info().Msg("hub stopped")
			return
		}
	}
}

// NewConnection creates a new connection. ws may be nil in tests.
func (h *Hub) NewConnection(ws *websocket.Conn) *Connection {
	return &Connection{
		ID:   uuid.New().String(),
		Conn: ws,
		Send: make(chan []byte, h.sendBuffer),
	}
}

// Register registers a connection with the hub.
func (h *Hub) Register(conn *Connection) {
	select {
	case h.register <- conn:
	case <-h.done:
	}
}

// Unregister removes a connection from the hub. Repeated calls are harmless.
func (h *Hub) Unregister(conn *Connection) {
	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}

// Post queues fn to run on the hub goroutine.
func (h *Hub) Post(fn func()) {
	select {
	case h.tasks <- fn:
	case <-h.done:
	}
}

// Dispatch queues fn for conn; it is skipped if conn is gone by the time it runs.
func (h *Hub) Dispatch(conn *Connection, fn func()) {
	h.Post(func() {
		if conn.closed {
			return
		}
		fn()
	})
}

// DispatchWait is Dispatch that waits for fn to run. Events that change the
// connection's identity use it so that later frames are judged against the
// new binding.
func (h *Hub) DispatchWait(ctx context.Context, conn *Connection, fn func()) error {
	return h.Do(ctx, func() {
		if conn.closed {
			return
		}
		fn()
	})
}

// Done is closed once Run has returned and every connection has been removed.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// Do runs fn on the hub goroutine and waits for it to finish.
func (h *Hub) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	task := func() {
		defer close(finished)
		fn()
	}

	select {
	case h.tasks <- task:
	case <-h.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-finished:
		return nil
	case <-h.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns connection, user and room counts.
func (h *Hub) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := h.Do(ctx, func() {
		st = Stats{
			Connections: len(h.connections),
			Users:       h.sessions.UserCount(),
			Rooms:       h.rooms.Len(),
		}
	})
	return st, err
}

// remove drops conn from every structure and fires disconnect hooks. Runs on the hub goroutine.
func (h *Hub) remove(conn *Connection) {
	if _, ok := h.connections[conn.ID]; !ok {
		return
	}
	delete(h.connections, conn.ID)
	conn.closed = true
	close(conn.Send)

	h.rooms.LeaveAll(conn.ID)
	userID, last := h.sessions.Unregister(conn.ID)

	metrics.Connections.Dec()
	metrics.Rooms.Set(float64(h.rooms.Len()))
	h.logger.Debug().
		Str("connection_id", conn.ID).
		Str("user_id", userID).
		Bool("last", last).
		Msg("connection unregistered")

	for _, fn := range h.onDisconnect {
		fn(conn, userID, last)
	}
}

// Identify binds conn to userID and joins the user's personal room and the
// presence room. first reports whether this is the user's only connection.
// Runs on the hub goroutine.
func (h *Hub) Identify(conn *Connection, userID string) (first bool, err error) {
	first, err = h.sessions.Register(conn.ID, userID)
	if err != nil {
		return false, err
	}
	conn.setUser(userID)
	h.rooms.Join(room.UserRoom(userID), conn.ID)
	h.rooms.Join(room.PresenceRoom, conn.ID)
	metrics.Rooms.Set(float64(h.rooms.Len()))
	return first, nil
}

// Join adds conn to roomID. Runs on the hub goroutine.
func (h *Hub) Join(conn *Connection, roomID string) bool {
	added := h.rooms.Join(roomID, conn.ID)
	metrics.Rooms.Set(float64(h.rooms.Len()))
	return added
}

// Leave removes conn from roomID. Runs on the hub goroutine.
func (h *Hub) Leave(conn *Connection, roomID string) bool {
	removed := h.rooms.Leave(roomID, conn.ID)
	metrics.Rooms.Set(float64(h.rooms.Len()))
	return removed
}

// Lookup returns the live connection with id. Runs on the hub goroutine.
func (h *Hub) Lookup(id string) (*Connection, bool) {
	conn, ok := h.connections[id]
	return conn, ok
}

// Sessions exposes the registry. Runs on the hub goroutine.
func (h *Hub) Sessions() *session.Registry {
	return h.sessions
}

// Rooms exposes the directory. Runs on the hub goroutine.
func (h *Hub) Rooms() *room.Directory {
	return h.rooms
}

// UserID returns the identified user, or "" before identify.
func (c *Connection) UserID() string {
	c.userMu.RLock()
	defer c.userMu.RUnlock()
	return c.userID
}

func (c *Connection) setUser(userID string) {
	c.userMu.Lock()
	c.userID = userID
	c.userMu.Unlock()
}

// WriteMessage writes a message to the connection with proper locking.
func (c *Connection) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteMessage(messageType, data)
}

// SetWriteDeadline sets the write deadline for the connection.
func (c *Connection) SetWriteDeadline(t time.Time) error {
	return c.Conn.SetWriteDeadline(t)
}

// SetReadDeadline sets the read deadline for the connection.
func (c *Connection) SetReadDeadline(t time.Time) error {
	return c.Conn.SetReadDeadline(t)
}

// Close closes the underlying socket.
func (c *Connection) Close() error {
	return c.Conn.Close()
}
