// Package eventstream mirrors shortcut activations to local WebSocket clients,
// for tools that cannot listen on the session bus.
//
// Clients connect to ws://<addr>/events and receive one JSON text frame per
// activation:
//
//	{"type":"shortcut-pressed","name":"<Control><Alt>k","activated_at":"..."}
package eventstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/Christopher-Hayes/kando-integration-mutter/internal/common"
	"github.com/gorilla/websocket"
)

const (
	writeDeadline = 5 * time.Second
	readDeadline  = 90 * time.Second
	pingInterval  = 30 * time.Second

	// Clients only send control frames; anything bigger is dropped.
	maxReadMessageSize = 4 * 1024

	// Per-client backlog; a client further behind than this is disconnected.
	sendBuffer = 32

	eventPath = "/events"
)

var upgrader = websocket.Upgrader{
	// The stream binds to loopback by default and carries no secrets.
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// Event is the frame sent for every activation.
type Event struct {
	Type        string    `json:"type"`
	Name        string    `json:"name"`
	ActivatedAt time.Time `json:"activated_at"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans activations out to every connected client.
type Hub struct {
	addr   string
	logger *common.Logger

	mu      sync.Mutex
	clients map[*client]bool
	closed  bool

	listener net.Listener
	server   *http.Server
	url      string

	closeOnce sync.Once
}

// NewHub creates a hub that will listen on addr once started.
// An empty addr picks a free loopback port.
func NewHub(addr string, logger *common.Logger) *Hub {
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	return &Hub{
		addr:    addr,
		logger:  logger,
		clients: make(map[*client]bool),
	}
}

// Start listens on the configured address and serves the event stream.
func (h *Hub) Start(ctx context.Context) error {
	if h.server != nil {
		return fmt.Errorf("eventstream: already started")
	}

	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("eventstream: listen on %s: %w", h.addr, err)
	}
	h.listener = ln
	h.url = "ws://" + ln.Addr().String() + eventPath

	h.server = &http.Server{
		Handler: h.Handler(),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		if err := h.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			h.logger.Errorf("Event stream server failed: %v", err)
		}
	}()

	h.logger.Infof("Event stream listening on %s", h.url)
	return nil
}

// Handler returns the HTTP handler serving the stream at /events.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(eventPath, h.handleWS)
	return mux
}

// URL returns the stream URL, or "" before Start.
func (h *Hub) URL() string {
	return h.url
}

// ClientCount reports the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Activated broadcasts an activation. It never blocks: slow clients are dropped.
func (h *Hub) Activated(name string, at time.Time) {
	msg, err := json.Marshal(Event{Type: "shortcut-pressed", Name: name, ActivatedAt: at})
	if err != nil {
		h.logger.Errorf("Failed to encode event: %v", err)
		return
	}
	h.broadcast(msg)
}

func (h *Hub) broadcast(msg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.logger.Warningf("Dropping slow event stream client %s", c.conn.RemoteAddr())
			delete(h.clients, c)
			close(c.send)
		}
	}
}

// Close disconnects every client and shuts down the server. Safe to call twice.
func (h *Hub) Close() error {
	var closeErr error
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		for c := range h.clients {
			delete(h.clients, c)
			close(c.send)
		}
		h.mu.Unlock()

		if h.server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := h.server.Shutdown(ctx); err != nil {
				closeErr = fmt.Errorf("eventstream: shutdown: %w", err)
			}
		}
	})
	return closeErr
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = true
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c] {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warningf("WebSocket upgrade failed: %v", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	if !h.register(c) {
		conn.Close()
		return
	}
	h.logger.Verbosef("Event stream client connected: %s", conn.RemoteAddr())

	go h.writePump(c)
	h.readPump(c)
}

// readPump discards client frames and detects disconnects.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
		h.logger.Verbosef("Event stream client disconnected: %s", c.conn.RemoteAddr())
	}()

	c.conn.SetReadLimit(maxReadMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debugf("Event stream read error: %v", err)
			}
			return
		}
	}
}

// writePump is the only writer on c.conn.
func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.logger.Debugf("Event stream write failed: %v", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
