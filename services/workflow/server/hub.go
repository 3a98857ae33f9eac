package server

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xilidan/meetings/services/workflow/entity"
)

const (
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = pongWait * 9 / 10
	clientBacklog = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub fans run status changes out to connected operator websockets.
type Hub struct {
	mu      sync.RWMutex
	clients map[*hubClient]struct{}
	log     *slog.Logger
}

type hubClient struct {
	conn    *websocket.Conn
	updates chan entity.RunUpdate
}

func NewHub(log *slog.Logger) *Hub {
	log.Debug("creating run update hub")
	return &Hub{
		clients: make(map[*hubClient]struct{}),
		log:     log,
	}
}

// Broadcast never blocks: a client that cannot keep up loses updates.
func (h *Hub) Broadcast(u entity.RunUpdate) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		select {
		case c.updates <- u:
		default:
			h.log.Warn("run update dropped for slow client", slog.String("run_id", u.RunID))
		}
	}
}

func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &hubClient{conn: conn, updates: make(chan entity.RunUpdate, clientBacklog)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()
	h.log.Info("run stream client connected", slog.String("remote", r.RemoteAddr), slog.Int("clients", total))

	done := make(chan struct{})
	go h.readLoop(c, done)
	h.writeLoop(c, done)

	h.mu.Lock()
	delete(h.clients, c)
	total = len(h.clients)
	h.mu.Unlock()
	conn.Close()
	h.log.Info("run stream client disconnected", slog.String("remote", r.RemoteAddr), slog.Int("clients", total))
}

// readLoop only consumes control frames; it closes done when the peer goes away.
func (h *Hub) readLoop(c *hubClient, done chan struct{}) {
	defer close(done)
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(c *hubClient, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case u := <-c.updates:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(u); err != nil {
				h.log.Debug("run stream write failed", slog.String("error", err.Error()))
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
