package trade

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/papertrade/ledger-engine/internal/auth"
	"github.com/papertrade/ledger-engine/internal/metrics"
	"github.com/papertrade/ledger-engine/internal/model"
)

// WebSocket event types.
const (
	EventTradeExecuted    = "trade_executed"
	EventSnapshotRecorded = "snapshot_recorded"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsSendBuffer = 32
)

// WSMessage is a JSON message sent to a user's WebSocket clients.
type WSMessage struct {
	Type     string          `json:"type"`
	Trade    *model.Trade    `json:"trade,omitempty"`
	Summary  *model.Summary  `json:"summary,omitempty"`
	Snapshot *model.Snapshot `json:"snapshot,omitempty"`
}

type wsClient struct {
	conn   *websocket.Conn
	userID string
	send   chan []byte
}

type wsEnvelope struct {
	userID string
	data   []byte
}

// WSHub tracks WebSocket connections by user and delivers each event only
// to the connections of the user it concerns.
type WSHub struct {
	clients    map[string]map[*wsClient]bool
	broadcast  chan wsEnvelope
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[string]map[*wsClient]bool),
		broadcast:  make(chan wsEnvelope, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's main event loop. Must be called in a goroutine.
// It returns after Stop.
func (h *WSHub) Run() {
	for {
		select {
		case c := <-h.register:
			if h.clients[c.userID] == nil {
				h.clients[c.userID] = make(map[*wsClient]bool)
			}
			h.clients[c.userID][c] = true
			metrics.WebSocketClients.Inc()
			slog.Info("ws client connected", "user", c.userID, "user_conns", len(h.clients[c.userID]))

		case c := <-h.unregister:
			h.remove(c)

		case env := <-h.broadcast:
			for c := range h.clients[env.userID] {
				select {
				case c.send <- env.data:
				default:
					// Slow consumer: drop the connection rather than block the hub.
					h.remove(c)
				}
			}

		case <-h.done:
			for _, conns := range h.clients {
				for c := range conns {
					h.remove(c)
				}
			}
			return
		}
	}
}

// Stop closes every connection and ends Run.
func (h *WSHub) Stop() {
	close(h.done)
}

func (h *WSHub) remove(c *wsClient) {
	conns := h.clients[c.userID]
	if _, ok := conns[c]; !ok {
		return
	}
	delete(conns, c)
	if len(conns) == 0 {
		delete(h.clients, c.userID)
	}
	close(c.send)
	metrics.WebSocketClients.Dec()
}

// Send queues msg for every connection of userID.
func (h *WSHub) Send(userID string, msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- wsEnvelope{userID: userID, data: data}:
	default:
		// Drop if buffer full to avoid blocking trade execution.
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws. The
// connection belongs to the authenticated user of the request.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	c := &wsClient{conn: conn, userID: userID, send: make(chan []byte, wsSendBuffer)}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go h.writePump(c)
	go h.readPump(c)
}

// readPump keeps the connection alive and detects disconnects. Clients
// are not expected to send anything.
func (h *WSHub) readPump(c *wsClient) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
	}()
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump is the only writer on the connection. It exits when the hub
// closes c.send.
func (h *WSHub) writePump(c *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
