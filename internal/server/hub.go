package server

import (
	"encoding/json"
	"log"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shaunagostinho/evdash/internal/session"
)

// Frame is the JSON structure sent to WebSocket clients.
type Frame struct {
	Snapshot *session.Snapshot `json:"snapshot,omitempty"`
	Config   json.RawMessage   `json:"config,omitempty"`
	Stamp    int64             `json:"stamp"` // Unix ms
}

// Hub fans snapshots out to WebSocket clients. It is a session.Renderer.
type Hub struct {
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	latest  map[string][]byte // last encoded frame per serial, replayed on join
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*wsClient]struct{}),
		latest:  make(map[string][]byte),
	}
}

// Render broadcasts s. Slow clients miss frames rather than stall the
// session loop.
func (h *Hub) Render(s session.Snapshot) {
	data, err := json.Marshal(Frame{Snapshot: &s, Stamp: s.Stamp.UnixMilli()})
	if err != nil {
		log.Printf("[ws] encode snapshot %s: %v", s.Serial, err)
		return
	}
	h.mu.Lock()
	h.latest[s.Serial] = data
	h.mu.Unlock()
	h.broadcast(data)
}

// BroadcastConfig pushes a config change to every client.
func (h *Hub) BroadcastConfig(cfg []byte) {
	data, err := json.Marshal(Frame{Config: cfg, Stamp: time.Now().UnixMilli()})
	if err != nil {
		return
	}
	h.broadcast(data)
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) broadcast(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}
	client := &wsClient{conn: conn, send: make(chan []byte, 64)}

	h.mu.Lock()
	serials := make([]string, 0, len(h.latest))
	for serial := range h.latest {
		serials = append(serials, serial)
	}
	sort.Strings(serials)
	for _, serial := range serials {
		client.send <- h.latest[serial]
		if len(client.send) == cap(client.send) {
			break
		}
	}
	h.clients[client] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	log.Printf("[ws] client connected (%d total)", n)

	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reads only detect the close; clients send nothing we act on.
	go func() {
		defer func() {
			h.mu.Lock()
			delete(h.clients, client)
			n := len(h.clients)
			h.mu.Unlock()
			close(client.send)
			log.Printf("[ws] client disconnected (%d total)", n)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
