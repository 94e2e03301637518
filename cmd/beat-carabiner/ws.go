package main

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	carabiner "github.com/brunchboy/beat-carabiner"
)

// statusFeed pushes engine state snapshots to websocket subscribers. It
// implements carabiner.StatusListener, so wiring it up is a single
// AddStatusListener call.
type statusFeed struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]string // conn → subscriber id
}

func newStatusFeed() *statusFeed {
	return &statusFeed{
		upgrader: websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }},
		clients:  make(map[*websocket.Conn]string),
	}
}

// handleWS upgrades the request and keeps the connection registered until
// the subscriber goes away. Each subscriber gets a short id for the logs.
func (f *statusFeed) handleWS(c echo.Context) error {
	conn, err := f.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Printf("[ws] upgrade failed: %v", err)
		return nil
	}
	id := uuid.NewString()[:8]

	f.mu.Lock()
	f.clients[conn] = id
	n := len(f.clients)
	f.mu.Unlock()
	log.Printf("[ws] subscriber %s connected (%d total)", id, n)

	// Drain (and discard) inbound frames so pings and closes are handled;
	// the feed is one-directional.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				f.drop(conn, "closed")
				return
			}
		}
	}()
	return nil
}

func (f *statusFeed) drop(conn *websocket.Conn, why string) {
	f.mu.Lock()
	id, ok := f.clients[conn]
	delete(f.clients, conn)
	f.mu.Unlock()
	if ok {
		conn.Close()
		log.Printf("[ws] subscriber %s dropped (%s)", id, why)
	}
}

// StatusChanged broadcasts the snapshot to every subscriber. A failed write
// drops that subscriber; the others are unaffected.
func (f *statusFeed) StatusChanged(status carabiner.Status) {
	payload, err := json.Marshal(status)
	if err != nil {
		log.Printf("[ws] marshal status: %v", err)
		return
	}

	// Writes happen under the registry lock: websocket connections do not
	// support concurrent writers, and status events can arrive from both
	// the read loop and API threads.
	f.mu.Lock()
	var failed []*websocket.Conn
	for conn := range f.clients {
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			failed = append(failed, conn)
		}
	}
	f.mu.Unlock()

	for _, conn := range failed {
		f.drop(conn, "write failed")
	}
}
