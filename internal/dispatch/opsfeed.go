package dispatch

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/sproutcare/notify-engine/internal/engine"
)

// OpsFeed streams operator alerts to connected dashboard clients over
// websockets. A slow client is dropped rather than allowed to block the
// feed.
type OpsFeed struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]chan []byte

	upgrader websocket.Upgrader
}

func NewOpsFeed() *OpsFeed {
	return &OpsFeed{
		clients: make(map[*websocket.Conn]chan []byte),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Dashboard origin checks happen at the gateway.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeWS upgrades the request and streams alerts until the client goes
// away.
func (f *OpsFeed) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade ops feed connection: %v", err)
		return
	}

	ch := make(chan []byte, 32)
	f.mu.Lock()
	f.clients[conn] = ch
	f.mu.Unlock()
	log.Printf("Ops feed client connected (%d total)", f.clientCount())

	go func() {
		defer f.drop(conn)
		for msg := range ch {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}()

	// Reader loop only to detect close.
	go func() {
		defer f.drop(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Broadcast fans an alert out to every connected client.
func (f *OpsFeed) Broadcast(alert *engine.OperatorAlert) {
	data, err := json.Marshal(alert)
	if err != nil {
		log.Printf("Failed to marshal operator alert: %v", err)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for conn, ch := range f.clients {
		select {
		case ch <- data:
		default:
			// Client is not keeping up.
			delete(f.clients, conn)
			close(ch)
			conn.Close()
		}
	}
}

func (f *OpsFeed) drop(conn *websocket.Conn) {
	f.mu.Lock()
	if ch, ok := f.clients[conn]; ok {
		delete(f.clients, conn)
		close(ch)
	}
	f.mu.Unlock()
	conn.Close()
}

func (f *OpsFeed) clientCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}
