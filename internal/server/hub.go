package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

// hub fans run events out to websocket clients. Only the run loop writes to
// connections.
type hub struct {
	upgrader   websocket.Upgrader
	clients    map[*websocket.Conn]bool
	count      atomic.Int32
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	log        *slog.Logger
}

func newHub(log *slog.Logger) *hub {
	return &hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 16),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		log:        log,
	}
}

func (h *hub) send(ctx context.Context, msg []byte) {
	select {
	case h.broadcast <- msg:
	case <-h.done:
	case <-ctx.Done():
	}
}

func (h *hub) run(ctx context.Context) {
	defer func() {
		close(h.done)
		for client := range h.clients {
			client.Close()
		}
		h.count.Store(0)
	}()
	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.clients[client] = true
			h.count.Store(int32(len(h.clients)))
			h.log.Debug("websocket client connected", "clients", len(h.clients))

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
				h.count.Store(int32(len(h.clients)))
				h.log.Debug("websocket client disconnected", "clients", len(h.clients))
			}

		case message := <-h.broadcast:
			for client := range h.clients {
				if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
					delete(h.clients, client)
					client.Close()
				}
			}
			h.count.Store(int32(len(h.clients)))
		}
	}
}

func (h *hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
		return
	}

	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
