// Package ws pushes execution events to connected dashboard clients so trade
// outcomes are visible without polling the audit log.
package ws

import (
	"encoding/json"
	"sync"

	logger "github.com/sirupsen/logrus"

	"signalbridge/src/webhook"
)

// Hub fans each execution event out to every connected client. Slow clients
// are dropped rather than allowed to backpressure the broadcast path.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run is the hub's event loop; run it in its own goroutine.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			logger.WithField("clients", total).Debug("Websocket client connected")

		case client := <-h.unregister:
			h.removeClients([]*Client{client})

		case message := <-h.broadcast:
			h.mu.RLock()
			clients := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				clients = append(clients, client)
			}
			h.mu.RUnlock()

			var slow []*Client
			for _, client := range clients {
				select {
				case client.send <- message:
				default:
					slow = append(slow, client)
				}
			}
			if len(slow) > 0 {
				h.removeClients(slow)
				logger.WithField("dropped", len(slow)).Warn("Dropped slow websocket clients")
			}
		}
	}
}

// Stop shuts the event loop down and disconnects everyone.
func (h *Hub) Stop() {
	close(h.done)
}

// Publish implements webhook.EventPublisher.
func (h *Hub) Publish(event webhook.Event) {
	payload, err := json.Marshal(struct {
		Type string        `json:"type"`
		Data webhook.Event `json:"data"`
	}{Type: "executionResult", Data: event})
	if err != nil {
		logger.WithError(err).Error("Failed to marshal execution event")
		return
	}

	select {
	case h.broadcast <- payload:
	default:
		logger.Warn("Websocket broadcast buffer full, dropping event")
	}
}

func (h *Hub) removeClients(clients []*Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, client := range clients {
		if _, ok := h.clients[client]; ok {
			delete(h.clients, client)
			close(client.send)
		}
	}
}

// ClientCount reports connected clients, for the health endpoint.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
