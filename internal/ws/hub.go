package ws

import (
	"sync"

	"github.com/rs/zerolog"

	"pushlink/internal/domain"
)

const sendBuffer = 64

type client struct {
	send chan domain.Event
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// Hub fans activity feed events out to every connected WebSocket client.
// A client that cannot keep up is disconnected.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	logger  zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
		logger:  logger.With().Str("component", "feed").Logger(),
	}
}

func (h *Hub) register() *client {
	c := &client{send: make(chan domain.Event, sendBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.close()
	}
	h.mu.Unlock()
}

// Notify queues ev for every client.
func (h *Hub) Notify(ev domain.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		select {
		case c.send <- ev:
		default:
			delete(h.clients, c)
			c.close()
			h.logger.Warn().Str("event", string(ev.Type)).Msg("slow feed client dropped")
		}
	}
}

// Len reports the number of connected clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
