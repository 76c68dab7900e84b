// Package websocket pushes agenda change notifications to connected clients.
package websocket

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// Entities and actions broadcast by the agenda service.
const (
	EntityWeek   = "agenda_week"
	EntityEvents = "agenda_events"

	ActionSynced   = "synced"
	ActionImported = "imported"
)

// Message tells clients which week or batch changed so they can refetch.
type Message struct {
	Type      string `json:"type"`
	Entity    string `json:"entity"`
	Action    string `json:"action"`
	WeekStart string `json:"week_start,omitempty"`
	BatchID   string `json:"batch_id,omitempty"`
	Count     int    `json:"count"`
}

// NewMessage builds a Message whose Type is "<entity>_<action>".
func NewMessage(entity, action string) Message {
	return Message{
		Type:   entity + "_" + action,
		Entity: entity,
		Action: action,
	}
}

// WeekSynced announces that a week was refreshed from upstream.
func WeekSynced(weekStart, batchID string, stored int) Message {
	m := NewMessage(EntityWeek, ActionSynced)
	m.WeekStart = weekStart
	m.BatchID = batchID
	m.Count = stored
	return m
}

// EventsImported announces a pushed batch.
func EventsImported(batchID string, stored int) Message {
	m := NewMessage(EntityEvents, ActionImported)
	m.BatchID = batchID
	m.Count = stored
	return m
}

// Hub tracks connected clients and fans messages out to them.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	logger  *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients: make(map[*Client]struct{}),
		logger:  logger,
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "clients", n)
}

// Unregister removes c and closes its send channel. Calling it twice is safe.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// Broadcast queues msg for every client. Clients whose buffer is full miss
// the message rather than stalling the sender.
func (h *Hub) Broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal broadcast", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	dropped := 0
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		h.logger.Warn("dropped broadcast for slow clients", "type", msg.Type, "dropped", dropped)
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
