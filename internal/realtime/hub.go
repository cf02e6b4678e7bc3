package realtime

import (
	"context"
	"encoding/json"
	"slices"
	"sync"

	"go.uber.org/zap"
)

type counter interface {
	Inc()
}

type gauge interface {
	Inc()
	Dec()
}

// Hub tracks room membership for this process. Nothing here is persisted.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*Client]struct{}

	logger      *zap.Logger
	dropped     counter
	connections gauge
}

func NewHub(logger *zap.Logger, dropped counter, connections gauge) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		rooms:       make(map[string]map[*Client]struct{}),
		logger:      logger,
		dropped:     dropped,
		connections: connections,
	}
}

// Join adds c to the room. Callers authorise first.
func (h *Hub) Join(c *Client, engagementID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[engagementID]
	if !ok {
		room = make(map[*Client]struct{})
		h.rooms[engagementID] = room
	}
	room[c] = struct{}{}
	c.rooms[engagementID] = struct{}{}
}

func (h *Hub) Leave(c *Client, engagementID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(c, engagementID)
}

func (h *Hub) leaveLocked(c *Client, engagementID string) {
	delete(c.rooms, engagementID)
	room, ok := h.rooms[engagementID]
	if !ok {
		return
	}
	delete(room, c)
	if len(room) == 0 {
		delete(h.rooms, engagementID)
	}
}

// Register counts a new connection.
func (h *Hub) Register(c *Client) {
	if h.connections != nil {
		h.connections.Inc()
	}
}

// Remove drops c from every room and closes its send buffer.
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	for engagementID := range c.rooms {
		h.leaveLocked(c, engagementID)
	}
	h.mu.Unlock()
	c.close()
	if h.connections != nil {
		h.connections.Dec()
	}
}

// Members returns how many connections are joined to the room.
func (h *Hub) Members(engagementID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[engagementID])
}

// Deliver sends evt to the local members allowed to see it and returns how
// many connections accepted it.
func (h *Hub) Deliver(evt Event) int {
	frame, err := json.Marshal(ServerFrame{
		Type:         string(evt.Type),
		EngagementID: evt.EngagementID,
		Data:         evt.Data,
	})
	if err != nil {
		h.logger.Error("encode realtime frame", zap.Error(err))
		return 0
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for c := range h.rooms[evt.EngagementID] {
		if evt.ExcludeUser != "" && c.UserID == evt.ExcludeUser {
			continue
		}
		if !c.IsAdmin && !slices.Contains(evt.Audience, c.UserID) {
			continue
		}
		if !c.enqueue(frame) {
			if h.dropped != nil {
				h.dropped.Inc()
			}
			h.logger.Debug("realtime buffer full, event dropped",
				zap.String("engagement_id", evt.EngagementID),
				zap.String("user_id", c.UserID))
			continue
		}
		delivered++
	}
	return delivered
}

// Publish delivers to this process only. It is the Publisher used when no
// Redis bridge is configured.
func (h *Hub) Publish(_ context.Context, evt Event) error {
	h.Deliver(evt)
	return nil
}
