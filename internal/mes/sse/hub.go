package sse

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/bitfantasy/nimo-mes/internal/mes/events"
	"go.uber.org/zap"
)

// Event represents a Server-Sent Event
type Event struct {
	EventType string `json:"event"`
	Data      string `json:"data"`
}

// Client represents a connected SSE client. Only events of its tenant reach it.
type Client struct {
	ID       string
	UserID   string
	TenantID string
	Events   chan Event
}

// Hub manages all SSE client connections
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	logger  *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		logger:  logger,
	}
}

// Register adds a new client to the hub
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
	h.logger.Debug("SSE client registered",
		zap.String("client_id", client.ID),
		zap.String("user_id", client.UserID),
		zap.Int("total", len(h.clients)),
	)
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if client, ok := h.clients[clientID]; ok {
		close(client.Events)
		delete(h.clients, clientID)
		h.logger.Debug("SSE client unregistered", zap.String("client_id", clientID), zap.Int("total", len(h.clients)))
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// BroadcastTenant sends an event to every client of the tenant.
func (h *Hub) BroadcastTenant(tenantID string, event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if client.TenantID != tenantID {
			continue
		}
		select {
		case client.Events <- event:
		default:
			h.logger.Warn("SSE client buffer full, skipping event", zap.String("client_id", client.ID))
		}
	}
}

// SendToUser 给特定用户发送事件（而非广播）
func (h *Hub) SendToUser(tenantID, userID string, event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if client.TenantID == tenantID && client.UserID == userID {
			select {
			case client.Events <- event:
			default:
				h.logger.Warn("SSE client buffer full, skipping user event", zap.String("client_id", client.ID))
			}
		}
	}
}

// Publish makes the hub an events.Publisher: the event goes to the tenant,
// and a copy tagged my_update goes to the assignee named in the payload.
func (h *Hub) Publish(_ context.Context, evt events.Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		h.logger.Error("SSE marshal event", zap.Error(err))
		return
	}
	h.BroadcastTenant(evt.TenantID, Event{EventType: evt.Type, Data: string(data)})

	if assignee, ok := evt.Payload["assigned_to"].(string); ok && assignee != "" {
		h.SendToUser(evt.TenantID, assignee, Event{EventType: "my_update", Data: string(data)})
	}
}
