package handler

import (
	"fmt"
	"time"

	"github.com/bitfantasy/nimo-mes/internal/mes/sse"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SSEHandler handles SSE connections
type SSEHandler struct {
	hub       *sse.Hub
	logger    *zap.Logger
	heartbeat time.Duration
}

// NewSSEHandler creates a new SSE handler
func NewSSEHandler(hub *sse.Hub, logger *zap.Logger) *SSEHandler {
	return &SSEHandler{hub: hub, logger: logger, heartbeat: 30 * time.Second}
}

// Stream pushes the caller's tenant events until the client goes away.
// GET /api/v1/mes/events?token=xxx
func (h *SSEHandler) Stream(c *gin.Context) {
	userID := GetUserID(c)
	tenantID := GetTenantID(c)
	clientID := fmt.Sprintf("%s_%d", userID, time.Now().UnixNano())

	client := &sse.Client{
		ID:       clientID,
		UserID:   userID,
		TenantID: tenantID,
		Events:   make(chan sse.Event, 64),
	}

	h.hub.Register(client)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	c.Writer.WriteString("event: connected\ndata: {\"client_id\":\"" + clientID + "\"}\n\n")
	c.Writer.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	clientGone := c.Request.Context().Done()

	for {
		select {
		case <-clientGone:
			h.hub.Unregister(clientID)
			h.logger.Debug("SSE client disconnected", zap.String("client_id", clientID), zap.String("tenant_id", tenantID))
			return
		case event, ok := <-client.Events:
			if !ok {
				return
			}
			c.Writer.WriteString(fmt.Sprintf("event: %s\ndata: %s\n\n", event.EventType, event.Data))
			c.Writer.Flush()
		case <-heartbeat.C:
			c.Writer.WriteString(": keepalive\n\n")
			c.Writer.Flush()
		}
	}
}
