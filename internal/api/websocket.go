package api

import (
	"net/http"
	"time"

	"mailwatch/internal/services"
	"mailwatch/internal/utils"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

// EventSocketHandler streams sync events to operator dashboards.
type EventSocketHandler struct {
	broker   *services.EventBroker
	upgrader websocket.Upgrader
	logger   *utils.Logger
}

// NewEventSocketHandler creates a new EventSocketHandler
func NewEventSocketHandler(broker *services.EventBroker) *EventSocketHandler {
	return &EventSocketHandler{
		broker: broker,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger: utils.NewLogger("EventSocket"),
	}
}

// HandleEvents upgrades the connection and forwards sync events until
// the client goes away.
func (h *EventSocketHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	events := h.broker.Subscribe()
	defer h.broker.Unsubscribe(events)

	// Read pump: discard client messages, notice disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(event); err != nil {
				h.logger.Debug("WebSocket write failed: %v", err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
