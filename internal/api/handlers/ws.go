package handlers

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/patternmesh/patternd/internal/federation"
	"github.com/patternmesh/patternd/internal/hub"
	"github.com/patternmesh/patternd/internal/service"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPongTimeout  = 60 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Observers are read-only consumers of already-public state.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type WSHandler struct {
	svc    *service.EngineService
	fed    *federation.Service
	hub    *hub.Hub
	logger *zap.Logger
}

func NewWSHandler(svc *service.EngineService, fed *federation.Service, h *hub.Hub, logger *zap.Logger) *WSHandler {
	return &WSHandler{svc: svc, fed: fed, hub: h, logger: logger}
}

// wsConn serializes writes; the event pump and the control-message reader
// both write to the socket.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteJSON(v)
}

type wsControlMessage struct {
	Type string `json:"type"`
}

type wsEventMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Serve upgrades the connection and streams engine events to the client
// until it disconnects. Inbound messages are control requests: "ping"
// answers with "pong", "stats" answers with a statistics snapshot.
// GET /ws
func (h *WSHandler) Serve(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &wsConn{conn: conn}
	observer := h.hub.Subscribe()

	h.logger.Info("observer connected",
		zap.String("remote_addr", r.RemoteAddr),
		zap.Int("observers", h.hub.Count()))

	done := make(chan struct{})

	// Event pump: hub -> socket.
	go func() {
		defer close(done)
		for event := range observer.Events() {
			if err := c.writeJSON(wsEventMessage{Type: string(event.Type), Payload: event}); err != nil {
				return
			}
		}
	}()

	// Control reader: socket -> replies. Owns the connection lifetime.
	_ = conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongTimeout))

		var msg wsControlMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case "ping":
			_ = c.writeJSON(map[string]string{"type": "pong"})
		case "stats":
			_ = c.writeJSON(wsEventMessage{
				Type: "stats",
				Payload: statisticsResponse{
					Statistics:      h.svc.Statistics(r.Context()),
					Observers:       h.hub.Count(),
					FederationState: h.fed.State(),
				},
			})
		}
	}

	h.hub.Unsubscribe(observer)
	<-done
	_ = conn.Close()

	h.logger.Info("observer disconnected",
		zap.String("remote_addr", r.RemoteAddr),
		zap.Int("observers", h.hub.Count()))
}
