// Package websocket is the realtime transport for sessions: player input
// comes in as JSON frames, session events (narration chunks, roll requests,
// turn boundaries) go out fan-out style to every connected participant.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"aidm-server/internal/broadcast"
	"aidm-server/internal/domain"
	"aidm-server/internal/service"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Send pings to the peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Maximum inbound message size. Player input is plain text.
	maxMessageSize = 8192
)

// Client reason codes delivered only to the submitting connection.
const (
	reasonTurnInProgress = "turn_in_progress"
	reasonSessionEnded   = "session_ended"
	reasonUnknownPlayer  = "unknown_player"
	reasonInvalidInput   = "invalid_input"
	reasonBadFrame       = "bad_frame"
)

// inboundFrame is a client-to-server message.
type inboundFrame struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Handler upgrades connections and runs the per-connection pumps.
type Handler struct {
	registry *service.Registry
	hub      *broadcast.Hub
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewHandler creates the websocket handler. allowedOrigins restricts the
// Origin header on upgrade; an empty list allows any origin.
func NewHandler(registry *service.Registry, hub *broadcast.Hub, allowedOrigins []string, logger *zap.Logger) *Handler {
	originSet := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		originSet[origin] = struct{}{}
	}
	return &Handler{
		registry: registry,
		hub:      hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if len(originSet) == 0 {
					return true
				}
				_, ok := originSet[r.Header.Get("Origin")]
				return ok
			},
		},
		logger: logger.Named("WSHandler"),
	}
}

// ServeWS handles GET /ws?session_id=...&player_id=...&last_chunk=N.
// last_chunk lets a reconnecting client resume the in-flight turn: chunks it
// already received are not replayed.
func (h *Handler) ServeWS(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Query("session_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid session_id"})
		return
	}
	playerID, err := uuid.Parse(c.Query("player_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid player_id"})
		return
	}
	lastChunk := -1
	if raw := c.Query("last_chunk"); raw != "" {
		if lastChunk, err = strconv.Atoi(raw); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"message": "invalid last_chunk"})
			return
		}
	}

	session, err := h.registry.Get(c.Request.Context(), sessionID)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"message": "session not found"})
		case errors.Is(err, domain.ErrSessionEnded):
			c.JSON(http.StatusGone, gin.H{"message": "session has ended"})
		default:
			h.logger.Error("Failed to resolve session for websocket", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"message": "internal server error"})
		}
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection",
			zap.String("sessionID", sessionID.String()), zap.Error(err))
		return
	}

	log := h.logger.With(
		zap.String("sessionID", sessionID.String()),
		zap.String("playerID", playerID.String()))
	log.Info("WebSocket connection established", zap.Int("lastChunk", lastChunk))

	client := &wsClient{
		conn:     conn,
		session:  session,
		playerID: playerID,
		sub:      h.hub.Subscribe(sessionID, lastChunk),
		notices:  make(chan domain.SessionEvent, 8),
		logger:   log,
	}
	go client.writePump(h.hub)
	go client.readPump(h.hub)
}

// wsClient is one live connection of one player to one session.
type wsClient struct {
	conn     *websocket.Conn
	session  *service.Session
	playerID uuid.UUID
	sub      *broadcast.Subscriber
	// notices carries errors addressed to this connection only, e.g. a busy
	// rejection, as opposed to session-wide events from the hub.
	notices chan domain.SessionEvent
	logger  *zap.Logger
}

func (c *wsClient) readPump(hub *broadcast.Hub) {
	defer func() {
		hub.Unsubscribe(c.sub)
		_ = c.conn.Close()
		c.logger.Info("readPump finished")
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			c.notify(reasonBadFrame)
			continue
		}
		switch frame.Type {
		case "submit_input":
			c.handleSubmit(frame.Text)
		default:
			c.logger.Warn("Unknown frame type from client", zap.String("type", frame.Type))
			c.notify(reasonBadFrame)
		}
	}
}

// handleSubmit forwards player input to the session. Rejections are personal
// to this connection; turn progress for an accepted input arrives through
// the hub subscription like for every other participant.
func (c *wsClient) handleSubmit(text string) {
	_, err := c.session.SubmitInput(context.Background(), c.playerID, text)
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, domain.ErrSessionBusy):
		c.notify(reasonTurnInProgress)
	case errors.Is(err, domain.ErrSessionEnded):
		c.notify(reasonSessionEnded)
	case errors.Is(err, domain.ErrUnknownPlayer):
		c.notify(reasonUnknownPlayer)
	case errors.Is(err, domain.ErrInvalidInput):
		c.notify(reasonInvalidInput)
	default:
		c.logger.Error("Submit failed", zap.Error(err))
		c.notify("internal_error")
	}
}

func (c *wsClient) notify(reason string) {
	ev := domain.SessionEvent{
		Type:      domain.EventError,
		SessionID: c.session.ID,
		Reason:    reason,
	}
	select {
	case c.notices <- ev:
	default:
		c.logger.Warn("Notice channel full, dropping", zap.String("reason", reason))
	}
}

func (c *wsClient) writePump(hub *broadcast.Hub) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		hub.Unsubscribe(c.sub)
		_ = c.conn.Close()
		c.logger.Info("writePump finished")
	}()

	for {
		select {
		case ev, ok := <-c.sub.C():
			if !ok {
				// Session ended or the subscriber was dropped by the hub.
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"))
				return
			}
			if !c.writeEvent(ev) {
				return
			}
		case ev := <-c.notices:
			if !c.writeEvent(ev) {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) writeEvent(ev domain.SessionEvent) bool {
	data, err := json.Marshal(ev)
	if err != nil {
		c.logger.Error("Failed to marshal event", zap.Error(err))
		return true
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.logger.Warn("Failed to write event", zap.Error(err))
		return false
	}
	return true
}
