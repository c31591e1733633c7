package server

import (
	"context"
	"time"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/protocol"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const eventWriteTimeout = 10 * time.Second

var eventUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// handleEvents streams changefeed notifications over a websocket. The first frame carries the
// current server version so a reconnecting client can decide whether to pull immediately.
func (h *httpHandler) handleEvents(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	conn, err := eventUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("event stream upgrade failed", zap.String("user_id", userID), zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	stream, unsubscribe := h.realtime.Subscribe(ctx)
	defer unsubscribe()

	// The read loop services control frames and observes the peer closing the socket.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := h.writeHeartbeat(ctx, conn); err != nil {
		return
	}

	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(eventWriteTimeout))
			return
		case event, ok := <-stream:
			if !ok {
				return
			}
			if err := writeEvent(conn, event); err != nil {
				h.logger.Debug("event stream write failed", zap.String("user_id", userID), zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := h.writeHeartbeat(ctx, conn); err != nil {
				h.logger.Debug("event stream heartbeat failed", zap.String("user_id", userID), zap.Error(err))
				return
			}
		}
	}
}

func (h *httpHandler) writeHeartbeat(ctx context.Context, conn *websocket.Conn) error {
	serverVersion, err := h.changefeed.CurrentVersion(ctx)
	if err != nil {
		return err
	}
	return writeEvent(conn, protocol.ChangefeedEvent{
		Type:          protocol.EventHeartbeat,
		ServerVersion: serverVersion,
	})
}

func writeEvent(conn *websocket.Conn, event protocol.ChangefeedEvent) error {
	if err := conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(event)
}
