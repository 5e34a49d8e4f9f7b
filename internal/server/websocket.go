package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/skychat-io/skychat/internal/registry"
	"github.com/skychat-io/skychat/internal/store"
	"github.com/skychat-io/skychat/internal/wire"
)

// handleWebSocket upgrades the connection, registers it for the session and
// runs the read loop until the peer goes away.
func (s *Server) handleWebSocket(c *gin.Context) {
	sessionID := c.Query("session_id")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id is required"})
		return
	}
	clientID := c.Query("client_id")
	if clientID == "" {
		clientID = uuid.NewString()
	}

	// Validate the session before paying for the upgrade.
	if _, err := s.store.GetSession(c.Request.Context(), sessionID); err != nil {
		if errors.Is(err, store.ErrSessionExpired) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session expired"})
			return
		}
		s.logger.Error("session lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	conn, err := s.registry.Register(sessionID, clientID, ws)
	if err != nil {
		if errors.Is(err, registry.ErrMaxConnectionsExceeded) {
			_ = ws.WriteJSON(wire.Error(wire.CodeConnectionLimit, "too many connections for this session"))
		}
		_ = ws.Close()
		return
	}

	go s.readLoop(conn)
}

// readLoop consumes inbound frames for one connection. Liveness is tracked on
// every read and on websocket pongs; the registry sweep closes peers that go
// silent past the heartbeat budget.
func (s *Server) readLoop(conn *registry.Connection) {
	sessionID, clientID := conn.SessionID, conn.ClientID
	defer s.registry.Unregister(sessionID, clientID)

	readTimeout := time.Duration(s.cfg.Registry.MaxMissedHeartbeats+1) * s.cfg.Registry.HeartbeatInterval
	conn.SetPongHandler(readTimeout)
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

	log := s.logger.With(
		zap.String("session_id", sessionID),
		zap.String("client_id", clientID),
	)

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			log.Debug("read loop ended", zap.Error(err))
			return
		}
		conn.MarkAlive()
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

		in, err := wire.ParseInbound(data, s.cfg.Server.MaxMessageBytes)
		if err != nil {
			var verr *wire.ValidationError
			if errors.As(err, &verr) {
				_ = conn.WriteFrame(wire.Error(wire.CodeInvalidPayload, verr.Reason))
				continue
			}
			_ = conn.WriteFrame(wire.Error(wire.CodeInternal, "internal error"))
			continue
		}

		switch in.Type {
		case wire.TypePing:
			_ = conn.WriteFrame(wire.Pong())
		case wire.TypeClose:
			return
		case wire.TypeMessage:
			// Touch keeps the session alive even while a generation is queued.
			ctx := context.Background()
			_ = s.store.Touch(ctx, sessionID)
			if err := s.pipeline.HandleMessage(ctx, sessionID, clientID, in.Message); err != nil {
				log.Error("message handling failed", zap.Error(err))
				_ = conn.WriteFrame(wire.Error(wire.CodeInternal, "internal error"))
			}
		}
	}
}
