package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/skychat-io/skychat/internal/pipeline"
	"github.com/skychat-io/skychat/internal/store"
	"github.com/skychat-io/skychat/internal/upstream"
	"github.com/skychat-io/skychat/internal/wire"
)

type createSessionRequest struct {
	Name      string `json:"name"`
	Contact   string `json:"contact"`
	FlightRef string `json:"flight_ref"`
}

type createSessionResponse struct {
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
}

type sessionInfoResponse struct {
	SessionID     string    `json:"session_id"`
	CreatedAt     time.Time `json:"created_at"`
	LastActiveAt  time.Time `json:"last_active_at"`
	ContextLength int       `json:"context_length"`
}

type postMessageRequest struct {
	ClientID string `json:"client_id"`
	Message  string `json:"message"`
}

type postMessageResponse struct {
	Reply string     `json:"reply"`
	Usage wire.Usage `json:"usage"`
}

func (s *Server) handleCreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	sess, err := s.store.CreateSession(c.Request.Context(), store.Customer{
		Name:      req.Name,
		Contact:   req.Contact,
		FlightRef: req.FlightRef,
	})
	if err != nil {
		s.logger.Error("create session failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	c.JSON(http.StatusCreated, createSessionResponse{
		SessionID: sess.ID,
		CreatedAt: sess.CreatedAt,
	})
}

func (s *Server) handleGetSession(c *gin.Context) {
	sess, err := s.store.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrSessionExpired) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session expired"})
			return
		}
		s.logger.Error("get session failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	c.JSON(http.StatusOK, sessionInfoResponse{
		SessionID:     sess.ID,
		CreatedAt:     sess.CreatedAt,
		LastActiveAt:  sess.LastActiveAt,
		ContextLength: len(sess.Context),
	})
}

// handlePostMessage is the synchronous REST fallback: it drives the same
// admission and caching flow as the websocket path and waits for the final
// reply.
func (s *Server) handlePostMessage(c *gin.Context) {
	sessionID := c.Param("id")

	var req postMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message must not be empty"})
		return
	}
	if len(req.Message) > s.cfg.Server.MaxMessageBytes {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message too large"})
		return
	}
	clientID := req.ClientID
	if clientID == "" {
		clientID = "rest"
	}

	res, err := s.pipeline.HandleSync(c.Request.Context(), sessionID, clientID, req.Message)
	if err != nil {
		s.writeSyncError(c, err)
		return
	}
	c.JSON(http.StatusOK, postMessageResponse{Reply: res.Text, Usage: res.Usage})
}

func (s *Server) writeSyncError(c *gin.Context, err error) {
	var throttled *pipeline.ThrottledError
	switch {
	case errors.As(err, &throttled):
		c.Header("Retry-After", strconv.Itoa(int(throttled.RetryAfter.Seconds()+0.999)))
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":       "rate limit exceeded",
			"retry_after": throttled.RetryAfter.Seconds(),
		})
	case errors.Is(err, store.ErrSessionExpired):
		c.JSON(http.StatusNotFound, gin.H{"error": "session expired"})
	case errors.Is(err, pipeline.ErrSuperseded):
		c.JSON(http.StatusConflict, gin.H{"error": "superseded by a newer message"})
	case errors.Is(err, upstream.ErrUpstreamTimeout):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "the assistant took too long to respond"})
	case errors.Is(err, upstream.ErrUpstreamUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "the assistant is temporarily unavailable"})
	default:
		s.logger.Error("message handling failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, s.health.Snapshot())
}
