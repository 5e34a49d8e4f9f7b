package server

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/skychat-io/skychat/internal/common/config"
	"github.com/skychat-io/skychat/internal/health"
	"github.com/skychat-io/skychat/internal/pipeline"
	"github.com/skychat-io/skychat/internal/registry"
	"github.com/skychat-io/skychat/internal/store"
	"github.com/skychat-io/skychat/pkg/metrics"
)

// Server is the HTTP and WebSocket surface of the chat engine.
type Server struct {
	logger   *zap.Logger
	cfg      *config.Config
	store    store.Store
	pipeline *pipeline.Pipeline
	registry *registry.Registry
	health   *health.Collector
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	httpSrv *http.Server
}

// NewServer creates the transport surface wired to the engine components.
func NewServer(logger *zap.Logger, cfg *config.Config, st store.Store, p *pipeline.Pipeline, reg *registry.Registry, hc *health.Collector, m *metrics.Metrics) *Server {
	return &Server{
		logger:   logger.Named("server"),
		cfg:      cfg,
		store:    st,
		pipeline: p,
		registry: reg,
		health:   hc,
		metrics:  m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser chat widgets connect cross-origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Router builds the gin engine with all routes and middleware.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(s.recoveryMiddleware())
	router.Use(s.loggerMiddleware())
	router.Use(s.corsMiddleware())
	if s.metrics != nil {
		router.Use(s.metrics.Middleware())
	}
	if s.cfg.Tracing.Enabled {
		router.Use(otelgin.Middleware("skychat"))
	}

	api := router.Group("/api")
	{
		api.POST("/sessions", s.handleCreateSession)
		api.GET("/sessions/:id", s.handleGetSession)
		api.POST("/sessions/:id/messages", s.handlePostMessage)
	}

	router.GET("/ws", s.handleWebSocket)
	router.GET("/healthz", s.handleHealthz)
	if s.metrics != nil {
		router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}
	return router
}

// Start runs the HTTP server until it fails or is shut down.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:    s.cfg.Server.Addr,
		Handler: s.Router(),
	}
	s.logger.Info("server listening", zap.String("addr", s.cfg.Server.Addr))
	return s.httpSrv.ListenAndServe()
}

// Shutdown stops accepting requests and drains in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
