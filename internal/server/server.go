// Package server exposes research sessions over HTTP and WebSocket. It owns
// no workflow state: handlers delegate to the engine, the session store, and
// the progress bus.
package server

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"deepresearch/internal/bus"
	"deepresearch/internal/config"
	"deepresearch/internal/engine"
	"deepresearch/internal/errors"
	"deepresearch/internal/logging"
	"deepresearch/internal/metrics"
	"deepresearch/internal/session"
)

// probeTimeout bounds each backend reachability check in the health handler.
const probeTimeout = 2 * time.Second

// Prober reports whether a backend answered a reachability probe.
type Prober interface {
	Available(ctx context.Context) bool
}

// Deps are the collaborators the HTTP surface fans requests out to.
type Deps struct {
	Engine  *engine.Engine
	Store   session.Store
	Bus     *bus.Bus
	LLM     Prober
	Search  Prober
	Metrics *metrics.Metrics
	Logger  logging.Logger
}

// Server is the gin front end. Create it with New, run it with Start, and
// stop it with Stop; Stop also releases every streaming connection.
type Server struct {
	engine  *engine.Engine
	store   session.Store
	bus     *bus.Bus
	llm     Prober
	search  Prober
	metrics *metrics.Metrics
	logger  logging.Logger

	router     *gin.Engine
	httpServer *http.Server
	upgrader   websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
}

// New wires the router. The server does not touch the network until Start.
func New(cfg config.Config, deps Deps) (*Server, error) {
	if deps.Engine == nil || deps.Store == nil || deps.Bus == nil {
		return nil, errors.New(errors.KindInternal, "server is missing a required dependency")
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	logger := logging.WithComponent(logging.OrNop(deps.Logger), "server")
	router.Use(requestLogger(logger))

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept"}
	corsConfig.AllowWebSockets = true
	if len(cfg.CORS.Origins) == 1 && cfg.CORS.Origins[0] == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = cfg.CORS.Origins
	}
	router.Use(cors.New(corsConfig))

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		engine:  deps.Engine,
		store:   deps.Store,
		bus:     deps.Bus,
		llm:     deps.LLM,
		search:  deps.Search,
		metrics: deps.Metrics,
		logger:  logger,
		router:  router,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
	}
	s.routes()

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Server) routes() {
	api := s.router.Group("/api/v1")

	research := api.Group("/research")
	{
		research.POST("", s.handleStartResearch)
		research.GET("/:id", s.handleResearchStatus)
		research.POST("/:id/cancel", s.handleCancelResearch)
		research.GET("/:id/report", s.handleResearchReport)
	}

	sessions := api.Group("/sessions")
	{
		sessions.GET("", s.handleListSessions)
		sessions.DELETE("/:id", s.handleDeleteSession)
	}

	api.GET("/health", s.handleHealth)

	s.router.GET("/ws/:session_id", s.handleWebSocket)
	s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
}

// Handler exposes the router for httptest servers.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Stop is called. It blocks.
func (s *Server) Start() error {
	s.logger.Info("listening on http://%s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop drains in-flight requests and releases streaming connections.
func (s *Server) Stop(ctx context.Context) error {
	s.cancel()
	return s.httpServer.Shutdown(ctx)
}

// requestLogger records one line per request through the shared logger.
func requestLogger(logger logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("%s %s -> %d (%s)",
			c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start).Round(time.Millisecond))
	}
}

// respondError writes the taxonomy error body with its mapped status.
func respondError(c *gin.Context, err error) {
	kind := errors.KindOf(err)
	c.JSON(errors.HTTPStatus(kind), gin.H{"error": gin.H{
		"kind":    string(kind),
		"message": errors.Message(err),
	}})
}

// respondConflict writes a 409 for requests that are valid but collide with
// the session's current state.
func respondConflict(c *gin.Context, kind errors.Kind, message string) {
	c.JSON(http.StatusConflict, gin.H{"error": gin.H{
		"kind":    string(kind),
		"message": message,
	}})
}
