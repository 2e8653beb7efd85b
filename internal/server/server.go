// Package server exposes the focusing manager over HTTP: listing endpoints
// for preprocessors and lenses, the preprocessing route, and the focus route
// that chains preprocessing and lens execution.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Gravitate-Health/focusing-manager-sub000/internal/config"
	"github.com/Gravitate-Health/focusing-manager-sub000/internal/fhir"
	"github.com/Gravitate-Health/focusing-manager-sub000/internal/lens"
	"github.com/Gravitate-Health/focusing-manager-sub000/internal/logging"
	"github.com/Gravitate-Health/focusing-manager-sub000/internal/pipeline"
	"github.com/Gravitate-Health/focusing-manager-sub000/internal/registry"
)

const maxRequestBodyBytes = 50 << 20

// Deps carries the constructed components the server routes to.
type Deps struct {
	Config   *config.Config
	Logger   logging.Logger
	Registry *registry.Registry
	Pipeline *pipeline.Pipeline
	Lenses   *lens.Runtime
	Fhir     *fhir.Client
	Renderer Renderer // nil disables text/html negotiation
}

// Server wraps the gin engine and its http.Server.
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server
	logger     logging.Logger

	registry *registry.Registry
	pipeline *pipeline.Pipeline
	lenses   *lens.Runtime
	fhir     *fhir.Client
	renderer Renderer
}

// New builds the server with all routes and middleware attached.
func New(deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization"}
	corsConfig.ExposeHeaders = []string{warningsHeader}
	engine.Use(cors.New(corsConfig))

	s := &Server{
		engine:   engine,
		logger:   logging.OrNop(deps.Logger),
		registry: deps.Registry,
		pipeline: deps.Pipeline,
		lenses:   deps.Lenses,
		fhir:     deps.Fhir,
		renderer: deps.Renderer,
	}
	engine.Use(s.requestID())
	engine.Use(limitBody(maxRequestBodyBytes))

	engine.GET("/health", s.handleHealth)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	engine.GET("/lenses", s.handleListLenses)
	engine.GET("/preprocessing", s.handleListPreprocessors)
	engine.POST("/preprocessing/:epiId", s.handlePreprocess)
	engine.POST("/focus", s.handleFocus)
	engine.POST("/focus/:epiId", s.handleFocus)
	engine.GET("/preprocessing/cache/stats", s.handleCacheStats)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", deps.Config.ServerPort),
		Handler:      engine,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 120 * time.Second,
	}
	return s
}

// Handler exposes the engine for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("requestID", id)
		c.Header("X-Request-Id", id)
		c.Next()
	}
}

func limitBody(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		}
		c.Next()
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
