package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"duasync/internal/observability"
	"duasync/internal/websocket"
	"duasync/pkg/interfaces"
	"duasync/pkg/types"
)

// ConnectionStats reports live WebSocket counts
type ConnectionStats interface {
	GetStats() websocket.Stats
}

// HealthChecker pings a backing store
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps are the components the HTTP surface reads from. Catalog and Health
// may be nil when no content database is configured.
type Deps struct {
	Sessions    interfaces.SessionDirectory
	Connections ConnectionStats
	Catalog     interfaces.ContentCatalog
	Health      HealthChecker
	WebSocket   http.HandlerFunc
}

// ARCHITECTURAL DISCOVERY: HTTP API layer is a read-only window onto the hub's
// state; every mutation goes through the WebSocket protocol
type Server struct {
	deps    Deps
	engine  *gin.Engine
	started time.Time
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type HealthResponse struct {
	Status      string          `json:"status"`
	Timestamp   time.Time       `json:"timestamp"`
	Uptime      string          `json:"uptime"`
	Sessions    int             `json:"sessions"`
	Connections websocket.Stats `json:"connections"`
	Database    string          `json:"database"`
}

// NewServer builds the gin engine. allowedOrigins feeds CORS; empty or "*"
// allows any origin.
func NewServer(deps Deps, allowedOrigins []string) *Server {
	s := &Server{
		deps:    deps,
		engine:  gin.New(),
		started: time.Now(),
	}

	s.engine.Use(gin.Recovery(), observability.RequestLogger(log.Logger))
	s.engine.Use(cors.New(corsConfig(allowedOrigins)))
	s.setupRoutes()
	return s
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodOptions},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept"},
		MaxAge:       12 * time.Hour,
	}

	var valid []string
	for _, o := range origins {
		o = strings.TrimSpace(o)
		switch {
		case o == "*":
			cfg.AllowAllOrigins = true
			return cfg
		case strings.HasPrefix(o, "http://"), strings.HasPrefix(o, "https://"):
			valid = append(valid, strings.TrimSuffix(o, "/"))
		case o != "":
			log.Warn().Str("origin", o).Msg("ignoring CORS origin without scheme")
		}
	}
	if len(valid) == 0 {
		cfg.AllowAllOrigins = true
		return cfg
	}
	cfg.AllowOrigins = valid
	return cfg
}

func (s *Server) setupRoutes() {
	if s.deps.WebSocket != nil {
		s.engine.GET("/ws", gin.WrapF(s.deps.WebSocket))
	}
	s.engine.GET("/health", s.healthCheck)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.engine.Group("/api")
	{
		api.GET("/sessions", s.listSessions)
		api.GET("/sessions/:id", s.getSession)
		api.GET("/content", s.listContent)
		api.GET("/content/:type", s.listContent)
		api.GET("/content/:type/:id", s.getContent)
	}
}

// ServeHTTP lets the server be mounted directly on http.Server
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.engine.ServeHTTP(w, r)
}

// Engine exposes the gin engine for additional routes
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// GET /api/sessions
func (s *Server) listSessions(c *gin.Context) {
	sessions := s.deps.Sessions.List()
	if sessions == nil {
		sessions = []types.SessionSnapshot{}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "count": len(sessions)})
}

// GET /api/sessions/:id
func (s *Server) getSession(c *gin.Context) {
	id := types.NormalizeSessionID(c.Param("id"))
	if !types.IsValidSessionID(id) {
		s.sendError(c, http.StatusBadRequest, "invalid session id")
		return
	}
	snap, ok := s.deps.Sessions.Snapshot(id)
	if !ok {
		s.sendError(c, http.StatusNotFound, "session not found")
		return
	}
	c.JSON(http.StatusOK, snap)
}

// GET /api/content and /api/content/:type
func (s *Server) listContent(c *gin.Context) {
	if s.deps.Catalog == nil {
		s.sendError(c, http.StatusServiceUnavailable, "content catalog unavailable")
		return
	}
	contentType := c.Param("type")
	if contentType != "" && !knownType(contentType) {
		s.sendError(c, http.StatusBadRequest, "unknown content type")
		return
	}

	items, err := s.deps.Catalog.Metadata(c.Request.Context(), contentType)
	if err != nil {
		log.Error().Err(err).Str("type", contentType).Msg("metadata lookup failed")
		s.sendError(c, http.StatusInternalServerError, "failed to list content")
		return
	}
	if items == nil {
		items = []types.ContentMetadata{}
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "count": len(items)})
}

// GET /api/content/:type/:id
func (s *Server) getContent(c *gin.Context) {
	if s.deps.Catalog == nil {
		s.sendError(c, http.StatusServiceUnavailable, "content catalog unavailable")
		return
	}
	contentType := c.Param("type")
	if !knownType(contentType) {
		s.sendError(c, http.StatusBadRequest, "unknown content type")
		return
	}

	body, err := s.deps.Catalog.Body(c.Request.Context(), contentType, c.Param("id"))
	if err != nil {
		if errors.Is(err, interfaces.ErrContentNotFound) {
			s.sendError(c, http.StatusNotFound, "content not found")
			return
		}
		log.Error().Err(err).Str("type", contentType).Str("id", c.Param("id")).Msg("body lookup failed")
		s.sendError(c, http.StatusInternalServerError, "failed to load content")
		return
	}
	c.JSON(http.StatusOK, body)
}

// GET /health returns 503 when the content store fails its health check
func (s *Server) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(s.started).Round(time.Second).String(),
		Sessions:  len(s.deps.Sessions.List()),
		Database:  "disabled",
	}
	if s.deps.Connections != nil {
		resp.Connections = s.deps.Connections.GetStats()
	}
	if s.deps.Health != nil {
		resp.Database = "healthy"
		if err := s.deps.Health.HealthCheck(ctx); err != nil {
			resp.Status = "unhealthy"
			resp.Database = "error: " + err.Error()
		}
	}

	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, resp)
}

func (s *Server) sendError(c *gin.Context, code int, message string) {
	c.AbortWithStatusJSON(code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func knownType(t string) bool {
	return t == types.ContentTypeQuran || t == types.ContentTypeDua
}
