// Package gateway exposes the agent server over HTTP and WebSocket. The
// REST surface covers captures, command runs, device bindings, push
// fan-out, config reload, monitoring, and read-only vault access; the
// WebSocket endpoint carries interactive sessions.
package gateway

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/prime-system/prime-agent/internal/agent/command"
	"github.com/prime-system/prime-agent/internal/agent/session"
	"github.com/prime-system/prime-agent/internal/common/config"
	"github.com/prime-system/prime-agent/internal/common/httpmw"
	"github.com/prime-system/prime-agent/internal/common/logger"
	"github.com/prime-system/prime-agent/internal/monitoring"
	"github.com/prime-system/prime-agent/internal/push"
	"github.com/prime-system/prime-agent/internal/vault"
)

// Deps collects the collaborators the route handlers call into.
type Deps struct {
	Sessions *session.Manager
	Ingestor *vault.Ingestor
	Executor *command.Executor
	Runs     *command.Manager
	Registry *push.Registry
	Sender   *push.Sender
	Monitor  *monitoring.Monitor
	Browser  *vault.Browser
}

// Server hosts the REST routes and the session WebSocket endpoint.
type Server struct {
	cfg    *config.Manager
	deps   Deps
	logger *logger.Logger
	router *gin.Engine

	upgrader websocket.Upgrader
	httpSrv  *http.Server
}

// NewServer builds the router with all routes registered. Every route
// except /health and /metrics sits behind bearer authentication.
func NewServer(cfg *config.Manager, deps Deps, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: log.WithFields(zap.String("component", "gateway")),
		router: gin.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // clients authenticate with the bearer token
			},
		},
	}

	s.router.Use(gin.Recovery())
	s.router.Use(httpmw.RequestLogger(s.logger, "gateway"))
	s.router.Use(httpmw.Metrics())
	if cfg.Current().Tracing.Enabled {
		s.router.Use(httpmw.OtelTracing("gateway"))
	}

	s.setupRoutes()
	return s
}

// Router returns the configured handler, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	// Unauthenticated probes.
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authed := s.router.Group("/", s.requireAuth())
	{
		authed.POST("/capture", s.handleCapture)

		authed.POST("/commands/:name/trigger", s.handleCommandTrigger)
		authed.GET("/commands/runs", s.handleRunList)
		authed.GET("/commands/runs/:runId", s.handleRunPoll)
		authed.DELETE("/commands/runs/:runId", s.handleRunCancel)

		authed.POST("/config/reload", s.handleConfigReload)

		authed.POST("/devices/register", s.handleDeviceRegister)
		authed.GET("/devices", s.handleDeviceList)
		authed.POST("/notifications/send", s.handleNotificationSend)

		authed.GET("/monitoring/background-tasks/status", s.handleMonitoringStatus)

		authed.GET("/vault/files", s.handleVaultList)
		authed.GET("/vault/file", s.handleVaultRead)
		authed.GET("/vault/search", s.handleVaultSearch)

		authed.GET("/ws/:session", s.handleSessionWS)
	}
}

// requireAuth checks the Authorization header against the configured
// token. The token is re-read per request so a config reload takes
// effect without a restart.
func (s *Server) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := s.cfg.Current().Server.AuthToken
		provided := bearerToken(c.GetHeader("Authorization"))
		if provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "AuthenticationError",
				"message": "missing or invalid bearer token",
			})
			return
		}
		c.Next()
	}
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

// Start begins serving on the configured host and port. It returns once
// the listener is closed; http.ErrServerClosed is swallowed.
func (s *Server) Start() error {
	cfg := s.cfg.Current().Server
	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeoutDuration(),
		WriteTimeout: cfg.WriteTimeoutDuration(),
	}

	s.logger.Info("gateway listening", zap.String("addr", s.httpSrv.Addr))
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway listen: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
