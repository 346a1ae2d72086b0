// Package httpapi exposes the service over HTTP: session lifecycle
// endpoints, the streaming chat endpoint, and operational surfaces.
package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/nvoss/chatstream"
	"github.com/nvoss/chatstream/middleware"
	"github.com/nvoss/chatstream/store"
	"github.com/nvoss/chatstream/stream"
)

// Server wires the engine, the relational store, and the stream machinery
// into a gin router.
type Server struct {
	engine   *chatstream.Engine
	db       *store.Store
	orch     *stream.Orchestrator
	broker   *stream.Broker
	validate *validator.Validate
	log      zerolog.Logger
}

// NewServer builds the HTTP layer. All dependencies are required.
func NewServer(engine *chatstream.Engine, db *store.Store, orch *stream.Orchestrator, broker *stream.Broker, log zerolog.Logger) *Server {
	return &Server{
		engine:   engine,
		db:       db,
		orch:     orch,
		broker:   broker,
		validate: validator.New(),
		log:      log.With().Str("component", "httpapi").Logger(),
	}
}

// Router assembles the route table.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/healthz", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	guard := middleware.SessionGuard(s.engine)

	sess := api.Group("/session")
	sess.POST("/login", s.handleLogin)
	sess.POST("/guest", s.handleGuestLogin)
	sess.POST("/logout", s.handleLogout)
	sess.POST("/password", guard, s.handleChangePassword)
	sess.GET("/models", guard, s.handleModels)

	chat := api.Group("/chat", guard)
	chat.POST("", s.handleChat)
	chat.GET("/stream", s.handleResumeStream)
	chat.DELETE("", s.handleDeleteChat)

	return r
}

func (s *Server) handleHealth(c *gin.Context) {
	if err := s.engine.Sessions().Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("request")
	}
}

// writeError maps the engine's error taxonomy onto the HTTP contract.
// Message bodies stay generic; detail goes to the log, not the client.
func (s *Server) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	msg := "internal error"

	switch {
	case errors.Is(err, chatstream.ErrBadRequest):
		status, msg = http.StatusBadRequest, "bad request"
	case errors.Is(err, chatstream.ErrInvalidToken):
		status, msg = http.StatusBadRequest, "invalid token"
	case errors.Is(err, chatstream.ErrInvalidCredentials):
		status, msg = http.StatusUnauthorized, "invalid credentials"
	case errors.Is(err, chatstream.ErrUnauthorized):
		status, msg = http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, chatstream.ErrSessionRevoked):
		status, msg = middleware.StatusSessionRevoked, "session revoked"
	case errors.Is(err, chatstream.ErrForbidden), errors.Is(err, chatstream.ErrModelNotAllowed):
		status, msg = http.StatusForbidden, "forbidden"
	case errors.Is(err, chatstream.ErrNotFound), errors.Is(err, store.ErrNotFound),
		errors.Is(err, chatstream.ErrStreamNotFound), errors.Is(err, stream.ErrStreamNotFound),
		errors.Is(err, chatstream.ErrStreamBufferDisabled):
		status, msg = http.StatusNotFound, "not found"
	case errors.Is(err, chatstream.ErrRateLimitExceeded), errors.Is(err, chatstream.ErrLoginRateLimited):
		status, msg = http.StatusTooManyRequests, "rate limit exceeded"
	case errors.Is(err, chatstream.ErrUpstreamFailure):
		status, msg = http.StatusBadGateway, "upstream failure"
	case errors.Is(err, chatstream.ErrStoreUnavailable),
		errors.Is(err, chatstream.ErrSessionCreationFailed),
		errors.Is(err, stream.ErrBrokerUnavailable):
		status, msg = http.StatusServiceUnavailable, "service unavailable"
	}

	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("request failed")
	}
	c.JSON(status, gin.H{"error": msg})
}

// principal fetches the guard-injected principal; handler registration
// guarantees it is present.
func (s *Server) principal(c *gin.Context) chatstream.Principal {
	p, _ := middleware.Principal(c)
	return p
}
