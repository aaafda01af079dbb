// Package server exposes a pawchat Store over REST and a websocket change
// feed.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/pawpal/pawchat"
	"github.com/pawpal/pawchat/internal/logging"
)

// Backend is the store served by the API.
type Backend interface {
	pawchat.Store
	pawchat.ProfileStore
}

// Server wires the REST handlers and the realtime hub.
type Server struct {
	backend        Backend
	feed           pawchat.Feed
	hub            *Hub
	secret         string
	requestTimeout time.Duration
	logger         zerolog.Logger
	engine         *gin.Engine
}

// Option configures a Server.
type Option func(*Server)

// WithRequestTimeout bounds each backend call.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.requestTimeout = d
		}
	}
}

// New creates a server. Tokens are verified with secret.
func New(backend Backend, feed pawchat.Feed, secret string, opts ...Option) *Server {
	s := &Server{
		backend:        backend,
		feed:           feed,
		hub:            NewHub(feed),
		secret:         secret,
		requestTimeout: 5 * time.Second,
		logger:         logging.Component("server"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.engine = s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Hub returns the realtime hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Close disconnects every realtime client.
func (s *Server) Close() {
	s.hub.Close()
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/api/health", func(c *gin.Context) {
		respond(c, http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api", s.authenticate())
	api.GET("/conversations", s.listConversations)
	api.POST("/conversations", s.startConversation)
	api.GET("/conversations/:id", s.getConversation)
	api.GET("/conversations/:id/messages", s.listMessages)
	api.POST("/conversations/:id/messages", s.sendMessage)
	api.POST("/conversations/:id/read", s.markRead)
	api.PUT("/profile", s.updateProfile)
	api.GET("/profiles/:id", s.getProfile)

	r.GET("/ws", s.authenticate(), s.serveWS)
	return r
}

const viewerKey = "viewerID"

// authenticate accepts "Authorization: Bearer <token>" or, for browsers
// opening a websocket, a token query parameter.
func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := BearerToken(c.GetHeader("Authorization"))
		if token == "" {
			token = c.Query("token")
		}
		viewerID, err := VerifyViewerToken(token, s.secret)
		if err != nil {
			fail(c, http.StatusUnauthorized, pawchat.CodeUnauthenticated, "invalid or missing token")
			c.Abort()
			return
		}
		c.Set(viewerKey, viewerID)
		c.Next()
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	}
}

func viewerID(c *gin.Context) string {
	return c.GetString(viewerKey)
}

func (s *Server) withTimeout(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), s.requestTimeout)
}

// statusFor maps a store error onto an HTTP status and wire code.
func statusFor(err error) (int, string) {
	code := pawchat.ErrorCode(err)
	switch code {
	case pawchat.CodeEmptyMessage, pawchat.CodeInvalidRecipient:
		return http.StatusBadRequest, code
	case pawchat.CodeUnauthenticated:
		return http.StatusUnauthorized, code
	case pawchat.CodeNotParticipant:
		return http.StatusForbidden, code
	case pawchat.CodeRecipientNotFound, pawchat.CodeConversationNotFound:
		return http.StatusNotFound, code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, pawchat.CodeInternal
	}
	return http.StatusInternalServerError, pawchat.CodeInternal
}

func (s *Server) storeError(c *gin.Context, op string, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("op", op).Str("viewer_id", viewerID(c)).Msg("store call failed")
		fail(c, status, code, "unexpected persistence error")
		return
	}
	fail(c, status, code, err.Error())
}
