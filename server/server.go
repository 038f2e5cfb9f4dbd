// Package server is the HTTP and websocket transport for the service layer.
package server

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/becomeliminal/runeai/config"
	"github.com/becomeliminal/runeai/service"
)

const shutdownTimeout = 10 * time.Second

// Server serves the RuneAI HTTP API.
type Server struct {
	svc      *service.Service
	cfg      config.Config
	router   *gin.Engine
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// New creates a server and registers every route.
func New(svc *service.Service, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	router := gin.New()

	s := &Server{
		svc:    svc,
		cfg:    cfg,
		router: router,
		logger: logger,
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.allowedOrigin}

	router.Use(recovery(logger), accessLog(logger))
	if len(cfg.Server.AllowedOrigins) > 0 {
		router.Use(cors.New(corsConfig(cfg.Server.AllowedOrigins)))
	}
	router.Static("/uploads", cfg.Uploads.Dir)

	router.GET("/", s.handleRoot)
	router.GET("/healthz", s.handleHealth)
	router.GET("/ready", s.handleReady)

	router.POST("/sync", s.handleSubmitLink)
	router.POST("/sync/push", s.handlePush)
	router.POST("/sync/pull", s.handlePull)

	router.GET("/links", s.handleListLinks)
	router.GET("/links/:id", s.handleGetLink)
	router.GET("/links/:id/logs", s.handleLinkLogs)

	router.POST("/uploads", s.handleUpload)

	conversations := router.Group("/conversations")
	{
		conversations.POST("", s.handleCreateConversation)
		conversations.GET("", s.handleListConversations)
		conversations.GET("/:id/messages", s.handleListMessages)
		conversations.POST("/:id/messages", s.handleSendMessage)
		conversations.GET("/:id/stream", s.handleStream)
		conversations.POST("/:id/save-rune", s.handleSaveRune)
	}

	router.POST("/runes", s.handleCreateRune)
	router.GET("/runes", s.handleListRunes)
	router.POST("/runes/search", s.handleSearchRunes)

	router.GET("/memories", s.handleListMemories)
	router.POST("/memories/consolidate", s.handleConsolidate)

	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) allowedOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return slices.ContainsFunc(s.cfg.Server.AllowedOrigins, func(o string) bool {
		return o == "*" || o == origin
	})
}
