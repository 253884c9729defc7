// Package httpapi is the HTTP surface of the delivery engine: a JSON API for
// creating and acting on notifications, plus a server-sent-events stream that
// backs live in-app delivery.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"notifyd/internal/config"
	"notifyd/internal/engine"
	"notifyd/pkg/logx"
)

type Server struct {
	cfg config.HTTPConfig
	eng *engine.Engine
	log logx.Logger

	srv *http.Server
}

func New(cfg config.HTTPConfig, eng *engine.Engine, log logx.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	s := &Server{cfg: cfg, eng: eng, log: log}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(s.recovery(), s.accessLog())
	s.routes(router)

	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) routes(router *gin.Engine) {
	router.GET("/health", s.handleHealth)

	api := router.Group("/api/v1", authRequired(s.cfg.JWTSecret))
	{
		n := api.Group("/notifications")
		n.POST("", s.handleCreate)
		n.GET("/unread", s.handleListUnread)
		n.GET("/stream", s.handleStream)
		n.POST("/:id/ack", s.handleAck)
		n.PUT("/:id/read", s.handleMarkRead)
		n.PUT("/read-all", s.handleMarkAllRead)
		n.GET("/:id/audit", s.handleAuditTrail)

		api.GET("/status", s.handleStatus)
	}
}

// Start begins serving. Returns once the listener is up; serve errors other
// than graceful shutdown are logged.
func (s *Server) Start(ctx context.Context) {
	go func() {
		s.log.Info("http listening", logx.String("addr", s.cfg.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server failed", logx.Err(err))
		}
	}()
}

// Stop drains in-flight requests within the ctx deadline, then closes.
func (s *Server) Stop(ctx context.Context) {
	if err := s.srv.Shutdown(ctx); err != nil {
		s.log.Warn("http shutdown", logx.Err(err))
		_ = s.srv.Close()
	}
}

func (s *Server) recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("handler panicked",
					logx.String("method", c.Request.Method),
					logx.String("path", c.Request.URL.Path),
					logx.Any("panic", r))
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			}
		}()
		c.Next()
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		// The stream endpoint holds the connection open; its duration is the
		// session length, not a latency, so skip it.
		if c.Request.URL.Path == "/api/v1/notifications/stream" {
			return
		}
		s.log.Debug("http request",
			logx.String("method", c.Request.Method),
			logx.String("path", c.Request.URL.Path),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("took", time.Since(start)))
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "notifyd"})
}
