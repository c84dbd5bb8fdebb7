// Package ops serves read-only health and status endpoints for operators.
package ops

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/claudebridge/claudebridge/internal/common/httpmw"
	"github.com/claudebridge/claudebridge/internal/common/logger"
	"github.com/claudebridge/claudebridge/internal/cron"
	"github.com/claudebridge/claudebridge/internal/queue"
	"github.com/claudebridge/claudebridge/internal/session"
)

// SessionLister reports live sessions.
type SessionLister interface {
	List() []session.Info
}

// QueueReporter reports queue status snapshots.
type QueueReporter interface {
	StatusAll() []queue.QueueStatus
}

// ScheduleLister reports registered cron schedules.
type ScheduleLister interface {
	List() []cron.Schedule
}

// Server exposes bridge internals over HTTP. It is read only.
type Server struct {
	addr    string
	logger  *logger.Logger
	router  *gin.Engine
	httpSrv *http.Server
	started time.Time

	sessions  SessionLister
	queues    QueueReporter
	schedules ScheduleLister
}

// NewServer builds the ops server. An empty addr disables it: Start becomes
// a no-op.
func NewServer(addr string, sessions SessionLister, queues QueueReporter, schedules ScheduleLister, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		addr:      addr,
		logger:    log.WithFields(zap.String("component", "ops")),
		router:    gin.New(),
		started:   time.Now(),
		sessions:  sessions,
		queues:    queues,
		schedules: schedules,
	}
	s.router.Use(gin.Recovery())
	s.router.Use(httpmw.RequestLogger(s.logger, "ops"))
	s.router.Use(httpmw.OtelTracing("ops"))
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/health/sessions", s.handleSessions)
	s.router.GET("/health/queues", s.handleQueues)
	s.router.GET("/health/cron", s.handleCron)
}

// Router returns the HTTP handler, mainly for tests.
func (s *Server) Router() http.Handler { return s.router }

// Enabled reports whether an address is configured.
func (s *Server) Enabled() bool { return s.addr != "" }

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	if s.addr == "" {
		s.logger.Debug("ops server disabled")
		return
	}
	s.httpSrv = &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		s.logger.Info("ops server listening", zap.String("addr", s.addr))
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("ops server failed", zap.Error(err))
		}
	}()
}

// Shutdown stops the server, waiting for in-flight requests up to the
// context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"goroutines":     runtime.NumGoroutine(),
	})
}

func (s *Server) handleSessions(c *gin.Context) {
	infos := s.sessions.List()
	c.JSON(http.StatusOK, gin.H{
		"count":    len(infos),
		"sessions": infos,
	})
}

func (s *Server) handleQueues(c *gin.Context) {
	statuses := s.queues.StatusAll()
	c.JSON(http.StatusOK, gin.H{
		"count":  len(statuses),
		"queues": statuses,
	})
}

func (s *Server) handleCron(c *gin.Context) {
	schedules := s.schedules.List()
	c.JSON(http.StatusOK, gin.H{
		"count":     len(schedules),
		"schedules": schedules,
	})
}
