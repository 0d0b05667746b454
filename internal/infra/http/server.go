// Package http serves the health and admin API of the signer.
package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"trellis-signer/internal/domain"
	"trellis-signer/internal/usecase"
	"trellis-signer/internal/worker"

	"github.com/gin-gonic/gin"
)

const shutdownTimeout = 5 * time.Second

type Server struct {
	addr        string
	r           *gin.Engine
	pool        *worker.Pool
	receipts    usecase.ReceiptRepository
	adminAPIKey string
	logger      *slog.Logger

	limiter      domain.RateLimiter
	submitLimit  int
	submitWindow time.Duration
}

type ServerDeps struct {
	Addr string
	Pool *worker.Pool
	// Receipts is nil when no database is configured.
	Receipts    usecase.ReceiptRepository
	AdminAPIKey string
	Logger      *slog.Logger

	// Limiter caps job submissions per worker to SubmitLimit per
	// SubmitWindow. A nil limiter or a zero limit disables it.
	Limiter      domain.RateLimiter
	SubmitLimit  int
	SubmitWindow time.Duration
}

func NewServer(deps ServerDeps) *Server {
	r := gin.New()
	r.Use(gin.Recovery())

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	window := deps.SubmitWindow
	if window <= 0 {
		window = time.Minute
	}
	s := &Server{
		addr:         deps.Addr,
		r:            r,
		pool:         deps.Pool,
		receipts:     deps.Receipts,
		adminAPIKey:  deps.AdminAPIKey,
		logger:       logger,
		limiter:      deps.Limiter,
		submitLimit:  deps.SubmitLimit,
		submitWindow: window,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.r.GET("/healthz", s.handleHealth)
	s.r.GET("/readyz", s.handleReady)

	v1 := s.r.Group("/v1")
	{
		v1.GET("/workers", s.handleListWorkers)
		v1.POST("/workers/:worker/jobs", s.requireAdmin, s.limitSubmissions, s.handleSubmitJob)
		v1.GET("/workers/:worker/jobs/:job_id", s.handleJobStatus)
		v1.GET("/receipts", s.handleListReceipts)
	}

	s.r.NoRoute(func(c *gin.Context) {
		writeErrorCode(c, http.StatusNotFound, "NOT_FOUND", "route not found")
	})
}

func (s *Server) Handler() http.Handler {
	return s.r
}

// Run serves until ctx is done and then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("admin server listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
