package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"trellis-signer/internal/domain"
	"trellis-signer/internal/usecase"
	"trellis-signer/internal/worker"

	"github.com/gin-gonic/gin"
)

const defaultReceiptLimit = 50

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type submitJobRequest struct {
	ID     string          `json:"id,omitempty"`
	Config json.RawMessage `json:"config"`
}

type submitJobResponse struct {
	ID     string `json:"id"`
	Worker string `json:"worker"`
}

type readyResponse struct {
	Status  string          `json:"status"`
	Workers []worker.Status `json:"workers"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleReady(c *gin.Context) {
	if s.pool == nil {
		c.JSON(http.StatusServiceUnavailable, readyResponse{Status: "starting"})
		return
	}
	out := readyResponse{Status: "ready", Workers: s.pool.Statuses()}
	if !s.pool.Ready() {
		out.Status = "starting"
		c.JSON(http.StatusServiceUnavailable, out)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleListWorkers(c *gin.Context) {
	if s.pool == nil {
		c.JSON(http.StatusOK, gin.H{"workers": []worker.Status{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"workers": s.pool.Statuses()})
}

func (s *Server) handleSubmitJob(c *gin.Context) {
	w, err := s.worker(c.Param("worker"))
	if err != nil {
		writeError(c, err)
		return
	}
	var req submitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_JSON", "invalid json")
		return
	}
	cfg, err := usecase.ParseSignJobConfig(req.Config)
	if err != nil {
		writeError(c, err)
		return
	}
	config, err := json.Marshal(cfg)
	if err != nil {
		writeError(c, err)
		return
	}
	id, err := w.Queue().Submit(c.Request.Context(), domain.Job{
		ID:     strings.TrimSpace(req.ID),
		Kind:   domain.JobKindSign,
		Config: config,
	})
	if err != nil {
		s.logger.Error("submit job failed", "worker", w.ID(), "path", cfg.Path, "error", err)
		writeError(c, err)
		return
	}
	s.logger.Info("sign job submitted", "worker", w.ID(), "job_id", id, "path", cfg.Path)
	c.JSON(http.StatusAccepted, submitJobResponse{ID: id, Worker: w.ID()})
}

func (s *Server) handleJobStatus(c *gin.Context) {
	w, err := s.worker(c.Param("worker"))
	if err != nil {
		writeError(c, err)
		return
	}
	status, err := w.Queue().Status(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleListReceipts(c *gin.Context) {
	if s.receipts == nil {
		writeErrorCode(c, http.StatusServiceUnavailable, "DB_UNAVAILABLE", "receipts require a database")
		return
	}
	path := strings.TrimSpace(c.Query("path"))
	if path == "" {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_QUERY", "path is required")
		return
	}
	limit := defaultReceiptLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeErrorCode(c, http.StatusBadRequest, "INVALID_QUERY", "invalid limit")
			return
		}
		limit = parsed
	}
	receipts, err := s.receipts.ListByPath(c.Request.Context(), path, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"receipts": receipts})
}

func (s *Server) worker(id string) (*worker.Worker, error) {
	if s.pool == nil {
		return nil, domain.ErrUnknownWorker
	}
	w, ok := s.pool.Get(id)
	if !ok {
		return nil, domain.ErrUnknownWorker
	}
	return w, nil
}

func writeError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "INTERNAL"
	switch {
	case errors.Is(err, domain.ErrInvalidJobConfig):
		status, code = http.StatusBadRequest, "INVALID_JOB_CONFIG"
	case errors.Is(err, domain.ErrUnknownWorker):
		status, code = http.StatusNotFound, "UNKNOWN_WORKER"
	case errors.Is(err, domain.ErrJobNotFound), errors.Is(err, domain.ErrNotFound):
		status, code = http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, domain.ErrQueueStopped):
		status, code = http.StatusServiceUnavailable, "QUEUE_STOPPED"
	}
	writeErrorCode(c, status, code, err.Error())
}

func writeErrorCode(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, errorResponse{
		Code:    code,
		Message: message,
	})
}
