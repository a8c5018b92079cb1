package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"

	"transcodeq/internal/models"
	"transcodeq/internal/queue"
)

type Server struct {
	router *gin.Engine
	http   *http.Server
	jobs   *queue.Service
	logger *log.Logger
}

func NewServer(addr string, jobs *queue.Service, logger *log.Logger) *Server {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger))

	s := &Server{
		router: r,
		http:   &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second},
		jobs:   jobs,
		logger: logger,
	}

	r.GET("/healthz", s.handleHealth)

	api := r.Group("/api")
	api.POST("/jobs", s.handleCreateJob)
	api.GET("/jobs", s.handleListJobs)
	api.GET("/jobs/stats", s.handleStats)
	api.GET("/jobs/:id", s.handleGetJob)
	api.PUT("/jobs/:id/status", s.handleUpdateStatus)
	api.PUT("/jobs/:id/assets/:kind", s.handleUpdateAsset)
	api.POST("/jobs/:id/retry", s.handleRetry)
	api.DELETE("/jobs/:id", s.handleDeleteJob)
	api.DELETE("/videos/:videoId/jobs", s.handleDeleteVideoJobs)

	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Start blocks until the server stops. A clean Stop is not an error.
func (s *Server) Start() error {
	s.logger.Info("admin api listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server.Start: %w", err)
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleCreateJob(c *gin.Context) {
	var req queue.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, fmt.Errorf("%w: %v", models.ErrBadRequest, err))
		return
	}

	job, err := s.jobs.Create(c.Request.Context(), req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, job)
}

func (s *Server) handleListJobs(c *gin.Context) {
	filter := models.ListFilter{VideoID: c.Query("videoId")}

	if raw := c.Query("status"); raw != "" {
		status, err := models.ParseJobStatus(raw)
		if err != nil {
			s.writeError(c, err)
			return
		}
		filter.Status = &status
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > models.MaxListLimit {
			s.writeError(c, fmt.Errorf("%w: limit must be an integer between 1 and %d", models.ErrBadRequest, models.MaxListLimit))
			return
		}
		filter.Limit = limit
	}

	jobs, err := s.jobs.List(c.Request.Context(), filter)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, jobs)
}

func (s *Server) handleStats(c *gin.Context) {
	stats, err := s.jobs.Stats(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleGetJob(c *gin.Context) {
	job, err := s.jobs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

type statusRequest struct {
	Status string `json:"status" binding:"required"`
	Error  string `json:"error"`
}

func (s *Server) handleUpdateStatus(c *gin.Context) {
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, fmt.Errorf("%w: %v", models.ErrBadRequest, err))
		return
	}
	status, err := models.ParseJobStatus(req.Status)
	if err != nil {
		s.writeError(c, err)
		return
	}

	job, err := s.jobs.UpdateStatus(c.Request.Context(), c.Param("id"), status, req.Error)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

type assetRequest struct {
	Status string `json:"status" binding:"required"`
}

func (s *Server) handleUpdateAsset(c *gin.Context) {
	var req assetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, fmt.Errorf("%w: %v", models.ErrBadRequest, err))
		return
	}

	job, err := s.jobs.UpdateProcessingStatus(c.Request.Context(), c.Param("id"), c.Param("kind"), req.Status)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) handleRetry(c *gin.Context) {
	job, err := s.jobs.Retry(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) handleDeleteJob(c *gin.Context) {
	if err := s.jobs.Delete(c.Request.Context(), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleDeleteVideoJobs(c *gin.Context) {
	n, err := s.jobs.DeleteByVideo(c.Request.Context(), c.Param("videoId"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}
