package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"

	"transcodeq/internal/models"
)

const (
	CodeNotFound           = "NOT_FOUND"
	CodeInvalidState       = "INVALID_STATE"
	CodeBadRequest         = "BAD_REQUEST"
	CodeStorageUnavailable = "STORAGE_UNAVAILABLE"
	CodeInternal           = "INTERNAL"
)

type errorResponse struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, models.ErrBadRequest):
		return http.StatusBadRequest, CodeBadRequest
	case errors.Is(err, models.ErrInvalidTransition):
		return http.StatusConflict, CodeInvalidState
	case errors.Is(err, models.ErrStorageUnavailable):
		return http.StatusServiceUnavailable, CodeStorageUnavailable
	}
	return http.StatusInternalServerError, CodeInternal
}

func (s *Server) writeError(c *gin.Context, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "code", code, "error", err)
	}
	if status == http.StatusServiceUnavailable {
		c.Header("Retry-After", "1")
	}
	c.AbortWithStatusJSON(status, errorResponse{Code: code, Error: err.Error()})
}

func requestLogger(logger *log.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		logger.Debug("http request",
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"latency", time.Since(start).Truncate(time.Microsecond),
		)
	}
}
