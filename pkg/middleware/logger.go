package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cyberfly-io/flynode/pkg/log"
)

type loggedRequest struct {
	Proto    string      `json:"proto"`
	Method   string      `json:"method"`
	Host     string      `json:"host"`
	Path     string      `json:"path"`
	Route    string      `json:"route"`
	Headers  http.Header `json:"headers,omitempty"`
	Status   int         `json:"status"`
	Duration string      `json:"duration"`
}

// NewLogger creates logging middleware that logs every request.
func NewLogger(config log.AccessLogConfig, logger log.Logger) gin.HandlerFunc {
	logger = logger.WithSubsystem(logger.Subsystem() + ".access")
	return func(c *gin.Context) {
		s := time.Now()

		c.Next()

		req := &loggedRequest{
			Proto:    c.Request.Proto,
			Method:   c.Request.Method,
			Host:     c.Request.Host,
			Path:     c.Request.URL.Path,
			Route:    c.FullPath(),
			Status:   c.Writer.Status(),
			Duration: time.Since(s).String(),
		}
		if config.Headers {
			req.Headers = config.Filter(c.Request.Header)
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			logger.Warn("request", zap.Any("request", req))
		} else if config.Enabled {
			logger.Info("request", zap.Any("request", req))
		} else {
			logger.Debug("request", zap.Any("request", req))
		}
	}
}
