package routes

import (
	"net/http"
	"time"

	"codexxengine/model"
	"codexxengine/pkg"
	appErr "codexxengine/pkg/errors"
	"codexxengine/service"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// SetupRouter wires the HTTP surface. The limiter guards only code
// execution.
func SetupRouter(svc *service.ExecutionService, limiter *pkg.RateLimiter, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger), cors.Default())

	h := &handler{svc: svc, logger: logger}
	r.POST("/", limiter.Limit(), h.HandleExecute)
	r.GET("/list", h.HandleList)
	r.GET("/status", h.HandleStatus)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}

type handler struct {
	svc    *service.ExecutionService
	logger *zap.Logger
}

// HandleExecute accepts JSON or form-encoded bodies.
func (h *handler) HandleExecute(c *gin.Context) {
	var req model.ExecutionRequest
	if err := c.ShouldBind(&req); err != nil {
		status, body := h.svc.Failure(appErr.BadRequest("Invalid request format: " + err.Error()))
		c.JSON(status, body)
		return
	}

	status, body := h.svc.Execute(c.Request.Context(), req)
	c.JSON(status, body)
}

func (h *handler) HandleList(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.List())
}

func (h *handler) HandleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Status())
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.String("client_ip", c.ClientIP()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}
