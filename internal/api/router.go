package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

func NewRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(h.Logger))

	r.GET("/health", h.Health)

	api := r.Group("/api/v1")
	{
		api.POST("/loads", h.StartLoad)
		api.GET("/loads/:id", h.LoadProgress)
		api.DELETE("/loads/:id", h.CancelLoad)
		api.POST("/recalculate", h.Recalculate)

		api.GET("/attendance", h.ListAttendance)
		api.GET("/payroll", h.Payroll)

		api.POST("/schedules/import", h.ImportSchedule)
	}

	return r
}

func requestLogger(lg *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		lg.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.FullPath(),
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
		}).Debug("http request")
	}
}
