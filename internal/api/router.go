package api

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// NewRouter builds the local HTTP surface the display pages talk to. The
// displays are browser pages served from other ports on the same machine,
// so CORS is wide open for local use.
func NewRouter(h *Handler, log *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(log))

	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
		MaxAge:           12 * time.Hour,
		AllowCredentials: false,
	}))

	router.GET("/healthz", h.Health)

	v1 := router.Group("/api/v1")
	{
		v1.POST("/mutations", h.SubmitMutation)
		v1.GET("/records/:kind", h.Records)
		v1.GET("/records/events", h.RecordEvents)
		v1.POST("/sync", h.ManualSync)

		v1.POST("/print", h.Print)
		v1.GET("/queue", h.QueueStatus)

		v1.GET("/device/state", h.DeviceState)
		v1.GET("/device/events", h.DeviceEvents)
		v1.POST("/device/connect", h.DeviceConnect)
		v1.POST("/device/disconnect", h.DeviceDisconnect)

		v1.GET("/connectivity", h.Connectivity)
		v1.GET("/connectivity/events", h.ConnectivityEvents)
		v1.POST("/connectivity", h.SetConnectivity)
	}

	return router
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)))
	}
}
