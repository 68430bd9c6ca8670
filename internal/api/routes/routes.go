package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/teddyo/teddyvoice/internal/api/handlers"
	"github.com/teddyo/teddyvoice/internal/api/middleware"
)

type Deps struct {
	WS     *handlers.WSHandler
	Health *handlers.HealthHandler

	DeviceJWTSecret string
	Log             *logrus.Logger
}

func RegisterRoutes(r *gin.Engine, d Deps) {
	r.Use(middleware.RequestLogger(d.Log))

	r.GET("/ping", func(c *gin.Context) {
		c.JSON(200, gin.H{"message": "pong"})
	})
	r.GET("/healthz", d.Health.Check)

	// Device routes (JWT)
	auth := r.Group("/")
	auth.Use(middleware.DeviceAuth(d.DeviceJWTSecret))

	auth.GET("/ws", d.WS.Stream)
}
