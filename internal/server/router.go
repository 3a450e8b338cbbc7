package server

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/rgonzalezclapps/micro-banana-wpp-sub001/internal/handlers"
)

type RouterConfig struct {
	WebhookHandler *handlers.WebhookHandler
	PaymentHandler *handlers.PaymentHandler
	AdminHandler   *handlers.AdminHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.Default()

	// Cors
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"http://localhost:3000", "http://localhost:5174"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Webhook-Secret"},
		AllowCredentials: true,
	}))

	// ===============
	// || Public    ||
	// ===============
	router.GET("/healthcheck", handlers.HealthCheck)
	router.GET("/webhook", cfg.WebhookHandler.Verify)
	router.POST("/webhook", cfg.WebhookHandler.Receive)
	router.POST("/webhook/payment", cfg.PaymentHandler.Receive)

	// ===============
	// || Admin     ||
	// ===============
	admin := router.Group("/admin")
	{
		admin.POST("/conversations/:id/release", cfg.AdminHandler.ReleaseConversation)
		admin.GET("/jobs/:id", cfg.AdminHandler.GetJob)
		admin.POST("/jobs/requeue", cfg.AdminHandler.RequeueJob)
	}

	return router
}
