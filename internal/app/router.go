package app

import (
	"github.com/gin-gonic/gin"

	"github.com/rgonzalezclapps/micro-banana-wpp-sub001/internal/server"
)

func wireRouter(handlerset Handlers) *gin.Engine {
	return server.NewRouter(server.RouterConfig{
		WebhookHandler: handlerset.Webhook,
		PaymentHandler: handlerset.Payment,
		AdminHandler:   handlerset.Admin,
	})
}
