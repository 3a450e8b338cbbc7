package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/rgonzalezclapps/micro-banana-wpp-sub001/internal/pkg/envutil"
	"github.com/rgonzalezclapps/micro-banana-wpp-sub001/internal/pkg/logger"
	"github.com/rgonzalezclapps/micro-banana-wpp-sub001/internal/repos"
)

// PaymentHandler credits conversations from the payment provider's webhook.
// The shared secret in X-Webhook-Secret is the only authentication.
type PaymentHandler struct {
	log    *logger.Logger
	convs  repos.ConversationRepo
	secret string
}

func NewPaymentHandler(baseLog *logger.Logger, convs repos.ConversationRepo) (*PaymentHandler, error) {
	if baseLog == nil {
		return nil, fmt.Errorf("logger required")
	}
	if convs == nil {
		return nil, fmt.Errorf("conversation repo required")
	}
	return &PaymentHandler{
		log:    baseLog.With("handler", "PaymentHandler"),
		convs:  convs,
		secret: envutil.String("PAYMENT_WEBHOOK_SECRET", ""),
	}, nil
}

type paymentEvent struct {
	ConversationID string `json:"conversation_id" binding:"required"`
	Credits        int    `json:"credits" binding:"required"`
	Reference      string `json:"reference"`
}

// POST /webhook/payment
func (h *PaymentHandler) Receive(c *gin.Context) {
	if h.secret == "" || c.GetHeader("X-Webhook-Secret") != h.secret {
		RespondError(c, http.StatusUnauthorized, "bad_secret", fmt.Errorf("invalid webhook secret"))
		return
	}
	var event paymentEvent
	if err := c.ShouldBindJSON(&event); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_payload", err)
		return
	}
	if event.Credits <= 0 {
		RespondError(c, http.StatusBadRequest, "invalid_credits", fmt.Errorf("credits must be positive"))
		return
	}
	convID, err := uuid.Parse(event.ConversationID)
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_conversation_id", err)
		return
	}
	if err := h.convs.AddCredits(c.Request.Context(), convID, event.Credits); err != nil {
		RespondError(c, http.StatusBadRequest, "credit_failed", err)
		return
	}
	h.log.Info("Credits added",
		"conversation_id", event.ConversationID,
		"credits", event.Credits,
		"reference", event.Reference,
	)
	RespondOK(c, gin.H{"credited": event.Credits})
}
