package app

import (
	"fmt"

	"github.com/rgonzalezclapps/micro-banana-wpp-sub001/internal/handlers"
	"github.com/rgonzalezclapps/micro-banana-wpp-sub001/internal/pkg/logger"
)

type Handlers struct {
	Webhook *handlers.WebhookHandler
	Payment *handlers.PaymentHandler
	Admin   *handlers.AdminHandler
}

func wireHandlers(log *logger.Logger, reposet Repos, serviceset Services) (Handlers, error) {
	log.Info("Wiring handlers...")
	webhook, err := handlers.NewWebhookHandler(log, reposet.Conversation, serviceset.Queue, serviceset.Dedup)
	if err != nil {
		return Handlers{}, fmt.Errorf("init webhook handler: %w", err)
	}
	payment, err := handlers.NewPaymentHandler(log, reposet.Conversation)
	if err != nil {
		return Handlers{}, fmt.Errorf("init payment handler: %w", err)
	}
	admin, err := handlers.NewAdminHandler(log, serviceset.Queue, serviceset.Tracker)
	if err != nil {
		return Handlers{}, fmt.Errorf("init admin handler: %w", err)
	}
	return Handlers{
		Webhook: webhook,
		Payment: payment,
		Admin:   admin,
	}, nil
}
