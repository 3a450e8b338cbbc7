package app

import (
	"fmt"

	"github.com/rgonzalezclapps/micro-banana-wpp-sub001/internal/clients/genapi"
	"github.com/rgonzalezclapps/micro-banana-wpp-sub001/internal/clients/llm"
	redisclient "github.com/rgonzalezclapps/micro-banana-wpp-sub001/internal/clients/redis"
	"github.com/rgonzalezclapps/micro-banana-wpp-sub001/internal/clients/whatsapp"
	"github.com/rgonzalezclapps/micro-banana-wpp-sub001/internal/pkg/logger"
	"github.com/rgonzalezclapps/micro-banana-wpp-sub001/internal/store"
)

type Clients struct {
	Store    store.Store
	WhatsApp whatsapp.Client
	LLM      llm.Client
	GenAPI   genapi.Client
}

func wireClients(log *logger.Logger, cfg Config) (Clients, error) {
	log.Info("Wiring clients...")

	var st store.Store
	switch cfg.StoreMode {
	case "memory":
		// Single-process mode for local development and tests.
		st = store.NewMemoryStore()
	case "redis":
		rdb, err := redisclient.NewClient(log)
		if err != nil {
			return Clients{}, fmt.Errorf("init redis: %w", err)
		}
		st, err = store.NewRedisStore(log, rdb)
		if err != nil {
			return Clients{}, fmt.Errorf("init redis store: %w", err)
		}
	default:
		return Clients{}, fmt.Errorf("unknown STORE_MODE %q", cfg.StoreMode)
	}

	wa, err := whatsapp.NewFromEnv(log)
	if err != nil {
		return Clients{}, fmt.Errorf("init whatsapp client: %w", err)
	}
	llmClient, err := llm.NewFromEnv(log)
	if err != nil {
		return Clients{}, fmt.Errorf("init llm client: %w", err)
	}
	gen, err := genapi.NewFromEnv(log)
	if err != nil {
		return Clients{}, fmt.Errorf("init generation client: %w", err)
	}

	return Clients{
		Store:    st,
		WhatsApp: wa,
		LLM:      llmClient,
		GenAPI:   gen,
	}, nil
}
