package app

import (
	"github.com/rgonzalezclapps/micro-banana-wpp-sub001/internal/orchestrator"
	"github.com/rgonzalezclapps/micro-banana-wpp-sub001/internal/pkg/envutil"
	"github.com/rgonzalezclapps/micro-banana-wpp-sub001/internal/pkg/logger"
)

type Config struct {
	Port            string
	StoreMode       string
	PoliciesPath    string
	PollConcurrency int
	Queue           orchestrator.QueueConfig
}

func LoadConfig(log *logger.Logger) Config {
	cfg := Config{
		Port:            envutil.String("PORT", "8080"),
		StoreMode:       envutil.String("STORE_MODE", "redis"),
		PoliciesPath:    envutil.String("JOB_POLICIES_PATH", ""),
		PollConcurrency: envutil.Int("POLL_CONCURRENCY", 2),
		Queue:           orchestrator.QueueConfigFromEnv(),
	}
	log.Info("Config loaded",
		"port", cfg.Port,
		"store_mode", cfg.StoreMode,
		"poll_concurrency", cfg.PollConcurrency,
	)
	return cfg
}
