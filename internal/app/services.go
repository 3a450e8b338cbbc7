package app

import (
	"fmt"
	"time"

	"github.com/rgonzalezclapps/micro-banana-wpp-sub001/internal/orchestrator"
	"github.com/rgonzalezclapps/micro-banana-wpp-sub001/internal/pkg/logger"
	"github.com/rgonzalezclapps/micro-banana-wpp-sub001/internal/services"
)

type Services struct {
	Locker     *orchestrator.Locker
	Dedup      *orchestrator.Dedup
	Tracker    *orchestrator.Tracker
	Queue      *orchestrator.Queue
	Pollers    []*orchestrator.Poller
	Scanner    *orchestrator.Scanner
	Generation services.GenerationService
	Turn       *services.TurnService
	Notifier   *services.JobNotifier
}

func wireServices(log *logger.Logger, cfg Config, clients Clients, reposet Repos) (Services, error) {
	log.Info("Wiring services...")

	locker, err := orchestrator.NewLocker(log, clients.Store)
	if err != nil {
		return Services{}, fmt.Errorf("init locker: %w", err)
	}
	dedup, err := orchestrator.NewDedup(log, clients.Store, 10*time.Minute)
	if err != nil {
		return Services{}, fmt.Errorf("init dedup: %w", err)
	}

	policies := orchestrator.DefaultPolicies()
	if cfg.PoliciesPath != "" {
		policies, err = orchestrator.LoadPolicies(cfg.PoliciesPath)
		if err != nil {
			return Services{}, fmt.Errorf("load job policies: %w", err)
		}
	}
	tracker, err := orchestrator.NewTracker(log, clients.Store, policies)
	if err != nil {
		return Services{}, fmt.Errorf("init tracker: %w", err)
	}

	generation, err := services.NewGenerationService(log, clients.GenAPI, tracker)
	if err != nil {
		return Services{}, fmt.Errorf("init generation service: %w", err)
	}
	notifier, err := services.NewJobNotifier(log, clients.WhatsApp, reposet.MessageLog)
	if err != nil {
		return Services{}, fmt.Errorf("init job notifier: %w", err)
	}
	turn, err := services.NewTurnService(log, reposet.Conversation, reposet.MessageLog, clients.LLM, clients.WhatsApp, generation)
	if err != nil {
		return Services{}, fmt.Errorf("init turn service: %w", err)
	}

	queue, err := orchestrator.NewQueue(log, locker, cfg.Queue, turn.Process)
	if err != nil {
		return Services{}, fmt.Errorf("init conversation queue: %w", err)
	}

	pollers := make([]*orchestrator.Poller, 0, len(policies))
	for _, policy := range policies {
		poller, err := orchestrator.NewPoller(log, clients.Store, tracker, locker, policy, generation.StatusCheck, notifier)
		if err != nil {
			return Services{}, fmt.Errorf("init poller %s: %w", policy.JobType, err)
		}
		pollers = append(pollers, poller)
	}

	scanner, err := orchestrator.NewScanner(log, clients.Store, tracker, locker, pollers)
	if err != nil {
		return Services{}, fmt.Errorf("init recovery scanner: %w", err)
	}

	return Services{
		Locker:     locker,
		Dedup:      dedup,
		Tracker:    tracker,
		Queue:      queue,
		Pollers:    pollers,
		Scanner:    scanner,
		Generation: generation,
		Turn:       turn,
		Notifier:   notifier,
	}, nil
}
