package services

import (
	"context"
	"fmt"

	"github.com/rgonzalezclapps/micro-banana-wpp-sub001/internal/clients/genapi"
	"github.com/rgonzalezclapps/micro-banana-wpp-sub001/internal/orchestrator"
	"github.com/rgonzalezclapps/micro-banana-wpp-sub001/internal/pkg/logger"
	"github.com/rgonzalezclapps/micro-banana-wpp-sub001/internal/types"
)

// GenerationService starts long-running jobs on the generation service and
// registers them with the tracker so the poll workers drive them to a
// terminal state.
type GenerationService interface {
	Submit(ctx context.Context, conv *types.Conversation, jobType, prompt string) (string, error)
	// StatusCheck adapts the generation API into the poll worker's contract.
	StatusCheck(ctx context.Context, jobID string) (orchestrator.StatusResult, error)
}

type generationService struct {
	log     *logger.Logger
	gen     genapi.Client
	tracker *orchestrator.Tracker
}

func NewGenerationService(baseLog *logger.Logger, gen genapi.Client, tracker *orchestrator.Tracker) (GenerationService, error) {
	if baseLog == nil {
		return nil, fmt.Errorf("logger required")
	}
	if gen == nil {
		return nil, fmt.Errorf("genapi client required")
	}
	if tracker == nil {
		return nil, fmt.Errorf("tracker required")
	}
	return &generationService{
		log:     baseLog.With("service", "GenerationService"),
		gen:     gen,
		tracker: tracker,
	}, nil
}

func (s *generationService) Submit(ctx context.Context, conv *types.Conversation, jobType, prompt string) (string, error) {
	if conv == nil {
		return "", fmt.Errorf("conversation required")
	}
	if _, ok := s.tracker.Policy(jobType); !ok {
		return "", fmt.Errorf("unknown generation job type %q", jobType)
	}

	jobID, err := s.gen.Submit(ctx, jobType, prompt, nil)
	if err != nil {
		return "", fmt.Errorf("start %s job: %w", jobType, err)
	}

	metadata := map[string]string{
		"phone":  conv.Phone,
		"prompt": prompt,
	}
	// Policy default first-poll delay.
	if err := s.tracker.Submit(ctx, jobID, conv.ID.String(), jobType, metadata, -1); err != nil {
		// The remote job is running but untracked; recovery cannot see it
		// either, so surface loudly.
		s.log.Error("Job started remotely but tracking failed",
			"job_id", jobID,
			"job_type", jobType,
			"conversation_id", conv.ID,
			"error", err,
		)
		return "", fmt.Errorf("track %s job %s: %w", jobType, jobID, err)
	}

	s.log.Info("Generation job submitted",
		"job_id", jobID,
		"job_type", jobType,
		"conversation_id", conv.ID,
	)
	return jobID, nil
}

func (s *generationService) StatusCheck(ctx context.Context, jobID string) (orchestrator.StatusResult, error) {
	st, err := s.gen.Status(ctx, jobID)
	if err != nil {
		return orchestrator.StatusResult{}, err
	}
	switch st.State {
	case "completed":
		payload := st.Output
		if len(payload) == 0 && st.OutputURL != "" {
			payload = []byte(fmt.Sprintf(`{"output_url":%q}`, st.OutputURL))
		}
		return orchestrator.StatusResult{Status: orchestrator.StatusCompleted, Payload: payload}, nil
	case "failed":
		return orchestrator.StatusResult{Status: orchestrator.StatusFailed, Reason: st.Error}, nil
	case "not_found":
		return orchestrator.StatusResult{Status: orchestrator.StatusNotFound, Reason: "job not found on generation service"}, nil
	default:
		return orchestrator.StatusResult{Status: orchestrator.StatusProcessing}, nil
	}
}
