package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/rgonzalezclapps/micro-banana-wpp-sub001/internal/clients/whatsapp"
	"github.com/rgonzalezclapps/micro-banana-wpp-sub001/internal/pkg/logger"
	"github.com/rgonzalezclapps/micro-banana-wpp-sub001/internal/repos"
	"github.com/rgonzalezclapps/micro-banana-wpp-sub001/internal/types"
)

// JobNotifier delivers generation job outcomes back into the conversation.
// Implements orchestrator.Dispatcher.
type JobNotifier struct {
	log  *logger.Logger
	wa   whatsapp.Client
	msgs repos.MessageLogRepo
}

func NewJobNotifier(baseLog *logger.Logger, wa whatsapp.Client, msgs repos.MessageLogRepo) (*JobNotifier, error) {
	if baseLog == nil {
		return nil, fmt.Errorf("logger required")
	}
	if wa == nil {
		return nil, fmt.Errorf("whatsapp client required")
	}
	return &JobNotifier{
		log:  baseLog.With("service", "JobNotifier"),
		wa:   wa,
		msgs: msgs,
	}, nil
}

type successPayload struct {
	OutputURL string `json:"output_url"`
}

func (n *JobNotifier) OnSuccess(ctx context.Context, job *types.AsyncJob, payload json.RawMessage) {
	phone := job.Metadata["phone"]
	if phone == "" {
		n.log.Warn("Job has no phone in metadata, outcome not delivered", "job_id", job.JobID)
		return
	}

	var p successPayload
	_ = json.Unmarshal(payload, &p)

	var msg *whatsapp.Message
	var err error
	switch {
	case p.OutputURL != "" && (job.JobType == "image" || job.JobType == "video"):
		msg, err = n.wa.SendMediaLink(ctx, phone, job.JobType, p.OutputURL, "")
	case p.OutputURL != "":
		msg, err = n.wa.SendText(ctx, phone, "Listo! Aquí está tu resultado: "+p.OutputURL)
	default:
		msg, err = n.wa.SendText(ctx, phone, "Listo! Tu "+jobTypeLabel(job.JobType)+" está terminado.")
	}
	if err != nil {
		n.log.Error("Could not deliver job result", "job_id", job.JobID, "error", err)
		return
	}
	n.record(ctx, job, msg, "job result delivered")
}

func (n *JobNotifier) OnFailure(ctx context.Context, job *types.AsyncJob, reason string) {
	phone := job.Metadata["phone"]
	if phone == "" {
		n.log.Warn("Job has no phone in metadata, failure not delivered",
			"job_id", job.JobID, "reason", reason)
		return
	}
	body := "Lo siento, tu " + jobTypeLabel(job.JobType) + " no pudo completarse. Intenta de nuevo."
	msg, err := n.wa.SendText(ctx, phone, body)
	if err != nil {
		n.log.Error("Could not deliver job failure", "job_id", job.JobID, "reason", reason, "error", err)
		return
	}
	n.record(ctx, job, msg, "job failure delivered")
}

func (n *JobNotifier) record(ctx context.Context, job *types.AsyncJob, msg *whatsapp.Message, what string) {
	n.log.Info(what, "job_id", job.JobID, "job_type", job.JobType, "owner", job.Owner)
	if n.msgs == nil {
		return
	}
	convID, err := uuid.Parse(job.Owner)
	if err != nil {
		return
	}
	entry := &types.MessageLog{
		ConversationID: convID,
		Direction:      types.MessageOutbound,
		Body:           what,
	}
	if msg != nil {
		entry.ProviderMessageID = msg.ID
	}
	if err := n.msgs.Create(ctx, entry); err != nil {
		n.log.Warn("Could not log outbound message", "job_id", job.JobID, "error", err)
	}
}

func jobTypeLabel(jobType string) string {
	switch jobType {
	case "image":
		return "imagen"
	case "video":
		return "video"
	case "website":
		return "sitio web"
	}
	return "trabajo"
}
