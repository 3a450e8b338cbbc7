package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/rgonzalezclapps/micro-banana-wpp-sub001/internal/clients/llm"
	"github.com/rgonzalezclapps/micro-banana-wpp-sub001/internal/clients/whatsapp"
	"github.com/rgonzalezclapps/micro-banana-wpp-sub001/internal/pkg/logger"
	"github.com/rgonzalezclapps/micro-banana-wpp-sub001/internal/repos"
	"github.com/rgonzalezclapps/micro-banana-wpp-sub001/internal/types"
)

const defaultSystemPrompt = "Eres un asistente creativo por WhatsApp. Responde breve y útil. " +
	"Los comandos /imagen, /video y /web inician generaciones que tardan varios minutos."

const historyWindow = 20

// TurnService is the processing callback behind the conversation queue: one
// invocation handles one admitted batch of inbound items. It must not commit
// an externally visible side effect after ctx is canceled; effects already
// committed before cancellation stand.
type TurnService struct {
	log    *logger.Logger
	convs  repos.ConversationRepo
	msgs   repos.MessageLogRepo
	llm    llm.Client
	wa     whatsapp.Client
	gen    GenerationService
	system string
}

func NewTurnService(baseLog *logger.Logger, convs repos.ConversationRepo, msgs repos.MessageLogRepo, llmClient llm.Client, wa whatsapp.Client, gen GenerationService) (*TurnService, error) {
	if baseLog == nil {
		return nil, fmt.Errorf("logger required")
	}
	if convs == nil || msgs == nil {
		return nil, fmt.Errorf("repos required")
	}
	if llmClient == nil || wa == nil || gen == nil {
		return nil, fmt.Errorf("llm, whatsapp and generation clients required")
	}
	return &TurnService{
		log:    baseLog.With("service", "TurnService"),
		convs:  convs,
		msgs:   msgs,
		llm:    llmClient,
		wa:     wa,
		gen:    gen,
		system: defaultSystemPrompt,
	}, nil
}

// Process implements orchestrator.Callback.
func (s *TurnService) Process(ctx context.Context, conversationID string, items []types.Item) error {
	convID, err := uuid.Parse(conversationID)
	if err != nil {
		return fmt.Errorf("bad conversation id %q: %w", conversationID, err)
	}
	conv, err := s.convs.GetByID(ctx, convID)
	if err != nil {
		return fmt.Errorf("load conversation %s: %w", conversationID, err)
	}

	for _, item := range items {
		s.logInbound(ctx, convID, item)
	}

	ok, err := s.convs.ConsumeCredit(ctx, convID)
	if err != nil {
		return fmt.Errorf("consume credit: %w", err)
	}
	if !ok {
		return s.reply(ctx, conv, "Te quedaste sin créditos. Recarga para seguir usando el bot.")
	}

	commands, freeText := splitCommands(items)

	for _, cmd := range commands {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		jobID, err := s.gen.Submit(ctx, conv, cmd.jobType, cmd.prompt)
		if err != nil {
			s.log.Error("Generation submit failed",
				"conversation_id", conversationID,
				"job_type", cmd.jobType,
				"error", err,
			)
			if rerr := s.reply(ctx, conv, "No pude iniciar tu "+jobTypeLabel(cmd.jobType)+", intenta de nuevo."); rerr != nil {
				return rerr
			}
			continue
		}
		ack := "Tu " + jobTypeLabel(cmd.jobType) + " está en camino, te aviso cuando esté listo."
		if err := s.reply(ctx, conv, ack); err != nil {
			return err
		}
		s.log.Debug("Generation acknowledged", "conversation_id", conversationID, "job_id", jobID)
	}

	if freeText == "" {
		return nil
	}

	history, err := s.msgs.ListRecent(ctx, convID, historyWindow)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	messages := make([]llm.Message, 0, len(history)+1)
	for _, m := range history {
		role := "user"
		if m.Direction == types.MessageOutbound {
			role = "assistant"
		}
		messages = append(messages, llm.Message{Role: role, Content: m.Body})
	}
	messages = append(messages, llm.Message{Role: "user", Content: freeText})

	answer, err := s.llm.Complete(ctx, s.system, messages)
	if err != nil {
		return fmt.Errorf("llm turn: %w", err)
	}
	return s.reply(ctx, conv, answer)
}

// reply gates on cancellation right before the send: this is the last point
// where aborting a superseded run is still side-effect free.
func (s *TurnService) reply(ctx context.Context, conv *types.Conversation, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := s.wa.SendText(ctx, conv.Phone, body)
	if err != nil {
		return fmt.Errorf("send reply: %w", err)
	}
	entry := &types.MessageLog{
		ConversationID:    conv.ID,
		Direction:         types.MessageOutbound,
		Body:              body,
		ProviderMessageID: msg.ID,
	}
	if err := s.msgs.Create(ctx, entry); err != nil {
		s.log.Warn("Could not log outbound message", "conversation_id", conv.ID, "error", err)
	}
	return nil
}

func (s *TurnService) logInbound(ctx context.Context, convID uuid.UUID, item types.Item) {
	entry := &types.MessageLog{
		ConversationID:    convID,
		Direction:         types.MessageInbound,
		Body:              item.Text,
		ProviderMessageID: item.ID,
	}
	if err := s.msgs.Create(ctx, entry); err != nil {
		s.log.Warn("Could not log inbound message", "conversation_id", convID, "error", err)
	}
}

type genCommand struct {
	jobType string
	prompt  string
}

// splitCommands separates generation commands from conversational text,
// preserving item order within each group.
func splitCommands(items []types.Item) ([]genCommand, string) {
	var commands []genCommand
	var lines []string
	for _, item := range items {
		text := strings.TrimSpace(item.Text)
		lower := strings.ToLower(text)
		switch {
		case strings.HasPrefix(lower, "/imagen "), strings.HasPrefix(lower, "/image "):
			commands = append(commands, genCommand{jobType: "image", prompt: text[strings.Index(text, " ")+1:]})
		case strings.HasPrefix(lower, "/video "):
			commands = append(commands, genCommand{jobType: "video", prompt: text[strings.Index(text, " ")+1:]})
		case strings.HasPrefix(lower, "/web "), strings.HasPrefix(lower, "/site "):
			commands = append(commands, genCommand{jobType: "website", prompt: text[strings.Index(text, " ")+1:]})
		case text != "":
			lines = append(lines, text)
		}
	}
	return commands, strings.Join(lines, "\n")
}
