package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rgonzalezclapps/micro-banana-wpp-sub001/internal/orchestrator"
	"github.com/rgonzalezclapps/micro-banana-wpp-sub001/internal/pkg/envutil"
	"github.com/rgonzalezclapps/micro-banana-wpp-sub001/internal/pkg/logger"
	"github.com/rgonzalezclapps/micro-banana-wpp-sub001/internal/repos"
	"github.com/rgonzalezclapps/micro-banana-wpp-sub001/internal/types"
)

// WebhookHandler receives WhatsApp Cloud API callbacks. Inbound messages are
// deduplicated by provider message id before they reach the conversation
// queue, since Meta redelivers on slow or failed acknowledgements.
type WebhookHandler struct {
	log         *logger.Logger
	convs       repos.ConversationRepo
	queue       *orchestrator.Queue
	dedup       *orchestrator.Dedup
	verifyToken string
}

func NewWebhookHandler(baseLog *logger.Logger, convs repos.ConversationRepo, queue *orchestrator.Queue, dedup *orchestrator.Dedup) (*WebhookHandler, error) {
	if baseLog == nil {
		return nil, fmt.Errorf("logger required")
	}
	if convs == nil || queue == nil || dedup == nil {
		return nil, fmt.Errorf("conversation repo, queue and dedup required")
	}
	return &WebhookHandler{
		log:         baseLog.With("handler", "WebhookHandler"),
		convs:       convs,
		queue:       queue,
		dedup:       dedup,
		verifyToken: envutil.String("WHATSAPP_VERIFY_TOKEN", ""),
	}, nil
}

// GET /webhook
// Meta's subscription handshake: echo hub.challenge when the token matches.
func (h *WebhookHandler) Verify(c *gin.Context) {
	mode := c.Query("hub.mode")
	token := c.Query("hub.verify_token")
	challenge := c.Query("hub.challenge")
	if mode != "subscribe" || token == "" || token != h.verifyToken {
		c.String(http.StatusForbidden, "verification failed")
		return
	}
	c.String(http.StatusOK, challenge)
}

type webhookPayload struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Contacts []struct {
					WaID    string `json:"wa_id"`
					Profile struct {
						Name string `json:"name"`
					} `json:"profile"`
				} `json:"contacts"`
				Messages []inboundMessage `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type inboundMessage struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      struct {
		Body string `json:"body"`
	} `json:"text"`
	Image struct {
		ID      string `json:"id"`
		Caption string `json:"caption"`
	} `json:"image"`
}

// POST /webhook
// Always answers 200 once the payload parses: a non-2xx makes Meta retry the
// whole delivery, and per-message problems are already handled by dedup.
func (h *WebhookHandler) Receive(c *gin.Context) {
	var payload webhookPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_payload", err)
		return
	}

	accepted := 0
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			names := map[string]string{}
			for _, contact := range change.Value.Contacts {
				names[contact.WaID] = contact.Profile.Name
			}
			for _, msg := range change.Value.Messages {
				if h.ingest(c, msg, names[msg.From]) {
					accepted++
				}
			}
		}
	}

	RespondOK(c, gin.H{"accepted": accepted})
}

func (h *WebhookHandler) ingest(c *gin.Context, msg inboundMessage, name string) bool {
	ctx := c.Request.Context()
	if msg.ID == "" || msg.From == "" {
		return false
	}
	if h.dedup.Seen(ctx, msg.ID) {
		h.log.Debug("Duplicate delivery dropped", "provider_message_id", msg.ID)
		return false
	}

	conv, err := h.convs.GetOrCreateByPhone(ctx, msg.From, name)
	if err != nil {
		h.log.Error("Could not resolve conversation", "phone", msg.From, "error", err)
		return false
	}

	item := types.Item{
		ID:         msg.ID,
		Kind:       msg.Type,
		Text:       msg.Text.Body,
		ReceivedAt: receivedAt(msg.Timestamp),
	}
	if msg.Type == "image" {
		item.Text = msg.Image.Caption
		item.Metadata = map[string]string{"media_id": msg.Image.ID}
	}

	if err := h.queue.Enqueue(ctx, conv.ID.String(), item); err != nil {
		h.log.Error("Enqueue failed", "conversation_id", conv.ID, "error", err)
		return false
	}
	return true
}

func receivedAt(ts string) time.Time {
	if unix, err := strconv.ParseInt(ts, 10, 64); err == nil && unix > 0 {
		return time.Unix(unix, 0)
	}
	return time.Now()
}
