package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Conversation is one WhatsApp chat with the bot, keyed by phone number.
// Credits gate processing: a turn is only admitted while Credits > 0.
type Conversation struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey;default:uuid_generate_v4()" json:"id"`
	Phone     string    `gorm:"uniqueIndex;not null" json:"phone"`
	Name      string    `json:"name"`
	Credits   int       `gorm:"not null;default:0" json:"credits"`
	Status    string    `gorm:"not null;default:'active'" json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type MessageDirection string

const (
	MessageInbound  MessageDirection = "inbound"
	MessageOutbound MessageDirection = "outbound"
)

// MessageLog is the audit trail of everything received or sent per
// conversation. The turn processor reads recent rows to build LLM context.
type MessageLog struct {
	ID                uuid.UUID        `gorm:"type:uuid;primaryKey;default:uuid_generate_v4()" json:"id"`
	ConversationID    uuid.UUID        `gorm:"type:uuid;index;not null" json:"conversation_id"`
	Direction         MessageDirection `gorm:"not null" json:"direction"`
	Body              string           `json:"body"`
	ProviderMessageID string           `gorm:"index" json:"provider_message_id"`
	Metadata          datatypes.JSON   `json:"metadata,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
}
