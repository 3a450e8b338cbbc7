package repos

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/rgonzalezclapps/micro-banana-wpp-sub001/internal/pkg/logger"
	"github.com/rgonzalezclapps/micro-banana-wpp-sub001/internal/types"
)

type MessageLogRepo interface {
	Create(ctx context.Context, msg *types.MessageLog) error
	// ListRecent returns up to limit messages for the conversation, oldest
	// first, suitable for building LLM context.
	ListRecent(ctx context.Context, conversationID uuid.UUID, limit int) ([]*types.MessageLog, error)
}

type messageLogRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewMessageLogRepo(db *gorm.DB, baseLog *logger.Logger) MessageLogRepo {
	return &messageLogRepo{
		db:  db,
		log: baseLog.With("repo", "MessageLogRepo"),
	}
}

func (r *messageLogRepo) Create(ctx context.Context, msg *types.MessageLog) error {
	return r.db.WithContext(ctx).Create(msg).Error
}

func (r *messageLogRepo) ListRecent(ctx context.Context, conversationID uuid.UUID, limit int) ([]*types.MessageLog, error) {
	if limit <= 0 {
		limit = 20
	}
	var out []*types.MessageLog
	err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	// Reverse into chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
