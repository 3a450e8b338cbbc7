package repos

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	errs "github.com/rgonzalezclapps/micro-banana-wpp-sub001/internal/pkg/errors"
	"github.com/rgonzalezclapps/micro-banana-wpp-sub001/internal/pkg/logger"
	"github.com/rgonzalezclapps/micro-banana-wpp-sub001/internal/types"
)

type ConversationRepo interface {
	GetByID(ctx context.Context, id uuid.UUID) (*types.Conversation, error)
	GetOrCreateByPhone(ctx context.Context, phone, name string) (*types.Conversation, error)
	AddCredits(ctx context.Context, id uuid.UUID, delta int) error
	// ConsumeCredit decrements one credit iff the balance is positive,
	// reporting whether it did. Single conditional UPDATE, safe under
	// concurrent turns.
	ConsumeCredit(ctx context.Context, id uuid.UUID) (bool, error)
}

type conversationRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewConversationRepo(db *gorm.DB, baseLog *logger.Logger) ConversationRepo {
	return &conversationRepo{
		db:  db,
		log: baseLog.With("repo", "ConversationRepo"),
	}
}

func (r *conversationRepo) GetByID(ctx context.Context, id uuid.UUID) (*types.Conversation, error) {
	var conv types.Conversation
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

func (r *conversationRepo) GetOrCreateByPhone(ctx context.Context, phone, name string) (*types.Conversation, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return nil, errs.ErrInvalidArgument
	}
	var conv types.Conversation
	err := r.db.WithContext(ctx).Where("phone = ?", phone).First(&conv).Error
	if err == nil {
		return &conv, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	conv = types.Conversation{Phone: phone, Name: name, Status: "active"}
	if err := r.db.WithContext(ctx).Create(&conv).Error; err != nil {
		return nil, err
	}
	r.log.Info("Conversation created", "conversation_id", conv.ID, "phone", phone)
	return &conv, nil
}

func (r *conversationRepo) AddCredits(ctx context.Context, id uuid.UUID, delta int) error {
	if delta <= 0 {
		return errs.ErrInvalidArgument
	}
	res := r.db.WithContext(ctx).Model(&types.Conversation{}).
		Where("id = ?", id).
		UpdateColumn("credits", gorm.Expr("credits + ?", delta))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errs.ErrNotFound
	}
	return nil
}

func (r *conversationRepo) ConsumeCredit(ctx context.Context, id uuid.UUID) (bool, error) {
	res := r.db.WithContext(ctx).Model(&types.Conversation{}).
		Where("id = ? AND credits > 0", id).
		UpdateColumn("credits", gorm.Expr("credits - 1"))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
