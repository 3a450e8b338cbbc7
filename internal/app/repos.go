package app

import (
	"gorm.io/gorm"

	"github.com/rgonzalezclapps/micro-banana-wpp-sub001/internal/pkg/logger"
	"github.com/rgonzalezclapps/micro-banana-wpp-sub001/internal/repos"
)

type Repos struct {
	Conversation repos.ConversationRepo
	MessageLog   repos.MessageLogRepo
}

func wireRepos(db *gorm.DB, log *logger.Logger) Repos {
	log.Info("Wiring repos...")
	return Repos{
		Conversation: repos.NewConversationRepo(db, log),
		MessageLog:   repos.NewMessageLogRepo(db, log),
	}
}
