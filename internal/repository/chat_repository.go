package repository

import (
	"context"

	"github.com/shinyyama/farm-market-backend/internal/model"
)

// ChatRepository is the persistence contract of the chat service. Both the gorm
// and the pgx adapters implement it against the same schema.
type ChatRepository interface {
	// CreateConversation inserts the pair or, when another writer got there first,
	// returns the existing row. It never produces two rows for one pair.
	CreateConversation(ctx context.Context, buyerUID, farmerUID string) (*model.Conversation, error)
	FindConversation(ctx context.Context, buyerUID, farmerUID string) (*model.Conversation, error)
	FindConversationByID(ctx context.Context, id uint64) (*model.Conversation, error)
	// AppendMessage assigns ID and CreatedAt and bumps the conversation's last activity.
	AppendMessage(ctx context.Context, msg *model.Message) error
	ListMessages(ctx context.Context, convID uint64) ([]model.Message, error)
	ListConversationsWithSummary(ctx context.Context, uid string) ([]model.ConversationSummary, error)
	MarkRead(ctx context.Context, convID uint64, recipientUID string) (int64, error)
}
