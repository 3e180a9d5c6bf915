package repository

import (
	"context"

	"github.com/shinyyama/farm-market-backend/internal/model"
	"gorm.io/gorm"
)

// NotificationFilter narrows an inbox listing. A zero ConversationID spans
// every conversation.
type NotificationFilter struct {
	ConversationID uint64
	UnreadOnly     bool
	Limit          int
}

func (f NotificationFilter) limit() int {
	if f.Limit <= 0 || f.Limit > 50 {
		return 20
	}
	return f.Limit
}

type NotificationRepository interface {
	Create(ctx context.Context, n *model.Notification) error
	ListByUser(ctx context.Context, userUID string, f NotificationFilter) ([]model.Notification, error)
	MarkAllRead(ctx context.Context, userUID string) error
	MarkByConversation(ctx context.Context, userUID string, convID uint64) error
	CountUnread(ctx context.Context, userUID string, convID uint64) (int64, error)
}

type notificationRepository struct {
	db *gorm.DB
}

func NewNotificationRepository(db *gorm.DB) NotificationRepository {
	return &notificationRepository{db: db}
}

func (r *notificationRepository) Create(ctx context.Context, n *model.Notification) error {
	if r.db == nil {
		return ErrDBNotReady
	}
	return r.db.WithContext(ctx).Create(n).Error
}

func (r *notificationRepository) scope(ctx context.Context, userUID string, convID uint64, unreadOnly bool) *gorm.DB {
	q := r.db.WithContext(ctx).Model(&model.Notification{}).Where("user_uid = ?", userUID)
	if convID != 0 {
		q = q.Where("conversation_id = ?", convID)
	}
	if unreadOnly {
		q = q.Where("read_at IS NULL")
	}
	return q
}

func (r *notificationRepository) ListByUser(ctx context.Context, userUID string, f NotificationFilter) ([]model.Notification, error) {
	if r.db == nil {
		return nil, ErrDBNotReady
	}
	list := make([]model.Notification, 0)
	if err := r.scope(ctx, userUID, f.ConversationID, f.UnreadOnly).
		Order("created_at DESC").Order("id DESC").
		Limit(f.limit()).
		Find(&list).Error; err != nil {
		return nil, err
	}
	return list, nil
}

func (r *notificationRepository) MarkAllRead(ctx context.Context, userUID string) error {
	if r.db == nil {
		return ErrDBNotReady
	}
	return r.scope(ctx, userUID, 0, true).Update("read_at", r.db.NowFunc()).Error
}

func (r *notificationRepository) MarkByConversation(ctx context.Context, userUID string, convID uint64) error {
	if r.db == nil {
		return ErrDBNotReady
	}
	if convID == 0 {
		return nil
	}
	return r.scope(ctx, userUID, convID, true).Update("read_at", r.db.NowFunc()).Error
}

func (r *notificationRepository) CountUnread(ctx context.Context, userUID string, convID uint64) (int64, error) {
	if r.db == nil {
		return 0, ErrDBNotReady
	}
	var cnt int64
	if err := r.scope(ctx, userUID, convID, true).Count(&cnt).Error; err != nil {
		return 0, err
	}
	return cnt, nil
}
