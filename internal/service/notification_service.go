package service

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/shinyyama/farm-market-backend/internal/model"
	"github.com/shinyyama/farm-market-backend/internal/repository"
)

const previewLength = 80

type NotificationService interface {
	NotifyNewMessage(ctx context.Context, msg model.Message) error
	// List returns the inbox page and the unread count under the same
	// conversation scope.
	List(ctx context.Context, userUID string, f repository.NotificationFilter) ([]model.Notification, int64, error)
	UnreadCount(ctx context.Context, userUID string, convID uint64) (int64, error)
	MarkAllRead(ctx context.Context, userUID string) error
	MarkByConversation(ctx context.Context, userUID string, convID uint64) error
}

type notificationService struct {
	repo repository.NotificationRepository
}

func NewNotificationService(repo repository.NotificationRepository) NotificationService {
	return &notificationService{repo: repo}
}

func (s *notificationService) NotifyNewMessage(ctx context.Context, msg model.Message) error {
	if msg.RecipientUID == "" || msg.ID == 0 {
		return nil
	}
	convID, msgID := msg.ConversationID, msg.ID
	n := &model.Notification{
		UserUID:        msg.RecipientUID,
		Type:           model.NotificationTypeNewMessage,
		Title:          "New message",
		Body:           preview(msg),
		ConversationID: &convID,
		MessageID:      &msgID,
	}
	return s.repo.Create(ctx, n)
}

func (s *notificationService) List(ctx context.Context, userUID string, f repository.NotificationFilter) ([]model.Notification, int64, error) {
	if userUID == "" {
		return []model.Notification{}, 0, nil
	}
	list, err := s.repo.ListByUser(ctx, userUID, f)
	if err != nil {
		return nil, 0, err
	}
	cnt, err := s.repo.CountUnread(ctx, userUID, f.ConversationID)
	if err != nil {
		return nil, 0, err
	}
	return list, cnt, nil
}

func (s *notificationService) UnreadCount(ctx context.Context, userUID string, convID uint64) (int64, error) {
	if userUID == "" {
		return 0, nil
	}
	return s.repo.CountUnread(ctx, userUID, convID)
}

func (s *notificationService) MarkAllRead(ctx context.Context, userUID string) error {
	if userUID == "" {
		return nil
	}
	return s.repo.MarkAllRead(ctx, userUID)
}

func (s *notificationService) MarkByConversation(ctx context.Context, userUID string, convID uint64) error {
	if userUID == "" || convID == 0 {
		return nil
	}
	return s.repo.MarkByConversation(ctx, userUID, convID)
}

func preview(msg model.Message) string {
	if msg.Kind == model.MessageKindImage {
		return "Sent a photo"
	}
	if utf8.RuneCountInString(msg.Content) <= previewLength {
		return msg.Content
	}
	return string([]rune(msg.Content)[:previewLength]) + "…"
}

// withShortDeadline bounds side work so it never holds up the main flow.
func withShortDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, 2*time.Second)
}
