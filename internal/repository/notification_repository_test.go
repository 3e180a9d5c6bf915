package repository

import (
	"context"
	"testing"

	"github.com/shinyyama/farm-market-backend/internal/model"
)

func seedNotifications(t *testing.T, repo NotificationRepository, uid string, convIDs ...uint64) {
	t.Helper()
	for i, convID := range convIDs {
		convID, msgID := convID, uint64(i+1)
		n := &model.Notification{
			UserUID:        uid,
			Type:           model.NotificationTypeNewMessage,
			Title:          "New message",
			Body:           "Are the tomatoes fresh?",
			ConversationID: &convID,
			MessageID:      &msgID,
		}
		if err := repo.Create(context.Background(), n); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
}

func TestNotificationFilterAndClear(t *testing.T) {
	repo := NewNotificationRepository(newTestDB(t))
	ctx := context.Background()
	seedNotifications(t, repo, "farmer-1", 1, 1, 2)
	seedNotifications(t, repo, "farmer-2", 1)

	tests := []struct {
		name string
		f    NotificationFilter
		want int
	}{
		{"all", NotificationFilter{}, 3},
		{"one conversation", NotificationFilter{ConversationID: 1}, 2},
		{"limit", NotificationFilter{Limit: 1}, 1},
		{"unknown conversation", NotificationFilter{ConversationID: 9}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			list, err := repo.ListByUser(ctx, "farmer-1", tt.f)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(list) != tt.want {
				t.Fatalf("got %d want %d", len(list), tt.want)
			}
		})
	}

	if err := repo.MarkByConversation(ctx, "farmer-1", 1); err != nil {
		t.Fatalf("mark conversation: %v", err)
	}
	if n, _ := repo.CountUnread(ctx, "farmer-1", 0); n != 1 {
		t.Fatalf("unread after clearing conversation 1: %d", n)
	}
	if n, _ := repo.CountUnread(ctx, "farmer-1", 1); n != 0 {
		t.Fatalf("conversation 1 unread: %d", n)
	}
	if n, _ := repo.CountUnread(ctx, "farmer-2", 1); n != 1 {
		t.Fatalf("other user's inbox touched: %d", n)
	}
	unread, _ := repo.ListByUser(ctx, "farmer-1", NotificationFilter{UnreadOnly: true})
	if len(unread) != 1 || *unread[0].ConversationID != 2 {
		t.Fatalf("unread=%+v", unread)
	}

	if err := repo.MarkAllRead(ctx, "farmer-1"); err != nil {
		t.Fatalf("mark all: %v", err)
	}
	if n, _ := repo.CountUnread(ctx, "farmer-1", 0); n != 0 {
		t.Fatalf("unread after mark all: %d", n)
	}
}
