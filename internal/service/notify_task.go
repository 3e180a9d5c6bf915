package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shinyyama/farm-market-backend/internal/model"
	"github.com/shinyyama/farm-market-backend/internal/queue"
	"github.com/sirupsen/logrus"
)

const (
	NotifyRecipientTaskType = "chat:notify_recipient"
	NotifyQueue             = "chat"
)

// notifyPayload is the queue wire shape of a delivered message.
type notifyPayload struct {
	MessageID      uint64 `json:"messageId"`
	ConversationID uint64 `json:"conversationId"`
	SenderID       string `json:"senderId"`
	RecipientID    string `json:"recipientId"`
	Kind           string `json:"kind"`
	Content        string `json:"content"`
}

// Notifier fans a durable message out to the recipient's notification inbox.
type Notifier interface {
	MessageDelivered(ctx context.Context, msg model.Message)
}

// NotificationDispatcher enqueues notify tasks when a queue is configured and
// falls back to writing the notification inline, best-effort.
type NotificationDispatcher struct {
	svc NotificationService
	q   queue.Client
	log *logrus.Logger
}

func NewNotificationDispatcher(svc NotificationService, q queue.Client, log *logrus.Logger) *NotificationDispatcher {
	if log == nil {
		log = logrus.New()
	}
	return &NotificationDispatcher{svc: svc, q: q, log: log}
}

func (d *NotificationDispatcher) MessageDelivered(ctx context.Context, msg model.Message) {
	if d == nil || d.svc == nil {
		return
	}
	if d.q != nil {
		b, err := json.Marshal(notifyPayload{
			MessageID:      msg.ID,
			ConversationID: msg.ConversationID,
			SenderID:       msg.SenderUID,
			RecipientID:    msg.RecipientUID,
			Kind:           string(msg.Kind),
			Content:        msg.Content,
		})
		if err == nil {
			qctx, cancel := withShortDeadline(ctx)
			_, err = d.q.Enqueue(qctx, queue.Task{Type: NotifyRecipientTaskType, Payload: b},
				queue.EnqueueOption{Queue: NotifyQueue, MaxRetry: 5})
			cancel()
			if err == nil {
				return
			}
		}
		d.log.WithField("message", msg.ID).Warnf("enqueue notify task failed, notifying inline: %v", err)
	}
	go func() {
		nctx, cancel := withShortDeadline(context.Background())
		defer cancel()
		if err := d.svc.NotifyNewMessage(nctx, msg); err != nil {
			d.log.WithField("message", msg.ID).Warnf("notify recipient failed: %v", err)
		}
	}()
}

// RegisterNotifyTask binds the notify handler to a worker server.
func RegisterNotifyTask(srv queue.Server, svc NotificationService) {
	srv.Register(NotifyRecipientTaskType, func(ctx context.Context, t queue.Task) error {
		var p notifyPayload
		if err := json.Unmarshal(t.Payload, &p); err != nil {
			return fmt.Errorf("decode notify payload: %w", err)
		}
		return svc.NotifyNewMessage(ctx, model.Message{
			ID:             p.MessageID,
			ConversationID: p.ConversationID,
			SenderUID:      p.SenderID,
			RecipientUID:   p.RecipientID,
			Kind:           model.MessageKind(p.Kind),
			Content:        p.Content,
		})
	})
}
