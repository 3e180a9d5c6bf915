package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shinyyama/farm-market-backend/internal/logging"
	"github.com/shinyyama/farm-market-backend/internal/model"
	"github.com/shinyyama/farm-market-backend/internal/queue"
	"github.com/shinyyama/farm-market-backend/internal/repository"
)

type fakeQueue struct {
	mu       sync.Mutex
	tasks    []queue.Task
	opts     []queue.EnqueueOption
	err      error
	handlers map[string]queue.Handler
}

func (q *fakeQueue) Enqueue(_ context.Context, t queue.Task, opts ...queue.EnqueueOption) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return "", q.err
	}
	q.tasks = append(q.tasks, t)
	q.opts = append(q.opts, opts...)
	return "task-1", nil
}

func (q *fakeQueue) Close() error { return nil }

func (q *fakeQueue) Register(taskType string, h queue.Handler) {
	if q.handlers == nil {
		q.handlers = map[string]queue.Handler{}
	}
	q.handlers[taskType] = h
}

func (q *fakeQueue) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

type fakeNotifications struct {
	mu      sync.Mutex
	got     []model.Message
	done    chan struct{}
	markErr error
}

func newFakeNotifications() *fakeNotifications {
	return &fakeNotifications{done: make(chan struct{}, 8)}
}

func (f *fakeNotifications) NotifyNewMessage(_ context.Context, msg model.Message) error {
	f.mu.Lock()
	f.got = append(f.got, msg)
	f.mu.Unlock()
	f.done <- struct{}{}
	return nil
}

func (f *fakeNotifications) List(context.Context, string, repository.NotificationFilter) ([]model.Notification, int64, error) {
	return nil, 0, nil
}
func (f *fakeNotifications) UnreadCount(context.Context, string, uint64) (int64, error) { return 0, nil }
func (f *fakeNotifications) MarkAllRead(context.Context, string) error                  { return nil }
func (f *fakeNotifications) MarkByConversation(context.Context, string, uint64) error {
	return f.markErr
}

func TestDispatcherEnqueuesAndWorkerNotifies(t *testing.T) {
	q := &fakeQueue{}
	notes := newFakeNotifications()
	d := NewNotificationDispatcher(notes, q, logging.Discard())
	RegisterNotifyTask(q, notes)

	msg := model.Message{ID: 9, ConversationID: 3, SenderUID: "b", RecipientUID: "f", Content: "hi", Kind: model.MessageKindText}
	d.MessageDelivered(context.Background(), msg)

	if len(q.tasks) != 1 || q.tasks[0].Type != NotifyRecipientTaskType || q.opts[0].Queue != NotifyQueue {
		t.Fatalf("tasks=%+v opts=%+v", q.tasks, q.opts)
	}
	h := q.handlers[NotifyRecipientTaskType]
	if h == nil {
		t.Fatalf("handler not registered")
	}
	if err := h(context.Background(), q.tasks[0]); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(notes.got) != 1 || notes.got[0] != msg {
		t.Fatalf("notified=%+v", notes.got)
	}
}

func TestDispatcherFallsBackInline(t *testing.T) {
	q := &fakeQueue{err: errors.New("redis down")}
	notes := newFakeNotifications()
	d := NewNotificationDispatcher(notes, q, logging.Discard())

	d.MessageDelivered(context.Background(), model.Message{ID: 1, ConversationID: 1, RecipientUID: "f"})
	select {
	case <-notes.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("inline notify did not run")
	}
}

func TestNotifyTaskRejectsBadPayload(t *testing.T) {
	q := &fakeQueue{}
	RegisterNotifyTask(q, newFakeNotifications())
	if err := q.handlers[NotifyRecipientTaskType](context.Background(), queue.Task{Type: NotifyRecipientTaskType, Payload: []byte("{")}); err == nil {
		t.Fatalf("expected decode error")
	}
}
