package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shinyyama/farm-market-backend/internal/logging"
	"github.com/shinyyama/farm-market-backend/internal/model"
)

type activity struct {
	convID       uint64
	participants []string
}

type recordingPublisher struct {
	mu    sync.Mutex
	msgs  []model.Message
	hints []activity
	err   error
}

func (p *recordingPublisher) PublishMessage(_ context.Context, msg model.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, msg)
	return nil
}

func (p *recordingPublisher) PublishActivity(_ context.Context, convID uint64, participants []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.hints = append(p.hints, activity{convID, participants})
	return nil
}

func (p *recordingPublisher) hinted() []activity {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]activity(nil), p.hints...)
}

func (p *recordingPublisher) published() []model.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]model.Message(nil), p.msgs...)
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []model.Message
}

func (n *recordingNotifier) MessageDelivered(_ context.Context, msg model.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msg)
}

func newTestCoordinator(t *testing.T) (*DeliveryCoordinator, *memRepo, *recordingPublisher, *recordingNotifier, *model.Conversation) {
	t.Helper()
	repo := newMemRepo()
	convs := NewConversationService(repo, nil, logging.Discard())
	cv, err := convs.GetOrCreate(context.Background(), "buyer-b", "farmer-f")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	pub := &recordingPublisher{}
	notifier := &recordingNotifier{}
	return NewDeliveryCoordinator(convs, pub, notifier, logging.Discard()), repo, pub, notifier, cv
}

func TestDeliverPersistsThenPublishes(t *testing.T) {
	d, repo, pub, notifier, cv := newTestCoordinator(t)

	out, err := d.Deliver(context.Background(), cv.ID, "buyer-b", TextContent{Text: "Are the tomatoes fresh?"})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if !out.Published {
		t.Fatalf("not published")
	}
	got := pub.published()
	if len(got) != 1 || got[0].ID != out.Message.ID || got[0].RecipientUID != "farmer-f" {
		t.Fatalf("published=%+v", got)
	}
	if len(repo.msgs) != 1 || repo.msgs[0].ID != got[0].ID {
		t.Fatalf("published message is not durable")
	}
	if len(notifier.msgs) != 1 {
		t.Fatalf("notified=%d", len(notifier.msgs))
	}
}

func TestDeliverDoesNotPublishOnPersistFailure(t *testing.T) {
	d, repo, pub, notifier, cv := newTestCoordinator(t)
	repo.appendErr = errDiskFull

	if _, err := d.Deliver(context.Background(), cv.ID, "buyer-b", TextContent{Text: "hi"}); !errors.Is(err, ErrMessageDeliveryFailed) {
		t.Fatalf("err=%v", err)
	}
	if len(pub.published()) != 0 || len(notifier.msgs) != 0 {
		t.Fatalf("side effects after failed persist")
	}
}

func TestDeliverRejectsOutsider(t *testing.T) {
	d, repo, pub, _, cv := newTestCoordinator(t)
	if _, err := d.Deliver(context.Background(), cv.ID, "mallory", TextContent{Text: "hi"}); !errors.Is(err, ErrNotAParticipant) {
		t.Fatalf("err=%v", err)
	}
	if len(repo.msgs) != 0 || len(pub.published()) != 0 {
		t.Fatalf("outsider message leaked")
	}
}

func TestDeliverPublishFailureKeepsMessage(t *testing.T) {
	d, repo, pub, _, cv := newTestCoordinator(t)
	pub.err = errors.New("bus down")

	out, err := d.Deliver(context.Background(), cv.ID, "farmer-f", TextContent{Text: "hi"})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if out.Published {
		t.Fatalf("published flag set on failure")
	}
	if len(repo.msgs) != 1 {
		t.Fatalf("msgs=%d", len(repo.msgs))
	}
}

func TestPersistFallbackDoesNotPublish(t *testing.T) {
	d, repo, pub, notifier, cv := newTestCoordinator(t)

	msg, err := d.Persist(context.Background(), cv.ID, "buyer-b", TextContent{Text: "offline hello"})
	if err != nil {
		t.Fatalf("persist: %v", err)
	}
	if len(pub.published()) != 0 {
		t.Fatalf("fallback published")
	}
	hints := pub.hinted()
	if len(hints) != 1 || hints[0].convID != cv.ID || len(hints[0].participants) != 2 ||
		hints[0].participants[0] != "buyer-b" || hints[0].participants[1] != "farmer-f" {
		t.Fatalf("activity hints=%+v", hints)
	}
	if len(repo.msgs) != 1 || repo.msgs[0].ID != msg.ID || msg.RecipientUID != "farmer-f" {
		t.Fatalf("msgs=%+v", repo.msgs)
	}
	if len(notifier.msgs) != 1 {
		t.Fatalf("notified=%d", len(notifier.msgs))
	}
}

func TestDeliverPublishOrderMatchesLogOrder(t *testing.T) {
	d, repo, pub, _, cv := newTestCoordinator(t)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sender := "buyer-b"
			if i%2 == 1 {
				sender = "farmer-f"
			}
			if _, err := d.Deliver(context.Background(), cv.ID, sender, TextContent{Text: time.Duration(i).String()}); err != nil {
				t.Errorf("deliver %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	got := pub.published()
	logged, _ := repo.ListMessages(context.Background(), cv.ID)
	if len(got) != len(logged) {
		t.Fatalf("published %d logged %d", len(got), len(logged))
	}
	for i := range got {
		if got[i].ID != logged[i].ID {
			t.Fatalf("pos %d: published %d logged %d", i, got[i].ID, logged[i].ID)
		}
	}
}

func TestPersistKeepsMessageWhenHintFails(t *testing.T) {
	d, repo, pub, notifier, cv := newTestCoordinator(t)
	pub.err = errors.New("redis down")

	msg, err := d.Persist(context.Background(), cv.ID, "farmer-f", TextContent{Text: "picked this morning"})
	if err != nil {
		t.Fatalf("persist: %v", err)
	}
	if len(repo.msgs) != 1 || repo.msgs[0].ID != msg.ID || msg.RecipientUID != "buyer-b" {
		t.Fatalf("msgs=%+v", repo.msgs)
	}
	if len(notifier.msgs) != 1 {
		t.Fatalf("notified=%d", len(notifier.msgs))
	}
}
