package chatclient

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shinyyama/farm-market-backend/internal/logging"
	"github.com/shinyyama/farm-market-backend/internal/model"
)

type countingFetcher struct {
	calls   atomic.Int32
	block   chan struct{}
	err     error
	mu      sync.Mutex
	summary []model.ConversationSummary
}

func (f *countingFetcher) ListConversations(ctx context.Context) ([]model.ConversationSummary, error) {
	n := f.calls.Add(1)
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]model.ConversationSummary(nil), f.summary...)
	if len(out) > 0 {
		out[0].UnreadCount = int64(n)
	}
	return out, nil
}

func summaries() []model.ConversationSummary {
	return []model.ConversationSummary{{Conversation: model.Conversation{ID: 7}, LastMessage: "Yes, picked today!"}}
}

func TestAggregatorRefreshReplacesList(t *testing.T) {
	f := &countingFetcher{summary: summaries()}
	var got []model.ConversationSummary
	agg := NewAggregator(f, AggregatorOptions{OnUpdate: func(l []model.ConversationSummary) { got = l }}, logging.Discard())

	list, err := agg.Refresh(context.Background())
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if len(list) != 1 || list[0].UnreadCount != 1 || len(got) != 1 {
		t.Fatalf("list=%+v update=%+v", list, got)
	}
	f.mu.Lock()
	f.summary = nil
	f.mu.Unlock()
	if _, err := agg.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if n := len(agg.Summaries()); n != 0 {
		t.Fatalf("list not replaced, len=%d", n)
	}
	if agg.UpdatedAt().IsZero() {
		t.Fatalf("updated time not set")
	}
}

func TestAggregatorRefreshErrorKeepsList(t *testing.T) {
	f := &countingFetcher{summary: summaries()}
	agg := NewAggregator(f, AggregatorOptions{}, logging.Discard())
	if _, err := agg.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	f.err = errors.New("503")
	if _, err := agg.Refresh(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	if n := len(agg.Summaries()); n != 1 {
		t.Fatalf("list dropped on error, len=%d", n)
	}
}

func TestAggregatorConcurrentRefreshSharesFetch(t *testing.T) {
	f := &countingFetcher{summary: summaries(), block: make(chan struct{})}
	agg := NewAggregator(f, AggregatorOptions{}, logging.Discard())

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := agg.Refresh(context.Background()); err != nil {
				t.Errorf("refresh: %v", err)
			}
		}()
	}
	deadline := time.Now().Add(2 * time.Second)
	for f.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	close(f.block)
	wg.Wait()
	if n := f.calls.Load(); n != 1 {
		t.Fatalf("fetches=%d, want 1", n)
	}
}

func TestAggregatorTriggerDebounces(t *testing.T) {
	f := &countingFetcher{summary: summaries()}
	updates := make(chan struct{}, 10)
	agg := NewAggregator(f, AggregatorOptions{
		Debounce: 40 * time.Millisecond,
		OnUpdate: func([]model.ConversationSummary) { updates <- struct{}{} },
	}, logging.Discard())

	for i := 0; i < 10; i++ {
		agg.Trigger()
	}
	select {
	case <-updates:
	case <-time.After(2 * time.Second):
		t.Fatalf("no refresh after trigger")
	}
	time.Sleep(100 * time.Millisecond)
	if n := f.calls.Load(); n != 1 {
		t.Fatalf("fetches=%d, want 1", n)
	}
}

func TestAggregatorStartLoadsAndPolls(t *testing.T) {
	f := &countingFetcher{summary: summaries()}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	agg := NewAggregator(f, AggregatorOptions{Interval: time.Second, Debounce: 10 * time.Millisecond}, logging.Discard())
	if err := agg.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer agg.Stop()
	if n := len(agg.Summaries()); n != 1 {
		t.Fatalf("initial load len=%d", n)
	}
	deadline := time.Now().Add(4 * time.Second)
	for f.calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if n := f.calls.Load(); n < 2 {
		t.Fatalf("periodic refresh did not run, fetches=%d", n)
	}
}
