package chatclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shinyyama/farm-market-backend/internal/model"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// SummaryFetcher loads the caller's conversation summaries.
type SummaryFetcher interface {
	ListConversations(ctx context.Context) ([]model.ConversationSummary, error)
}

type AggregatorOptions struct {
	// Interval between periodic refreshes.
	Interval time.Duration
	// Debounce coalesces bursts of Trigger calls into one refresh.
	Debounce time.Duration
	Timeout  time.Duration
	OnUpdate func([]model.ConversationSummary)
}

// Aggregator keeps the caller's conversation list current. The periodic
// schedule and live events both go through Trigger; every refresh replaces
// the whole list.
type Aggregator struct {
	fetch SummaryFetcher
	opts  AggregatorOptions
	log   *logrus.Logger

	sched *cron.Cron
	group singleflight.Group

	mu      sync.Mutex
	ctx     context.Context
	list    []model.ConversationSummary
	timer   *time.Timer
	updated time.Time
}

func NewAggregator(fetch SummaryFetcher, opts AggregatorOptions, log *logrus.Logger) *Aggregator {
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 300 * time.Millisecond
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Aggregator{
		fetch: fetch,
		opts:  opts,
		log:   log,
		sched: cron.New(),
		ctx:   context.Background(),
	}
}

// Start loads the list once and schedules periodic refreshes until ctx ends.
func (a *Aggregator) Start(ctx context.Context) error {
	a.mu.Lock()
	a.ctx = ctx
	a.mu.Unlock()

	if _, err := a.Refresh(ctx); err != nil {
		a.log.Warnf("summary: initial load: %v", err)
	}
	if _, err := a.sched.AddFunc(fmt.Sprintf("@every %s", a.opts.Interval), a.Trigger); err != nil {
		return fmt.Errorf("summary: schedule: %w", err)
	}
	a.sched.Start()
	go func() {
		<-ctx.Done()
		a.Stop()
	}()
	return nil
}

// Stop halts the schedule and any pending debounced refresh.
func (a *Aggregator) Stop() {
	<-a.sched.Stop().Done()
	a.mu.Lock()
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.mu.Unlock()
}

// Trigger requests a refresh. A refresh already waiting on the debounce
// absorbs the request.
func (a *Aggregator) Trigger() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timer != nil {
		return
	}
	a.timer = time.AfterFunc(a.opts.Debounce, func() {
		a.mu.Lock()
		a.timer = nil
		ctx := a.ctx
		a.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		if _, err := a.Refresh(ctx); err != nil {
			a.log.Warnf("summary: refresh: %v", err)
		}
	})
}

// Refresh fetches and replaces the list now. Concurrent callers share one fetch.
func (a *Aggregator) Refresh(ctx context.Context) ([]model.ConversationSummary, error) {
	v, err, _ := a.group.Do("summaries", func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(ctx, a.opts.Timeout)
		defer cancel()
		list, err := a.fetch.ListConversations(ctx)
		if err != nil {
			return nil, err
		}
		a.mu.Lock()
		a.list = list
		a.updated = time.Now()
		a.mu.Unlock()
		if a.opts.OnUpdate != nil {
			a.opts.OnUpdate(append([]model.ConversationSummary(nil), list...))
		}
		return list, nil
	})
	if err != nil {
		return nil, err
	}
	return append([]model.ConversationSummary(nil), v.([]model.ConversationSummary)...), nil
}

// Summaries returns the last fetched list.
func (a *Aggregator) Summaries() []model.ConversationSummary {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]model.ConversationSummary(nil), a.list...)
}

// UpdatedAt is the time of the last successful refresh.
func (a *Aggregator) UpdatedAt() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.updated
}
