package chatclient

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shinyyama/farm-market-backend/internal/model"
	"github.com/shinyyama/farm-market-backend/internal/realtime"
	"github.com/sirupsen/logrus"
)

// Transport is what a Session needs from Client.
type Transport interface {
	Connect(ctx context.Context) error
	Connected() bool
	Events() <-chan Event
	Join(convID uint64) error
	Leave(convID uint64) error
	MarkReadLive(convID uint64) error
	SendLive(convID uint64, content string, kind model.MessageKind, clientRef string) error
	ListMessages(ctx context.Context, convID uint64) ([]model.Message, error)
	PostMessage(ctx context.Context, convID uint64, content string, kind model.MessageKind) (*model.Message, error)
	MarkRead(ctx context.Context, convID uint64) (int64, error)
}

type SessionOptions struct {
	// SubmitTimeout bounds how long an entry may stay pending.
	SubmitTimeout   time.Duration
	ReconcileWindow time.Duration
	ReconnectMin    time.Duration
	ReconnectMax    time.Duration
	// RefreshInterval is how often the open conversation is re-read when no
	// frame announces a change, e.g. a message that arrived over HTTP.
	RefreshInterval time.Duration
	// OnChange receives the rendered timeline after every change.
	OnChange func(convID uint64, entries []Entry)
	// OnEvent sees every frame, e.g. to show errors.
	OnEvent func(Event)
}

// Session drives one user's chat: the active conversation's timeline, the
// live channel with reconnect and catch-up, and summary invalidation.
type Session struct {
	tr   Transport
	self string
	opts SessionOptions
	agg  *Aggregator
	log  *logrus.Logger
	now  func() time.Time

	mu       sync.Mutex
	timeline *Timeline
}

func NewSession(tr Transport, self string, agg *Aggregator, opts SessionOptions, log *logrus.Logger) *Session {
	if opts.SubmitTimeout <= 0 {
		opts.SubmitTimeout = 10 * time.Second
	}
	if opts.ReconcileWindow <= 0 {
		opts.ReconcileWindow = time.Minute
	}
	if opts.ReconnectMin <= 0 {
		opts.ReconnectMin = 500 * time.Millisecond
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = 15 * time.Second
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = 10 * time.Second
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Session{tr: tr, self: self, agg: agg, opts: opts, log: log, now: time.Now}
}

// Timeline returns the active conversation's timeline, or nil.
func (s *Session) Timeline() *Timeline {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeline
}

// Open makes convID the active conversation: it leaves the previous one,
// joins the live channel, loads the history and marks it read.
func (s *Session) Open(ctx context.Context, convID uint64) error {
	s.mu.Lock()
	prev := s.timeline
	tl := NewTimeline(convID, s.self, s.opts.ReconcileWindow)
	s.timeline = tl
	s.mu.Unlock()

	if prev != nil && prev.ConversationID() != convID {
		if err := s.tr.Leave(prev.ConversationID()); err != nil && !errors.Is(err, ErrChannelUnavailable) {
			s.log.Debugf("chat: leave %d: %v", prev.ConversationID(), err)
		}
	}
	if err := s.tr.Join(convID); err != nil && !errors.Is(err, ErrChannelUnavailable) {
		return err
	}
	if _, err := s.catchUp(ctx, tl); err != nil {
		return err
	}
	s.markRead(ctx, convID)
	return nil
}

// Send renders the message optimistically and submits it, live when the
// channel is open and over HTTP otherwise.
func (s *Session) Send(ctx context.Context, content string, kind model.MessageKind) (Entry, error) {
	tl := s.Timeline()
	if tl == nil {
		return Entry{}, errors.New("chatclient: no open conversation")
	}
	e := tl.Submit(content, kind, s.now())
	s.changed(tl)
	return e, s.submit(ctx, tl, e)
}

// Retry resubmits a failed entry.
func (s *Session) Retry(ctx context.Context, tempID string) (Entry, error) {
	tl := s.Timeline()
	if tl == nil {
		return Entry{}, ErrUnknownEntry
	}
	e, err := tl.Retry(tempID, s.now())
	if err != nil {
		return Entry{}, err
	}
	s.changed(tl)
	return e, s.submit(ctx, tl, e)
}

// Discard removes a failed entry.
func (s *Session) Discard(tempID string) error {
	tl := s.Timeline()
	if tl == nil {
		return ErrUnknownEntry
	}
	if err := tl.Remove(tempID); err != nil {
		return err
	}
	s.changed(tl)
	return nil
}

func (s *Session) submit(ctx context.Context, tl *Timeline, e Entry) error {
	convID := tl.ConversationID()
	err := s.tr.SendLive(convID, e.Message.Content, e.Message.Kind, e.TempID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrChannelUnavailable) {
		tl.Fail(e.TempID, err.Error())
		s.changed(tl)
		return err
	}

	msg, err := s.tr.PostMessage(ctx, convID, e.Message.Content, e.Message.Kind)
	if err != nil {
		tl.Fail(e.TempID, failureReason(err))
		s.changed(tl)
		return err
	}
	tl.Confirm(e.TempID, *msg)
	s.changed(tl)
	s.trigger()
	return nil
}

func failureReason(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Code != "" {
		return apiErr.Code
	}
	return err.Error()
}

// Run consumes live events until ctx ends, reconnecting with backoff and
// catching up the active conversation after each reconnect, on every
// activity hint for it and every RefreshInterval.
func (s *Session) Run(ctx context.Context) error {
	if err := s.tr.Connect(ctx); err != nil {
		s.log.Warnf("chat: live channel unavailable: %v", err)
		go s.reconnect(ctx)
	}
	tick := time.NewTicker(s.expireEvery())
	defer tick.Stop()
	refresh := time.NewTicker(s.opts.RefreshInterval)
	defer refresh.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-tick.C:
			if tl := s.Timeline(); tl != nil {
				if expired := tl.Expire(now, s.opts.SubmitTimeout); len(expired) > 0 {
					s.changed(tl)
				}
			}
		case <-refresh.C:
			s.refresh(ctx, 0)
		case ev := <-s.tr.Events():
			s.handle(ctx, ev)
		}
	}
}

func (s *Session) expireEvery() time.Duration {
	d := s.opts.SubmitTimeout / 4
	if d < 50*time.Millisecond {
		d = 50 * time.Millisecond
	}
	return d
}

func (s *Session) handle(ctx context.Context, ev Event) {
	if s.opts.OnEvent != nil {
		s.opts.OnEvent(ev)
	}
	switch ev.Type {
	case realtime.FrameDelivered:
		if ev.Message == nil {
			return
		}
		if tl := s.Timeline(); tl != nil && tl.ConversationID() == ev.Message.ConversationID {
			if _, changed := tl.Receive(*ev.Message); changed {
				s.changed(tl)
				if ev.Message.RecipientUID == s.self {
					s.markRead(ctx, tl.ConversationID())
				}
			}
		}
		s.trigger()
	case realtime.FrameDeliveryFailed:
		if tl := s.Timeline(); tl != nil && tl.Fail(ev.ClientRef, ev.Reason) {
			s.changed(tl)
		}
	case realtime.FrameJoined:
		// the join is acked after Open's first read; anything appended in
		// between only shows up on a second one
		s.refresh(ctx, ev.ConversationID)
	case realtime.FrameRead, realtime.FrameActivity:
		s.refresh(ctx, ev.ConversationID)
		s.trigger()
	case EventDisconnected:
		s.log.Infof("chat: live channel dropped: %v", ev.Err)
		go s.reconnect(ctx)
	}
}

func (s *Session) reconnect(ctx context.Context) {
	wait := s.opts.ReconnectMin
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		if err := s.tr.Connect(ctx); err != nil {
			s.log.Debugf("chat: reconnect: %v", err)
			if errors.Is(err, ErrClientClosed) {
				return
			}
			wait *= 2
			if wait > s.opts.ReconnectMax {
				wait = s.opts.ReconnectMax
			}
			continue
		}
		s.log.Info("chat: live channel restored")
		if tl := s.Timeline(); tl != nil {
			if err := s.tr.Join(tl.ConversationID()); err != nil {
				s.log.Warnf("chat: rejoin %d: %v", tl.ConversationID(), err)
			}
			if _, err := s.catchUp(ctx, tl); err != nil {
				s.log.Warnf("chat: catch up %d: %v", tl.ConversationID(), err)
			}
		}
		s.trigger()
		return
	}
}

func (s *Session) catchUp(ctx context.Context, tl *Timeline) (int, error) {
	msgs, err := s.tr.ListMessages(ctx, tl.ConversationID())
	if err != nil {
		return 0, err
	}
	added := tl.CatchUp(msgs)
	if added > 0 {
		s.changed(tl)
	}
	return added, nil
}

// refresh re-reads the active conversation when convID is it, or
// unconditionally when convID is 0. New messages are marked read since the
// conversation is on screen.
func (s *Session) refresh(ctx context.Context, convID uint64) {
	tl := s.Timeline()
	if tl == nil || (convID != 0 && convID != tl.ConversationID()) {
		return
	}
	added, err := s.catchUp(ctx, tl)
	if err != nil {
		s.log.Debugf("chat: refresh %d: %v", tl.ConversationID(), err)
		return
	}
	if added > 0 {
		s.markRead(ctx, tl.ConversationID())
	}
}

// markRead is explicit: the active conversation is marked read on open and
// whenever a message addressed to us arrives while it is open.
func (s *Session) markRead(ctx context.Context, convID uint64) {
	err := s.tr.MarkReadLive(convID)
	if errors.Is(err, ErrChannelUnavailable) {
		_, err = s.tr.MarkRead(ctx, convID)
		if err == nil {
			s.trigger()
		}
	}
	if err != nil {
		s.log.Debugf("chat: mark read %d: %v", convID, err)
	}
}

func (s *Session) trigger() {
	if s.agg != nil {
		s.agg.Trigger()
	}
}

func (s *Session) changed(tl *Timeline) {
	if s.opts.OnChange != nil {
		s.opts.OnChange(tl.ConversationID(), tl.Render())
	}
}
