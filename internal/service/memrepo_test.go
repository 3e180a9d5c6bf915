package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/shinyyama/farm-market-backend/internal/model"
	"github.com/shinyyama/farm-market-backend/internal/repository"
)

// memRepo is an in-memory ChatRepository used by the service tests.
type memRepo struct {
	mu       sync.Mutex
	convs    map[uint64]*model.Conversation
	byPair   map[string]uint64
	msgs     []model.Message
	nextConv uint64
	nextMsg  uint64
	clock    time.Time

	appendErr error
	creates   int
}

func newMemRepo() *memRepo {
	return &memRepo{
		convs:  map[uint64]*model.Conversation{},
		byPair: map[string]uint64{},
		clock:  time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC),
	}
}

func (r *memRepo) tick() time.Time {
	r.clock = r.clock.Add(time.Millisecond)
	return r.clock
}

func (r *memRepo) CreateConversation(_ context.Context, buyerUID, farmerUID string) (*model.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := model.PairKey(buyerUID, farmerUID)
	if id, ok := r.byPair[key]; ok {
		cv := *r.convs[id]
		return &cv, nil
	}
	r.creates++
	r.nextConv++
	now := r.tick()
	cv := &model.Conversation{ID: r.nextConv, BuyerUID: buyerUID, FarmerUID: farmerUID, PairKey: key, CreatedAt: now, LastActivityAt: now}
	r.convs[cv.ID] = cv
	r.byPair[key] = cv.ID
	out := *cv
	return &out, nil
}

func (r *memRepo) FindConversation(_ context.Context, buyerUID, farmerUID string) (*model.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byPair[model.PairKey(buyerUID, farmerUID)]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cv := *r.convs[id]
	return &cv, nil
}

func (r *memRepo) FindConversationByID(_ context.Context, id uint64) (*model.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cv, ok := r.convs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := *cv
	return &out, nil
}

func (r *memRepo) AppendMessage(_ context.Context, msg *model.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.appendErr != nil {
		return r.appendErr
	}
	cv, ok := r.convs[msg.ConversationID]
	if !ok {
		return repository.ErrNotFound
	}
	r.nextMsg++
	msg.ID = r.nextMsg
	msg.CreatedAt = r.tick()
	msg.IsRead = false
	cv.LastActivityAt = msg.CreatedAt
	r.msgs = append(r.msgs, *msg)
	return nil
}

func (r *memRepo) ListMessages(_ context.Context, convID uint64) ([]model.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Message, 0)
	for _, m := range r.msgs {
		if m.ConversationID == convID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (r *memRepo) ListConversationsWithSummary(_ context.Context, uid string) ([]model.ConversationSummary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.ConversationSummary, 0)
	for _, cv := range r.convs {
		if !cv.HasParticipant(uid) {
			continue
		}
		s := model.ConversationSummary{Conversation: *cv, OtherUID: cv.OtherParticipant(uid)}
		for _, m := range r.msgs {
			if m.ConversationID != cv.ID {
				continue
			}
			at := m.CreatedAt
			s.LastMessage, s.LastMessageKind, s.LastMessageAt = m.Content, string(m.Kind), &at
			if m.RecipientUID == uid && !m.IsRead {
				s.UnreadCount++
			}
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivityAt.After(out[j].LastActivityAt) })
	return out, nil
}

func (r *memRepo) MarkRead(_ context.Context, convID uint64, recipientUID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for i := range r.msgs {
		m := &r.msgs[i]
		if m.ConversationID == convID && m.RecipientUID == recipientUID && !m.IsRead {
			m.IsRead = true
			n++
		}
	}
	return n, nil
}

var errDiskFull = errors.New("disk full")
