package chatclient

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shinyyama/farm-market-backend/internal/model"
)

var (
	ErrUnknownEntry = errors.New("chatclient: unknown local message")
	ErrNotFailed    = errors.New("chatclient: message has not failed")
)

// ReasonTimeout marks entries that never received a durable acknowledgement.
const ReasonTimeout = "timeout"

// Timeline is the client-side view of one conversation: durable messages in
// log order followed by the caller's unconfirmed optimistic entries.
type Timeline struct {
	convID uint64
	self   string
	window time.Duration

	mu          sync.Mutex
	confirmed   []Entry
	seen        map[uint64]int
	unconfirmed []Entry
}

func NewTimeline(convID uint64, self string, window time.Duration) *Timeline {
	if window <= 0 {
		window = time.Minute
	}
	return &Timeline{
		convID: convID,
		self:   self,
		window: window,
		seen:   make(map[uint64]int),
	}
}

func (t *Timeline) ConversationID() uint64 {
	return t.convID
}

// Submit records an optimistic entry and returns it; its TempID doubles as
// the clientRef sent with the message.
func (t *Timeline) Submit(content string, kind model.MessageKind, now time.Time) Entry {
	if kind == "" {
		kind = model.MessageKindText
	}
	e := Entry{
		TempID: uuid.NewString(),
		State:  StatePending,
		SentAt: now,
		Message: model.Message{
			ConversationID: t.convID,
			SenderUID:      t.self,
			Content:        content,
			Kind:           kind,
			CreatedAt:      now,
		},
	}
	t.mu.Lock()
	t.unconfirmed = append(t.unconfirmed, e)
	t.mu.Unlock()
	return e
}

// Receive applies a durable message. It returns the resulting entry and false
// when the message was already known or belongs to another conversation.
func (t *Timeline) Receive(msg model.Message) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.receiveLocked(msg)
}

func (t *Timeline) receiveLocked(msg model.Message) (Entry, bool) {
	if msg.ConversationID != t.convID {
		return Entry{}, false
	}
	if i, ok := t.seen[msg.ID]; ok {
		// refresh mutable fields such as is_read
		t.confirmed[i].Message = msg
		return t.confirmed[i], false
	}
	rest, match := Reconcile(t.unconfirmed, msg, t.self, t.window)
	t.unconfirmed = rest
	e := Entry{State: StateConfirmed, SentAt: msg.CreatedAt, Message: msg}
	if match != nil {
		e = *match
	}
	t.insertLocked(e)
	return e, true
}

// Confirm settles a pending entry with the durable copy returned by the
// request/response fallback.
func (t *Timeline) Confirm(tempID string, msg model.Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.seen[msg.ID]; ok {
		return false
	}
	i := t.indexLocked(tempID)
	if i < 0 {
		return false
	}
	e := t.unconfirmed[i]
	e.State = StateConfirmed
	e.Reason = ""
	e.Message = msg
	t.unconfirmed = append(t.unconfirmed[:i], t.unconfirmed[i+1:]...)
	t.insertLocked(e)
	return true
}

// Fail marks a pending entry failed.
func (t *Timeline) Fail(tempID, reason string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := t.indexLocked(tempID)
	if i < 0 || t.unconfirmed[i].State != StatePending {
		return false
	}
	t.unconfirmed[i].State = StateFailed
	t.unconfirmed[i].Reason = reason
	return true
}

// Expire fails every pending entry older than timeout and returns them.
func (t *Timeline) Expire(now time.Time, timeout time.Duration) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	var expired []Entry
	for i := range t.unconfirmed {
		e := &t.unconfirmed[i]
		if e.State == StatePending && now.Sub(e.SentAt) > timeout {
			e.State = StateFailed
			e.Reason = ReasonTimeout
			expired = append(expired, *e)
		}
	}
	return expired
}

// Retry moves a failed entry back to pending with a fresh send time.
func (t *Timeline) Retry(tempID string, now time.Time) (Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := t.indexLocked(tempID)
	if i < 0 {
		return Entry{}, ErrUnknownEntry
	}
	e := &t.unconfirmed[i]
	if e.State != StateFailed {
		return Entry{}, ErrNotFailed
	}
	e.State = StatePending
	e.Reason = ""
	e.SentAt = now
	e.Message.CreatedAt = now
	return *e, nil
}

// Remove discards a failed entry.
func (t *Timeline) Remove(tempID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := t.indexLocked(tempID)
	if i < 0 {
		return ErrUnknownEntry
	}
	if t.unconfirmed[i].State != StateFailed {
		return ErrNotFailed
	}
	t.unconfirmed = append(t.unconfirmed[:i], t.unconfirmed[i+1:]...)
	return nil
}

// CatchUp unions a freshly fetched message list into the timeline. Pending
// entries whose durable copy is in the list are confirmed; the rest stay.
func (t *Timeline) CatchUp(msgs []model.Message) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	added := 0
	for _, m := range msgs {
		if _, ok := t.receiveLocked(m); ok {
			added++
		}
	}
	return added
}

// Render returns durable messages in log order, then unconfirmed entries in
// send order.
func (t *Timeline) Render() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, 0, len(t.confirmed)+len(t.unconfirmed))
	out = append(out, t.confirmed...)
	pending := append([]Entry(nil), t.unconfirmed...)
	sort.SliceStable(pending, func(i, j int) bool { return pending[i].SentAt.Before(pending[j].SentAt) })
	return append(out, pending...)
}

// Unconfirmed returns the pending and failed entries.
func (t *Timeline) Unconfirmed() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Entry(nil), t.unconfirmed...)
}

func (t *Timeline) indexLocked(tempID string) int {
	for i, e := range t.unconfirmed {
		if e.TempID == tempID {
			return i
		}
	}
	return -1
}

func (t *Timeline) insertLocked(e Entry) {
	at := sort.Search(len(t.confirmed), func(i int) bool {
		return logBefore(e.Message, t.confirmed[i].Message)
	})
	t.confirmed = append(t.confirmed, Entry{})
	copy(t.confirmed[at+1:], t.confirmed[at:])
	t.confirmed[at] = e
	for i := at; i < len(t.confirmed); i++ {
		t.seen[t.confirmed[i].Message.ID] = i
	}
}

func logBefore(a, b model.Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
