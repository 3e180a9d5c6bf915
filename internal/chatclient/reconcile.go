package chatclient

import (
	"time"

	"github.com/shinyyama/farm-market-backend/internal/model"
)

// State is the lifecycle of a locally authored message.
type State int

const (
	StatePending State = iota
	StateConfirmed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateConfirmed:
		return "confirmed"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Entry is one row of a rendered conversation. Messages from the server are
// Confirmed with an empty TempID; optimistic rows carry the client temp id
// until their durable copy arrives.
type Entry struct {
	TempID  string
	State   State
	Reason  string
	SentAt  time.Time
	Message model.Message
}

// Confirmed reports whether the entry holds a durable server message.
func (e Entry) Confirmed() bool {
	return e.State == StateConfirmed
}

// Reconcile folds one durable message into the set of unconfirmed local
// entries. A durable message matches an entry when it was sent by self to the
// same conversation with the same content and kind, and its server timestamp
// lies within window of the local send time. Among several candidates the
// earliest sent entry wins, so identical rapid messages confirm in order.
//
// It returns the remaining unconfirmed entries and, when a match was found,
// the confirmed entry carrying the durable id and timestamp.
func Reconcile(pending []Entry, incoming model.Message, self string, window time.Duration) ([]Entry, *Entry) {
	if incoming.SenderUID != self {
		return pending, nil
	}
	best := -1
	for i, e := range pending {
		if e.State == StateConfirmed {
			continue
		}
		if e.Message.ConversationID != incoming.ConversationID ||
			e.Message.Content != incoming.Content ||
			e.Message.Kind != incoming.Kind {
			continue
		}
		if absDuration(incoming.CreatedAt.Sub(e.SentAt)) > window {
			continue
		}
		if best < 0 || e.SentAt.Before(pending[best].SentAt) {
			best = i
		}
	}
	if best < 0 {
		return pending, nil
	}

	confirmed := pending[best]
	confirmed.State = StateConfirmed
	confirmed.Reason = ""
	confirmed.Message = incoming

	rest := make([]Entry, 0, len(pending)-1)
	rest = append(rest, pending[:best]...)
	rest = append(rest, pending[best+1:]...)
	return rest, &confirmed
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
