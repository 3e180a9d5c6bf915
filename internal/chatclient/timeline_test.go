package chatclient

import (
	"errors"
	"testing"
	"time"

	"github.com/shinyyama/farm-market-backend/internal/model"
)

func newTestTimeline() *Timeline {
	return NewTimeline(7, "buyer-b", time.Minute)
}

func TestTimelineOptimisticThenEcho(t *testing.T) {
	tl := newTestTimeline()
	e := tl.Submit("Are the tomatoes fresh?", "", t0)
	if e.TempID == "" || e.State != StatePending || e.Message.Kind != model.MessageKindText {
		t.Fatalf("submit=%+v", e)
	}
	if got := tl.Render(); len(got) != 1 || got[0].State != StatePending {
		t.Fatalf("render before echo=%+v", got)
	}

	got, changed := tl.Receive(durable(1, "buyer-b", "Are the tomatoes fresh?", t0.Add(time.Second)))
	if !changed || got.TempID != e.TempID || got.Message.ID != 1 {
		t.Fatalf("receive=%+v changed=%v", got, changed)
	}
	out := tl.Render()
	if len(out) != 1 || !out[0].Confirmed() || out[0].Message.ID != 1 {
		t.Fatalf("render after echo=%+v", out)
	}
	if len(tl.Unconfirmed()) != 0 {
		t.Fatalf("pending left: %+v", tl.Unconfirmed())
	}

	if _, changed := tl.Receive(durable(1, "buyer-b", "Are the tomatoes fresh?", t0.Add(time.Second))); changed {
		t.Fatalf("duplicate echo changed the timeline")
	}
	if n := len(tl.Render()); n != 1 {
		t.Fatalf("render len=%d after duplicate", n)
	}
}

func TestTimelineIgnoresOtherConversation(t *testing.T) {
	tl := newTestTimeline()
	m := durable(1, "farmer-f", "hi", t0)
	m.ConversationID = 8
	if _, changed := tl.Receive(m); changed || len(tl.Render()) != 0 {
		t.Fatalf("foreign message applied")
	}
}

func TestTimelineOrdersByLog(t *testing.T) {
	tl := newTestTimeline()
	tl.Receive(durable(3, "farmer-f", "c", t0.Add(2*time.Second)))
	tl.Receive(durable(1, "farmer-f", "a", t0))
	tl.Receive(durable(2, "farmer-f", "b", t0))
	pending := tl.Submit("d", model.MessageKindText, t0.Add(-time.Hour))

	out := tl.Render()
	ids := [3]uint64{out[0].Message.ID, out[1].Message.ID, out[2].Message.ID}
	if ids != [3]uint64{1, 2, 3} {
		t.Fatalf("order=%v", ids)
	}
	if out[3].TempID != pending.TempID {
		t.Fatalf("pending not last: %+v", out[3])
	}
}

func TestTimelineExpireRetryRemove(t *testing.T) {
	tl := newTestTimeline()
	a := tl.Submit("first", model.MessageKindText, t0)
	b := tl.Submit("second", model.MessageKindText, t0.Add(8*time.Second))

	expired := tl.Expire(t0.Add(11*time.Second), 10*time.Second)
	if len(expired) != 1 || expired[0].TempID != a.TempID || expired[0].Reason != ReasonTimeout {
		t.Fatalf("expired=%+v", expired)
	}
	if _, err := tl.Retry(b.TempID, t0); !errors.Is(err, ErrNotFailed) {
		t.Fatalf("retry pending err=%v", err)
	}
	if err := tl.Remove(b.TempID); !errors.Is(err, ErrNotFailed) {
		t.Fatalf("remove pending err=%v", err)
	}

	r, err := tl.Retry(a.TempID, t0.Add(12*time.Second))
	if err != nil || r.State != StatePending || !r.SentAt.Equal(t0.Add(12*time.Second)) {
		t.Fatalf("retry=%+v err=%v", r, err)
	}
	if !tl.Fail(a.TempID, "message_delivery_failed") {
		t.Fatalf("fail returned false")
	}
	if tl.Fail(a.TempID, "again") {
		t.Fatalf("failing a failed entry should report false")
	}
	if err := tl.Remove(a.TempID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := tl.Remove("nope"); !errors.Is(err, ErrUnknownEntry) {
		t.Fatalf("remove unknown err=%v", err)
	}
	if n := len(tl.Unconfirmed()); n != 1 {
		t.Fatalf("unconfirmed=%d", n)
	}
}

func TestTimelineConfirmFromFallback(t *testing.T) {
	tl := newTestTimeline()
	e := tl.Submit("hi", model.MessageKindText, t0)
	if !tl.Confirm(e.TempID, durable(4, "buyer-b", "hi", t0)) {
		t.Fatalf("confirm failed")
	}
	if tl.Confirm(e.TempID, durable(4, "buyer-b", "hi", t0)) {
		t.Fatalf("second confirm should be a no-op")
	}
	// a later catch-up carrying the same message must not duplicate it
	if n := tl.CatchUp([]model.Message{durable(4, "buyer-b", "hi", t0)}); n != 0 {
		t.Fatalf("catch-up added %d", n)
	}
	if out := tl.Render(); len(out) != 1 || out[0].TempID != e.TempID {
		t.Fatalf("render=%+v", out)
	}
}

func TestTimelineCatchUpUnionsPending(t *testing.T) {
	tl := newTestTimeline()
	tl.Receive(durable(1, "farmer-f", "hello", t0))
	echoed := tl.Submit("echoed while away", model.MessageKindText, t0.Add(time.Second))
	lost := tl.Submit("never arrived", model.MessageKindText, t0.Add(2*time.Second))

	n := tl.CatchUp([]model.Message{
		durable(1, "farmer-f", "hello", t0),
		durable(2, "buyer-b", "echoed while away", t0.Add(1500*time.Millisecond)),
		durable(3, "farmer-f", "reply", t0.Add(3*time.Second)),
	})
	if n != 2 {
		t.Fatalf("added=%d", n)
	}
	out := tl.Render()
	if len(out) != 4 {
		t.Fatalf("render=%+v", out)
	}
	if out[1].TempID != echoed.TempID || out[1].Message.ID != 2 {
		t.Fatalf("echoed entry=%+v", out[1])
	}
	if out[3].TempID != lost.TempID || out[3].State != StatePending {
		t.Fatalf("lost entry=%+v", out[3])
	}
}
