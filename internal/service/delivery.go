package service

import (
	"context"
	"hash/fnv"
	"strconv"
	"sync"

	"github.com/shinyyama/farm-market-backend/internal/model"
	"github.com/sirupsen/logrus"
)

// Publisher fans a durable message out to every connection joined to its
// conversation. PublishActivity only tells the participants that the
// conversation changed.
type Publisher interface {
	PublishMessage(ctx context.Context, msg model.Message) error
	PublishActivity(ctx context.Context, convID uint64, participants []string) error
}

// Delivery is the outcome of a live submit.
type Delivery struct {
	Message   model.Message
	Published bool
}

const deliveryStripes = 64

// DeliveryCoordinator persists submitted messages and republishes the durable
// copy. Submissions to one conversation are serialized so publish order
// follows append order.
type DeliveryCoordinator struct {
	convs    ConversationService
	pub      Publisher
	notifier Notifier
	log      *logrus.Logger

	stripes [deliveryStripes]sync.Mutex
}

func NewDeliveryCoordinator(convs ConversationService, pub Publisher, notifier Notifier, log *logrus.Logger) *DeliveryCoordinator {
	if log == nil {
		log = logrus.New()
	}
	return &DeliveryCoordinator{convs: convs, pub: pub, notifier: notifier, log: log}
}

func (d *DeliveryCoordinator) lock(convID uint64) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(strconv.FormatUint(convID, 10)))
	return &d.stripes[h.Sum32()%deliveryStripes]
}

// Deliver is the live-channel path: persist, then publish.
// Nothing is published when persistence fails.
func (d *DeliveryCoordinator) Deliver(ctx context.Context, convID uint64, senderUID string, content Content) (*Delivery, error) {
	mu := d.lock(convID)
	mu.Lock()
	msg, err := d.convs.AppendMessage(ctx, convID, senderUID, content)
	if err != nil {
		mu.Unlock()
		return nil, err
	}
	out := &Delivery{Message: *msg}
	if d.pub != nil {
		// the message is durable; a failed publish is repaired by the
		// recipient's next catch-up read
		if perr := d.pub.PublishMessage(context.WithoutCancel(ctx), *msg); perr != nil {
			d.log.WithFields(logrus.Fields{"conversation": convID, "message": msg.ID}).
				Warnf("publish failed: %v", perr)
		} else {
			out.Published = true
		}
	}
	mu.Unlock()

	d.notify(ctx, *msg)
	return out, nil
}

// Persist is the request/response fallback path. The message is stored but
// not published; the participants get an activity hint and read it from the
// log.
func (d *DeliveryCoordinator) Persist(ctx context.Context, convID uint64, senderUID string, content Content) (*model.Message, error) {
	mu := d.lock(convID)
	mu.Lock()
	msg, err := d.convs.AppendMessage(ctx, convID, senderUID, content)
	mu.Unlock()
	if err != nil {
		return nil, err
	}
	if d.pub != nil {
		participants := []string{msg.SenderUID, msg.RecipientUID}
		if perr := d.pub.PublishActivity(context.WithoutCancel(ctx), convID, participants); perr != nil {
			d.log.WithFields(logrus.Fields{"conversation": convID, "message": msg.ID}).
				Warnf("activity hint failed: %v", perr)
		}
	}
	d.notify(ctx, *msg)
	return msg, nil
}

func (d *DeliveryCoordinator) notify(ctx context.Context, msg model.Message) {
	if d.notifier == nil {
		return
	}
	d.notifier.MessageDelivered(context.WithoutCancel(ctx), msg)
}
