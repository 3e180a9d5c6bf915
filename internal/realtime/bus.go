package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/shinyyama/farm-market-backend/internal/model"
	"github.com/sirupsen/logrus"
)

// LocalPublisher fans messages out to this process's hub only.
type LocalPublisher struct {
	hub *Hub
}

func NewLocalPublisher(hub *Hub) *LocalPublisher {
	return &LocalPublisher{hub: hub}
}

func (p *LocalPublisher) PublishMessage(_ context.Context, msg model.Message) error {
	payload, err := DeliveredFrame(msg)
	if err != nil {
		return fmt.Errorf("encode message frame: %w", err)
	}
	fanOut(p.hub, msg.ConversationID, payload, []string{msg.SenderUID, msg.RecipientUID})
	return nil
}

// PublishActivity sends the activity hint to every socket of the participants,
// joined or not.
func (p *LocalPublisher) PublishActivity(_ context.Context, convID uint64, participants []string) error {
	payload, err := ActivityFrame(convID)
	if err != nil {
		return fmt.Errorf("encode activity frame: %w", err)
	}
	fanOut(p.hub, convID, payload, participants)
	return nil
}

// fanOut publishes the frame to the room and an activity hint to the
// participants' sockets that have not joined it.
func fanOut(hub *Hub, convID uint64, payload []byte, participants []string) {
	hub.Publish(convID, payload)
	hint, err := ActivityFrame(convID)
	if err != nil {
		return
	}
	for _, uid := range participants {
		if uid != "" {
			hub.SendToUserOutside(uid, convID, hint)
		}
	}
}

type busEnvelope struct {
	Origin         string          `json:"origin"`
	ConversationID uint64          `json:"conversationId"`
	Participants   []string        `json:"participants,omitempty"`
	Frame          json.RawMessage `json:"frame"`
}

// RedisBus fans out locally and relays every frame over a redis channel so
// sockets joined on other instances receive it too. Each instance skips
// envelopes it published itself.
type RedisBus struct {
	hub     *Hub
	client  *redis.Client
	channel string
	origin  string
	log     *logrus.Logger
}

func NewRedisBus(redisURL, channel string, hub *Hub, log *logrus.Logger) (*RedisBus, error) {
	if redisURL == "" {
		return nil, errors.New("redis: url is empty")
	}
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	c := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	if channel == "" {
		channel = "chat:events"
	}
	return &RedisBus{hub: hub, client: c, channel: channel, origin: uuid.NewString(), log: log}, nil
}

// PublishMessage delivers to local subscribers first. A relay failure only
// affects sockets on other instances, which recover on their next catch-up
// read, so it is logged rather than returned.
func (b *RedisBus) PublishMessage(ctx context.Context, msg model.Message) error {
	payload, err := DeliveredFrame(msg)
	if err != nil {
		return fmt.Errorf("encode message frame: %w", err)
	}
	return b.broadcast(ctx, msg.ConversationID, payload, []string{msg.SenderUID, msg.RecipientUID})
}

func (b *RedisBus) PublishActivity(ctx context.Context, convID uint64, participants []string) error {
	payload, err := ActivityFrame(convID)
	if err != nil {
		return fmt.Errorf("encode activity frame: %w", err)
	}
	return b.broadcast(ctx, convID, payload, participants)
}

func (b *RedisBus) broadcast(ctx context.Context, convID uint64, payload []byte, participants []string) error {
	fanOut(b.hub, convID, payload, participants)

	env, err := json.Marshal(busEnvelope{
		Origin:         b.origin,
		ConversationID: convID,
		Participants:   participants,
		Frame:          payload,
	})
	if err != nil {
		return fmt.Errorf("encode bus envelope: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, env).Err(); err != nil {
		b.log.WithField("conversation", convID).Warnf("redis relay failed: %v", err)
	}
	return nil
}

// Run relays frames published by other instances into the local hub until ctx ends.
func (b *RedisBus) Run(ctx context.Context) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis: subscribe %s: %w", b.channel, err)
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			b.relay(m.Payload)
		}
	}
}

func (b *RedisBus) relay(raw string) {
	var env busEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		b.log.Warnf("redis relay: bad envelope: %v", err)
		return
	}
	if env.Origin == b.origin || env.ConversationID == 0 {
		return
	}
	fanOut(b.hub, env.ConversationID, env.Frame, env.Participants)
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}
