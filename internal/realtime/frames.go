package realtime

import (
	"encoding/json"

	"github.com/shinyyama/farm-market-backend/internal/model"
)

// Inbound frame types.
const (
	FrameJoin     = "join-conversation"
	FrameLeave    = "leave-conversation"
	FrameSubmit   = "submit-message"
	FrameMarkRead = "mark-read"
)

// Outbound frame types.
const (
	FrameConnected      = "connected"
	FrameJoined         = "joined"
	FrameLeft           = "left"
	FrameDelivered      = "message-delivered"
	FrameDeliveryFailed = "delivery-failed"
	FrameRead           = "read"
	FrameActivity       = "conversation-activity"
	FrameError          = "error"
)

// InboundFrame is every client->server frame; unused fields stay zero.
type InboundFrame struct {
	Type           string `json:"type"`
	ConversationID uint64 `json:"conversationId,omitempty"`
	Content        string `json:"content,omitempty"`
	Kind           string `json:"kind,omitempty"`
	ClientRef      string `json:"clientRef,omitempty"`
}

// EventFrame is every server->client frame except errors; unused fields are omitted.
type EventFrame struct {
	Type           string         `json:"type"`
	ConnectionID   string         `json:"connectionId,omitempty"`
	ConversationID uint64         `json:"conversationId,omitempty"`
	Message        *model.Message `json:"message,omitempty"`
	ClientRef      string         `json:"clientRef,omitempty"`
	Reason         string         `json:"reason,omitempty"`
	Updated        *int64         `json:"updated,omitempty"`
}

type ErrorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DeliveredFrame encodes the message-delivered event for msg.
func DeliveredFrame(msg model.Message) ([]byte, error) {
	return json.Marshal(EventFrame{Type: FrameDelivered, ConversationID: msg.ConversationID, Message: &msg})
}

// ActivityFrame tells a participant that convID changed without carrying the
// message; the client re-reads the log or its summary list.
func ActivityFrame(convID uint64) ([]byte, error) {
	return json.Marshal(EventFrame{Type: FrameActivity, ConversationID: convID})
}
