package model

import (
	"fmt"
	"time"
)

type MessageKind string

const (
	MessageKindText  MessageKind = "text"
	MessageKindImage MessageKind = "image"
)

// ParseMessageKind maps wire values to a kind; empty means text.
func ParseMessageKind(s string) (MessageKind, error) {
	switch MessageKind(s) {
	case "", MessageKindText:
		return MessageKindText, nil
	case MessageKindImage:
		return MessageKindImage, nil
	}
	return "", fmt.Errorf("unknown message kind %q", s)
}

type Message struct {
	ID             uint64      `gorm:"primaryKey;autoIncrement" json:"id"`
	ConversationID uint64      `gorm:"column:conversation_id;index:idx_msg_conv_id;not null" json:"conversationId"`
	SenderUID      string      `gorm:"column:sender_uid;size:128;not null" json:"senderId"`
	RecipientUID   string      `gorm:"column:recipient_uid;size:128;index:idx_msg_recipient_read;not null" json:"recipientId"`
	Content        string      `gorm:"type:text;not null" json:"content"`
	Kind           MessageKind `gorm:"column:kind;size:16;not null;default:text" json:"kind"`
	IsRead         bool        `gorm:"column:is_read;index:idx_msg_recipient_read;not null;default:false" json:"isRead"`
	CreatedAt      time.Time   `gorm:"autoCreateTime" json:"createdAt"`
}

func (Message) TableName() string {
	return "messages"
}
