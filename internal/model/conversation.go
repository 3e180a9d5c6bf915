package model

import (
	"time"
)

type Conversation struct {
	ID             uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	BuyerUID       string    `gorm:"column:buyer_uid;size:128;index;not null" json:"buyerId"`
	FarmerUID      string    `gorm:"column:farmer_uid;size:128;index;not null" json:"farmerId"`
	PairKey        string    `gorm:"column:pair_key;size:260;uniqueIndex:uniq_conv_pair;not null" json:"-"`
	LastActivityAt time.Time `gorm:"column:last_activity_at;index" json:"lastActivityAt"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"createdAt"`
}

func (Conversation) TableName() string {
	return "conversations"
}

// PairKey is the order-independent identity of a two-party conversation.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}

func (c *Conversation) HasParticipant(uid string) bool {
	return uid != "" && (c.BuyerUID == uid || c.FarmerUID == uid)
}

// OtherParticipant returns the counterpart of uid, or "" when uid is not a participant.
func (c *Conversation) OtherParticipant(uid string) string {
	switch uid {
	case c.BuyerUID:
		return c.FarmerUID
	case c.FarmerUID:
		return c.BuyerUID
	}
	return ""
}

// ConversationSummary is derived per viewer; it is never stored.
type ConversationSummary struct {
	Conversation
	OtherUID        string     `json:"otherUserId"`
	OtherName       string     `json:"otherUserName"`
	OtherAvatarURL  *string    `json:"otherUserAvatar,omitempty"`
	LastMessage     string     `json:"lastMessage"`
	LastMessageKind string     `json:"lastMessageKind,omitempty"`
	LastMessageAt   *time.Time `json:"lastMessageAt,omitempty"`
	UnreadCount     int64      `json:"unreadCount"`
}
