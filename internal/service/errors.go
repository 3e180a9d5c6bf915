package service

import "errors"

var (
	ErrConversationNotFound  = errors.New("conversation_not_found")
	ErrNotAParticipant       = errors.New("not_a_participant")
	ErrMessageDeliveryFailed = errors.New("message_delivery_failed")
	ErrInvalidMessage        = errors.New("invalid_message")
	ErrSelfConversation      = errors.New("cannot chat with yourself")
	ErrInvalidCounterpart    = errors.New("counterpart is required")
	ErrRoleCannotChat        = errors.New("role cannot open conversations")
)
