package model

// All lists the tables owned by the chat service, in migration order.
func All() []interface{} {
	return []interface{}{&Conversation{}, &Message{}, &Notification{}}
}
