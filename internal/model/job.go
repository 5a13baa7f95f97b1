package model

type EventType string

const (
	EventMessageSent      EventType = "message.sent"
	EventMessageDelivered EventType = "message.delivered"
	EventMessageRead      EventType = "message.read"
	EventMessageDeleted   EventType = "message.deleted"
)

var ReceiptEvents = []EventType{
	EventMessageSent,
	EventMessageRead,
	EventMessageDelivered,
	EventMessageDeleted,
}

type UnreadCheckJob struct {
	MessageID MessageID `json:"messageId"`
}

type NotificationJob struct {
	Message         Message  `json:"message"`
	Sender          Identity `json:"sender"`
	Recipient       Identity `json:"recipient"`
	RecipientUserID UserID   `json:"recipientUserId"`
}

type ReplyJob struct {
	ConversationID ConversationID `json:"conversation"`
	SenderUserID   UserID         `json:"sender"`
	Text           string         `json:"text"`
}
