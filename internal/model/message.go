package model

import (
	"strings"
	"time"
)

type MessageID string
type ConversationID string

type RecipientStatus string

const (
	RecipientStatusSent      RecipientStatus = "sent"
	RecipientStatusDelivered RecipientStatus = "delivered"
	RecipientStatusRead      RecipientStatus = "read"
	RecipientStatusDeleted   RecipientStatus = "deleted"
)

// Rank orders statuses so that a late "delivered" receipt never overwrites
// a "read" one.
func (s RecipientStatus) Rank() int {
	switch s {
	case RecipientStatusSent:
		return 1
	case RecipientStatusDelivered:
		return 2
	case RecipientStatusRead:
		return 3
	case RecipientStatusDeleted:
		return 4
	}
	return 0
}

func (s RecipientStatus) Valid() bool {
	return s.Rank() > 0
}

const (
	MimeTypeTextPlain = "text/plain"

	identityURLPrefix     = "layer:///identities/"
	conversationURLPrefix = "layer:///conversations/"
	messageURLPrefix      = "layer:///messages/"
)

type Part struct {
	MimeType string `json:"mime_type"`
	Body     string `json:"body"`
}

type MessageConversation struct {
	ID  ConversationID `json:"id"`
	URL string         `json:"url,omitempty"`
}

type MessageSender struct {
	UserID      UserID `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
}

type Message struct {
	ID              MessageID                  `json:"id"`
	Conversation    MessageConversation        `json:"conversation"`
	Sender          MessageSender              `json:"sender"`
	Parts           []Part                     `json:"parts"`
	SentAt          time.Time                  `json:"sent_at"`
	RecipientStatus map[string]RecipientStatus `json:"recipient_status"`
}

// Text joins the bodies of all text/plain parts in order.
func (m *Message) Text() string {
	bodies := make([]string, 0, len(m.Parts))
	for _, part := range m.Parts {
		if part.MimeType == MimeTypeTextPlain {
			bodies = append(bodies, part.Body)
		}
	}
	return strings.Join(bodies, "\n")
}

// Statuses returns the recipient statuses keyed by bare user id; the platform
// may key them by identity URL.
func (m *Message) Statuses() map[UserID]RecipientStatus {
	statuses := make(map[UserID]RecipientStatus, len(m.RecipientStatus))
	for key, status := range m.RecipientStatus {
		statuses[UserIDFromURL(key)] = status
	}
	return statuses
}

func UserIDFromURL(id string) UserID {
	return UserID(strings.TrimPrefix(id, identityURLPrefix))
}

func IdentityURL(userID UserID) string {
	return identityURLPrefix + string(userID)
}

// UUID returns the trailing id segment of a platform object URL.
func (c ConversationID) UUID() string {
	return strings.TrimPrefix(string(c), conversationURLPrefix)
}

func (m MessageID) UUID() string {
	return strings.TrimPrefix(string(m), messageURLPrefix)
}
