package platform

import (
	"fmt"

	"github.com/mabilbao/layer-webhooks-sendgrid/internal/model"
)

// APIError is a non-2xx response from the platform API.
type APIError struct {
	StatusCode int    `json:"-"`
	Method     string `json:"-"`
	Path       string `json:"-"`
	ID         string `json:"id"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("platform API error (%d) on %s %s: %s: %s", e.StatusCode, e.Method, e.Path, e.ID, e.Message)
	}
	return fmt.Sprintf("unexpected status %d on %s %s", e.StatusCode, e.Method, e.Path)
}

// Temporary reports whether retrying the request may succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// IdentityPayload is an identity as the platform serializes it.
type IdentityPayload struct {
	UserID      string                 `json:"user_id"`
	DisplayName string                 `json:"display_name"`
	AvatarURL   string                 `json:"avatar_url"`
	FirstName   string                 `json:"first_name"`
	LastName    string                 `json:"last_name"`
	Email       string                 `json:"email_address"`
	Phone       string                 `json:"phone_number"`
	Metadata    map[string]interface{} `json:"metadata"`
}

func (r *IdentityPayload) Identity(userID model.UserID) *model.Identity {
	identity := &model.Identity{
		UserID:      model.UserID(r.UserID),
		DisplayName: r.DisplayName,
		AvatarURL:   r.AvatarURL,
		FirstName:   r.FirstName,
		LastName:    r.LastName,
		Email:       r.Email,
		Phone:       r.Phone,
		Metadata:    model.FlattenMetadata(r.Metadata),
	}
	if identity.UserID == "" {
		identity.UserID = userID
	}
	return identity
}

type participant struct {
	UserID string `json:"user_id"`
}

type conversationResponse struct {
	ID           string                 `json:"id"`
	Participants []participant          `json:"participants"`
	Metadata     map[string]interface{} `json:"metadata"`
}

func (r *conversationResponse) conversation() *model.Conversation {
	conversation := &model.Conversation{
		ID:       model.ConversationID(r.ID),
		Metadata: model.FlattenMetadata(r.Metadata),
	}
	for _, p := range r.Participants {
		conversation.Participants = append(conversation.Participants, model.UserID(p.UserID))
	}
	return conversation
}

type messageRequest struct {
	SenderID string       `json:"sender_id"`
	Parts    []model.Part `json:"parts"`
}

// Webhook describes a webhook registration.
type Webhook struct {
	ID        string                 `json:"id,omitempty"`
	TargetURL string                 `json:"target_url"`
	Events    []model.EventType      `json:"events"`
	Secret    string                 `json:"secret,omitempty"`
	Config    map[string]interface{} `json:"config,omitempty"`
	Status    string                 `json:"status,omitempty"`
}
