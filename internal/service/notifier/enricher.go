package notifier

import (
	"context"

	"github.com/labstack/gommon/log"

	"github.com/mabilbao/layer-webhooks-sendgrid/internal/model"
	"github.com/mabilbao/layer-webhooks-sendgrid/internal/templates"
)

const UnnamedConversation = "Unnamed Conversation"

// Enricher may add data to the template context before rendering. An error
// fails the send attempt, which is then retried.
type Enricher interface {
	Enrich(ctx context.Context, tctx *templates.Context) error
}

type EnricherFunc func(ctx context.Context, tctx *templates.Context) error

func (f EnricherFunc) Enrich(ctx context.Context, tctx *templates.Context) error {
	return f(ctx, tctx)
}

type ConversationAPI interface {
	GetConversation(ctx context.Context, id model.ConversationID) (*model.Conversation, error)
}

// NewConversationEnricher loads the full conversation so templates can use
// its metadata. When the conversation cannot be loaded the name falls back
// to UnnamedConversation.
func NewConversationEnricher(api ConversationAPI, logger *log.Logger) Enricher {
	return EnricherFunc(func(ctx context.Context, tctx *templates.Context) error {
		conversation, err := api.GetConversation(ctx, tctx.Conversation.ID)
		if err != nil {
			logger.Errorf("Failed to load Conversation %s to get its name: %v", tctx.Conversation.ID, err)
			tctx.Conversation.Metadata = map[string]string{"conversationName": UnnamedConversation}
			return nil
		}
		if conversation.Metadata == nil {
			conversation.Metadata = map[string]string{}
		}
		tctx.Conversation = *conversation
		return nil
	})
}
