package notifier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/labstack/gommon/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mabilbao/layer-webhooks-sendgrid/internal/email"
	"github.com/mabilbao/layer-webhooks-sendgrid/internal/model"
	"github.com/mabilbao/layer-webhooks-sendgrid/internal/queue"
	"github.com/mabilbao/layer-webhooks-sendgrid/internal/service/identity"
	"github.com/mabilbao/layer-webhooks-sendgrid/internal/store"
	"github.com/mabilbao/layer-webhooks-sendgrid/internal/templates"
	"github.com/mabilbao/layer-webhooks-sendgrid/pkg/address"
)

var testIdentities = map[model.UserID]*model.Identity{
	"s": {UserID: "s", DisplayName: "Sam", Email: "s@example.com"},
	"a": {UserID: "a", DisplayName: "Ann", Email: "a@example.com"},
	"b": {UserID: "b", DisplayName: "Bob", Email: "b@example.com"},
	"c": {UserID: "c", DisplayName: "Cat", Email: "c@example.com"},
	"d": {UserID: "d", DisplayName: "Dan"},
}

type outbox struct {
	mu   sync.Mutex
	sent []*email.Email
	err  error
}

func (o *outbox) Send(ctx context.Context, msg *email.Email) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return o.err
	}
	o.sent = append(o.sent, msg)
	return nil
}

type harness struct {
	queue    *queue.Queue
	receipts *store.Receipts
	outbox   *outbox
	notifier *Notifier
}

func newHarness(t *testing.T, config Config, opts ...Option) *harness {
	t.Helper()

	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	jobs, err := queue.NewStore(db)
	require.NoError(t, err)
	receipts, err := store.NewReceipts(db)
	require.NoError(t, err)
	set, err := templates.New(templates.Source{})
	require.NoError(t, err)

	logger := log.New("test")
	logger.SetOutput(io.Discard)

	resolver := identity.ResolverFunc(func(ctx context.Context, userID model.UserID) (*model.Identity, error) {
		if identity, ok := testIdentities[userID]; ok {
			copied := *identity
			return &copied, nil
		}
		if userID == "gone" {
			return nil, fmt.Errorf("%w: %s: %w", model.ErrorIdentityLookup, userID, model.ErrorIdentityNotFound)
		}
		return nil, model.ErrorIdentityLookup
	})

	h := &harness{receipts: receipts, outbox: &outbox{}}
	h.queue = queue.New(jobs, queue.Config{Backoff: time.Hour}, logger, nil)
	h.notifier = New(config, h.queue, receipts, resolver, set, h.outbox, logger, opts...)
	h.notifier.Register()
	return h
}

func (h *harness) drain(t *testing.T, kind string) int {
	t.Helper()
	n := 0
	for {
		processed, err := h.queue.RunOnce(context.Background(), h.notifier.JobType(kind))
		require.NoError(t, err)
		if !processed {
			return n
		}
		n++
	}
}

func (h *harness) pending(t *testing.T, kind string) []queue.Job {
	t.Helper()
	jobs, err := h.queue.Store().List(context.Background(), queue.StatusPending, 100)
	require.NoError(t, err)
	matching := []queue.Job{}
	for _, job := range jobs {
		if job.Type == h.notifier.JobType(kind) {
			matching = append(matching, job)
		}
	}
	return matching
}

func testMessage() model.Message {
	return model.Message{
		ID:           "layer:///messages/m1",
		Conversation: model.MessageConversation{ID: "layer:///conversations/conv1"},
		Sender:       model.MessageSender{UserID: "s"},
		Parts: []model.Part{
			{MimeType: "text/plain", Body: "hello"},
			{MimeType: "image/png", Body: "..."},
			{MimeType: "text/plain", Body: "world"},
		},
		RecipientStatus: map[string]model.RecipientStatus{
			"layer:///identities/s": model.RecipientStatusRead,
			"layer:///identities/a": model.RecipientStatusRead,
			"layer:///identities/b": model.RecipientStatusSent,
			"layer:///identities/c": model.RecipientStatusDelivered,
		},
	}
}

func testConfig() Config {
	return Config{Name: "Sendgrid Integration", EmailDomain: "reply.example.com"}
}

func TestRecipients(t *testing.T) {
	assert := assert.New(t)

	n := New(testConfig(), nil, nil, nil, nil, nil, log.New("test"))
	message := testMessage()
	assert.Equal([]model.UserID{"b", "c"}, n.Recipients(&message))

	n = New(Config{ReportForStatus: []model.RecipientStatus{model.RecipientStatusSent}}, nil, nil, nil, nil, nil, log.New("test"))
	assert.Equal([]model.UserID{"b"}, n.Recipients(&message))

	message.RecipientStatus["layer:///identities/s"] = model.RecipientStatusSent
	assert.NotContains(n.Recipients(&message), model.UserID("s"))
}

func TestNotifier(t *testing.T) {
	ctx := context.Background()

	t.Run("Unread recipients are emailed after the delay", func(t *testing.T) {
		assert := assert.New(t)
		h := newHarness(t, testConfig())

		message := testMessage()
		assert.Nil(h.notifier.HandleEvent(ctx, &Event{Type: model.EventMessageSent, Message: message}))
		assert.Nil(h.notifier.HandleEvent(ctx, &Event{Type: model.EventMessageSent, Message: message}))

		assert.Equal(1, h.drain(t, jobUnreadCheck))
		assert.Len(h.pending(t, jobSendEmail), 2)

		assert.Equal(2, h.drain(t, jobSendEmail))
		if assert.Len(h.outbox.sent, 2) {
			byTo := map[string]*email.Email{}
			for _, sent := range h.outbox.sent {
				byTo[sent.To] = sent
			}
			bob := byTo["b@example.com"]
			if assert.NotNil(bob) {
				assert.Equal("Unread message from Sam", bob.Subject)
				assert.Equal("Sam", bob.FromName)
				assert.Contains(bob.Text, "Hello Bob;")
				assert.Contains(bob.Text, "hello\nworld")
				assert.Equal(address.Address("layer:///conversations/conv1", "b", "reply.example.com"), bob.From)

				decoded, err := address.Decode(address.LocalPart(bob.From))
				assert.Nil(err)
				assert.Equal("layer:///conversations/conv1", decoded.Conversation)
				assert.Equal("b", decoded.User)
			}
			assert.NotNil(byTo["c@example.com"])
		}
	})

	t.Run("Unread check waits for the delay", func(t *testing.T) {
		assert := assert.New(t)
		config := testConfig()
		config.Delay = time.Hour
		h := newHarness(t, config)

		message := testMessage()
		assert.Nil(h.notifier.HandleEvent(ctx, &Event{Type: model.EventMessageSent, Message: message}))

		pending := h.pending(t, jobUnreadCheck)
		if assert.Len(pending, 1) {
			assert.WithinDuration(time.Now().Add(time.Hour), pending[0].RunTime(), time.Minute)
		}
		assert.Equal(0, h.drain(t, jobUnreadCheck))
	})

	t.Run("Receipts update statuses before the check", func(t *testing.T) {
		assert := assert.New(t)
		h := newHarness(t, testConfig())

		message := testMessage()
		assert.Nil(h.notifier.HandleEvent(ctx, &Event{Type: model.EventMessageSent, Message: message}))

		read := model.Message{ID: message.ID}
		assert.Nil(h.notifier.HandleEvent(ctx, &Event{Type: model.EventMessageRead, Actor: "b", Message: read}))

		assert.Equal(1, h.drain(t, jobUnreadCheck))
		pending := h.pending(t, jobSendEmail)
		if assert.Len(pending, 1) {
			payload := &model.NotificationJob{}
			assert.Nil(pending[0].Decode(payload))
			assert.Equal(model.UserID("c"), payload.RecipientUserID)
		}
	})

	t.Run("Status is checked again before sending", func(t *testing.T) {
		assert := assert.New(t)
		h := newHarness(t, testConfig())

		message := testMessage()
		assert.Nil(h.notifier.HandleEvent(ctx, &Event{Type: model.EventMessageSent, Message: message}))
		assert.Equal(1, h.drain(t, jobUnreadCheck))

		delivered := model.Message{ID: message.ID, RecipientStatus: map[string]model.RecipientStatus{
			"layer:///identities/b": model.RecipientStatusRead,
		}}
		assert.Nil(h.notifier.HandleEvent(ctx, &Event{Type: model.EventMessageDelivered, Message: delivered}))

		assert.Equal(2, h.drain(t, jobSendEmail))
		if assert.Len(h.outbox.sent, 1) {
			assert.Equal("c@example.com", h.outbox.sent[0].To)
		}
	})

	t.Run("Deleted messages are not reported", func(t *testing.T) {
		assert := assert.New(t)
		h := newHarness(t, testConfig())

		message := testMessage()
		assert.Nil(h.notifier.HandleEvent(ctx, &Event{Type: model.EventMessageSent, Message: message}))
		assert.Nil(h.notifier.HandleEvent(ctx, &Event{Type: model.EventMessageDeleted, Message: model.Message{ID: message.ID}}))

		assert.Equal(1, h.drain(t, jobUnreadCheck))
		assert.Len(h.pending(t, jobSendEmail), 0)
	})

	t.Run("Recipients without email are skipped", func(t *testing.T) {
		assert := assert.New(t)
		h := newHarness(t, testConfig())

		message := testMessage()
		message.RecipientStatus["d"] = model.RecipientStatusSent
		assert.Nil(h.notifier.Process(ctx, &message, nil))

		assert.Len(h.pending(t, jobSendEmail), 2)
	})

	t.Run("Delayed delivery uses payload identities", func(t *testing.T) {
		assert := assert.New(t)
		h := newHarness(t, testConfig())

		err := h.notifier.HandleDelayed(ctx, &Delivery{
			Message:    testMessage(),
			Recipients: []model.UserID{"x", "s"},
			Identities: map[model.UserID]*model.Identity{
				"s": {DisplayName: "Sender From Payload"},
				"x": {DisplayName: "Xena", Email: "x@example.com"},
			},
		})
		assert.Nil(err)

		assert.Equal(1, h.drain(t, jobSendEmail))
		if assert.Len(h.outbox.sent, 1) {
			assert.Equal("x@example.com", h.outbox.sent[0].To)
			assert.Equal("Sender From Payload", h.outbox.sent[0].FromName)
		}
	})

	t.Run("Identity lookup failure retries the check", func(t *testing.T) {
		assert := assert.New(t)
		h := newHarness(t, testConfig())

		message := testMessage()
		message.RecipientStatus["ghost"] = model.RecipientStatusSent
		err := h.notifier.Process(ctx, &message, nil)
		assert.ErrorIs(err, model.ErrorIdentityLookup)
	})

	t.Run("A failed lookup does not hold up other recipients", func(t *testing.T) {
		assert := assert.New(t)
		h := newHarness(t, testConfig())

		message := testMessage()
		message.RecipientStatus["bz"] = model.RecipientStatusSent
		err := h.notifier.Process(ctx, &message, nil)
		assert.ErrorIs(err, model.ErrorIdentityLookup)
		assert.False(queue.IsPermanent(err))

		recipients := []model.UserID{}
		for _, job := range h.pending(t, jobSendEmail) {
			payload := &model.NotificationJob{}
			require.NoError(t, job.Decode(payload))
			recipients = append(recipients, payload.RecipientUserID)
		}
		assert.ElementsMatch([]model.UserID{"b", "c"}, recipients)

		// a retry of the check only adds what is still missing
		assert.ErrorIs(h.notifier.Process(ctx, &message, nil), model.ErrorIdentityLookup)
		assert.Len(h.pending(t, jobSendEmail), 2)
	})

	t.Run("Unknown recipients fail the check permanently", func(t *testing.T) {
		assert := assert.New(t)
		h := newHarness(t, testConfig())

		message := testMessage()
		message.RecipientStatus["bz"] = model.RecipientStatusSent
		message.RecipientStatus["gone"] = model.RecipientStatusSent

		err := h.notifier.Process(ctx, &message, nil)
		assert.False(queue.IsPermanent(err))

		delete(message.RecipientStatus, "bz")
		err = h.notifier.Process(ctx, &message, nil)
		assert.ErrorIs(err, model.ErrorIdentityNotFound)
		assert.True(queue.IsPermanent(err))
		assert.Len(h.pending(t, jobSendEmail), 2)
	})

	t.Run("Delivery failures are retried", func(t *testing.T) {
		assert := assert.New(t)
		h := newHarness(t, testConfig())
		h.outbox.err = errors.New("connection refused")

		message := testMessage()
		assert.Nil(h.notifier.Process(ctx, &message, nil))
		assert.Equal(2, h.drain(t, jobSendEmail))

		pending := h.pending(t, jobSendEmail)
		if assert.Len(pending, 2) {
			assert.Equal(1, pending[0].Attempts)
			assert.Equal("connection refused", pending[0].LastError)
		}
	})
}

func TestConversationEnricher(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	logger := log.New("test")
	logger.SetOutput(io.Discard)

	found := NewConversationEnricher(conversationAPIFunc(func(ctx context.Context, id model.ConversationID) (*model.Conversation, error) {
		return &model.Conversation{ID: id, Metadata: map[string]string{"conversationName": "Planning"}}, nil
	}), logger)
	tctx := &templates.Context{Conversation: model.Conversation{ID: "conv1"}}
	assert.Nil(found.Enrich(ctx, tctx))
	assert.Equal("Planning", tctx.Conversation.Metadata["conversationName"])

	missing := NewConversationEnricher(conversationAPIFunc(func(ctx context.Context, id model.ConversationID) (*model.Conversation, error) {
		return nil, errors.New("404")
	}), logger)
	tctx = &templates.Context{Conversation: model.Conversation{ID: "conv1"}}
	assert.Nil(missing.Enrich(ctx, tctx))
	assert.Equal(UnnamedConversation, tctx.Conversation.Metadata["conversationName"])
}

type conversationAPIFunc func(ctx context.Context, id model.ConversationID) (*model.Conversation, error)

func (f conversationAPIFunc) GetConversation(ctx context.Context, id model.ConversationID) (*model.Conversation, error) {
	return f(ctx, id)
}
