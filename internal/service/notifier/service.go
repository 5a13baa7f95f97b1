package notifier

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/labstack/gommon/log"

	"github.com/mabilbao/layer-webhooks-sendgrid/internal/email"
	"github.com/mabilbao/layer-webhooks-sendgrid/internal/model"
	"github.com/mabilbao/layer-webhooks-sendgrid/internal/queue"
	"github.com/mabilbao/layer-webhooks-sendgrid/internal/service/identity"
	"github.com/mabilbao/layer-webhooks-sendgrid/internal/templates"
	"github.com/mabilbao/layer-webhooks-sendgrid/pkg/address"
)

const (
	jobUnreadCheck = "unread-check"
	jobSendEmail   = "send-email"
)

type Config struct {
	Name            string
	Delay           time.Duration
	ReportForStatus []model.RecipientStatus
	EmailDomain     string
}

type Queue interface {
	Register(jobType string, handler queue.Handler, opts ...queue.RegisterOption)
	Enqueue(ctx context.Context, jobType string, payload interface{}, opts ...queue.Option) (*queue.Job, error)
}

type Receipts interface {
	SaveMessage(ctx context.Context, message *model.Message) error
	ApplyStatuses(ctx context.Context, messageID model.MessageID, statuses map[model.UserID]model.RecipientStatus) error
	MarkDeleted(ctx context.Context, messageID model.MessageID) error
	Message(ctx context.Context, id model.MessageID) (*model.Message, error)
	Status(ctx context.Context, messageID model.MessageID, userID model.UserID) (model.RecipientStatus, error)
}

type Renderer interface {
	Render(name string, ctx *templates.Context) (string, error)
}

// Event is a receipts webhook event.
type Event struct {
	Type    model.EventType
	Actor   model.UserID
	Message model.Message
}

// Delivery is the delayed payload form, where the platform has already
// waited and filtered the recipients.
type Delivery struct {
	Message    model.Message
	Recipients []model.UserID
	Identities map[model.UserID]*model.Identity
}

type Notifier struct {
	config   Config
	queue    Queue
	receipts Receipts
	resolver identity.Resolver
	renderer Renderer
	sender   email.Sender
	enricher Enricher
	logger   *log.Logger
}

type Option func(*Notifier)

func WithEnricher(enricher Enricher) Option {
	return func(n *Notifier) { n.enricher = enricher }
}

func New(config Config, q Queue, receipts Receipts, resolver identity.Resolver, renderer Renderer, sender email.Sender, logger *log.Logger, opts ...Option) *Notifier {
	if len(config.ReportForStatus) == 0 {
		config.ReportForStatus = []model.RecipientStatus{model.RecipientStatusSent, model.RecipientStatusDelivered}
	}
	n := &Notifier{
		config:   config,
		queue:    q,
		receipts: receipts,
		resolver: resolver,
		renderer: renderer,
		sender:   sender,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func (n *Notifier) JobType(kind string) string {
	return n.config.Name + " " + kind
}

// Register attaches the notifier's workers to the queue.
func (n *Notifier) Register() {
	n.queue.Register(n.JobType(jobUnreadCheck), n.handleUnreadCheck, queue.OnExhausted(n.unreadCheckExhausted))
	n.queue.Register(n.JobType(jobSendEmail), n.handleSendEmail, queue.OnExhausted(n.sendEmailExhausted))
}

func (n *Notifier) HandleEvent(ctx context.Context, event *Event) error {
	message := &event.Message
	if message.ID == "" {
		return fmt.Errorf("%s event without message id", event.Type)
	}

	switch event.Type {
	case model.EventMessageSent:
		if err := n.receipts.SaveMessage(ctx, message); err != nil {
			return fmt.Errorf("saving message: %w", err)
		}
		job, err := n.queue.Enqueue(ctx, n.JobType(jobUnreadCheck), &model.UnreadCheckJob{MessageID: message.ID},
			queue.WithDelay(n.config.Delay),
			queue.WithDedupeKey(model.DedupeKey(n.config.Name, jobUnreadCheck, string(message.ID))))
		if errors.Is(err, queue.ErrDuplicate) {
			n.logger.Debugf("message %s already scheduled", message.ID)
			return nil
		}
		if err != nil {
			return fmt.Errorf("scheduling unread check: %w", err)
		}
		n.logger.Infof("message %s: checking for unread recipients %s", message.ID, humanize.Time(job.RunTime()))
		return nil

	case model.EventMessageDelivered, model.EventMessageRead:
		statuses := message.Statuses()
		if event.Actor != "" {
			if _, ok := statuses[event.Actor]; !ok {
				statuses[event.Actor] = eventStatus(event.Type)
			}
		}
		if err := n.receipts.ApplyStatuses(ctx, message.ID, statuses); err != nil {
			return fmt.Errorf("applying receipts: %w", err)
		}
		return nil

	case model.EventMessageDeleted:
		if err := n.receipts.MarkDeleted(ctx, message.ID); err != nil {
			return fmt.Errorf("marking deleted: %w", err)
		}
		return nil
	}

	n.logger.Debugf("ignoring %s event", event.Type)
	return nil
}

func eventStatus(t model.EventType) model.RecipientStatus {
	if t == model.EventMessageRead {
		return model.RecipientStatusRead
	}
	return model.RecipientStatusDelivered
}

func (n *Notifier) HandleDelayed(ctx context.Context, delivery *Delivery) error {
	return n.fanOut(ctx, &delivery.Message, delivery.Recipients, delivery.Identities)
}

// Process notifies every recipient of message whose status is still one of
// the reported statuses.
func (n *Notifier) Process(ctx context.Context, message *model.Message, identities map[model.UserID]*model.Identity) error {
	return n.fanOut(ctx, message, n.Recipients(message), identities)
}

// Recipients returns the users to notify about message, sorted by id. The
// sender is never among them.
func (n *Notifier) Recipients(message *model.Message) []model.UserID {
	recipients := []model.UserID{}
	for userID, status := range message.Statuses() {
		if userID == message.Sender.UserID || !n.reportable(status) {
			continue
		}
		recipients = append(recipients, userID)
	}
	sort.Slice(recipients, func(i, j int) bool { return recipients[i] < recipients[j] })
	return recipients
}

func (n *Notifier) reportable(status model.RecipientStatus) bool {
	for _, s := range n.config.ReportForStatus {
		if s == status {
			return true
		}
	}
	return false
}

// fanOut enqueues one send-email job per recipient. A recipient whose
// identity cannot be resolved does not hold up the others; the lookup errors
// are returned afterwards, permanent only when none of them is temporary.
func (n *Notifier) fanOut(ctx context.Context, message *model.Message, recipients []model.UserID, identities map[model.UserID]*model.Identity) error {
	if len(recipients) == 0 {
		return nil
	}

	sender, err := n.identity(ctx, message.Sender.UserID, identities)
	if err != nil {
		if !identity.Temporary(err) {
			return queue.Permanent(err)
		}
		return err
	}

	var failures []error
	temporary := false
	for _, userID := range recipients {
		if userID == message.Sender.UserID {
			continue
		}

		recipient, err := n.identity(ctx, userID, identities)
		if err != nil {
			n.logger.Warnf("Recipient %s of message %s: %v", userID, message.ID, err)
			failures = append(failures, err)
			temporary = temporary || identity.Temporary(err)
			continue
		}
		if recipient.Email == "" {
			n.logger.Infof("Recipient %s: %v", userID, model.ErrorMissingRecipientAddress)
			continue
		}

		_, err = n.queue.Enqueue(ctx, n.JobType(jobSendEmail), &model.NotificationJob{
			Message:         *message,
			Sender:          *sender,
			Recipient:       *recipient,
			RecipientUserID: userID,
		}, queue.WithDedupeKey(model.DedupeKey(n.config.Name, jobSendEmail, string(message.ID), string(userID))))
		if err != nil && !errors.Is(err, queue.ErrDuplicate) {
			n.logger.Errorf("%s: Unable to create %s job for %s: %v", n.config.Name, jobSendEmail, userID, err)
		}
	}

	if len(failures) == 0 {
		return nil
	}
	err = errors.Join(failures...)
	if !temporary {
		return queue.Permanent(err)
	}
	return err
}

func (n *Notifier) identity(ctx context.Context, userID model.UserID, identities map[model.UserID]*model.Identity) (*model.Identity, error) {
	if identity, ok := identities[userID]; ok && identity != nil {
		if identity.UserID == "" {
			identity.UserID = userID
		}
		return identity, nil
	}
	return n.resolver.Resolve(ctx, userID)
}

func (n *Notifier) handleUnreadCheck(ctx context.Context, job *queue.Job) error {
	payload := &model.UnreadCheckJob{}
	if err := job.Decode(payload); err != nil {
		return err
	}

	message, err := n.receipts.Message(ctx, payload.MessageID)
	if errors.Is(err, model.ErrorMessageNotFound) {
		return queue.Permanent(err)
	}
	if err != nil {
		return err
	}

	return n.Process(ctx, message, nil)
}

func (n *Notifier) handleSendEmail(ctx context.Context, job *queue.Job) error {
	payload := &model.NotificationJob{}
	if err := job.Decode(payload); err != nil {
		return err
	}
	message := &payload.Message

	if payload.Recipient.Email == "" {
		n.logger.Infof("Recipient %s does not have an email address", payload.RecipientUserID)
		return nil
	}

	status, err := n.receipts.Status(ctx, message.ID, payload.RecipientUserID)
	switch {
	case errors.Is(err, model.ErrorMessageNotFound):
	case err != nil:
		return err
	case !n.reportable(status):
		n.logger.Infof("Recipient %s is now %s for message %s; not sending", payload.RecipientUserID, status, message.ID)
		return nil
	}

	tctx := &templates.Context{
		Message:      *message,
		Conversation: model.Conversation{ID: message.Conversation.ID, Metadata: map[string]string{}},
		Sender:       payload.Sender,
		Recipient:    payload.Recipient,
		Text:         message.Text(),
	}
	if n.enricher != nil {
		if err := n.enricher.Enrich(ctx, tctx); err != nil {
			return err
		}
	}

	msg, err := n.compose(tctx)
	if err != nil {
		return queue.Permanent(err)
	}
	msg.To = payload.Recipient.Email
	msg.From = address.Address(string(message.Conversation.ID), string(payload.RecipientUserID), n.config.EmailDomain)

	n.logger.Infof("Recipient %s is getting an email at %s for not reading message", payload.RecipientUserID, msg.To)
	if err := n.sender.Send(ctx, msg); err != nil {
		if email.IsPermanent(err) {
			return queue.Permanent(err)
		}
		return err
	}
	return nil
}

func (n *Notifier) compose(tctx *templates.Context) (*email.Email, error) {
	msg := &email.Email{}
	fields := []struct {
		name string
		dest *string
	}{
		{templates.NameText, &msg.Text},
		{templates.NameHTML, &msg.HTML},
		{templates.NameSubject, &msg.Subject},
		{templates.NameFromName, &msg.FromName},
	}
	for _, f := range fields {
		out, err := n.renderer.Render(f.name, tctx)
		if err != nil {
			return nil, err
		}
		*f.dest = out
	}
	return msg, nil
}

func (n *Notifier) unreadCheckExhausted(job *queue.Job, err error) {
	payload := &model.UnreadCheckJob{}
	_ = job.Decode(payload)
	n.logger.Errorf("%s: %s: %s job %s for message %s gave up after %d attempts: %v",
		time.Now().Format(time.RFC3339), n.config.Name, job.Type, job.ID, payload.MessageID, job.Attempts, err)
}

func (n *Notifier) sendEmailExhausted(job *queue.Job, err error) {
	payload := &model.NotificationJob{}
	_ = job.Decode(payload)
	n.logger.Errorf("%s: %s: %s job %s for conversation %s recipient %s gave up after %d attempts: %v",
		time.Now().Format(time.RFC3339), n.config.Name, job.Type, job.ID,
		payload.Message.Conversation.ID, payload.RecipientUserID, job.Attempts, err)
}
