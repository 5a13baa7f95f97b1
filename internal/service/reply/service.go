package reply

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/labstack/gommon/log"

	"github.com/mabilbao/layer-webhooks-sendgrid/internal/email"
	"github.com/mabilbao/layer-webhooks-sendgrid/internal/model"
	"github.com/mabilbao/layer-webhooks-sendgrid/internal/platform"
	"github.com/mabilbao/layer-webhooks-sendgrid/internal/queue"
	"github.com/mabilbao/layer-webhooks-sendgrid/internal/service/identity"
	"github.com/mabilbao/layer-webhooks-sendgrid/pkg/address"
	"github.com/mabilbao/layer-webhooks-sendgrid/pkg/replyparser"
)

const (
	jobPostReply   = "post-reply"
	jobVerifyReply = "verify-reply"
)

var (
	recipientSeparator = regexp.MustCompile(`\s*,\s*`)
	angleAddress       = regexp.MustCompile(`(?m)^.*<(.*?)>.*$`)
	lineBreak          = regexp.MustCompile(`\r?\n`)
)

type Config struct {
	Name        string
	EmailDomain string
}

type Queue interface {
	Register(jobType string, handler queue.Handler, opts ...queue.RegisterOption)
	Enqueue(ctx context.Context, jobType string, payload interface{}, opts ...queue.Option) (*queue.Job, error)
}

type Poster interface {
	SendTextFromUser(ctx context.Context, id model.ConversationID, userID model.UserID, text string) error
}

// Inbound is an email delivered to the inbound parse webhook.
type Inbound struct {
	To   string `json:"to"`
	From string `json:"from"`
	Text string `json:"text,omitempty"`
	Raw  string `json:"raw,omitempty"`
}

type Service struct {
	config   Config
	queue    Queue
	resolver identity.Resolver
	poster   Poster
	logger   *log.Logger
}

func New(config Config, q Queue, resolver identity.Resolver, poster Poster, logger *log.Logger) *Service {
	return &Service{config, q, resolver, poster, logger}
}

func (s *Service) JobType() string {
	return s.config.Name + " " + jobPostReply
}

// VerifyJobType names the jobs holding inbound emails whose sender could not
// be checked yet.
func (s *Service) VerifyJobType() string {
	return s.config.Name + " " + jobVerifyReply
}

func (s *Service) Register() {
	s.queue.Register(s.JobType(), s.handlePostReply, queue.OnExhausted(s.postReplyExhausted))
	s.queue.Register(s.VerifyJobType(), s.handleVerifyReply, queue.OnExhausted(s.verifyReplyExhausted))
}

// HandleInbound validates an inbound email and schedules its reply text to be
// posted to the conversation. Rejected emails are logged and returned as
// errors; nothing is enqueued for them. When the sender's identity cannot be
// looked up for now, the email itself is queued and checked again later.
func (s *Service) HandleInbound(ctx context.Context, in *Inbound) (*queue.Job, error) {
	payload, err := s.parse(ctx, in)
	if deferrable(err) {
		s.logger.Warnf("Sender of email to %s not verified yet: %v", in.To, err)
		job, err := s.queue.Enqueue(ctx, s.VerifyJobType(), in)
		if err != nil {
			s.logger.Errorf("%s: Unable to create %s job: %v", s.config.Name, jobVerifyReply, err)
			return nil, err
		}
		return job, nil
	}
	if err != nil {
		s.logger.Warnf("Email rejected: %v", err)
		return nil, err
	}
	return s.enqueueReply(ctx, payload)
}

func deferrable(err error) bool {
	return errors.Is(err, model.ErrorIdentityLookup) && identity.Temporary(err)
}

func (s *Service) enqueueReply(ctx context.Context, payload *model.ReplyJob, opts ...queue.Option) (*queue.Job, error) {
	if payload.Text == "" {
		s.logger.Infof("Email from %s to conversation %s has no reply text; ignoring", payload.SenderUserID, payload.ConversationID)
		return nil, nil
	}

	job, err := s.queue.Enqueue(ctx, s.JobType(), payload, opts...)
	if err != nil {
		if !errors.Is(err, queue.ErrDuplicate) {
			s.logger.Errorf("%s: Unable to create %s job: %v", s.config.Name, jobPostReply, err)
		}
		return nil, err
	}
	return job, nil
}

func (s *Service) parse(ctx context.Context, in *Inbound) (*model.ReplyJob, error) {
	to := s.matchRecipient(in.To)
	if to == "" {
		return nil, fmt.Errorf("%w: %q", model.ErrorNoMatchingRecipient, in.To)
	}

	token := address.LocalPart(bareAddress(to))
	reply, err := address.Decode(token)
	if err != nil {
		return nil, err
	}

	from := bareAddress(in.From)
	userID := model.UserID(reply.User)
	user, err := s.resolver.Resolve(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(strings.TrimSpace(user.Email), from) {
		return nil, fmt.Errorf("%w: recipient %s has an email of %s but message comes from %s",
			model.ErrorSenderMismatch, userID, user.Email, from)
	}

	body := in.Text
	if strings.TrimSpace(body) == "" && in.Raw != "" {
		if body, err = email.PlainText([]byte(in.Raw)); err != nil {
			return nil, fmt.Errorf("extracting text from raw email: %w", err)
		}
	}

	return &model.ReplyJob{
		ConversationID: model.ConversationID(reply.Conversation),
		SenderUserID:   userID,
		Text:           replyparser.Read(Unwrap(body, token)).VisibleText(),
	}, nil
}

// matchRecipient returns the first recipient in a raw To header that belongs
// to the reply domain.
func (s *Service) matchRecipient(to string) string {
	domain := strings.ToLower(s.config.EmailDomain)
	if domain == "" {
		return ""
	}
	for _, candidate := range recipientSeparator.Split(strings.TrimSpace(to), -1) {
		if strings.Contains(strings.ToLower(candidate), domain) {
			return candidate
		}
	}
	return ""
}

func bareAddress(addr string) string {
	if parsed, err := mail.ParseAddress(addr); err == nil {
		return parsed.Address
	}
	addr = strings.TrimSpace(addr)
	if strings.Contains(addr, "<") {
		addr = angleAddress.ReplaceAllString(addr, "$1")
	}
	return strings.TrimSpace(addr)
}

// Unwrap undoes the line wrapping some clients apply to the long reply-to
// address in quote headers: the first line starting with the token is joined
// onto the line before it.
func Unwrap(body, token string) string {
	lines := lineBreak.Split(body, -1)
	if token == "" {
		return strings.Join(lines, "\n")
	}
	for i := 1; i < len(lines); i++ {
		if strings.HasPrefix(strings.TrimPrefix(lines[i], "<"), token) {
			lines[i-1] += lines[i]
			lines = append(lines[:i], lines[i+1:]...)
			break
		}
	}
	return strings.Join(lines, "\n")
}

func (s *Service) handlePostReply(ctx context.Context, job *queue.Job) error {
	payload := &model.ReplyJob{}
	if err := job.Decode(payload); err != nil {
		return err
	}

	err := s.poster.SendTextFromUser(ctx, payload.ConversationID, payload.SenderUserID, payload.Text)
	if err != nil {
		s.logger.Errorf("%s: Failed to post email to Conversation %s: %v", s.config.Name, payload.ConversationID, err)
		var apiErr *platform.APIError
		if errors.As(err, &apiErr) && !apiErr.Temporary() {
			return queue.Permanent(err)
		}
		return err
	}

	s.logger.Infof("Response posted to Conversation %s for %s: %s", payload.ConversationID, payload.SenderUserID, payload.Text)
	return nil
}

func (s *Service) handleVerifyReply(ctx context.Context, job *queue.Job) error {
	in := &Inbound{}
	if err := job.Decode(in); err != nil {
		return err
	}

	payload, err := s.parse(ctx, in)
	if deferrable(err) {
		return err
	}
	if err != nil {
		s.logger.Warnf("Email rejected: %v", err)
		return queue.Permanent(err)
	}

	_, err = s.enqueueReply(ctx, payload, queue.WithDedupeKey(model.DedupeKey(s.config.Name, jobVerifyReply, job.ID)))
	if errors.Is(err, queue.ErrDuplicate) {
		return nil
	}
	return err
}

func (s *Service) postReplyExhausted(job *queue.Job, err error) {
	payload := &model.ReplyJob{}
	_ = job.Decode(payload)
	s.logger.Errorf("%s: %s: %s job %s for conversation %s sender %s gave up after %d attempts: %v",
		time.Now().Format(time.RFC3339), s.config.Name, job.Type, job.ID,
		payload.ConversationID, payload.SenderUserID, job.Attempts, err)
}

func (s *Service) verifyReplyExhausted(job *queue.Job, err error) {
	in := &Inbound{}
	_ = job.Decode(in)
	s.logger.Errorf("%s: %s: %s job %s for email from %s to %s gave up after %d attempts: %v",
		time.Now().Format(time.RFC3339), s.config.Name, job.Type, job.ID,
		in.From, in.To, job.Attempts, err)
}
