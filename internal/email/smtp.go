package email

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/mabilbao/layer-webhooks-sendgrid/internal/model"
)

type sendMailFunc func(addr string, a sasl.Client, from string, to []string, r io.Reader) error

// SMTPSender relays emails through an SMTP submission server.
type SMTPSender struct {
	addr     string
	auth     sasl.Client
	sendMail sendMailFunc
	now      func() time.Time
}

func NewSMTPSender(addr, username, password string) *SMTPSender {
	var auth sasl.Client
	if username != "" {
		auth = sasl.NewPlainClient("", username, password)
	}
	return &SMTPSender{
		addr:     addr,
		auth:     auth,
		sendMail: smtp.SendMail,
		now:      time.Now,
	}
}

func (s *SMTPSender) Send(ctx context.Context, email *Email) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg, err := Build(email, s.now())
	if err != nil {
		return fmt.Errorf("building email: %w", err)
	}

	if err := s.sendMail(s.addr, s.auth, email.From, []string{email.To}, bytes.NewReader(msg)); err != nil {
		return fmt.Errorf("%w: sending to %s: %w", model.ErrorDelivery, email.To, err)
	}
	return nil
}
