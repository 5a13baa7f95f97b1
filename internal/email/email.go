package email

import (
	"context"
	"errors"

	"github.com/emersion/go-smtp"
)

// Email is one outbound notification.
type Email struct {
	To       string
	From     string
	FromName string
	Subject  string
	Text     string
	HTML     string
}

type Sender interface {
	Send(ctx context.Context, email *Email) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, email *Email) error

func (f SenderFunc) Send(ctx context.Context, email *Email) error {
	return f(ctx, email)
}

// IsPermanent reports whether the server rejected the email outright, so
// sending it again will not help.
func IsPermanent(err error) bool {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return smtpErr.Code >= 500
	}
	return false
}
