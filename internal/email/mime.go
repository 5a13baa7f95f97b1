package email

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
)

// Build renders the email as a multipart/alternative RFC 5322 message.
// Replies go to the From address, which carries the conversation token.
func Build(email *Email, date time.Time) ([]byte, error) {
	from := []*mail.Address{{Name: email.FromName, Address: email.From}}

	var h mail.Header
	h.SetDate(date)
	h.SetAddressList("From", from)
	h.SetAddressList("Reply-To", from)
	h.SetAddressList("To", []*mail.Address{{Address: email.To}})
	h.SetSubject(email.Subject)
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("generating message id: %w", err)
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("creating message writer: %w", err)
	}

	iw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("creating inline writer: %w", err)
	}
	if err := writePart(iw, "text/plain", email.Text); err != nil {
		return nil, err
	}
	if email.HTML != "" {
		if err := writePart(iw, "text/html", email.HTML); err != nil {
			return nil, err
		}
	}
	if err := iw.Close(); err != nil {
		return nil, fmt.Errorf("closing inline writer: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("closing message writer: %w", err)
	}

	return buf.Bytes(), nil
}

func writePart(iw *mail.InlineWriter, contentType, body string) error {
	var h mail.InlineHeader
	h.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	h.Set("Content-Transfer-Encoding", "quoted-printable")
	w, err := iw.CreatePart(h)
	if err != nil {
		return fmt.Errorf("creating %s part: %w", contentType, err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		return fmt.Errorf("writing %s part: %w", contentType, err)
	}
	return w.Close()
}

// PlainText extracts the first text/plain body from a raw MIME message. A
// message that is not MIME at all is returned as is.
func PlainText(raw []byte) (string, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return string(raw), nil
	}
	defer mr.Close()

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return "", nil
		}
		if err != nil {
			return "", fmt.Errorf("reading message part: %w", err)
		}

		h, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := h.ContentType()
		if contentType != "" && !strings.HasPrefix(contentType, "text/plain") {
			continue
		}

		body, err := io.ReadAll(part.Body)
		if err != nil {
			return "", fmt.Errorf("reading text part: %w", err)
		}
		return string(body), nil
	}
}
