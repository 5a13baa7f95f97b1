package handlers

import (
	"context"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"

	"github.com/mabilbao/layer-webhooks-sendgrid/internal/queue"
	"github.com/mabilbao/layer-webhooks-sendgrid/internal/service/reply"
)

const (
	maxFieldSize   = 10 << 20
	inboundTimeout = 30 * time.Second
)

type ReplyService interface {
	HandleInbound(ctx context.Context, in *reply.Inbound) (*queue.Job, error)
}

// Tasks tracks work that outlives the request that started it.
type Tasks struct {
	wg sync.WaitGroup
}

func (t *Tasks) Go(fn func()) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		fn()
	}()
}

func (t *Tasks) Wait() {
	t.wg.Wait()
}

// InboundEmail accepts the inbound parse webhook. It always answers 200 so the
// email provider never retries; the email is validated and queued in the
// background.
func InboundEmail(service ReplyService, tasks *Tasks, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		fields, err := readFields(c.Request())
		if err != nil {
			logger.Warnf("reading inbound email: %v", err)
			return c.NoContent(http.StatusOK)
		}

		in := &reply.Inbound{
			To:   fields["to"],
			From: fields["from"],
			Text: fields["text"],
			Raw:  fields["email"],
		}
		if in.To == "" || in.From == "" {
			logger.Warnf("Email `To` field lacks key properties; ignoring email")
			return c.NoContent(http.StatusOK)
		}

		tasks.Go(func() {
			ctx, cancel := context.WithTimeout(context.Background(), inboundTimeout)
			defer cancel()
			if _, err := service.HandleInbound(ctx, in); err != nil {
				logger.Debugf("inbound email from %s not queued: %v", in.From, err)
			}
		})

		return c.NoContent(http.StatusOK)
	}
}

// readFields returns the text fields of a form post. Multipart file parts are
// skipped without being read.
func readFields(req *http.Request) (map[string]string, error) {
	fields := map[string]string{}

	mediaType, params, err := mime.ParseMediaType(req.Header.Get(echo.HeaderContentType))
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") {
		if err := req.ParseForm(); err != nil {
			return nil, err
		}
		for key := range req.PostForm {
			fields[key] = req.PostForm.Get(key)
		}
		return fields, nil
	}

	reader := multipart.NewReader(req.Body, params["boundary"])
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			return fields, nil
		}
		if err != nil {
			return nil, err
		}
		if part.FileName() != "" {
			part.Close()
			continue
		}
		value, err := io.ReadAll(io.LimitReader(part, maxFieldSize))
		part.Close()
		if err != nil {
			return nil, err
		}
		if _, ok := fields[part.FormName()]; !ok {
			fields[part.FormName()] = string(value)
		}
	}
}
