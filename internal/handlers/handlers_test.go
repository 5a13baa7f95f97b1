package handlers

import (
	"bytes"
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/golang-jwt/jwt"
	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mabilbao/layer-webhooks-sendgrid/internal/model"
	"github.com/mabilbao/layer-webhooks-sendgrid/internal/queue"
	"github.com/mabilbao/layer-webhooks-sendgrid/internal/service/notifier"
	"github.com/mabilbao/layer-webhooks-sendgrid/internal/service/reply"
)

type fakeReply struct {
	mu      sync.Mutex
	inbound []*reply.Inbound
}

func (f *fakeReply) HandleInbound(ctx context.Context, in *reply.Inbound) (*queue.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inbound = append(f.inbound, in)
	return nil, model.ErrorSenderMismatch
}

type fakeNotifier struct {
	events     []*notifier.Event
	deliveries []*notifier.Delivery
}

func (f *fakeNotifier) HandleEvent(ctx context.Context, event *notifier.Event) error {
	f.events = append(f.events, event)
	return nil
}

func (f *fakeNotifier) HandleDelayed(ctx context.Context, delivery *notifier.Delivery) error {
	f.deliveries = append(f.deliveries, delivery)
	return nil
}

func testLogger() *log.Logger {
	logger := log.New("test")
	logger.SetOutput(io.Discard)
	return logger
}

func TestInboundEmail(t *testing.T) {
	t.Run("Multipart", func(t *testing.T) {
		assert := assert.New(t)
		service := &fakeReply{}
		tasks := &Tasks{}

		body := &bytes.Buffer{}
		w := multipart.NewWriter(body)
		w.WriteField("to", "token@reply.example.com")
		w.WriteField("from", "u1@correctdomain.com")
		w.WriteField("text", "Sure")
		attachment, _ := w.CreateFormFile("attachment1", "secret.pdf")
		attachment.Write([]byte("%PDF-1.4"))
		w.Close()

		e := echo.New()
		req := httptest.NewRequest(http.MethodPost, "/new-email", body)
		req.Header.Set(echo.HeaderContentType, w.FormDataContentType())
		rec := httptest.NewRecorder()

		err := InboundEmail(service, tasks, testLogger())(e.NewContext(req, rec))
		assert.Nil(err)
		assert.Equal(http.StatusOK, rec.Code)

		tasks.Wait()
		if assert.Len(service.inbound, 1) {
			assert.Equal("token@reply.example.com", service.inbound[0].To)
			assert.Equal("u1@correctdomain.com", service.inbound[0].From)
			assert.Equal("Sure", service.inbound[0].Text)
		}
	})

	t.Run("Urlencoded", func(t *testing.T) {
		assert := assert.New(t)
		service := &fakeReply{}
		tasks := &Tasks{}

		form := url.Values{"to": {"token@reply.example.com"}, "from": {"u1@correctdomain.com"}, "email": {"raw"}}
		e := echo.New()
		req := httptest.NewRequest(http.MethodPost, "/new-email", strings.NewReader(form.Encode()))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
		rec := httptest.NewRecorder()

		assert.Nil(InboundEmail(service, tasks, testLogger())(e.NewContext(req, rec)))
		assert.Equal(http.StatusOK, rec.Code)

		tasks.Wait()
		if assert.Len(service.inbound, 1) {
			assert.Equal("raw", service.inbound[0].Raw)
		}
	})

	t.Run("Missing fields still succeed", func(t *testing.T) {
		assert := assert.New(t)
		service := &fakeReply{}
		tasks := &Tasks{}

		e := echo.New()
		req := httptest.NewRequest(http.MethodPost, "/new-email", strings.NewReader("text=hi"))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
		rec := httptest.NewRecorder()

		assert.Nil(InboundEmail(service, tasks, testLogger())(e.NewContext(req, rec)))
		assert.Equal(http.StatusOK, rec.Code)
		tasks.Wait()
		assert.Len(service.inbound, 0)
	})
}

func newReceiptsServer(service NotifierService, secret string) *echo.Echo {
	e := echo.New()
	e.POST("/sendgrid-unread-messages", Receipts(service, testLogger()), WebhookAuth(secret))
	return e
}

func post(e *echo.Echo, body, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/sendgrid-unread-messages", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestReceipts(t *testing.T) {
	const event = `{
		"event": {"type": "message.read", "actor": {"user_id": "layer:///identities/b"}},
		"message": {"id": "layer:///messages/m1", "recipient_status": {"layer:///identities/b": "read"}}
	}`

	t.Run("Event", func(t *testing.T) {
		assert := assert.New(t)
		service := &fakeNotifier{}

		rec := post(newReceiptsServer(service, ""), event, "")
		assert.Equal(http.StatusOK, rec.Code)
		if assert.Len(service.events, 1) {
			assert.Equal(model.EventMessageRead, service.events[0].Type)
			assert.Equal(model.UserID("b"), service.events[0].Actor)
			assert.Equal(model.MessageID("layer:///messages/m1"), service.events[0].Message.ID)
		}
	})

	t.Run("Delayed delivery", func(t *testing.T) {
		assert := assert.New(t)
		service := &fakeNotifier{}

		rec := post(newReceiptsServer(service, ""), `{
			"message": {"id": "m1", "sender": {"user_id": "s"}},
			"recipients": ["layer:///identities/b"],
			"identities": {"b": {"display_name": "Bob", "email_address": "b@example.com"}}
		}`, "")
		assert.Equal(http.StatusOK, rec.Code)
		if assert.Len(service.deliveries, 1) {
			delivery := service.deliveries[0]
			assert.Equal([]model.UserID{"b"}, delivery.Recipients)
			assert.Equal("b@example.com", delivery.Identities["b"].Email)
			assert.Equal("Bob", delivery.Identities["b"].Name())
		}
	})

	t.Run("Bad JSON", func(t *testing.T) {
		rec := post(newReceiptsServer(&fakeNotifier{}, ""), `{"message":`, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("Signed", func(t *testing.T) {
		assert := assert.New(t)
		service := &fakeNotifier{}
		e := newReceiptsServer(service, "Lord of the Mog")

		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"iss": "platform"}).SignedString([]byte("Lord of the Mog"))
		require.NoError(t, err)
		assert.Equal(http.StatusOK, post(e, event, token).Code)

		forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"iss": "platform"}).SignedString([]byte("wrong"))
		require.NoError(t, err)
		assert.Equal(http.StatusUnauthorized, post(e, event, forged).Code)
		assert.Equal(http.StatusUnauthorized, post(e, event, "").Code)

		assert.Len(service.events, 1)
	})
}

func TestHealth(t *testing.T) {
	e := echo.New()
	e.GET("/healthz", Health())
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
