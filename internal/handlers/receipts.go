package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt"
	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"

	"github.com/mabilbao/layer-webhooks-sendgrid/internal/model"
	"github.com/mabilbao/layer-webhooks-sendgrid/internal/platform"
	"github.com/mabilbao/layer-webhooks-sendgrid/internal/service/notifier"
)

type NotifierService interface {
	HandleEvent(ctx context.Context, event *notifier.Event) error
	HandleDelayed(ctx context.Context, delivery *notifier.Delivery) error
}

type webhookPayload struct {
	Event *struct {
		Type  model.EventType `json:"type"`
		Actor *struct {
			UserID model.UserID `json:"user_id"`
		} `json:"actor"`
	} `json:"event"`
	Message    *model.Message                              `json:"message"`
	Recipients []model.UserID                              `json:"recipients"`
	Identities map[model.UserID]*platform.IdentityPayload `json:"identities"`
}

// Receipts accepts the platform's receipt events and its delayed unread
// deliveries.
func Receipts(service NotifierService, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		body := c.Request().Body
		defer body.Close()

		rawRequest, err := io.ReadAll(body)
		if err != nil {
			return fmt.Errorf("reading request body: %w", err)
		}

		payload := &webhookPayload{}
		if err := json.Unmarshal(rawRequest, payload); err != nil || payload.Message == nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid webhook payload")
		}

		ctx := c.Request().Context()
		if payload.Event != nil {
			event := &notifier.Event{Type: payload.Event.Type, Message: *payload.Message}
			if payload.Event.Actor != nil {
				event.Actor = model.UserIDFromURL(string(payload.Event.Actor.UserID))
			}
			if err := service.HandleEvent(ctx, event); err != nil {
				logger.Errorf("handling %s event: %v", event.Type, err)
				return err
			}
			return c.NoContent(http.StatusOK)
		}

		delivery := &notifier.Delivery{
			Message:    *payload.Message,
			Identities: map[model.UserID]*model.Identity{},
		}
		for _, recipient := range payload.Recipients {
			delivery.Recipients = append(delivery.Recipients, model.UserIDFromURL(string(recipient)))
		}
		for userID, identity := range payload.Identities {
			if identity != nil {
				id := model.UserIDFromURL(string(userID))
				delivery.Identities[id] = identity.Identity(id)
			}
		}
		if err := service.HandleDelayed(ctx, delivery); err != nil {
			logger.Errorf("handling delayed delivery for %s: %v", delivery.Message.ID, err)
			return err
		}
		return c.NoContent(http.StatusOK)
	}
}

// WebhookAuth requires a bearer JWT signed with the shared webhook secret.
// An empty secret disables the check.
func WebhookAuth(secret string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		if secret == "" {
			return next
		}
		return func(c echo.Context) error {
			header := c.Request().Header.Get(echo.HeaderAuthorization)
			tokenString := strings.TrimPrefix(header, "Bearer ")
			if tokenString == "" || tokenString == header {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing webhook token")
			}

			_, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
				return []byte(secret), nil
			})
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid webhook token")
			}
			return next(c)
		}
	}
}

func Health() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	}
}
