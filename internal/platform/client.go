package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mabilbao/layer-webhooks-sendgrid/internal/model"
)

const mediaType = "application/vnd.layer+json; version=3.0"

// Client talks to the messaging platform's server API with a bearer token.
type Client struct {
	baseURL    string
	appID      string
	token      string
	httpClient *http.Client
}

func NewClient(baseURL, appID, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		appID:   appID,
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) GetIdentity(ctx context.Context, userID model.UserID) (*model.Identity, error) {
	res := &IdentityPayload{}
	path := fmt.Sprintf("/apps/%s/users/%s/identity", c.appID, url.PathEscape(string(userID)))
	if err := c.do(ctx, http.MethodGet, path, nil, res); err != nil {
		return nil, err
	}
	return res.Identity(userID), nil
}

func (c *Client) GetConversation(ctx context.Context, id model.ConversationID) (*model.Conversation, error) {
	res := &conversationResponse{}
	path := fmt.Sprintf("/apps/%s/conversations/%s", c.appID, url.PathEscape(id.UUID()))
	if err := c.do(ctx, http.MethodGet, path, nil, res); err != nil {
		return nil, err
	}
	return res.conversation(), nil
}

// SendTextFromUser posts a text/plain message to the conversation on behalf
// of the user.
func (c *Client) SendTextFromUser(ctx context.Context, id model.ConversationID, userID model.UserID, text string) error {
	req := &messageRequest{
		SenderID: model.IdentityURL(userID),
		Parts:    []model.Part{{MimeType: model.MimeTypeTextPlain, Body: text}},
	}
	path := fmt.Sprintf("/apps/%s/conversations/%s/messages", c.appID, url.PathEscape(id.UUID()))
	return c.do(ctx, http.MethodPost, path, req, nil)
}

func (c *Client) ListWebhooks(ctx context.Context) ([]Webhook, error) {
	webhooks := []Webhook{}
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/apps/%s/webhooks", c.appID), nil, &webhooks); err != nil {
		return nil, err
	}
	return webhooks, nil
}

// RegisterWebhook creates the webhook unless one already targets the same
// URL, in which case the existing registration is returned.
func (c *Client) RegisterWebhook(ctx context.Context, webhook Webhook) (*Webhook, error) {
	existing, err := c.ListWebhooks(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing webhooks: %w", err)
	}
	for i := range existing {
		if existing[i].TargetURL == webhook.TargetURL {
			return &existing[i], nil
		}
	}

	created := &Webhook{}
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/apps/%s/webhooks", c.appID), webhook, created); err != nil {
		return nil, err
	}
	return created, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, result interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", mediaType)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Method: method, Path: path}
		_ = json.Unmarshal(respBody, apiErr)
		return apiErr
	}

	if result == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("decoding response from %s %s: %w", method, path, err)
	}
	return nil
}
