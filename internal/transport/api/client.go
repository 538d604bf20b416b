package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/rentglass/chatsync/internal/chat"
)

// Client talks to the snapshot API: conversation lists, message history,
// conversation creation and message posting. It is the request/response
// half of the sync engine; the push channel lives in transport/ws.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     *zerolog.Logger
}

// New builds a snapshot API client for the given base URL.
func New(baseURL string, timeout time.Duration, logger *zerolog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		log:     logger,
	}
}

// SetToken installs the bearer token used on every call.
func (c *Client) SetToken(token string) {
	c.token = token
}

// Login exchanges a user id and display name for a session token.
// Only the development backend exposes this endpoint; production deployments
// hand the token to the client out of band.
func (c *Client) Login(ctx context.Context, userID, name string) (string, error) {
	body := map[string]string{"userId": userID, "name": name}
	raw, err := c.do(ctx, http.MethodPost, "/api/login", body)
	if err != nil {
		return "", err
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Token == "" {
		return "", fmt.Errorf("login response unparseable")
	}
	return resp.Token, nil
}

// ListMine returns the caller's conversations, newest activity first.
// The response may be a bare list or a wrapped object; anything else
// normalizes to an empty list rather than an error.
func (c *Client) ListMine(ctx context.Context) ([]chat.Conversation, error) {
	raw, err := c.do(ctx, http.MethodGet, "/api/conversations", nil)
	if err != nil {
		return nil, err
	}
	return normalizeConversationList(raw), nil
}

// GetMessages returns the message history for a conversation.
// An empty result is a valid state, not an error.
func (c *Client) GetMessages(ctx context.Context, conversationID string) ([]chat.Message, error) {
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages"
	raw, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	return normalizeMessageList(raw), nil
}

// CreateConversation asks the server to create (or reuse) a conversation for
// the given participants and optional subject. The clientID correlates the
// optional preset message with its later confirmation.
func (c *Client) CreateConversation(ctx context.Context, participantIDs []string, subjectRef, presetMessage, clientID string) (*CreateResult, error) {
	body := map[string]any{
		"participantIds": participantIDs,
	}
	if subjectRef != "" {
		body["subjectRef"] = subjectRef
	}
	if presetMessage != "" {
		body["message"] = presetMessage
		body["clientId"] = clientID
	}

	raw, err := c.do(ctx, http.MethodPost, "/api/conversations", body)
	if err != nil {
		return nil, err
	}
	return normalizeCreateResponse(raw)
}

// PostMessage sends a message and returns the server-confirmed copy.
func (c *Client) PostMessage(ctx context.Context, conversationID, body string, attachments []string, icon, clientID string) (*chat.Message, error) {
	payload := map[string]any{
		"clientId": clientID,
	}
	if body != "" {
		payload["body"] = body
	}
	if len(attachments) > 0 {
		payload["attachments"] = attachments
	}
	if icon != "" {
		payload["icon"] = icon
	}

	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages"
	raw, err := c.do(ctx, http.MethodPost, path, payload)
	if err != nil {
		return nil, err
	}

	msg, ok := decodeMessage(raw)
	if !ok {
		return nil, fmt.Errorf("post message: %w", chat.ErrSendFailed)
	}
	return msg, nil
}

// MarkRead reports the read boundary for a conversation.
func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/read"
	_, err := c.do(ctx, http.MethodPost, path, nil)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		c.log.Debug().Int("status", resp.StatusCode).Str("path", path).Msg("api call failed")
		if resp.StatusCode == http.StatusUnauthorized {
			return nil, chat.NewError(chat.ErrCodeUnauthorized, "unauthorized")
		}
		return nil, fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	return raw, nil
}
