// Package convsync keeps a client's local view of conversations, messages,
// typing state and presence consistent with a server that pushes events
// over one persistent connection, while the client applies optimistic
// mutations ahead of confirmation.
//
// Example:
//
//	api := convsync.NewClient(token, convsync.WithBaseURL("https://chat.example.com"))
//	engine := convsync.NewSyncEngine(convsync.Config{
//		UserID:   "user-1",
//		Token:    token,
//		Realtime: convsync.RealtimeConfig{URL: "wss://chat.example.com/ws"},
//	}, api)
//	if err := engine.Connect(ctx); err != nil { ... }
//	engine.Store().SendMessage(ctx, "conv-1", "hello", convsync.SendOptions{})
package convsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL = "http://localhost:8080"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the REST collaborator: it hydrates state and performs the
// network half of every optimistic command.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithRateLimit caps outgoing requests at r per second with the given
// burst. Zero r disables limiting.
func WithRateLimit(r float64, burst int) ClientOption {
	return func(c *Client) {
		if r <= 0 {
			c.limiter = nil
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(r), burst)
	}
}

// NewClient creates a REST client authenticated with token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		limiter: rate.NewLimiter(rate.Limit(20), 20),
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the bearer token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the configured base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body any, query url.Values) (*Result, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit: %w", err)
		}
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	result, err := decodeJSON[Result](data)
	if err != nil {
		if resp.StatusCode >= 400 {
			return nil, &APIError{Code: "HTTP_" + strconv.Itoa(resp.StatusCode), Message: http.StatusText(resp.StatusCode)}
		}
		return nil, err
	}
	if !result.OK {
		if result.Error != nil {
			return nil, result.Error
		}
		return nil, &APIError{Code: "HTTP_" + strconv.Itoa(resp.StatusCode), Message: "request not ok"}
	}
	return result, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

func do[T any](ctx context.Context, c *Client, method, path string, body any, query url.Values) (T, error) {
	var out T
	res, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return out, err
	}
	if err := res.Decode(&out); err != nil {
		return out, fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return out, nil
}

// ============================================================================
// Conversations and messages
// ============================================================================

// Health checks that the service is reachable.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.doRequest(ctx, http.MethodGet, "/api/health", nil, nil)
	return err
}

// ListConversations returns the user's conversations.
func (c *Client) ListConversations(ctx context.Context) ([]ConversationState, error) {
	return do[[]ConversationState](ctx, c, http.MethodGet, "/api/conversations", nil, nil)
}

// ListMessages returns a page of a conversation's history, oldest first.
func (c *Client) ListMessages(ctx context.Context, conversationID string, opts *ListOptions) ([]MessageState, error) {
	q := url.Values{}
	if opts != nil {
		if opts.Limit > 0 {
			q.Set("limit", strconv.Itoa(opts.Limit))
		}
		if opts.Before != "" {
			q.Set("before", opts.Before)
		}
	}
	return do[[]MessageState](ctx, c, http.MethodGet, "/api/conversations/"+url.PathEscape(conversationID)+"/messages", nil, q)
}

// SendMessage posts a message. The correlation id is echoed back on the
// confirmed message and on the matching new_message event.
func (c *Client) SendMessage(ctx context.Context, conversationID string, req SendMessageRequest) (MessageState, error) {
	return do[MessageState](ctx, c, http.MethodPost, "/api/conversations/"+url.PathEscape(conversationID)+"/messages", req, nil)
}

// UpdateMessageStatus sets the delivery status of one message.
func (c *Client) UpdateMessageStatus(ctx context.Context, messageID string, status MessageStatus) error {
	body := map[string]MessageStatus{"status": status}
	_, err := c.doRequest(ctx, http.MethodPatch, "/api/messages/"+url.PathEscape(messageID)+"/status", body, nil)
	return err
}

// AddReaction adds the caller's reaction to a message.
func (c *Client) AddReaction(ctx context.Context, messageID, reactionType string) (Reaction, error) {
	body := map[string]string{"reaction_type": reactionType}
	return do[Reaction](ctx, c, http.MethodPost, "/api/messages/"+url.PathEscape(messageID)+"/reactions", body, nil)
}

// RemoveReaction removes the caller's reaction of the given type.
func (c *Client) RemoveReaction(ctx context.Context, messageID, reactionType string) error {
	path := "/api/messages/" + url.PathEscape(messageID) + "/reactions/" + url.PathEscape(reactionType)
	_, err := c.doRequest(ctx, http.MethodDelete, path, nil, nil)
	return err
}

// UpdateConversation applies a partial update.
func (c *Client) UpdateConversation(ctx context.Context, conversationID string, patch ConversationPatch) (ConversationState, error) {
	return do[ConversationState](ctx, c, http.MethodPatch, "/api/conversations/"+url.PathEscape(conversationID), patch, nil)
}

// RegisterPushToken registers a device for push notifications.
func (c *Client) RegisterPushToken(ctx context.Context, reg PushRegistration) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/api/push/register", reg, nil)
	return err
}
