package convsync

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

type capturedRequest struct {
	Method string
	Path   string
	Query  string
	Auth   string
	Body   string
}

func newAPIServer(t *testing.T, status int, response string) (*Client, chan capturedRequest) {
	t.Helper()
	reqs := make(chan capturedRequest, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		reqs <- capturedRequest{
			Method: r.Method,
			Path:   r.URL.EscapedPath(),
			Query:  r.URL.RawQuery,
			Auth:   r.Header.Get("Authorization"),
			Body:   string(body),
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, response)
	}))
	t.Cleanup(srv.Close)
	return NewClient("tok", WithBaseURL(srv.URL+"/"), WithRateLimit(0, 0)), reqs
}

func ok(data string) string {
	return `{"ok":true,"data":` + data + `}`
}

// ============================================================================
// Tests
// ============================================================================

func TestNewClientDefaults(t *testing.T) {
	c := NewClient("tok")
	assert.Equal(t, DefaultBaseURL, c.BaseURL())
	assert.Equal(t, DefaultTimeout, c.httpClient.Timeout)
	assert.NotNil(t, c.limiter)

	c = NewClient("tok", WithBaseURL("https://chat.test/"), WithTimeout(time.Second))
	assert.Equal(t, "https://chat.test", c.BaseURL())
	assert.Equal(t, time.Second, c.httpClient.Timeout)
}

func TestClientEndpoints(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name     string
		call     func(c *Client) error
		response string
		want     capturedRequest
	}{
		{
			name:     "health",
			call:     func(c *Client) error { return c.Health(ctx) },
			response: ok(`{"status":"up"}`),
			want:     capturedRequest{Method: http.MethodGet, Path: "/api/health"},
		},
		{
			name: "list conversations",
			call: func(c *Client) error {
				convs, err := c.ListConversations(ctx)
				if err == nil {
					assert.Equal(t, "c1", convs[0].ID)
					assert.Equal(t, 2, convs[0].UnreadCount)
				}
				return err
			},
			response: ok(`[{"id":"c1","participant_ids":["a","b"],"unread_count":2}]`),
			want:     capturedRequest{Method: http.MethodGet, Path: "/api/conversations"},
		},
		{
			name: "list messages",
			call: func(c *Client) error {
				msgs, err := c.ListMessages(ctx, "c 1", &ListOptions{Limit: 50, Before: "m9"})
				if err == nil {
					assert.Len(t, msgs, 1)
				}
				return err
			},
			response: ok(`[{"id":"m1","sender_id":"a","content":"hi","status":"read"}]`),
			want:     capturedRequest{Method: http.MethodGet, Path: "/api/conversations/c%201/messages", Query: "before=m9&limit=50"},
		},
		{
			name: "send message",
			call: func(c *Client) error {
				m, err := c.SendMessage(ctx, "c1", SendMessageRequest{Content: "hi", CorrelationID: "1-x"})
				if err == nil {
					assert.Equal(t, "m1", m.ID)
					assert.Equal(t, CorrelationID("1-x"), m.CorrelationID)
				}
				return err
			},
			response: ok(`{"id":"m1","correlation_id":"1-x","status":"sent"}`),
			want: capturedRequest{Method: http.MethodPost, Path: "/api/conversations/c1/messages",
				Body: `{"content":"hi","correlation_id":"1-x"}`},
		},
		{
			name:     "update message status",
			call:     func(c *Client) error { return c.UpdateMessageStatus(ctx, "m1", StatusRead) },
			response: ok(`null`),
			want:     capturedRequest{Method: http.MethodPatch, Path: "/api/messages/m1/status", Body: `{"status":"read"}`},
		},
		{
			name: "add reaction",
			call: func(c *Client) error {
				r, err := c.AddReaction(ctx, "m1", "like")
				if err == nil {
					assert.Equal(t, "r1", r.ID)
				}
				return err
			},
			response: ok(`{"id":"r1","user_id":"me","reaction_type":"like"}`),
			want:     capturedRequest{Method: http.MethodPost, Path: "/api/messages/m1/reactions", Body: `{"reaction_type":"like"}`},
		},
		{
			name:     "remove reaction",
			call:     func(c *Client) error { return c.RemoveReaction(ctx, "m1", "like") },
			response: `{"ok":true}`,
			want:     capturedRequest{Method: http.MethodDelete, Path: "/api/messages/m1/reactions/like"},
		},
		{
			name: "update conversation",
			call: func(c *Client) error {
				archived := true
				conv, err := c.UpdateConversation(ctx, "c1", ConversationPatch{Archived: &archived})
				if err == nil {
					assert.True(t, conv.Archived)
				}
				return err
			},
			response: ok(`{"id":"c1","is_archived":true}`),
			want:     capturedRequest{Method: http.MethodPatch, Path: "/api/conversations/c1", Body: `{"is_archived":true}`},
		},
		{
			name:     "register push token",
			call:     func(c *Client) error { return c.RegisterPushToken(ctx, PushRegistration{Token: "dev", Platform: "ios"}) },
			response: `{"ok":true}`,
			want:     capturedRequest{Method: http.MethodPost, Path: "/api/push/register", Body: `{"token":"dev","platform":"ios"}`},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, reqs := newAPIServer(t, http.StatusOK, tt.response)
			require.NoError(t, tt.call(c))

			got := <-reqs
			assert.Equal(t, tt.want.Method, got.Method)
			assert.Equal(t, tt.want.Path, got.Path)
			assert.Equal(t, tt.want.Query, got.Query)
			assert.Equal(t, "Bearer tok", got.Auth)
			if tt.want.Body == "" {
				assert.Empty(t, got.Body)
			} else {
				assert.JSONEq(t, tt.want.Body, got.Body)
			}
		})
	}
}

func TestClientAPIError(t *testing.T) {
	c, _ := newAPIServer(t, http.StatusConflict, `{"ok":false,"error":{"code":"CONFLICT","message":"already reacted"}}`)

	_, err := c.AddReaction(context.Background(), "m1", "like")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "CONFLICT", apiErr.Code)
	assert.Equal(t, "CONFLICT: already reacted", err.Error())
}

func TestClientNonJSONError(t *testing.T) {
	c, _ := newAPIServer(t, http.StatusBadGateway, `<html>bad gateway</html>`)

	err := c.Health(context.Background())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "HTTP_502", apiErr.Code)
}

func TestClientNotOKWithoutError(t *testing.T) {
	c, _ := newAPIServer(t, http.StatusOK, `{"ok":false}`)

	_, err := c.ListConversations(context.Background())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "HTTP_200", apiErr.Code)
}

func TestClientNoToken(t *testing.T) {
	c, reqs := newAPIServer(t, http.StatusOK, `{"ok":true}`)
	c.SetToken("")
	require.NoError(t, c.Health(context.Background()))
	assert.Empty(t, (<-reqs).Auth)
}

func TestClientRateLimit(t *testing.T) {
	c, _ := newAPIServer(t, http.StatusOK, `{"ok":true}`)
	WithRateLimit(0.001, 1)(c)

	require.NoError(t, c.Health(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.Health(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit")
}

func TestClientImplementsAPI(t *testing.T) {
	var _ API = (*Client)(nil)
	var _ TypingSender = (*RealtimeClient)(nil)

	raw, err := json.Marshal(SendMessageRequest{Content: "x"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"content":"x","correlation_id":""}`, string(raw))
}
