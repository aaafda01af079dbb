// Package pawchat is the two-party messaging core of the PawPal pet
// adoption marketplace.
//
// A Gateway reads and writes conversations through a Store, keeping a
// session Cache that every Surface of the session renders from. A
// SyncManager merges realtime change events into the same cache.
//
// Example:
//
//	client := pawchat.NewClient(token, pawchat.WithBaseURL("http://localhost:8080"))
//	gw := pawchat.NewGateway(client, pawchat.StaticSession("user-1"))
//
//	rt := client.Realtime(pawchat.RealtimeConfig{AutoReconnect: true})
//	_ = rt.Connect(ctx)
//	sync := pawchat.NewSyncManager(rt, gw)
//
//	inbox := pawchat.NewSurface(pawchat.SurfaceInbox, gw, sync)
//	_ = inbox.Mount(ctx)
package pawchat

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
)

// ============================================================================
// Client
// ============================================================================

const (
	DefaultBaseURL = "http://localhost:8080"
	DefaultTimeout = 30 * time.Second
)

// Client talks to a pawchatd server. It implements Store and ProfileStore;
// the viewer is identified by the token, so viewer arguments are ignored.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

// ClientOption configures a Client.
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

// NewClient creates a client authenticated with a viewer token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken sets or updates the viewer token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the server URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Realtime returns a realtime client for the same server and token.
func (c *Client) Realtime(config RealtimeConfig) *RealtimeClient {
	if config.Token == "" {
		config.Token = c.token
	}
	// The websocket dialer rejects clients with a Timeout; it is bounded by
	// the Connect context instead.
	if config.HTTPClient == nil && c.httpClient.Timeout == 0 {
		config.HTTPClient = c.httpClient
	}
	return NewRealtimeClient(c.baseURL, config)
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
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
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 500 && len(data) == 0 {
		return nil, fmt.Errorf("request failed: %s", resp.Status)
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// do performs a request and unwraps the Result envelope into out.
func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	data, err := c.doRequest(ctx, method, path, body, nil)
	if err != nil {
		return err
	}
	result, err := decodeJSON[Result](data)
	if err != nil {
		return err
	}
	if !result.OK {
		if result.Error != nil {
			return result.Error
		}
		return &APIError{Code: CodeInternal, Message: "request failed"}
	}
	if out == nil {
		return nil
	}
	return result.Decode(out)
}

// ============================================================================
// Store
// ============================================================================

// Health checks the server.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/api/health", nil, nil)
}

// ListConversations implements Store.
func (c *Client) ListConversations(ctx context.Context, _ string) ([]*Conversation, error) {
	var convs []*Conversation
	if err := c.do(ctx, http.MethodGet, "/api/conversations", nil, &convs); err != nil {
		return nil, err
	}
	return convs, nil
}

// GetConversation implements Store.
func (c *Client) GetConversation(ctx context.Context, _, conversationID string) (*Conversation, error) {
	var conv Conversation
	if err := c.do(ctx, http.MethodGet, "/api/conversations/"+url.PathEscape(conversationID), nil, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// ListMessages implements Store.
func (c *Client) ListMessages(ctx context.Context, _, conversationID string) ([]*Message, error) {
	var msgs []*Message
	if err := c.do(ctx, http.MethodGet, "/api/conversations/"+url.PathEscape(conversationID)+"/messages", nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// SendMessageRequest is the body of POST /api/conversations/:id/messages.
type SendMessageRequest struct {
	Content  string `json:"content"`
	ClientID string `json:"clientId,omitempty"`
}

// SendMessage implements Store.
func (c *Client) SendMessage(ctx context.Context, _, conversationID, content, clientID string) (*Message, error) {
	var msg Message
	body := SendMessageRequest{Content: content, ClientID: clientID}
	if err := c.do(ctx, http.MethodPost, "/api/conversations/"+url.PathEscape(conversationID)+"/messages", body, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// StartConversationRequest is the body of POST /api/conversations.
type StartConversationRequest struct {
	StartRequest
	ClientID string `json:"clientId,omitempty"`
}

// StartConversation implements Store.
func (c *Client) StartConversation(ctx context.Context, _ string, req StartRequest, clientID string) (*StartResult, error) {
	var res StartResult
	body := StartConversationRequest{StartRequest: req, ClientID: clientID}
	if err := c.do(ctx, http.MethodPost, "/api/conversations", body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// MarkRead implements Store.
func (c *Client) MarkRead(ctx context.Context, _, conversationID string) error {
	return c.do(ctx, http.MethodPost, "/api/conversations/"+url.PathEscape(conversationID)+"/read", nil, nil)
}

// ============================================================================
// Profiles
// ============================================================================

// UpdateProfileRequest is the body of PUT /api/profile.
type UpdateProfileRequest struct {
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// UpdateProfile sets the display data of the token's viewer.
func (c *Client) UpdateProfile(ctx context.Context, req UpdateProfileRequest) (*Profile, error) {
	var p Profile
	if err := c.do(ctx, http.MethodPut, "/api/profile", req, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// UpsertProfile implements ProfileStore. Only the token's own profile can be
// written.
func (c *Client) UpsertProfile(ctx context.Context, p Profile) error {
	_, err := c.UpdateProfile(ctx, UpdateProfileRequest{DisplayName: p.DisplayName, AvatarURL: p.AvatarURL})
	return err
}

// GetProfile implements ProfileStore.
func (c *Client) GetProfile(ctx context.Context, id string) (*Profile, error) {
	var p Profile
	if err := c.do(ctx, http.MethodGet, "/api/profiles/"+url.PathEscape(id), nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
