// Package lattice is the Go client SDK for the Lattice IM service.
//
// It keeps a local view of chat messages, presence, typing activity and
// notifications consistent with the server's event stream, falling back to
// the REST API when the live connection is unavailable.
//
// Example:
//
//	client := lattice.NewClient("lat-token-...")
//	conn := lattice.NewConn(client.BaseURL(), &lattice.ConnConfig{Token: "lat-token-..."})
//	sess := lattice.NewSession(client, conn, profile)
//
//	sess.Start(ctx)
//	sess.SwitchGroup(ctx, "grp-42")
//	sess.Send(ctx, "hello", nil)
package lattice

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
)

const (
	// DefaultBaseURL is the production API endpoint.
	DefaultBaseURL = "https://lattice.chat"

	// DefaultTimeout bounds every REST request.
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the REST API client. The live event stream is handled by Conn;
// the Client covers history fetches, the send fallback path, and everything
// that has no live equivalent.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client

	Auth          *AuthClient
	Groups        *GroupsClient
	Messages      *MessagesClient
	Notifications *NotificationsClient
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURL overrides the API endpoint.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithTimeout overrides the per-request timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a REST client. token may be "" for the login call.
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
	c.Auth = &AuthClient{c: c}
	c.Groups = &GroupsClient{c: c}
	c.Messages = &MessagesClient{c: c}
	c.Notifications = &NotificationsClient{c: c}
	return c
}

// SetToken sets or updates the auth token, e.g. after login.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the configured API endpoint.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ============================================================================
// Internal request helpers
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

	return io.ReadAll(resp.Body)
}

// do performs a request and decodes the envelope, turning a non-OK envelope
// into its *APIError.
func (c *Client) do(ctx context.Context, method, path string, body interface{}, query map[string]string) (*APIResult, error) {
	data, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}
	result, err := decodeJSON[APIResult](data)
	if err != nil {
		return nil, err
	}
	if !result.OK {
		if result.Error != nil {
			return nil, result.Error
		}
		return nil, &APIError{Code: "UNKNOWN", Message: "request failed"}
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

// ============================================================================
// Auth
// ============================================================================

// AuthClient handles login and identity.
type AuthClient struct{ c *Client }

// LoginRequest is the credential payload for Login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Login authenticates and returns a credential ready to persist.
func (a *AuthClient) Login(ctx context.Context, username, password string) (*Credential, error) {
	result, err := a.c.do(ctx, "POST", "/api/auth/login", &LoginRequest{Username: username, Password: password}, nil)
	if err != nil {
		return nil, err
	}
	var data struct {
		Token   string  `json:"token"`
		Profile Profile `json:"profile"`
	}
	if err := result.Decode(&data); err != nil {
		return nil, err
	}
	return &Credential{Token: data.Token, Profile: data.Profile, SavedAt: time.Now()}, nil
}

// Me fetches the profile for the current token.
func (a *AuthClient) Me(ctx context.Context) (*Profile, error) {
	result, err := a.c.do(ctx, "GET", "/api/auth/me", nil, nil)
	if err != nil {
		return nil, err
	}
	var p Profile
	if err := result.Decode(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ============================================================================
// Groups
// ============================================================================

// GroupInfo is a group summary.
type GroupInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	MemberCount int    `json:"memberCount,omitempty"`
}

// GroupsClient handles group metadata and membership.
type GroupsClient struct{ c *Client }

// List returns the groups the current user belongs to.
func (g *GroupsClient) List(ctx context.Context) ([]GroupInfo, error) {
	result, err := g.c.do(ctx, "GET", "/api/groups", nil, nil)
	if err != nil {
		return nil, err
	}
	var groups []GroupInfo
	if err := result.Decode(&groups); err != nil {
		return nil, err
	}
	return groups, nil
}

// Members returns the full membership of a group with its online count.
func (g *GroupsClient) Members(ctx context.Context, groupID string) (*MemberList, error) {
	result, err := g.c.do(ctx, "GET", "/api/groups/"+groupID+"/members", nil, nil)
	if err != nil {
		return nil, err
	}
	var list MemberList
	if err := result.Decode(&list); err != nil {
		return nil, err
	}
	return &list, nil
}

// ============================================================================
// Messages
// ============================================================================

// HistoryParams control a history fetch.
type HistoryParams struct {
	// Before is a cursor: only messages created before this message ID are
	// returned. Empty means latest.
	Before string
	Limit  int
}

// CreateMessageRequest is the REST payload for creating a message. ClientID
// carries the optimistic placeholder's temporary identifier so the confirmed
// message can be correlated with it.
type CreateMessageRequest struct {
	Content  string    `json:"content"`
	Kind     string    `json:"kind"`
	File     *FileInfo `json:"file,omitempty"`
	ClientID string    `json:"clientId,omitempty"`
}

// MessagesClient handles message CRUD and the send fallback path.
type MessagesClient struct{ c *Client }

// History fetches a page of messages for a group, oldest first.
func (m *MessagesClient) History(ctx context.Context, groupID string, params HistoryParams) ([]Message, error) {
	query := map[string]string{}
	if params.Before != "" {
		query["before"] = params.Before
	}
	if params.Limit > 0 {
		query["limit"] = strconv.Itoa(params.Limit)
	}
	if len(query) == 0 {
		query = nil
	}
	result, err := m.c.do(ctx, "GET", "/api/groups/"+groupID+"/messages", nil, query)
	if err != nil {
		return nil, err
	}
	var msgs []Message
	if err := result.Decode(&msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// Create creates a message over REST. Used as the fallback when the live
// transport is down or a live send fails.
func (m *MessagesClient) Create(ctx context.Context, groupID string, req *CreateMessageRequest) (*Message, error) {
	result, err := m.c.do(ctx, "POST", "/api/groups/"+groupID+"/messages", req, nil)
	if err != nil {
		return nil, err
	}
	var msg Message
	if err := result.Decode(&msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Edit replaces a message's content.
func (m *MessagesClient) Edit(ctx context.Context, messageID, content string) error {
	_, err := m.c.do(ctx, "PATCH", "/api/messages/"+messageID, map[string]string{"content": content}, nil)
	return err
}

// Delete soft-deletes a message.
func (m *MessagesClient) Delete(ctx context.Context, messageID string) error {
	_, err := m.c.do(ctx, "DELETE", "/api/messages/"+messageID, nil, nil)
	return err
}

// BulkDelete soft-deletes several messages at once.
func (m *MessagesClient) BulkDelete(ctx context.Context, messageIDs []string) error {
	_, err := m.c.do(ctx, "POST", "/api/messages/bulk-delete", map[string]any{"ids": messageIDs}, nil)
	return err
}

// ToggleReaction adds or removes the caller's emoji reaction and returns the
// server's authoritative reaction list for the message.
func (m *MessagesClient) ToggleReaction(ctx context.Context, messageID, emoji string) ([]Reaction, error) {
	result, err := m.c.do(ctx, "POST", "/api/messages/"+messageID+"/reactions", map[string]string{"emoji": emoji}, nil)
	if err != nil {
		return nil, err
	}
	var reactions []Reaction
	if err := result.Decode(&reactions); err != nil {
		return nil, err
	}
	return reactions, nil
}

// MarkSeen submits a batch seen-mark for the given messages. Local seen
// state is only updated when the server broadcasts the result back.
func (m *MessagesClient) MarkSeen(ctx context.Context, groupID string, messageIDs []string) error {
	_, err := m.c.do(ctx, "POST", "/api/groups/"+groupID+"/seen", map[string]any{"ids": messageIDs}, nil)
	return err
}

// ============================================================================
// Notifications
// ============================================================================

// NotificationsClient handles server-side notification storage.
type NotificationsClient struct{ c *Client }

// List fetches the stored notifications.
func (n *NotificationsClient) List(ctx context.Context) ([]NotificationEntry, error) {
	result, err := n.c.do(ctx, "GET", "/api/notifications", nil, nil)
	if err != nil {
		return nil, err
	}
	var entries []NotificationEntry
	if err := result.Decode(&entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// MarkRead flags one notification read.
func (n *NotificationsClient) MarkRead(ctx context.Context, id string) error {
	_, err := n.c.do(ctx, "POST", "/api/notifications/"+id+"/read", nil, nil)
	return err
}

// Clear removes all stored notifications.
func (n *NotificationsClient) Clear(ctx context.Context) error {
	_, err := n.c.do(ctx, "DELETE", "/api/notifications", nil, nil)
	return err
}
