// Package api talks to the request/response collaborators: login,
// registration, identity lookup by handle, and message history. All ids
// cross this boundary through the canonical identity.ID type, so a server
// that serializes ids as numbers and one that serializes them as strings
// produce identical values in memory.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"dmchat/internal/conversation"
	"dmchat/internal/identity"
)

var (
	// ErrNotFound means the looked-up handle does not exist.
	ErrNotFound = errors.New("api: not found")
	// ErrInvalidCredentials means login was rejected.
	ErrInvalidCredentials = errors.New("api: invalid credentials")
)

// Session is a successful login: the bearer token and the authenticated
// identity.
type Session struct {
	Token    string            `json:"token"`
	Identity identity.Identity `json:"identity"`
}

// Client is a thin HTTP client over the collaborator endpoints.
type Client struct {
	baseURL string
	http    *http.Client

	mu    sync.RWMutex
	token string
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// SetToken installs the bearer token used on authenticated endpoints.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Token returns the current bearer token, empty when unauthenticated.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Login exchanges credentials for a token and the authenticated identity.
// The token is installed on the client on success.
func (c *Client) Login(ctx context.Context, email, password string) (Session, error) {
	body := map[string]string{"email": email, "password": password}
	var resp struct {
		Token string `json:"token"`
		User  struct {
			ID       identity.ID `json:"id"`
			Username string      `json:"username"`
		} `json:"user"`
	}
	status, err := c.do(ctx, http.MethodPost, "/api/auth/login", body, &resp)
	if err != nil {
		return Session{}, err
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return Session{}, ErrInvalidCredentials
	}
	if status != http.StatusOK {
		return Session{}, fmt.Errorf("api: login: unexpected status %d", status)
	}
	sess := Session{
		Token: resp.Token,
		Identity: identity.Identity{
			ID:     resp.User.ID,
			Handle: resp.User.Username,
		},
	}
	c.SetToken(sess.Token)
	return sess, nil
}

// Register creates a new account. The caller logs in separately.
func (c *Client) Register(ctx context.Context, handle, email, password string) error {
	body := map[string]string{"username": handle, "email": email, "password": password}
	status, err := c.do(ctx, http.MethodPost, "/api/auth/register", body, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return fmt.Errorf("api: register: unexpected status %d", status)
	}
	return nil
}

// LookupHandle resolves a handle to an identity, or ErrNotFound.
func (c *Client) LookupHandle(ctx context.Context, handle string) (identity.Identity, error) {
	var resp struct {
		ID       identity.ID `json:"id"`
		Username string      `json:"username"`
	}
	path := "/api/user/username/" + url.PathEscape(handle)
	status, err := c.do(ctx, http.MethodGet, path, nil, &resp)
	if err != nil {
		return identity.Identity{}, err
	}
	if status == http.StatusNotFound {
		return identity.Identity{}, ErrNotFound
	}
	if status != http.StatusOK {
		return identity.Identity{}, fmt.Errorf("api: lookup %q: unexpected status %d", handle, status)
	}
	if resp.ID.IsZero() {
		return identity.Identity{}, ErrNotFound
	}
	return identity.Identity{ID: resp.ID, Handle: resp.Username}, nil
}

// historyMessage is the collaborator's wire shape. It carries no display
// names; those are backfilled by the resolver.
type historyMessage struct {
	ID        identity.ID `json:"id"`
	Sender    identity.ID `json:"sender"`
	Receiver  identity.ID `json:"receiver"`
	Text      string      `json:"text"`
	CreatedAt time.Time   `json:"createdAt"`
}

// History fetches the full ordered message history between two ids. The
// returned order is the collaborator's order; the store preserves it.
func (c *Client) History(ctx context.Context, self, correspondent identity.ID) ([]conversation.Message, error) {
	var resp []historyMessage
	path := fmt.Sprintf("/api/messages/%s/%s",
		url.PathEscape(self.String()), url.PathEscape(correspondent.String()))
	status, err := c.do(ctx, http.MethodGet, path, nil, &resp)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("api: history: unexpected status %d", status)
	}
	msgs := make([]conversation.Message, 0, len(resp))
	for _, m := range resp {
		msgs = append(msgs, conversation.Message{
			ID:         m.ID,
			SenderID:   m.Sender,
			ReceiverID: m.Receiver,
			Text:       m.Text,
			CreatedAt:  m.CreatedAt,
		})
	}
	return msgs, nil
}

// do performs one request. Non-2xx statuses are returned to the caller for
// endpoint-specific mapping; only transport and decode problems are errors.
func (c *Client) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("api: marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("api: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := c.Token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("api: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("api: decode %s response: %w", path, err)
		}
	} else {
		io.Copy(io.Discard, resp.Body)
	}
	return resp.StatusCode, nil
}
