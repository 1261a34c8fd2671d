// Package livechat is the REST live-agent capability. It exposes the
// optional hand-off facets; the coordinator probes for what this vendor
// actually supports.
package livechat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

const defaultTimeout = 10 * time.Second

// maxErrorBody bounds how much of a vendor error body is kept.
const maxErrorBody = 4 << 10

// Client talks to the live-chat vendor's REST API on behalf of one
// visitor. It implements Loader, MetadataSender, MessageSender and
// ChatStarter; there is no floating button on the REST surface.
type Client struct {
	baseURL  string
	token    string
	clientID string

	httpClient *http.Client

	loadOnce sync.Once
	loadErr  error
}

// Option configures optional Client behavior.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// New creates a Client bound to one visitor identifier.
func New(baseURL, token, clientID string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("livechat: base URL must not be empty")
	}
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("livechat: token must not be empty")
	}
	if strings.TrimSpace(clientID) == "" {
		return nil, errors.New("livechat: client id must not be empty")
	}
	c := &Client{
		baseURL:    baseURL,
		token:      token,
		clientID:   clientID,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// LoadOnce verifies the vendor is reachable. The check runs once per
// Client; later calls return the memoized result.
func (c *Client) LoadOnce(ctx context.Context) error {
	c.loadOnce.Do(func() {
		c.loadErr = c.post(ctx, "/presence", map[string]any{"clientId": c.clientID})
	})
	return c.loadErr
}

// SendMetadata attaches the hand-off context to the visitor profile so
// the agent sees it before the first message.
func (c *Client) SendMetadata(ctx context.Context, fields map[string]string) error {
	return c.post(ctx, "/clientInfo", map[string]any{
		"clientId":   c.clientID,
		"properties": fields,
	})
}

// SendMessage pushes a message into the visitor's conversation.
func (c *Client) SendMessage(ctx context.Context, text string) error {
	return c.post(ctx, "/pushedMessages", map[string]any{
		"clientId": c.clientID,
		"text":     text,
	})
}

// StartChat opens a chat for the visitor. A vendor without the chats
// endpoint answers 404; that is "not started", not a failure.
func (c *Client) StartChat(ctx context.Context) (bool, error) {
	err := c.post(ctx, "/chats", map[string]any{"clientId": c.clientID})
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// APIError is a non-2xx vendor response.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("livechat: api responded %d: %s", e.Status, e.Body)
}

func (c *Client) post(ctx context.Context, path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("livechat: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("livechat: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Simple "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("livechat: %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	return nil
}
