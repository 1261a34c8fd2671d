// Package client implements the HTTP protocol layer against the
// conversational backend. The backend is an opaque service: this client
// only knows the two endpoints, the session-correlation header and the
// reply envelope.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"support-widget/internal/domain"
)

const (
	sessionHeader = "X-Session-ID"

	chatPath  = "/chat"
	clearPath = "/clear_chat_history"

	clearSuccessStatus = "success"
)

// NetworkError is a transport-level failure: the request never produced
// an HTTP response (DNS, TLS, timeout, abort).
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("client: network failure calling %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ServerError is a non-2xx HTTP response from the backend.
type ServerError struct {
	Status int
	Body   string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("client: server returned status %d: %s", e.Status, e.Body)
}

// BackendError is a 2xx response carrying an application-level error
// field. The message is surfaced to the visitor verbatim.
type BackendError struct {
	Message string
}

func (e *BackendError) Error() string {
	return "client: backend error: " + e.Message
}

// ClearRejectedError is a 2xx clear response whose status field is not
// the success sentinel. Distinct from transport failure: the previous
// session stays valid.
type ClearRejectedError struct {
	Status  string
	Message string
}

func (e *ClearRejectedError) Error() string {
	return fmt.Sprintf("client: clear rejected with status %q: %s", e.Status, e.Message)
}

// replyPayload is the wire shape of a /chat response. The backend has
// shipped the answer under both "answer" and "response"; accept either.
type replyPayload struct {
	Error            string `json:"error"`
	FullConversation string `json:"full_conversation"`
	Answer           string `json:"answer"`
	Response         string `json:"response"`
	Escalate         bool   `json:"escalate_to_human"`
	EscalationReason string `json:"escalation_reason"`
	UserQuestion     string `json:"user_question"`
	SessionContext   string `json:"session_context"`
}

// clearPayload is the wire shape of a /clear_chat_history response.
type clearPayload struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

// Client talks to the conversational backend.
type Client struct {
	baseURL    string
	pageHTTPS  bool
	httpClient *http.Client
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithPageHTTPS records that the hosting page is served over HTTPS.
// Outbound URLs are then upgraded from http: to https: so a stale
// configured base URL cannot cause mixed-content failures.
func WithPageHTTPS(enabled bool) Option {
	return func(c *Client) {
		c.pageHTTPS = enabled
	}
}

// New creates a backend client for the given base URL. A trailing slash
// on the base is stripped.
func New(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("client: base URL must not be empty")
	}
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// endpoint joins the base URL and path, applying the forced-protocol
// upgrade when the hosting page is HTTPS.
func (c *Client) endpoint(path string) string {
	url := c.baseURL + path
	if c.pageHTTPS && strings.HasPrefix(url, "http:") {
		url = "https:" + strings.TrimPrefix(url, "http:")
	}
	return url
}

// Send posts one question under the given session id and returns the
// backend's reply envelope.
func (c *Client) Send(ctx context.Context, question, sessionID string) (domain.Reply, error) {
	body, err := json.Marshal(map[string]string{"question": question})
	if err != nil {
		return domain.Reply{}, fmt.Errorf("client: marshal question: %w", err)
	}

	raw, err := c.post(ctx, c.endpoint(chatPath), sessionID, body)
	if err != nil {
		return domain.Reply{}, err
	}

	var payload replyPayload
	if decErr := json.Unmarshal(raw, &payload); decErr != nil {
		return domain.Reply{}, fmt.Errorf("client: decode reply: %w", decErr)
	}
	if payload.Error != "" {
		return domain.Reply{}, &BackendError{Message: payload.Error}
	}

	answer := payload.Answer
	if answer == "" {
		answer = payload.Response
	}
	return domain.Reply{
		FullConversation: payload.FullConversation,
		Answer:           answer,
		Escalate:         payload.Escalate,
		EscalationReason: payload.EscalationReason,
		UserQuestion:     payload.UserQuestion,
		SessionContext:   payload.SessionContext,
	}, nil
}

// ClearHistory asks the backend to drop the conversation for sessionID.
// Success requires both HTTP 2xx and the response-level success
// sentinel; anything else fails without touching the session.
func (c *Client) ClearHistory(ctx context.Context, sessionID string) error {
	raw, err := c.post(ctx, c.endpoint(clearPath), sessionID, []byte("{}"))
	if err != nil {
		return err
	}

	var payload clearPayload
	if decErr := json.Unmarshal(raw, &payload); decErr != nil {
		return fmt.Errorf("client: decode clear response: %w", decErr)
	}
	if payload.Status != clearSuccessStatus {
		return &ClearRejectedError{Status: payload.Status, Message: payload.Message}
	}
	return nil
}

func (c *Client) post(ctx context.Context, url, sessionID string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("client: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(sessionHeader, sessionID)

	res, doErr := c.httpClient.Do(req)
	if doErr != nil {
		return nil, &NetworkError{URL: url, Err: doErr}
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &ServerError{Status: res.StatusCode, Body: errorBodyText(buf)}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("client: read response body: %w", err)
	}
	return buf, nil
}

// errorBodyText prefers the decoded "error" field of a JSON error body
// over the raw bytes.
func errorBodyText(buf []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(buf, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	return string(buf)
}
