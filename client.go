// Package convsync keeps a local, offline-capable view of chat conversations
// in sync with a messaging backend.
//
// Example:
//
//	client := convsync.NewClient(token, convsync.WithBaseURL("https://chat.example.com"))
//	transport := convsync.NewWSTransport("https://chat.example.com", convsync.RealtimeConfig{Token: token})
//
//	session := convsync.NewSession(convsync.Options{
//		UserID:    "u-1",
//		API:       client,
//		Transport: transport,
//	})
//	defer session.Close()
//
//	conv, _ := session.Open(ctx, convsync.ConversationKey{Type: convsync.TypeTeam, ID: "t-42"})
//	defer conv.Close()
//	id, _ := conv.EnqueueSend("hello", "", "")
package convsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const (
	DefaultBaseURL = "http://localhost:8080"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the HTTP implementation of NetworkAPI.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	log        *zap.Logger
	breaker    *gobreaker.CircuitBreaker
	maxFails   uint32
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

func WithLogger(log *zap.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// WithBreakerThreshold sets how many consecutive network failures open the
// circuit breaker. Zero disables tripping.
func WithBreakerThreshold(n uint32) ClientOption {
	return func(c *Client) { c.maxFails = n }
}

// NewClient creates a new API client. token may be empty for servers that
// authenticate by other means.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log:      zap.NewNop(),
		maxFails: 5,
	}
	for _, opt := range opts {
		opt(c)
	}

	st := gobreaker.Settings{
		Name:        "convsync-api",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return c.maxFails > 0 && counts.ConsecutiveFailures >= c.maxFails
		},
		// only transport-level trouble counts against the backend
		IsSuccessful: func(err error) bool {
			return err == nil || !IsNetwork(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			c.log.Info("circuit breaker state", zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}
	c.breaker = gobreaker.NewCircuitBreaker(st)
	return c
}

// SetToken sets or updates the bearer token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// ============================================================================
// Internal request helper
// ============================================================================

// Result is the response envelope of every endpoint.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals Data into v.
func (r *Result) Decode(v any) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// APIError is the error body returned by the server.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

func (c *Client) do(ctx context.Context, op, method, path string, body any, query url.Values) (*Result, error) {
	v, err := c.breaker.Execute(func() (interface{}, error) {
		return c.doRequest(ctx, op, method, path, body, query)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, newError(KindNetwork, op, "", err)
	}
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

func (c *Client) doRequest(ctx context.Context, op, method, path string, body any, query url.Values) (*Result, error) {
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
		return nil, newError(KindNetwork, op, "", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newError(KindNetwork, op, "", err)
	}

	var res Result
	if len(data) > 0 {
		if err := json.Unmarshal(data, &res); err != nil && resp.StatusCode < 300 {
			return nil, fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}
	if resp.StatusCode >= 300 || (len(data) > 0 && !res.OK) {
		var cause error = fmt.Errorf("http %d", resp.StatusCode)
		if res.Error != nil {
			cause = res.Error
		}
		c.log.Debug("api_request_failed", zap.String("op", op), zap.Int("status", resp.StatusCode), zap.Error(cause))
		return nil, newError(kindForStatus(resp.StatusCode), op, "", cause)
	}
	return &res, nil
}

func kindForStatus(code int) Kind {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return KindPermission
	case code == http.StatusNotFound || code == http.StatusConflict || code == http.StatusGone:
		return KindConflict
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500:
		return KindNetwork
	case code >= 400:
		return KindValidation
	}
	// 2xx with ok=false: the server refused without saying why
	return KindValidation
}

func conversationPath(k ConversationKey) string {
	return "/api/conversations/" + url.PathEscape(string(k.Type)) + "/" + url.PathEscape(k.ID)
}

func messagePath(id string) string {
	return "/api/messages/" + url.PathEscape(id)
}

// ============================================================================
// NetworkAPI
// ============================================================================

func (c *Client) SendMessage(ctx context.Context, conv ConversationKey, req SendRequest) (Message, error) {
	res, err := c.do(ctx, "send", http.MethodPost, conversationPath(conv)+"/messages", req, nil)
	if err != nil {
		return Message{}, err
	}
	var m Message
	if err := res.Decode(&m); err != nil {
		return Message{}, fmt.Errorf("send: decode message: %w", err)
	}
	return m, nil
}

func (c *Client) EditMessage(ctx context.Context, messageID, text string) error {
	_, err := c.do(ctx, "edit", http.MethodPatch, messagePath(messageID), map[string]string{"text": text}, nil)
	return err
}

func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	_, err := c.do(ctx, "delete", http.MethodDelete, messagePath(messageID), nil, nil)
	return err
}

func (c *Client) ToggleReaction(ctx context.Context, messageID, reactionType string) error {
	_, err := c.do(ctx, "react", http.MethodPost, messagePath(messageID)+"/reactions",
		map[string]string{"reactionType": reactionType}, nil)
	return err
}

func (c *Client) FetchMessages(ctx context.Context, conv ConversationKey, q PageQuery) ([]Message, error) {
	query := url.Values{}
	if q.Limit > 0 {
		query.Set("limit", strconv.Itoa(q.Limit))
	}
	if !q.Before.IsZero() {
		query.Set("before", q.Before.UTC().Format(time.RFC3339Nano))
	}
	if q.BeforeID != "" {
		query.Set("beforeId", q.BeforeID)
	}
	res, err := c.do(ctx, "history", http.MethodGet, conversationPath(conv)+"/messages", nil, query)
	if err != nil {
		return nil, err
	}
	var msgs []Message
	if err := res.Decode(&msgs); err != nil {
		return nil, fmt.Errorf("history: decode messages: %w", err)
	}
	return msgs, nil
}

func (c *Client) Freshness(ctx context.Context, conv ConversationKey) (Freshness, error) {
	res, err := c.do(ctx, "freshness", http.MethodGet, conversationPath(conv)+"/freshness", nil, nil)
	if err != nil {
		return Freshness{}, err
	}
	var f Freshness
	if err := res.Decode(&f); err != nil {
		return Freshness{}, fmt.Errorf("freshness: decode: %w", err)
	}
	return f, nil
}

func (c *Client) MarkRead(ctx context.Context, conv ConversationKey, messageIDs []string) error {
	_, err := c.do(ctx, "read", http.MethodPost, conversationPath(conv)+"/reads",
		map[string][]string{"messageIds": messageIDs}, nil)
	return err
}

// FetchProfile loads one member profile.
func (c *Client) FetchProfile(ctx context.Context, userID string) (Profile, error) {
	res, err := c.do(ctx, "profile", http.MethodGet, "/api/users/"+url.PathEscape(userID)+"/profile", nil, nil)
	if err != nil {
		return Profile{}, err
	}
	var p Profile
	if err := res.Decode(&p); err != nil {
		return Profile{}, fmt.Errorf("profile: decode: %w", err)
	}
	return p, nil
}
