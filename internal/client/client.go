// Package client is a Go client for the chat relay: it issues identities,
// applies room commands over HTTP with bounded retry on overload and
// receives room events over the realtime socket.
package client

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

	"github.com/gorilla/websocket"

	"github.com/HernanFAR/PrivateChat/internal/chat/admission"
	"github.com/HernanFAR/PrivateChat/internal/realtime"
)

// ErrNoToken is returned by commands issued before CreateUser or SetToken.
var ErrNoToken = errors.New("client has no token")

// APIError is a non-success response from the relay.
type APIError struct {
	Status int
	Errors []string
}

func (e *APIError) Error() string {
	if len(e.Errors) == 0 {
		return fmt.Sprintf("relay responded %d", e.Status)
	}
	return fmt.Sprintf("relay responded %d: %s", e.Status, strings.Join(e.Errors, "; "))
}

// Client talks to one relay. It is safe for concurrent use.
type Client struct {
	base   *url.URL
	http   *http.Client
	dialer *websocket.Dialer
	policy admission.RetryPolicy

	mu    sync.RWMutex
	token string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithRetryPolicy replaces admission.DefaultRetryPolicy.
func WithRetryPolicy(p admission.RetryPolicy) Option {
	return func(c *Client) { c.policy = p }
}

// New creates a Client for the relay at baseURL.
//
// Precondition: baseURL must be an absolute http or https URL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base url scheme must be http or https, got %q", u.Scheme)
	}
	c := &Client{
		base:   u,
		http:   http.DefaultClient,
		dialer: websocket.DefaultDialer,
		policy: admission.DefaultRetryPolicy,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Token returns the current bearer token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// SetToken replaces the bearer token.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// CreateUser issues an identity for name and keeps its token for later calls.
func (c *Client) CreateUser(ctx context.Context, name string) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	err := admission.Retry(ctx, c.policy, func(ctx context.Context) error {
		return c.do(ctx, http.MethodPost, "/user", "", map[string]string{"name": name}, &out)
	})
	if err != nil {
		return "", err
	}
	c.SetToken(out.Token)
	return out.Token, nil
}

// EnterRoom joins roomID.
func (c *Client) EnterRoom(ctx context.Context, roomID string) error {
	return c.command(ctx, http.MethodPost, roomPath(roomID), nil)
}

// LeaveRoom leaves roomID.
func (c *Client) LeaveRoom(ctx context.Context, roomID string) error {
	return c.command(ctx, http.MethodDelete, roomPath(roomID), nil)
}

// SendMessage posts text to roomID.
func (c *Client) SendMessage(ctx context.Context, roomID, text string) error {
	return c.command(ctx, http.MethodPost, roomPath(roomID)+"/message", map[string]string{"message": text})
}

func (c *Client) command(ctx context.Context, method, path string, body any) error {
	token := c.Token()
	if token == "" {
		return ErrNoToken
	}
	return admission.Retry(ctx, c.policy, func(ctx context.Context) error {
		return c.do(ctx, method, path, token, body, nil)
	})
}

func (c *Client) do(ctx context.Context, method, path, token string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.JoinPath(path).String(), rd)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("%s %s: %w", method, path, admission.ErrOverloaded)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		var payload struct {
			Errors []string `json:"errors"`
		}
		if json.NewDecoder(resp.Body).Decode(&payload) == nil {
			apiErr.Errors = payload.Errors
		}
		return apiErr
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

// Stream is an open realtime connection.
type Stream struct {
	ws *websocket.Conn
}

// Connect opens the realtime socket with the current token.
func (c *Client) Connect(ctx context.Context) (*Stream, error) {
	token := c.Token()
	if token == "" {
		return nil, ErrNoToken
	}
	u := *c.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/websocket/chat"
	ws, resp, err := c.dialer.DialContext(ctx, u.String(), http.Header{"Authorization": {"Bearer " + token}})
	if err != nil {
		if resp != nil {
			return nil, &APIError{Status: resp.StatusCode}
		}
		return nil, fmt.Errorf("dialing realtime endpoint: %w", err)
	}
	return &Stream{ws: ws}, nil
}

// Next blocks until the next room event arrives or the connection closes.
func (s *Stream) Next() (realtime.Event, error) {
	var ev realtime.Event
	if err := s.ws.ReadJSON(&ev); err != nil {
		return realtime.Event{}, err
	}
	return ev, nil
}

// Close closes the stream.
func (s *Stream) Close() error {
	_ = s.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return s.ws.Close()
}

func roomPath(roomID string) string {
	return "/api/chat/" + url.PathEscape(roomID)
}
