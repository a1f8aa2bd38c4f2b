package bluesky

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"
)

const (
	// DefaultAppView serves public, unauthenticated app.bsky reads.
	DefaultAppView = "https://public.api.bsky.app"

	defaultRequestsPerSecond = 5
	defaultBurst             = 5

	// MaxFollowersPageSize is the largest page getFollowers will return.
	MaxFollowersPageSize = 100
)

// Client is a minimal AT Protocol XRPC client. Requests are rate limited.
type Client struct {
	host       string
	httpClient *http.Client
	limiter    *rate.Limiter

	// populated after Login
	accessJwt string
	did       string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRateLimit sets the request rate limit.
func WithRateLimit(r rate.Limit, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(r, burst) }
}

// NewClient creates a new XRPC client. If host is empty, it defaults to the
// public AppView.
func NewClient(host string, opts ...Option) *Client {
	if host == "" {
		host = DefaultAppView
	}
	c := &Client{
		host: host,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		limiter: rate.NewLimiter(defaultRequestsPerSecond, defaultBurst),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Login authenticates with a PDS and stores the session token. Use an App
// Password, not your account password. Only needed when host is a PDS rather
// than the public AppView.
func (c *Client) Login(ctx context.Context, identifier, password string) error {
	body := map[string]string{
		"identifier": identifier,
		"password":   password,
	}

	var resp createSessionResponse
	if err := c.post(ctx, "/xrpc/com.atproto.server.createSession", body, &resp); err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	c.accessJwt = resp.AccessJwt
	c.did = resp.DID
	return nil
}

// DID returns the authenticated user's DID. Only valid after Login.
func (c *Client) DID() string {
	return c.did
}

// Actor is a profile entry in a follower listing.
type Actor struct {
	DID    string `json:"did"`
	Handle string `json:"handle"`
}

// FollowersPage is one page of app.bsky.graph.getFollowers. An empty Cursor
// means there are no further pages.
type FollowersPage struct {
	Followers []Actor `json:"followers"`
	Cursor    string  `json:"cursor,omitempty"`
}

// GetFollowers returns one page of accounts following actor.
func (c *Client) GetFollowers(ctx context.Context, actor, cursor string, limit int) (*FollowersPage, error) {
	if limit <= 0 || limit > MaxFollowersPageSize {
		limit = MaxFollowersPageSize
	}

	q := url.Values{}
	q.Set("actor", actor)
	q.Set("limit", strconv.Itoa(limit))
	if cursor != "" {
		q.Set("cursor", cursor)
	}

	var page FollowersPage
	if err := c.get(ctx, "/xrpc/app.bsky.graph.getFollowers", q, &page); err != nil {
		return nil, fmt.Errorf("get followers of %s: %w", actor, err)
	}
	return &page, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, result any) error {
	target := c.host + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	return c.do(req, result)
}

func (c *Client) post(ctx context.Context, path string, body any, result any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, result)
}

func (c *Client) do(req *http.Request, result any) error {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	if c.accessJwt != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessJwt)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}

	return nil
}

// APIError is a non-2xx XRPC response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Body)
}

type createSessionResponse struct {
	AccessJwt string `json:"accessJwt"`
	DID       string `json:"did"`
	Handle    string `json:"handle"`
}
