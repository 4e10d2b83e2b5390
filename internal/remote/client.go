// Package remote is the client for the backend's row-based REST protocol
// (a PostgREST dialect): list rows, batch upsert, delete by id.
//
// The client is stateless apart from its rate limiter and is safe for
// concurrent use. Every failure is classified as a transport, protocol or
// decode failure (see errors.go).
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// TokenSource supplies the bearer token for each request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Config holds client configuration.
type Config struct {
	// BaseURL is the backend project URL, e.g. https://xyz.supabase.co
	BaseURL string

	// RestPath is prefixed to every table path (default: /rest/v1)
	RestPath string

	// APIKey is sent in the apikey header on every request. Without a
	// TokenSource it doubles as the bearer token.
	APIKey string

	// Timeout per request (default: 30s)
	Timeout time.Duration

	// RateLimit caps requests per second; RateBurst is the bucket size
	// (default: 10/s, burst 20). A negative RateLimit disables limiting.
	RateLimit float64
	RateBurst int

	// HTTPClient overrides the default client (tests).
	HTTPClient *http.Client

	// Verbose logs every request with its status and latency.
	Verbose bool

	// Logger for client activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		RestPath:  "/rest/v1",
		Timeout:   30 * time.Second,
		RateLimit: 10,
		RateBurst: 20,
		Logger:    log.New(os.Stderr, "[remote] ", log.LstdFlags),
	}
}

// Client talks to the backend REST API.
type Client struct {
	config  *Config
	base    *url.URL
	http    *http.Client
	limiter *rate.Limiter
	tokens  TokenSource
}

// NewClient creates a client for the configured backend. tokens may be nil,
// in which case the API key is used as the bearer token.
func NewClient(config *Config, tokens TokenSource) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if config.BaseURL == "" {
		return nil, fmt.Errorf("base URL cannot be empty")
	}

	defaults := DefaultConfig()
	if config.RestPath == "" {
		config.RestPath = defaults.RestPath
	}
	if config.Timeout == 0 {
		config.Timeout = defaults.Timeout
	}
	if config.RateLimit == 0 {
		config.RateLimit = defaults.RateLimit
	}
	if config.RateBurst == 0 {
		config.RateBurst = defaults.RateBurst
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	base, err := url.Parse(strings.TrimRight(config.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid base URL %q: scheme must be http or https", config.BaseURL)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.Timeout}
	}

	limit := rate.Inf
	if config.RateLimit > 0 {
		limit = rate.Limit(config.RateLimit)
	}

	return &Client{
		config:  config,
		base:    base,
		http:    httpClient,
		limiter: rate.NewLimiter(limit, config.RateBurst),
		tokens:  tokens,
	}, nil
}

// FetchConversations returns all conversation rows visible to the caller,
// newest first.
func (c *Client) FetchConversations(ctx context.Context) ([]ConversationRow, error) {
	q := url.Values{}
	q.Set("select", "*")
	q.Set("order", "created_at.desc")

	var rows []ConversationRow
	if err := c.getRows(ctx, TableConversations, q, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// FetchMessages returns the message rows of one conversation, oldest first.
func (c *Client) FetchMessages(ctx context.Context, conversationID string) ([]MessageRow, error) {
	q := url.Values{}
	q.Set("select", "*")
	q.Set("conversation_id", "eq."+conversationID)
	q.Set("order", "created_at")

	var rows []MessageRow
	if err := c.getRows(ctx, TableMessages, q, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// UpsertConversations sends conversation rows as one batched upsert.
func (c *Client) UpsertConversations(ctx context.Context, rows []ConversationRow) error {
	return c.Upsert(ctx, TableConversations, rows)
}

// UpsertMessages sends message rows as one batched upsert.
func (c *Client) UpsertMessages(ctx context.Context, rows []MessageRow) error {
	return c.Upsert(ctx, TableMessages, rows)
}

// Upsert POSTs rows to table with merge-on-conflicting-id resolution, so
// repeating the call is safe. rows must marshal to a JSON array.
func (c *Client) Upsert(ctx context.Context, table string, rows any) error {
	body, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("failed to marshal %s rows: %w", table, err)
	}

	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set("Prefer", "resolution=merge-duplicates")

	resp, err := c.do(ctx, http.MethodPost, table, nil, header, body)
	if err != nil {
		return err
	}
	return checkEmptyOrJSON(http.MethodPost, c.tablePath(table), resp)
}

// Delete removes the row with the given id from table. Dependent rows are
// removed by the backend's cascade rules.
func (c *Client) Delete(ctx context.Context, table, id string) error {
	q := url.Values{}
	q.Set("id", "eq."+id)

	header := http.Header{}
	header.Set("Prefer", "return=minimal")

	resp, err := c.do(ctx, http.MethodDelete, table, q, header, nil)
	if err != nil {
		return err
	}
	return checkEmptyOrJSON(http.MethodDelete, c.tablePath(table), resp)
}

// DeleteConversation deletes a conversation; its messages go with it.
func (c *Client) DeleteConversation(ctx context.Context, id string) error {
	return c.Delete(ctx, TableConversations, id)
}

// DeleteMessage deletes a single message.
func (c *Client) DeleteMessage(ctx context.Context, id string) error {
	return c.Delete(ctx, TableMessages, id)
}

// response is a fully read 2xx response.
type response struct {
	status int
	body   []byte
}

func (c *Client) getRows(ctx context.Context, table string, q url.Values, out any) error {
	resp, err := c.do(ctx, http.MethodGet, table, q, nil, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(resp.body, out); err != nil {
		return fmt.Errorf("%w: GET %s: %w", ErrDecode, c.tablePath(table), err)
	}
	return nil
}

// do executes one request and returns the body of a 2xx response.
// Non-2xx responses become *StatusError.
func (c *Client) do(ctx context.Context, method, table string, q url.Values, header http.Header, body []byte) (*response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	u := *c.base
	u.Path = c.base.Path + c.tablePath(table)
	if q != nil {
		u.RawQuery = q.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if err := c.authorize(ctx, req); err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s %s: %w", ErrTransport, method, c.tablePath(table), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: reading body: %w", ErrTransport, method, c.tablePath(table), err)
	}

	if c.config.Verbose {
		c.config.Logger.Printf("%s %s -> %d (%v)", method, c.tablePath(table), resp.StatusCode, time.Since(start).Round(time.Millisecond))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{
			Method:     method,
			Path:       c.tablePath(table),
			StatusCode: resp.StatusCode,
			Message:    errorMessage(data),
		}
	}

	return &response{status: resp.StatusCode, body: data}, nil
}

func (c *Client) authorize(ctx context.Context, req *http.Request) error {
	token := c.config.APIKey
	if c.tokens != nil {
		t, err := c.tokens.Token(ctx)
		if err != nil {
			return fmt.Errorf("failed to get access token: %w", err)
		}
		token = t
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if c.config.APIKey != "" {
		req.Header.Set("apikey", c.config.APIKey)
	}
	return nil
}

func (c *Client) tablePath(table string) string {
	return strings.TrimRight(c.config.RestPath, "/") + "/" + table
}

// checkEmptyOrJSON validates a write confirmation: with return=minimal
// the body is empty, otherwise it must at least be JSON.
func checkEmptyOrJSON(method, path string, resp *response) error {
	body := bytes.TrimSpace(resp.body)
	if len(body) == 0 {
		return nil
	}
	if !json.Valid(body) {
		return fmt.Errorf("%w: %s %s: malformed confirmation (status %d)", ErrDecode, method, path, resp.status)
	}
	return nil
}

// errorMessage extracts the message field of a PostgREST error body,
// falling back to the raw body.
func errorMessage(body []byte) string {
	var e struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err == nil {
		if e.Message != "" {
			return e.Message
		}
		if e.Error != "" {
			return e.Error
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200] + "..."
	}
	return msg
}
