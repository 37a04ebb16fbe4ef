// Package bookingsync keeps booking status consistent between a customer
// client, a provider client and the server of record under intermittent
// connectivity.
//
// It validates lifecycle transitions locally, queues mutations while offline,
// replays them on reconnect with server-wins conflict resolution, and folds
// realtime pushes from the other party into the same local cache.
//
// Example:
//
//	storage, _ := bookingsync.OpenBoltStorage("/var/lib/app/bookingsync.db")
//	client := bookingsync.NewClient(token, bookingsync.WithBaseURL("https://api.example.com"))
//	engine, _ := bookingsync.NewEngine(storage, client, &bookingsync.EngineOptions{Role: bookingsync.RoleProvider})
//	defer engine.Close()
//
//	engine.On("action.conflict", func(event string, payload any) { ... })
//	_, err := engine.RequestTransition(ctx, "bk-42", bookingsync.StatusConfirmed)
package bookingsync

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

	"golang.org/x/time/rate"
)

// ============================================================================
// Environment
// ============================================================================

type Environment string

const (
	Production Environment = "production"
	Staging    Environment = "staging"
)

var environments = map[Environment]string{
	Production: "https://api.homefix.app",
	Staging:    "https://api.staging.homefix.app",
}

const (
	DefaultBaseURL = "https://api.homefix.app"
	DefaultTimeout = 15 * time.Second
)

// ServerOfRecord is the authoritative booking backend as seen by the
// reconciler.
type ServerOfRecord interface {
	FetchStatus(ctx context.Context, bookingID string) (*StatusRecord, error)
	UpdateStatus(ctx context.Context, update StatusUpdate) (*StatusRecord, error)
}

// ============================================================================
// Client
// ============================================================================

// Client talks to the server of record over HTTP.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithEnvironment(env Environment) ClientOption {
	return func(c *Client) {
		if u, ok := environments[env]; ok {
			c.baseURL = u
		}
	}
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithRateLimit caps outgoing requests at rps with the given burst. A drain
// after a long offline period would otherwise fire one fetch and one patch per
// queued booking back to back.
func WithRateLimit(rps float64, burst int) ClientOption {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

// NewClient creates a new server-of-record client.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		limiter: rate.NewLimiter(rate.Limit(10), 5),
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the bearer token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the server base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Token returns the bearer token.
func (c *Client) Token() string {
	return c.token
}

// ============================================================================
// Internal request helper
// ============================================================================

type rawResponse struct {
	status int
	body   []byte
}

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, headers map[string]string) (*rawResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	u := c.baseURL + path

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
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return &rawResponse{status: resp.StatusCode, body: data}, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

func bookingPath(bookingID string, suffix string) string {
	return "/api/bookings/" + url.PathEscape(bookingID) + suffix
}

// classify turns a non-2xx response into a *SyncError. 5xx and 429 are
// transient; 409 is a conflict; any other 4xx is a non-retryable rejection.
func classify(bookingID string, resp *rawResponse) error {
	var envelope APIResult
	_ = json.Unmarshal(resp.body, &envelope)

	msg := http.StatusText(resp.status)
	if envelope.Error != nil {
		msg = envelope.Error.Message
	}

	switch {
	case resp.status == http.StatusConflict:
		se := &SyncError{Kind: KindConflict, BookingID: bookingID, Message: msg}
		var current StatusRecord
		if envelope.Decode(&current) == nil && current.Status != "" {
			if current.BookingID == "" {
				current.BookingID = bookingID
			}
			se.Current = &current
		}
		return se
	case resp.status == http.StatusTooManyRequests || resp.status >= 500:
		return &SyncError{Kind: KindTransient, BookingID: bookingID, Message: fmt.Sprintf("HTTP %d: %s", resp.status, msg)}
	default:
		return &SyncError{Kind: KindRejected, BookingID: bookingID, Message: fmt.Sprintf("HTTP %d: %s", resp.status, msg)}
	}
}

func decodeResult[T any](bookingID string, resp *rawResponse) (*T, error) {
	if resp.status < 200 || resp.status > 299 {
		return nil, classify(bookingID, resp)
	}
	envelope, err := decodeJSON[APIResult](resp.body)
	if err != nil {
		return nil, transientError(bookingID, err)
	}
	if !envelope.OK {
		msg := "request failed"
		if envelope.Error != nil {
			msg = envelope.Error.Error()
		}
		return nil, &SyncError{Kind: KindRejected, BookingID: bookingID, Message: msg}
	}
	var out T
	if err := envelope.Decode(&out); err != nil {
		return nil, transientError(bookingID, fmt.Errorf("failed to unmarshal data: %w", err))
	}
	return &out, nil
}

// ============================================================================
// Booking API
// ============================================================================

// Ping checks GET /api/health.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.doRequest(ctx, http.MethodGet, "/api/health", nil, nil)
	if err != nil {
		return err
	}
	if resp.status < 200 || resp.status > 299 {
		return fmt.Errorf("health check: HTTP %d", resp.status)
	}
	return nil
}

// FetchStatus returns the server's current status and version.
func (c *Client) FetchStatus(ctx context.Context, bookingID string) (*StatusRecord, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, bookingPath(bookingID, "/status"), nil, nil)
	if err != nil {
		return nil, transientError(bookingID, err)
	}
	rec, err := decodeResult[StatusRecord](bookingID, resp)
	if err != nil {
		return nil, err
	}
	if rec.BookingID == "" {
		rec.BookingID = bookingID
	}
	return rec, nil
}

// FetchBooking returns the full booking including its scheduling attributes.
func (c *Client) FetchBooking(ctx context.Context, bookingID string) (*Booking, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, bookingPath(bookingID, ""), nil, nil)
	if err != nil {
		return nil, transientError(bookingID, err)
	}
	return decodeResult[Booking](bookingID, resp)
}

// UpdateStatus submits a status change. The server applies it only if the
// booking is still at ExpectedStatus/ExpectedVersion, and deduplicates by the
// idempotency key.
func (c *Client) UpdateStatus(ctx context.Context, update StatusUpdate) (*StatusRecord, error) {
	headers := map[string]string{"Idempotency-Key": update.IdempotencyKey}
	resp, err := c.doRequest(ctx, http.MethodPatch, bookingPath(update.BookingID, "/status"), update, headers)
	if err != nil {
		return nil, transientError(update.BookingID, err)
	}
	rec, err := decodeResult[StatusRecord](update.BookingID, resp)
	if err != nil {
		return nil, err
	}
	if rec.BookingID == "" {
		rec.BookingID = update.BookingID
	}
	return rec, nil
}
