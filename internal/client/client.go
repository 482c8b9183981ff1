// Package client is the HTTP client for the geoattend API, used by the
// device agent to submit samples and by live watchers to fetch snapshots.
package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rotisserie/eris"

	"github.com/sells-group/geoattend/internal/model"
	"github.com/sells-group/geoattend/internal/resilience"
)

// RejectedError is a sample the server refused for good. Retrying it will
// never succeed.
type RejectedError struct {
	StatusCode int
	Message    string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("client: sample rejected (%d): %s", e.StatusCode, e.Message)
}

// RateLimitedError asks the caller to wait before submitting again.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("client: rate limited, retry after %s", e.RetryAfter)
}

// AuthError means the token was refused. Queued samples stay queued.
type AuthError struct {
	StatusCode int
	Message    string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("client: unauthorized (%d): %s", e.StatusCode, e.Message)
}

// Config configures a Client.
type Config struct {
	BaseURL string
	Token   string
	// Timeout bounds each request. Default: 10s.
	Timeout time.Duration
}

// Client talks to one geoattend server.
type Client struct {
	http *resty.Client
}

// New creates a Client. Retries are left to the caller.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	c := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")
	if cfg.Token != "" {
		c.SetAuthToken(cfg.Token)
	}
	return &Client{http: c}
}

// Submit posts one sample. It returns nil once the server acknowledged it,
// *RejectedError for invalid samples (400, 413, 422), *RateLimitedError on
// 429, *AuthError on 401/403 and a transient error for anything else.
func (c *Client) Submit(ctx context.Context, s model.LocationSample) error {
	_, err := c.SubmitAck(ctx, s)
	return err
}

// SubmitAck is Submit returning the server's acknowledgement.
func (c *Client) SubmitAck(ctx context.Context, s model.LocationSample) (*model.SampleAck, error) {
	var ack model.SampleAck
	var apiErr model.APIError
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(s).
		SetResult(&ack).
		SetError(&apiErr).
		Post("/v1/samples")
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "client: submit sample"), 0)
	}

	switch code := resp.StatusCode(); {
	case code == http.StatusAccepted || code == http.StatusOK:
		return &ack, nil
	case code == http.StatusTooManyRequests:
		return nil, &RateLimitedError{RetryAfter: retryAfter(resp, apiErr)}
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return nil, &AuthError{StatusCode: code, Message: apiErr.Error}
	case code == http.StatusBadRequest || code == http.StatusRequestEntityTooLarge || code == http.StatusUnprocessableEntity:
		return nil, &RejectedError{StatusCode: code, Message: apiErr.Error}
	case code >= 400 && code < 500:
		// 404, 405 and friends come from routing, not from the sample; the
		// queued copy must survive until the server is reachable again.
		return nil, resilience.NewTransientError(
			eris.Errorf("client: submit sample: http %d: %s", code, strings.TrimSpace(resp.String())), code)
	default:
		return nil, resilience.StatusError("client: submit sample", code, resp.String())
	}
}

// Snapshot fetches the tenant's current states and recent events.
func (c *Client) Snapshot(ctx context.Context, tenantID string) (*model.Snapshot, error) {
	var snap model.Snapshot
	var apiErr model.APIError
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&snap).
		SetError(&apiErr).
		SetPathParam("tenantID", tenantID).
		Get("/v1/tenants/{tenantID}/snapshot")
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "client: snapshot"), 0)
	}
	if resp.IsError() {
		return nil, resilience.StatusError("client: snapshot", resp.StatusCode(), apiErr.Error)
	}
	return &snap, nil
}

// LiveURL returns the websocket URL of the tenant's live stream.
func LiveURL(baseURL, tenantID string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", eris.Wrap(err, "client: parse base url")
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/v1/tenants/" + tenantID + "/live"
	u.RawPath = "/v1/tenants/" + url.PathEscape(tenantID) + "/live"
	return u.String(), nil
}

func retryAfter(resp *resty.Response, apiErr model.APIError) time.Duration {
	if s := resp.Header().Get("Retry-After"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n >= 0 {
			return time.Duration(n) * time.Second
		}
	}
	if apiErr.RetryAfterSeconds > 0 {
		return time.Duration(apiErr.RetryAfterSeconds) * time.Second
	}
	return time.Second
}
