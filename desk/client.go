package desk

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-resty/resty/v2"

	"github.com/glimte/deskflow/internal/reliability"
)

// DefaultTimeout bounds a single gateway request
const DefaultTimeout = 10 * time.Second

// ClientOption configures a Client
type ClientOption func(*Client)

// WithTimeout sets the per-request timeout
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithClientLogger sets the logger
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithRestyClient replaces the underlying HTTP client
func WithRestyClient(rc *resty.Client) ClientOption {
	return func(c *Client) {
		if rc != nil {
			c.http = rc
		}
	}
}

// WithBreaker guards every request with cb. While the circuit is open
// requests fail fast with HTTP 503.
func WithBreaker(cb *reliability.CircuitBreaker) ClientOption {
	return func(c *Client) {
		c.breaker = cb
	}
}

// Client talks to the desk gateway. Every path is prefixed with the API key:
// {base}/{apiKey}/desks/...
type Client struct {
	http    *resty.Client
	baseURL string
	apiKey  string
	timeout time.Duration
	breaker *reliability.CircuitBreaker
	logger  *slog.Logger
}

// NewClient creates a gateway client. An empty API key is a configuration error.
func NewClient(baseURL, apiKey string, options ...ClientOption) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("desk: API key is required")
	}
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("desk: base URL is required")
	}

	c := &Client{
		http:    resty.New(),
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	c.http.
		SetBaseURL(c.baseURL).
		SetTimeout(c.timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return c, nil
}

func (c *Client) request(ctx context.Context) *resty.Request {
	return c.http.R().
		SetContext(ctx).
		SetPathParam("apiKey", c.apiKey)
}

// execute runs req and maps transport failures and HTTP >= 400 to ServiceError
func (c *Client) execute(req *resty.Request, method, path string) (*resty.Response, error) {
	if c.breaker == nil {
		return c.do(req, method, path)
	}

	var resp *resty.Response
	err := c.breaker.Execute(req.Context(), func() error {
		var err error
		resp, err = c.do(req, method, path)
		return err
	})
	if errors.Is(err, reliability.ErrCircuitOpen) {
		c.logger.Warn("desk API call skipped, circuit open", "method", method, "path", path)
		return nil, &ServiceError{
			Message:    "desk API temporarily unavailable",
			StatusCode: http.StatusServiceUnavailable,
			Err:        err,
		}
	}
	var svcErr *ServiceError
	if err != nil && !errors.As(err, &svcErr) {
		return nil, c.transportError(method, path, err)
	}
	return resp, err
}

func (c *Client) do(req *resty.Request, method, path string) (*resty.Response, error) {
	resp, err := req.Execute(method, path)
	if err != nil {
		return nil, c.transportError(method, path, err)
	}

	if resp.StatusCode() >= 400 {
		body := excerpt(resp.String())
		c.logger.Error("desk API error",
			"method", method,
			"path", path,
			"status", resp.StatusCode(),
			"body", body,
		)
		return nil, &ServiceError{
			Message:    fmt.Sprintf("desk API responded with HTTP %d: %s", resp.StatusCode(), body),
			StatusCode: resp.StatusCode(),
		}
	}

	return resp, nil
}

func (c *Client) transportError(method, path string, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		c.logger.Error("desk API request timed out", "method", method, "path", path, "timeout", c.timeout, "error", err)
		return &ServiceError{
			Message: fmt.Sprintf("request timeout after %s", c.timeout),
			Err:     errors.Wrapf(err, "%s %s", method, path),
		}
	}

	c.logger.Error("desk API connection error", "method", method, "path", path, "error", err)
	return &ServiceError{
		Message: "failed to connect to desk API",
		Err:     errors.Wrapf(err, "%s %s", method, path),
	}
}

// ListDesks returns the identifiers of every desk known to the gateway
func (c *Client) ListDesks(ctx context.Context) ([]string, error) {
	resp, err := c.execute(c.request(ctx), resty.MethodGet, "/{apiKey}/desks/")
	if err != nil {
		return nil, err
	}

	var raw []any
	if err := json.Unmarshal(resp.Body(), &raw); err != nil {
		return nil, &ServiceError{
			Message:    "desk API returned an unexpected response format",
			StatusCode: resp.StatusCode(),
			Err:        errors.Wrap(err, "decode desk list"),
		}
	}

	ids := make([]string, 0, len(raw))
	for _, item := range raw {
		if item == nil {
			continue
		}
		if id := fmt.Sprint(item); id != "" {
			ids = append(ids, id)
		}
	}

	c.logger.Debug("fetched desks", "count", len(ids))
	return ids, nil
}

// Desk returns the configuration, state, usage and error log of one desk
func (c *Client) Desk(ctx context.Context, id string) (*Desk, error) {
	if id == "" {
		return nil, &ServiceError{Message: "desk identifier is required"}
	}

	resp, err := c.execute(c.request(ctx).SetPathParam("deskId", id), resty.MethodGet, "/{apiKey}/desks/{deskId}")
	if err != nil {
		return nil, err
	}

	var d Desk
	if err := json.Unmarshal(resp.Body(), &d); err != nil {
		return nil, &ServiceError{
			Message:    "invalid JSON response from desk API",
			StatusCode: resp.StatusCode(),
			Err:        errors.Wrapf(err, "decode desk %s", id),
		}
	}
	d.ID = id
	return &d, nil
}

// SetPosition commands a desk to move to positionMM
func (c *Client) SetPosition(ctx context.Context, id string, positionMM int) error {
	if id == "" {
		return &ServiceError{Message: "desk identifier is required"}
	}
	if positionMM < 0 {
		return &ServiceError{Message: fmt.Sprintf("invalid position: %dmm (must be positive integer)", positionMM)}
	}

	req := c.request(ctx).
		SetPathParam("deskId", id).
		SetBody(map[string]int{"position_mm": positionMM})

	if _, err := c.execute(req, resty.MethodPut, "/{apiKey}/desks/{deskId}/state"); err != nil {
		return err
	}

	c.logger.Info("commanded desk", "deskId", id, "positionMm", positionMM)
	return nil
}
