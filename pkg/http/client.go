package http

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// maxErrorBody bounds how much of a failed response ends up in StatusError.
const maxErrorBody = 512

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// Temporary reports whether retrying the request may succeed.
func (e *StatusError) Temporary() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

type ClientOption func(*clientConfig)

type clientConfig struct {
	baseURL   string
	timeout   time.Duration
	retries   int
	wait      time.Duration
	maxWait   time.Duration
	headers   map[string]string
	userAgent string
}

// Client is a JSON client for collaborator services. Transport errors, 5xx and
// 429 are retried with exponential backoff; other statuses come back as *StatusError.
type Client struct {
	rc *resty.Client
}

func NewClient(opts ...ClientOption) *Client {
	cfg := clientConfig{
		timeout:   30 * time.Second,
		wait:      100 * time.Millisecond,
		userAgent: "fingate",
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.maxWait < cfg.wait {
		cfg.maxWait = 8 * cfg.wait
	}

	rc := resty.New().
		SetBaseURL(strings.TrimRight(cfg.baseURL, "/")).
		SetTimeout(cfg.timeout).
		SetRetryCount(cfg.retries).
		SetRetryWaitTime(cfg.wait).
		SetRetryMaxWaitTime(cfg.maxWait).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp != nil && (resp.StatusCode() >= 500 || resp.StatusCode() == http.StatusTooManyRequests)
		}).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", cfg.userAgent)
	for k, v := range cfg.headers {
		rc.SetHeader(k, v)
	}
	return &Client{rc: rc}
}

// PostJSON posts body as JSON and decodes a 2xx JSON answer into dest, which may be nil.
func (c *Client) PostJSON(ctx context.Context, path string, body, dest interface{}) error {
	req := c.rc.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		ForceContentType("application/json").
		SetBody(body)
	if dest != nil {
		req.SetResult(dest)
	}

	resp, err := req.Post(path)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("post %s: %w", path, ctxErr)
		}
		return fmt.Errorf("post %s: %w", path, err)
	}
	if resp.IsError() {
		msg := strings.TrimSpace(resp.String())
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		return fmt.Errorf("post %s: %w", path, &StatusError{Code: resp.StatusCode(), Body: msg})
	}
	return nil
}

func WithBaseURL(u string) ClientOption {
	return func(c *clientConfig) { c.baseURL = u }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *clientConfig) { c.timeout = timeout }
}

// WithRetry retries up to count times, waiting from wait doubling up to 8×wait.
func WithRetry(count int, wait time.Duration) ClientOption {
	return func(c *clientConfig) {
		c.retries = count
		if wait > 0 {
			c.wait = wait
		}
	}
}

func WithHeader(key, value string) ClientOption {
	return func(c *clientConfig) {
		if c.headers == nil {
			c.headers = make(map[string]string)
		}
		c.headers[key] = value
	}
}
