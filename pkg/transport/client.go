// Package transport provides the single shared HTTP client through which
// every authenticated API call flows. Response interception is an explicit
// middleware chain on the client, so cross-cutting observers (such as the
// session supervisor) see every response regardless of call site.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// TokenFunc supplies the current bearer credential. An empty string sends
// the request unauthenticated.
type TokenFunc func(ctx context.Context) string

// ResponseOutcome is what interceptors observe about a completed call: the
// HTTP status and, for error responses, the decoded API error.
type ResponseOutcome struct {
	Method     string
	Path       string
	StatusCode int
	Err        *APIError
}

// ResponseInterceptor observes every completed API call. Interceptors run in
// registration order on the calling goroutine and must not block.
type ResponseInterceptor func(ctx context.Context, outcome ResponseOutcome)

// Config holds configuration for a Client.
type Config struct {
	// BaseURL is the API root every path is resolved against.
	BaseURL string
	// HTTPClient optionally overrides the underlying client. Defaults to a
	// client with a 30s timeout.
	HTTPClient *http.Client
}

// Client is an authenticated JSON request/response client. It is safe for
// concurrent use.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	token      TokenFunc
	logger     zerolog.Logger

	mu           sync.RWMutex
	interceptors []ResponseInterceptor
}

// NewClient creates a client for the given API root. token may be nil for a
// client that never authenticates.
func NewClient(cfg Config, token TokenFunc, logger zerolog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL cannot be empty")
	}
	baseURL, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", cfg.BaseURL, err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		token:      token,
		logger:     logger.With().Str("component", "APIClient").Logger(),
	}, nil
}

// AddResponseInterceptor appends an observer to the response chain.
func (c *Client) AddResponseInterceptor(interceptor ResponseInterceptor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.interceptors = append(c.interceptors, interceptor)
}

// DoJSON issues a JSON request and decodes a successful response body into
// out (which may be nil to discard it). Error responses are returned as
// *APIError; transport-level failures are returned as wrapped errors and,
// having produced no response, are not run through the interceptor chain.
func (c *Client) DoJSON(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	target := c.baseURL.JoinPath(strings.TrimPrefix(path, "/"))
	req, err := http.NewRequestWithContext(ctx, method, target.String(), reqBody)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != nil {
		if tok := c.token(ctx); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s %s failed: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response from %s %s: %w", method, path, err)
	}

	var apiErr *APIError
	if resp.StatusCode >= 400 {
		apiErr = decodeAPIError(resp.StatusCode, respBody)
	}
	c.notify(ctx, ResponseOutcome{
		Method:     method,
		Path:       path,
		StatusCode: resp.StatusCode,
		Err:        apiErr,
	})
	if apiErr != nil {
		c.logger.Debug().Str("method", method).Str("path", path).Int("status", resp.StatusCode).Str("code", apiErr.Code).Msg("API call returned an error.")
		return apiErr
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to decode response from %s %s: %w", method, path, err)
		}
	}
	return nil
}

func (c *Client) notify(ctx context.Context, outcome ResponseOutcome) {
	c.mu.RLock()
	interceptors := make([]ResponseInterceptor, len(c.interceptors))
	copy(interceptors, c.interceptors)
	c.mu.RUnlock()
	for _, interceptor := range interceptors {
		interceptor(ctx, outcome)
	}
}

// decodeAPIError builds an APIError from an error response body, tolerating
// bodies that are not the standard envelope.
func decodeAPIError(status int, body []byte) *APIError {
	var envelope struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return &APIError{Status: status, Message: strings.TrimSpace(string(body))}
	}
	return &APIError{Status: status, Code: envelope.Code, Message: envelope.Message}
}
