// Package upstream provides a client for the agent runtime's
// OpenAI-compatible HTTP surface.
//
// FILES:
//   - client.go: HTTP client, streaming completions, readiness polling
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"
)

// ErrUnavailable reports that the runtime could not be reached before any
// response byte was produced.
var ErrUnavailable = errors.New("agent runtime unavailable")

// Client is the agent runtime HTTP client.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// ClientOption configures the Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithConnectTimeout sets the TCP dial timeout. The client carries no overall
// request timeout: completions stream for as long as the run takes.
func WithConnectTimeout(timeout time.Duration) ClientOption {
	return func(client *Client) {
		client.httpClient.Transport = &http.Transport{
			DialContext: (&net.Dialer{Timeout: timeout}).DialContext,
		}
	}
}

// NewClient creates an agent runtime client.
// It reads OPENCLAW_BASE_URL from the environment if baseURL is empty.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	if baseURL == "" {
		baseURL = os.Getenv("OPENCLAW_BASE_URL")
	}
	if baseURL == "" {
		baseURL = "http://127.0.0.1:18789"
	}

	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the configured runtime base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// StreamCompletions posts a chat-completion body and returns the raw response
// with its body still open. The caller owns resp.Body. A transport-level
// failure is wrapped as ErrUnavailable.
func (c *Client) StreamCompletions(ctx context.Context, body []byte, headers http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build completions request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	copyRequestHeaders(req, headers)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return resp, nil
}

// Models fetches the runtime's model list verbatim.
func (c *Client) Models(ctx context.Context, headers http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/models", nil)
	if err != nil {
		return nil, fmt.Errorf("build models request: %w", err)
	}
	copyRequestHeaders(req, headers)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return resp, nil
}

// WaitReady polls the runtime's model list until it answers 200 or the
// timeout elapses. Used to ride out runtime restarts between retries.
func (c *Client) WaitReady(ctx context.Context, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		resp, err := c.Models(probeCtx, nil)
		cancel()
		if err == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return true
			}
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(500 * time.Millisecond):
		}
	}
	return false
}

// copyRequestHeaders forwards selected headers onto an upstream request.
func copyRequestHeaders(req *http.Request, headers http.Header) {
	for name, values := range headers {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
}
