package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/baxromumarov/xa-participant/pkg/protocol"
)

// HTTPClient talks to a recovery admin server
type HTTPClient struct {
	client     *http.Client
	maxRetries int
	retryDelay time.Duration
}

// NewHTTPClient creates a new HTTP client with timeout
func NewHTTPClient(timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// WithRetry configures retry attempts for transport errors and 5xx responses
// other than 502, which carries a resolver result. Retries are off by default.
func (c *HTTPClient) WithRetry(maxRetries int, retryDelay time.Duration) *HTTPClient {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if retryDelay < 0 {
		retryDelay = 0
	}

	c.maxRetries = maxRetries
	c.retryDelay = retryDelay
	return c
}

// HealthCheck checks that the admin server is up
func (c *HTTPClient) HealthCheck(ctx context.Context, addr string) (*protocol.HealthResponse, error) {
	var health protocol.HealthResponse
	if err := c.do(ctx, http.MethodGet, addr, "/health", nil, &health); err != nil {
		return nil, err
	}
	return &health, nil
}

// InDoubt runs a recovery scan on the server
func (c *HTTPClient) InDoubt(ctx context.Context, addr string) (*protocol.ScanResponse, error) {
	var scan protocol.ScanResponse
	if err := c.do(ctx, http.MethodGet, addr, "/in-doubt", nil, &scan); err != nil {
		return nil, err
	}
	return &scan, nil
}

// Resolve runs one resolution pass on the server. A pass with failures
// returns both the response and an error.
func (c *HTTPClient) Resolve(ctx context.Context, addr string) (*protocol.ResolveResponse, error) {
	var resp protocol.ResolveResponse
	err := c.do(ctx, http.MethodPost, addr, "/resolve", nil, &resp)
	if err != nil && resp.Generated.IsZero() {
		return nil, err
	}
	return &resp, err
}

// Decide records an outcome on the server
func (c *HTTPClient) Decide(ctx context.Context, addr string, req *protocol.DecisionRequest) (*protocol.DecisionResponse, error) {
	var resp protocol.DecisionResponse
	err := c.do(ctx, http.MethodPost, addr, "/decisions", req, &resp)
	if err != nil && resp.Error == "" {
		return nil, err
	}
	if !resp.Success {
		return &resp, fmt.Errorf("decision rejected: %s", resp.Error)
	}
	return &resp, nil
}

// do sends the request and decodes a JSON body into out. Non-2xx responses
// still decode into out when the body is JSON.
func (c *HTTPClient) do(ctx context.Context, method, addr, path string, payload, out any) error {
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return err
		}
	}

	resp, err := c.doWithRetry(ctx, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, method, fmt.Sprintf("http://%s%s", addr, path), bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		return c.client.Do(req)
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.Header.Get("Content-Type") == "application/json" {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s %s failed with status: %d", method, path, resp.StatusCode)
	}
	return nil
}

func (c *HTTPClient) doWithRetry(ctx context.Context, do func() (*http.Response, error)) (*http.Response, error) {
	attempts := c.maxRetries + 1
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		resp, err := do()
		if err == nil && (resp.StatusCode < http.StatusInternalServerError || resp.StatusCode == http.StatusBadGateway) {
			return resp, nil
		}

		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("transient status: %d", resp.StatusCode)
			// drain so the connection can be reused
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}

		if attempt == attempts-1 {
			break
		}

		if c.retryDelay > 0 {
			timer := time.NewTimer(c.retryDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
	}

	return nil, lastErr
}
