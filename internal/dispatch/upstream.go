// Package dispatch forwards accepted orders to the upstream fulfillment service.
package dispatch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// maxResponseBytes caps how much of an upstream reply is kept for logging.
const maxResponseBytes = 4096

// UpstreamClient calls the fulfillment endpoint.
type UpstreamClient struct {
	baseURL    string
	service    string
	httpClient *http.Client
}

// NewUpstreamClient creates a new upstream client.
// A zero timeout defaults to 10 seconds.
func NewUpstreamClient(baseURL, service string, timeout time.Duration) *UpstreamClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &UpstreamClient{
		baseURL:    baseURL,
		service:    service,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Send registers imei with the upstream service and returns its reply body.
// Network errors, timeouts and non-2xx statuses are returned as errors.
func (c *UpstreamClient) Send(ctx context.Context, imei string) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid upstream url: %w", err)
	}
	q := u.Query()
	q.Set("reg", imei)
	q.Set("service", c.service)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to execute request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return strings.TrimSpace(string(body)), nil
}
