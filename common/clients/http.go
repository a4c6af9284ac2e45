// Package clients holds outbound client wrappers shared by executors. The
// HTTP client stamps run metadata from context onto every request so
// downstream systems can correlate and deduplicate.
package clients

import (
	"context"
	"io"
	"net/http"
	"time"
)

// Logger is the minimal logging surface the client needs
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// HTTPClient wraps http.Client with context-to-header propagation
type HTTPClient struct {
	client *http.Client
	logger Logger
}

// NewHTTPClient builds an HTTPClient. A nil inner client gets a 30s timeout
// default; per-request deadlines still come from the context.
func NewHTTPClient(client *http.Client, logger Logger) *HTTPClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPClient{client: client, logger: logger}
}

// Do builds and executes a request. Run metadata present on the context is
// forwarded as headers: X-Organization-ID, X-Run-ID, X-Idempotency-Key.
func (c *HTTPClient) Do(ctx context.Context, method, url string, headers map[string]string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	for name, value := range headers {
		req.Header.Set(name, value)
	}
	if orgID, ok := OrgID(ctx); ok {
		req.Header.Set("X-Organization-ID", orgID)
	}
	if runID, ok := RunID(ctx); ok {
		req.Header.Set("X-Run-ID", runID)
	}
	if key, ok := IdempotencyKey(ctx); ok {
		req.Header.Set("X-Idempotency-Key", key)
	}
	return c.client.Do(req)
}
