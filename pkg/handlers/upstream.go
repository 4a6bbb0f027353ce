package handlers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPUpstreamClient is a generic UpstreamClient that POSTs request params
// to a fixed base URL and returns the response body verbatim. The two
// registered handler classes (alchemy, opensea) are both instances of this
// with different base URLs; nothing in the spec's scope calls for
// family-specific request shaping, so no family-specific client exists.
//
// Only this one concrete HTTP client is built on the standard library
// rather than a third-party HTTP client: nothing in the example pack
// carries an HTTP client library (resty, req, etc.), and net/http is the
// idiomatic choice for a single POST-and-read-body call with no retries,
// connection pooling tuning, or middleware chain of its own.
type HTTPUpstreamClient struct {
	baseURL string
	http    *http.Client
}

// NewHTTPUpstreamClient builds a client posting to baseURL with timeout.
func NewHTTPUpstreamClient(baseURL string, timeout time.Duration) *HTTPUpstreamClient {
	return &HTTPUpstreamClient{baseURL: baseURL, http: &http.Client{Timeout: timeout}}
}

func (c *HTTPUpstreamClient) Fetch(ctx context.Context, params []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(params))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("upstream returned status %d: %s", resp.StatusCode, body)
	}
	return body, nil
}

// NewAlchemyHandler builds the "alchemy" registered handler class.
func NewAlchemyHandler(baseURL string) Handler {
	return NewUpstreamHandler("alchemy", NewHTTPUpstreamClient(baseURL, 10*time.Second))
}

// NewOpenSeaHandler builds the "opensea" registered handler class.
func NewOpenSeaHandler(baseURL string) Handler {
	return NewUpstreamHandler("opensea", NewHTTPUpstreamClient(baseURL, 10*time.Second))
}
