// Package transport provides the outbound HTTPS client used by the
// source-cloud and peer registry code.
package transport

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/DougAnsonAustinTX/pelion-bridge/common"
)

// DefaultTimeout bounds a single HTTPS exchange.
const DefaultTimeout = 2 * time.Minute

// ClientOption is a client configuration option.
type ClientOption func(c *Client)

// WithHTTPClient swaps the underlying http client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.http = hc
	}
}

// WithTimeout bounds each request round trip.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.http.Timeout = d
	}
}

// WithLogger sets the client logger.
func WithLogger(l common.Logger) ClientOption {
	return func(c *Client) {
		c.logger = l
	}
}

// NewClient creates an HTTPS client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		http:   &http.Client{Timeout: DefaultTimeout},
		logger: common.Discard,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Client is a thin wrapper over net/http. Every verb returns the response
// body together with its status code, so one client is safe to share
// between concurrent callers.
type Client struct {
	http   *http.Client
	logger common.Logger
}

// Get issues a GET. authorization is the full Authorization header value
// (e.g. "Bearer ak_..." or a SAS token); empty means unauthenticated.
func (c *Client) Get(ctx context.Context, url, contentType, authorization string) ([]byte, int, error) {
	return c.do(ctx, http.MethodGet, url, nil, contentType, authorization)
}

// Put issues a PUT with the given body.
func (c *Client) Put(ctx context.Context, url string, body []byte, contentType, authorization string) ([]byte, int, error) {
	return c.do(ctx, http.MethodPut, url, body, contentType, authorization)
}

// Post issues a POST with the given body.
func (c *Client) Post(ctx context.Context, url string, body []byte, contentType, authorization string) ([]byte, int, error) {
	return c.do(ctx, http.MethodPost, url, body, contentType, authorization)
}

// Patch issues a PATCH with the given body.
func (c *Client) Patch(ctx context.Context, url string, body []byte, contentType, authorization string) ([]byte, int, error) {
	return c.do(ctx, http.MethodPatch, url, body, contentType, authorization)
}

// Delete issues a DELETE. Extra headers (If-Match and friends) go through
// DeleteWithHeaders.
func (c *Client) Delete(ctx context.Context, url, contentType, authorization string) ([]byte, int, error) {
	return c.do(ctx, http.MethodDelete, url, nil, contentType, authorization)
}

// DeleteWithHeaders issues a DELETE carrying additional headers.
func (c *Client) DeleteWithHeaders(ctx context.Context, url, contentType, authorization string, headers http.Header) ([]byte, int, error) {
	return c.doWithHeaders(ctx, http.MethodDelete, url, nil, contentType, authorization, headers)
}

func (c *Client) do(ctx context.Context, method, url string, body []byte, contentType, authorization string) ([]byte, int, error) {
	return c.doWithHeaders(ctx, method, url, body, contentType, authorization, nil)
}

// doWithHeaders performs the exchange. A non-2xx response is not an error:
// the body and status come back and the caller decides, matching how the
// bridge treats upstream 4xx results.
func (c *Client) doWithHeaders(ctx context.Context, method, url string, body []byte, contentType, authorization string, headers http.Header) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	if contentType == "" {
		contentType = "application/json"
	}
	req.Header.Set("Content-Type", contentType)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	for k, v := range headers {
		for i := range v {
			req.Header.Add(k, v[i])
		}
	}

	res, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer res.Body.Close()

	b, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, res.StatusCode, err
	}
	c.logger.Debugf("%s %s -> %d (%d bytes)", method, url, res.StatusCode, len(b))
	return b, res.StatusCode, nil
}

// StatusOK reports whether an HTTP status code counts as success.
func StatusOK(code int) bool {
	return code >= 200 && code <= 299
}
