// Package transport builds authenticated requests against the roleplay
// backend.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/carolrp/voicepipe/internal/ttypes"
	"github.com/google/uuid"
)

// DefaultBaseURL is where the backend listens in development.
const DefaultBaseURL = "http://localhost:18080"

// Client carries the base URL, bearer token and HTTP client shared by the
// synthesis, recognition and chat clients.
type Client struct {
	baseURL *url.URL
	token   string
	http    *http.Client
}

// Config contains transport settings.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// New creates a backend client. A zero timeout means no client-side timeout,
// which streaming endpoints need.
func New(config Config, httpClient *http.Client) (*Client, error) {
	raw := config.BaseURL
	if raw == "" {
		raw = DefaultBaseURL
	}
	u, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%s is not a supported protocol", u.Scheme)
	}

	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.Timeout}
	}
	return &Client{baseURL: u, token: config.Token, http: httpClient}, nil
}

// URL resolves path against the base URL.
func (c *Client) URL(path string) string {
	return c.baseURL.String() + "/" + strings.TrimLeft(path, "/")
}

// NewRequest builds a request for path with the bearer token and a fresh
// request id attached.
func (c *Client) NewRequest(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Request, error) {
	target := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		target = c.URL(path)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("unable to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("X-Request-ID", uuid.NewString())
	return req, nil
}

// Do sends req. Transport failures come back as typed network or timeout
// errors; the response is returned untouched otherwise.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, wrapTransportError(err)
	}
	return resp, nil
}

// HTTP returns the underlying client.
func (c *Client) HTTP() *http.Client {
	return c.http
}

func wrapTransportError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return ttypes.TimeoutError(err)
	}
	return ttypes.NetworkError(err)
}

// ReadError drains a failed response into a typed status error.
func ReadError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	return ttypes.HTTPStatusError(resp.StatusCode, strings.TrimSpace(string(body)))
}
