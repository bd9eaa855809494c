package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultServerAddress = "http://localhost:6800"
	DefaultHTTPTimeout   = 30 * time.Second

	// Responses larger than this are treated as malformed.
	maxResponseBytes = 64 << 20
)

// ErrStatus wraps non-2xx responses from the server.
var ErrStatus = errors.New("unexpected HTTP status")

// Client talks to a Musicd server. The server address is only read on the
// event loop; Get is safe to call from any goroutine.
type Client struct {
	log           *zap.Logger
	http          *http.Client
	serverAddress string
	clientID      string
	userAgent     string
}

func NewClient(log *zap.Logger, serverAddress, clientID string, timeout time.Duration) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	c := &Client{
		log:       log,
		http:      &http.Client{Timeout: timeout},
		clientID:  clientID,
		userAgent: "musicd-go/" + version,
	}
	c.SetServerAddress(serverAddress)
	return c
}

// SetServerAddress changes the base address for subsequent requests.
func (c *Client) SetServerAddress(address string) {
	address = strings.TrimSpace(address)
	if address == "" {
		address = DefaultServerAddress
	}
	c.serverAddress = strings.TrimRight(address, "/")
}

func (c *Client) ServerAddress() string {
	return c.serverAddress
}

// RequestURL builds {base}/{resource}?{params}.
func (c *Client) RequestURL(resource string, params url.Values) (string, error) {
	return buildURL(c.serverAddress, resource, params)
}

// StreamURL is the playable address of a track. The server never sends it;
// it is derived from the base address.
func StreamURL(base, id string) string {
	u, err := buildURL(base, "open", url.Values{"id": {id}})
	if err != nil {
		return ""
	}
	return u
}

func buildURL(base, resource string, params url.Values) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("parse server address %q: %w", base, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("server address %q needs a scheme and host", base)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + resource
	u.RawQuery = params.Encode()
	return u.String(), nil
}

// Get performs a GET and returns the body of a 2xx response.
func (c *Client) Get(ctx context.Context, rawURL string) ([]byte, error) {
	c.log.Debug("request", zap.String("url", rawURL))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	if c.clientID != "" {
		req.Header.Set("X-Musicd-Client", c.clientID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s", ErrStatus, resp.Status)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
}

// Open streams a track. The caller closes the body.
func (c *Client) Open(ctx context.Context, streamURL string, maxBytes int64) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.userAgent)
	if maxBytes > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=0-%d", maxBytes-1))
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s", ErrStatus, resp.Status)
	}
	return resp.Body, nil
}
