package inkframe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"strings"
	"time"
)

const (
	// DefaultBaseURL is the default API root. Endpoints are /setup and /display below it.
	DefaultBaseURL = "https://usetrmnl.com/api"

	setupEndpoint       = "/setup"
	displayEndpoint     = "/display"
	userAgentProduct    = "inkframe"
	userAgentVersion    = "1.0"
	defaultHTTPTimeout  = 15 * time.Second
	maxResponseBodySize = 1 << 20 // 1 MiB guard for JSON bodies

	// MaxAssetSize bounds a single image download.
	MaxAssetSize int64 = 8 << 20
)

// Client talks to the display-content service.
type Client struct {
	baseURL     string
	imageScheme string
	http        *http.Client
	limiter     RateLimiter
	userAgent   string
	maxAsset    int64
}

// ClientOption mutates the client during construction.
type ClientOption func(*Client)

// NewClient builds a client for the service rooted at baseURL (DefaultBaseURL when empty).
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		baseURL:     baseURL,
		imageScheme: "https://",
		userAgent:   buildDefaultUserAgent(),
		http:        &http.Client{Timeout: defaultHTTPTimeout},
		limiter:     NewFixedIntervalLimiter(250 * time.Millisecond),
		maxAsset:    MaxAssetSize,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: defaultHTTPTimeout}
	}
	c.baseURL = sanitizeBaseURL(c.baseURL)
	if !strings.HasPrefix(c.baseURL, "http://") && !strings.HasPrefix(c.baseURL, "https://") {
		return nil, fmt.Errorf("inkframe: base URL %q must be http or https", c.baseURL)
	}
	if c.maxAsset <= 0 {
		return nil, errors.New("inkframe: max asset size must be positive")
	}
	return c, nil
}

// WithHTTPClient installs a custom http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithRateLimiter replaces the default limiter. Pass nil to disable pacing.
func WithRateLimiter(l RateLimiter) ClientOption {
	return func(c *Client) { c.limiter = l }
}

// WithUserAgent sets a custom User-Agent string.
func WithUserAgent(ua string) ClientOption {
	return func(c *Client) { c.userAgent = ua }
}

// WithImageScheme sets the scheme prefixed to host-relative image URLs (default "https://").
func WithImageScheme(scheme string) ClientOption {
	return func(c *Client) {
		if s := strings.TrimSpace(scheme); s != "" {
			c.imageScheme = s
		}
	}
}

// WithMaxAssetSize overrides MaxAssetSize for downloads.
func WithMaxAssetSize(n int64) ClientOption {
	return func(c *Client) { c.maxAsset = n }
}

// BaseURL returns the sanitized API root.
func (c *Client) BaseURL() string { return c.baseURL }

// get executes a paced GET with the given headers. The caller owns the response body.
func (c *Client) get(ctx context.Context, url string, header http.Header) (*http.Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &NetworkError{Op: "wait", URL: url, Err: err}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("inkframe: build request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if ua := strings.TrimSpace(c.userAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: "request", URL: url, Err: err}
	}
	return resp, nil
}

// getJSON executes the GET and decodes a 2xx JSON body into out.
func (c *Client) getJSON(ctx context.Context, endpoint string, header http.Header, out interface{}) error {
	url := c.baseURL + endpoint
	resp, err := c.get(ctx, url, header)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return &NetworkError{Op: "read", URL: url, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return buildAPIError(resp.StatusCode, raw)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &ParseError{Endpoint: endpoint, Body: raw, Err: err}
	}
	return nil
}

func buildDefaultUserAgent() string {
	goVer := strings.TrimPrefix(runtime.Version(), "go")
	if goVer == "" {
		goVer = runtime.Version()
	}
	return fmt.Sprintf("%s/%s (Go%s; %s/%s)",
		userAgentProduct, userAgentVersion, goVer, runtime.GOOS, runtime.GOARCH)
}
