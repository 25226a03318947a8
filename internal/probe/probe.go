// Package probe wraps outbound HTTP requests against registered servers.
// Every network failure is folded into the result; a probe never returns an
// error to its caller.
package probe

import (
	"context"
	"io"
	"net/http"
	"time"
)

// Kind selects the request profile and its default timeout.
type Kind string

const (
	KindHealth       Kind = "health"
	KindCapabilities Kind = "capabilities"
	KindFileFetch    Kind = "file-fetch"
	KindGenericGet   Kind = "generic-get"
)

// Default timeouts per probe kind. File and meta-tag fetches get more slack
// because they may hit static hosting with cold caches.
const (
	DefaultHealthTimeout       = 5 * time.Second
	DefaultCapabilitiesTimeout = 5 * time.Second
	DefaultFileFetchTimeout    = 10 * time.Second
	DefaultQuickTimeout        = 3 * time.Second
)

// maxBodyBytes caps how much of a response body is retained.
const maxBodyBytes = 1 << 20 // 1MB

// Result is the outcome of a single probe.
type Result struct {
	Up         bool
	Latency    time.Duration
	StatusCode int    // 0 when no response was received
	Error      string // populated when Up is false
	Body       []byte // response body, nil when no response was received
}

// ResponseSeconds returns the latency in seconds, the unit persisted on
// health check records.
func (r Result) ResponseSeconds() float64 {
	return r.Latency.Seconds()
}

// Client performs outbound GET probes with per-kind timeouts.
type Client struct {
	httpClient *http.Client
	userAgent  string
	timeouts   map[Kind]time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout overrides the default timeout for one probe kind.
func WithTimeout(kind Kind, d time.Duration) Option {
	return func(c *Client) {
		c.timeouts[kind] = d
	}
}

// WithHTTPClient substitutes the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// NewClient creates a probe client with default per-kind timeouts.
func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{},
		userAgent:  "MCP-Nexus-Probe/1.0",
		timeouts: map[Kind]time.Duration{
			KindHealth:       DefaultHealthTimeout,
			KindCapabilities: DefaultCapabilitiesTimeout,
			KindFileFetch:    DefaultFileFetchTimeout,
			KindGenericGet:   DefaultQuickTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Probe issues a GET to url with the kind's timeout. Timeouts, DNS failures,
// refused connections and TLS errors all produce Up=false with Error set.
// A response of any status code yields Up = (status == 200).
func (c *Client) Probe(ctx context.Context, url string, kind Kind) Result {
	timeout, ok := c.timeouts[kind]
	if !ok {
		timeout = DefaultQuickTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{Up: false, Error: err.Error()}
	}
	req.Header.Set("User-Agent", c.userAgent)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	latency := time.Since(start)
	if err != nil {
		return Result{Up: false, Latency: latency, Error: err.Error()}
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))

	result := Result{
		Up:         resp.StatusCode == http.StatusOK,
		Latency:    latency,
		StatusCode: resp.StatusCode,
		Body:       body,
	}
	if readErr != nil {
		result.Up = false
		result.Error = readErr.Error()
	}
	return result
}
