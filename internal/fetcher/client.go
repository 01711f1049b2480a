package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/jaennil/guide_helper/backend/tileloader/pkg/metrics"
	"github.com/jaennil/guide_helper/backend/tileloader/pkg/telemetry"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

var (
	ErrTimeout               = errors.New("fetcher: request timed out")
	ErrEmptyBody             = errors.New("fetcher: empty response body")
	ErrBodyTooLarge          = errors.New("fetcher: response body too large")
	ErrHTTPSProxyUnsupported = errors.New("fetcher: https through a proxy is not supported")
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetcher: unexpected status %s", e.Status)
}

// ProxyFunc picks the proxy for a request, as http.Transport.Proxy does.
type ProxyFunc func(*http.Request) (*url.URL, error)

// Options configures the client.
type Options struct {
	// MaxConns caps concurrent connections per host.
	// Default: 5
	MaxConns int

	// Timeout bounds a whole GET including the body. Zero leaves the
	// deadline to the caller's context.
	// Default: 5s
	Timeout time.Duration

	// MaxBodySize rejects larger responses.
	// Default: 16MiB
	MaxBodySize int64

	UserAgent string

	// Proxy defaults to http.ProxyFromEnvironment.
	Proxy ProxyFunc

	// RejectHTTPSProxy fails https requests that would go through a proxy.
	RejectHTTPSProxy bool
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		MaxConns:    5,
		Timeout:     5 * time.Second,
		MaxBodySize: 16 << 20,
		UserAgent:   "GuideHelper-tileloader/1.0 (https://github.com/jaennil/guide_helper)",
		Proxy:       http.ProxyFromEnvironment,
	}
}

type Client struct {
	client *http.Client
	opts   Options
}

func NewClient(opts Options) *Client {
	defaults := DefaultOptions()
	if opts.MaxConns <= 0 {
		opts.MaxConns = defaults.MaxConns
	}
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = defaults.MaxBodySize
	}
	if opts.Proxy == nil {
		opts.Proxy = defaults.Proxy
	}

	transport := &http.Transport{
		Proxy:               opts.Proxy,
		MaxConnsPerHost:     opts.MaxConns,
		MaxIdleConnsPerHost: opts.MaxConns,
		MaxIdleConns:        opts.MaxConns * 2,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
	}

	return &Client{
		client: &http.Client{Transport: transport},
		opts:   opts,
	}
}

// RequestOption adjusts a single GET.
type RequestOption func(*http.Request)

func WithHeader(h http.Header) RequestOption {
	return func(r *http.Request) {
		for k, vs := range h {
			for _, v := range vs {
				r.Header.Add(k, v)
			}
		}
	}
}

// Get downloads rawURL and returns its body.
func (c *Client) Get(ctx context.Context, rawURL string, opts ...RequestOption) ([]byte, error) {
	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, c.opts.Timeout, ErrTimeout)
		defer cancel()
	}

	ctx, span := telemetry.StartClientSpan(ctx, "tile GET", rawURL)
	defer span.End()

	body, status, err := c.get(ctx, rawURL, opts)
	if status != 0 {
		span.SetAttributes(semconv.HTTPResponseStatusCode(status))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetStatus(codes.Ok, "")
	return body, nil
}

func (c *Client) get(ctx context.Context, rawURL string, opts []RequestOption) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}

	if c.opts.UserAgent != "" {
		req.Header.Set("User-Agent", c.opts.UserAgent)
	}
	for _, opt := range opts {
		opt(req)
	}

	if err := c.checkProxy(req); err != nil {
		return nil, 0, err
	}

	metrics.UpstreamRequests.Inc()
	start := time.Now()
	defer func() {
		metrics.UpstreamLatency.Observe(time.Since(start).Seconds())
	}()

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, classify(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, resp.StatusCode, &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.opts.MaxBodySize+1))
	if err != nil {
		return nil, resp.StatusCode, classify(ctx, fmt.Errorf("read body: %w", err))
	}
	if int64(len(body)) > c.opts.MaxBodySize {
		return nil, resp.StatusCode, ErrBodyTooLarge
	}
	if len(body) == 0 {
		return nil, resp.StatusCode, ErrEmptyBody
	}

	return body, resp.StatusCode, nil
}

func (c *Client) checkProxy(req *http.Request) error {
	if !c.opts.RejectHTTPSProxy || req.URL.Scheme != "https" {
		return nil
	}

	proxy, err := c.opts.Proxy(req)
	if err != nil {
		return fmt.Errorf("resolve proxy: %w", err)
	}
	if proxy != nil {
		return fmt.Errorf("%w: %s via %s", ErrHTTPSProxyUnsupported, req.URL.Host, proxy.Host)
	}
	return nil
}

// classify turns a context expiry into ErrTimeout, keeping the transport error.
func classify(ctx context.Context, err error) error {
	if ctx.Err() == nil {
		return err
	}

	cause := context.Cause(ctx)
	if errors.Is(cause, context.DeadlineExceeded) {
		cause = ErrTimeout
	}
	return fmt.Errorf("%w: %v", cause, err)
}
