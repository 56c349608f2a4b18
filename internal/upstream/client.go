package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"

	"davstream/internal/domain"
	"davstream/internal/metrics"
)

const userAgent = "davstream/1.0"

// Client issues HEAD and GET requests against the origin and learned CDN
// hosts. Redirects are never followed automatically; the caller
// classifies them.
type Client struct {
	hc     *http.Client
	logger *slog.Logger
}

type ClientOption func(*Client)

func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTransport swaps the underlying round tripper, mainly for tests.
func WithTransport(rt http.RoundTripper) ClientOption {
	return func(c *Client) {
		if rt != nil {
			c.hc.Transport = rt
		}
	}
}

func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		hc: &http.Client{
			Transport: NewTransport(),
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Response is an upstream reply whose body is still open. Exactly one
// consumer must close it.
type Response struct {
	StatusCode    int
	Header        http.Header
	Body          io.ReadCloser
	ContentLength int64
}

func (r *Response) Location() string { return r.Header.Get("Location") }

func (r *Response) IsRedirect() bool {
	return r.StatusCode >= 300 && r.StatusCode < 400 && r.Location() != ""
}

// GetOptions shape a single upstream GET. Kind labels the request in
// metrics and logs (origin or cdn).
type GetOptions struct {
	RangeHeader string
	Kind        string
}

// Head probes target and returns its metadata.
func (c *Client) Head(ctx context.Context, target string) (domain.Metadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
	if err != nil {
		return domain.Metadata{}, fmt.Errorf("%w: %v", domain.ErrUpstream, err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.hc.Do(req)
	if err != nil {
		metrics.UpstreamRequestsTotal.WithLabelValues("head", "error").Inc()
		return domain.Metadata{}, classifyTransportError(err)
	}
	defer resp.Body.Close()

	metrics.UpstreamRequestsTotal.WithLabelValues("head", statusClass(resp.StatusCode)).Inc()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.Metadata{}, fmt.Errorf("%w: HEAD %s returned %d", domain.ErrUpstream, target, resp.StatusCode)
	}

	meta := domain.Metadata{
		ContentLength: resp.ContentLength,
		ContentType:   strings.TrimSpace(resp.Header.Get("Content-Type")),
		LastModified:  resp.Header.Get("Last-Modified"),
		ETag:          resp.Header.Get("ETag"),
	}
	if meta.ContentLength < 0 {
		if parsed, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64); err == nil {
			meta.ContentLength = parsed
		} else {
			meta.ContentLength = 0
		}
	}

	c.logger.Debug("upstream head",
		slog.String("url", target),
		slog.Int64("contentLength", meta.ContentLength),
		slog.String("contentType", meta.ContentType),
	)
	return meta, nil
}

// Get fetches target, optionally with a Range header. The returned body
// is guarded against read stalls; a read that sits idle for 30 s aborts
// the connection and surfaces ErrUpstreamTimeout.
func (c *Client) Get(ctx context.Context, target string, opts GetOptions) (*Response, error) {
	kind := opts.Kind
	if kind == "" {
		kind = "origin"
	}

	reqCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, target, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", domain.ErrUpstream, err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "*/*")
	if opts.RangeHeader != "" {
		req.Header.Set("Range", opts.RangeHeader)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		cancel()
		metrics.UpstreamRequestsTotal.WithLabelValues(kind, "error").Inc()
		return nil, classifyTransportError(err)
	}

	metrics.UpstreamRequestsTotal.WithLabelValues(kind, statusClass(resp.StatusCode)).Inc()

	c.logger.Debug("upstream get",
		slog.String("kind", kind),
		slog.String("url", target),
		slog.String("range", opts.RangeHeader),
		slog.Int("status", resp.StatusCode),
	)

	return &Response{
		StatusCode:    resp.StatusCode,
		Header:        resp.Header,
		Body:          newStallGuard(resp.Body, cancel, readStallTimeout),
		ContentLength: resp.ContentLength,
	}, nil
}

func classifyTransportError(err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", domain.ErrClientAborted, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", domain.ErrUpstreamTimeout, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", domain.ErrUpstreamTimeout, err)
	}
	return fmt.Errorf("%w: %v", domain.ErrUpstream, err)
}

func statusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
