// Package client provides the HTTP client used for upstream fetches.
package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"onlinevpn/internal/config"
	"onlinevpn/internal/guard"
	"onlinevpn/internal/metrics"
	"onlinevpn/internal/model"
)

// Upstream fetches content from origin servers on behalf of clients.
//
// Redirects are never followed automatically: each hop is surfaced to the
// client after Location rewriting, so every destination re-enters the
// safety guard on the next inbound request. All connections are dialed
// through the guard, which reuses the address it validated.
type Upstream struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewUpstream creates an Upstream with connection pooling, timeouts, and
// guard-validated dialing. The metrics parameter is optional; pass nil to
// disable upstream metrics recording.
func NewUpstream(cfg *config.Config, g *guard.Guard, logger *slog.Logger, m *metrics.Metrics) *Upstream {
	transport := &http.Transport{
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		DialContext:         g.DialContext,
	}
	if cfg.Upstream.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // operator opt-in for broken upstream certs
		logger.Warn("upstream TLS certificate verification is disabled")
	}

	return &Upstream{
		httpClient: newHTTPClient(transport, cfg),
		logger:     logger.With("component", "upstream_client"),
		metrics:    m,
	}
}

// NewUpstreamForTest creates an Upstream that dials directly, bypassing the
// guard. This is intended only for tests that use httptest servers on
// localhost.
func NewUpstreamForTest(cfg *config.Config, logger *slog.Logger) *Upstream {
	return &Upstream{
		httpClient: newHTTPClient(http.DefaultTransport, cfg),
		logger:     logger.With("component", "upstream_client"),
	}
}

func newHTTPClient(transport http.RoundTripper, cfg *config.Config) *http.Client {
	return &http.Client{
		Transport: transport,
		Timeout:   time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// Do executes an HTTP request against the upstream and returns the raw response.
// The caller is responsible for closing the response body.
func (c *Upstream) Do(req *http.Request) (*model.ProxyResponse, error) {
	c.logger.Debug("upstream request",
		"method", req.Method,
		"host", req.URL.Host,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(method, status).Inc()
	}

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

// DoStream executes a request and returns the response body as a stream.
// The caller is responsible for closing the returned ReadCloser.
// The provided context controls the lifetime of the upstream request:
// when the context is canceled (e.g. client disconnects), the upstream
// request is also canceled.
func (c *Upstream) DoStream(ctx context.Context, method, url string, header http.Header, body io.Reader) (*model.ProxyResponse, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = header

	return c.Do(req)
}
