// Package service implements the core forwarding and response-rewriting logic.
package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"onlinevpn/internal/client"
	"onlinevpn/internal/config"
	"onlinevpn/internal/guard"
	"onlinevpn/internal/model"
	"onlinevpn/internal/rewrite"
	"onlinevpn/internal/session"
)

// ErrUnknownSecondaryDomain is returned when a sub-locator names a domain
// outside the client's whitelist.
var ErrUnknownSecondaryDomain = errors.New("domain is not in the whitelist")

// TargetChecker validates an upstream target before it is fetched.
// *guard.Guard satisfies this.
type TargetChecker interface {
	CheckURL(ctx context.Context, u *url.URL) error
}

// droppedRequestHeaders are stripped from the inbound request before it is
// forwarded: the proxy is the authority on Host and framing, and client
// cookies must never leak to upstream origins.
var droppedRequestHeaders = []string{
	"Host",
	"Content-Length",
	"Cookie",
	"Accept-Encoding",
}

// droppedResponseHeaders are stripped from the upstream response: the body
// may change length during rewriting and is always sent uncompressed.
var droppedResponseHeaders = map[string]bool{
	"Content-Length":    true,
	"Content-Encoding":  true,
	"Transfer-Encoding": true,
	"Connection":        true,
	"Keep-Alive":        true,
}

// textualContentTypes lists the MIME families whose bodies go through the
// rewrite engine. Everything else passes through as an opaque stream.
var textualContentTypes = []string{
	"text/",
	"application/javascript",
	"application/json",
	"application/xml",
}

// userAgent is presented to upstream origins; some sites serve degraded or
// blocked content to obvious non-browser agents.
const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"

// ForwardService fetches upstream content and rewrites whitelisted-domain
// references in textual responses.
type ForwardService struct {
	client    *client.Upstream
	checker   TargetChecker
	cfg       *config.Config
	logger    *slog.Logger
	proxyBase *url.URL
}

// NewForwardService creates a ForwardService guarded by g.
func NewForwardService(c *client.Upstream, g *guard.Guard, cfg *config.Config, logger *slog.Logger) (*ForwardService, error) {
	return newForwardService(c, g, cfg, logger)
}

// NewForwardServiceWithChecker creates a ForwardService with a custom target
// checker. This is intended for tests that fetch from localhost.
func NewForwardServiceWithChecker(c *client.Upstream, checker TargetChecker, cfg *config.Config, logger *slog.Logger) (*ForwardService, error) {
	return newForwardService(c, checker, cfg, logger)
}

func newForwardService(c *client.Upstream, checker TargetChecker, cfg *config.Config, logger *slog.Logger) (*ForwardService, error) {
	base, err := url.Parse(cfg.Proxy.PublicURL)
	if err != nil {
		return nil, fmt.Errorf("parse proxy.public_url: %w", err)
	}

	return &ForwardService{
		client:    c,
		checker:   checker,
		cfg:       cfg,
		logger:    logger.With("component", "forward_service"),
		proxyBase: base,
	}, nil
}

// Forward fetches the path named by pr against the session's bound origin
// (or the secondary domain pr carries), rewrites textual bodies and redirect
// Locations, and returns the client-facing response. The caller is
// responsible for closing the response body.
func (s *ForwardService) Forward(pr *model.ProxyRequest, sess *session.Context) (*model.ProxyResponse, error) {
	origin, err := sess.Origin()
	if err != nil {
		return nil, err
	}

	target, currentDomain := s.buildTargetURL(pr, origin)

	if err := s.checker.CheckURL(pr.Ctx, target); err != nil {
		return nil, err
	}

	header := s.filterRequestHeaders(pr.Header)

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"target_host", target.Host,
		"path", pr.Path,
	)

	resp, err := s.client.DoStream(pr.Ctx, pr.Method, target.String(), header, pr.Body)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}

	rw := rewrite.New(s.proxyBase, sess, currentDomain)

	outHeader := s.filterResponseHeaders(resp.Header)
	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		if loc := resp.Header.Get("Location"); loc != "" {
			outHeader.Set("Location", rw.RewriteLocation(sess, loc))
		}
	}
	resp.Header = outHeader

	if s.isTextual(resp.Header.Get("Content-Type")) {
		if err := s.rewriteBody(resp, rw); err != nil {
			return nil, err
		}
	}

	return resp, nil
}

// buildTargetURL resolves the inbound path against the bound origin or the
// secondary domain, appending the raw query unmodified.
func (s *ForwardService) buildTargetURL(pr *model.ProxyRequest, origin *url.URL) (*url.URL, string) {
	target := &url.URL{
		Scheme:   origin.Scheme,
		Host:     origin.Host,
		Path:     pr.Path,
		RawQuery: pr.RawQuery,
	}
	currentDomain := origin.Hostname()

	if pr.TargetDomain != "" && pr.TargetDomain != origin.Hostname() {
		target.Host = pr.TargetDomain
		currentDomain = pr.TargetDomain
	}
	if target.Path == "" {
		target.Path = "/"
	}
	return target, currentDomain
}

// filterRequestHeaders copies the inbound headers minus the drop list,
// forces an uncompressed response, and sets the browser User-Agent.
func (s *ForwardService) filterRequestHeaders(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for key, vals := range src {
		if isDroppedRequestHeader(key) {
			continue
		}
		dst[http.CanonicalHeaderKey(key)] = vals
	}
	// Identity encoding so textual bodies can be rewritten without an
	// explicit decompression step.
	dst.Set("Accept-Encoding", "identity")
	dst.Set("User-Agent", userAgent)
	return dst
}

func isDroppedRequestHeader(key string) bool {
	for _, h := range droppedRequestHeaders {
		if http.CanonicalHeaderKey(key) == h {
			return true
		}
	}
	return false
}

// filterResponseHeaders copies upstream headers minus framing and encoding
// headers the proxy is now the authority on. Upstream cookies named like the
// context cookie are dropped; they would clobber the client's binding.
func (s *ForwardService) filterResponseHeaders(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for key, vals := range src {
		canon := http.CanonicalHeaderKey(key)
		if droppedResponseHeaders[canon] {
			continue
		}
		if canon == "Set-Cookie" {
			vals = dropContextCookie(vals)
			if len(vals) == 0 {
				continue
			}
		}
		dst[key] = vals
	}
	return dst
}

// dropContextCookie filters out Set-Cookie values whose cookie name matches
// the browsing-context cookie.
func dropContextCookie(vals []string) []string {
	kept := make([]string, 0, len(vals))
	for _, v := range vals {
		name, _, _ := strings.Cut(v, "=")
		if strings.TrimSpace(name) == session.CookieName {
			continue
		}
		kept = append(kept, v)
	}
	return kept
}

// isTextual reports whether a Content-Type belongs to the rewritable MIME
// families.
func (s *ForwardService) isTextual(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if mediaType, _, ok := strings.Cut(ct, ";"); ok {
		ct = strings.TrimSpace(mediaType)
	}
	for _, t := range textualContentTypes {
		if strings.HasPrefix(ct, t) {
			return true
		}
	}
	// Structured syntax suffixes like image/svg+xml or application/ld+json.
	return strings.HasSuffix(ct, "+xml") || strings.HasSuffix(ct, "+json")
}

// rewriteBody buffers a textual body up to the configured cap, runs the
// rewrite engine over it, and re-frames the response with an exact
// Content-Length. Bodies larger than the cap stream through unmodified.
func (s *ForwardService) rewriteBody(resp *model.ProxyResponse, rw *rewrite.Rewriter) error {
	limit := s.cfg.Proxy.RewriteMaxBytes
	buf, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		_ = resp.Body.Close()
		return fmt.Errorf("read upstream body: %w", err)
	}

	if int64(len(buf)) > limit {
		s.logger.Warn("textual body exceeds rewrite cap; passing through unmodified",
			"limit_bytes", limit,
		)
		resp.Body = &prefixedReadCloser{
			Reader: io.MultiReader(bytes.NewReader(buf), resp.Body),
			closer: resp.Body,
		}
		return nil
	}

	_ = resp.Body.Close()
	rewritten := rw.Rewrite(buf)
	resp.Header.Set("Content-Length", strconv.Itoa(len(rewritten)))
	resp.Body = io.NopCloser(bytes.NewReader(rewritten))
	return nil
}

// prefixedReadCloser replays an already-buffered prefix before the rest of
// the upstream stream.
type prefixedReadCloser struct {
	io.Reader
	closer io.Closer
}

func (p *prefixedReadCloser) Close() error {
	return p.closer.Close()
}
