package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"

	"onlinevpn/internal/guard"
	"onlinevpn/internal/model"
	"onlinevpn/internal/rewrite"
	"onlinevpn/internal/service"
	"onlinevpn/internal/session"
)

// ProxyHandler dispatches catch-all requests: unbound clients are sent to
// the setup form, secondary-domain sub-locators are decoded and validated,
// and everything else is forwarded against the bound origin.
type ProxyHandler struct {
	service *service.ForwardService
	codec   *session.Codec
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ForwardService, codec *session.Codec, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		codec:   codec,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle resolves the inbound path against the client's browsing context
// and streams the upstream response back.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	sess := h.loadContext(c)
	if sess == nil {
		// Unbound: everything routes to the setup endpoint.
		return c.Redirect(http.StatusFound, "/proxy")
	}

	path := req.URL.Path
	targetDomain := ""

	if strings.HasPrefix(path, rewrite.LocatorPathPrefix) {
		domain, rest, err := splitLocatorPath(path)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{
				"error": "malformed domain token in path",
			})
		}
		if !sess.Allowed(domain) {
			h.logger.Warn("secondary domain not in whitelist",
				"domain", domain,
			)
			return c.JSON(http.StatusForbidden, map[string]string{
				"error": "domain is not in the whitelist for this session",
			})
		}
		targetDomain = domain
		path = rest
	}

	pr := &model.ProxyRequest{
		Ctx:          req.Context(),
		Method:       req.Method,
		Path:         path,
		RawQuery:     req.URL.RawQuery,
		Header:       req.Header,
		Body:         req.Body,
		TargetDomain: targetDomain,
	}

	resp, err := h.service.Forward(pr, sess)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	for key, vals := range resp.Header {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}

	c.Response().WriteHeader(resp.StatusCode)

	// Stream the upstream body directly to the client. If io.Copy fails
	// mid-stream (client disconnect, network error), the status code has
	// already been sent and the client receives a truncated response with
	// the original status. Log it; nothing else can be done at this point.
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Error("streaming response body",
			"err", err,
			"path", req.URL.Path,
		)
	}

	return nil
}

// loadContext decodes the context cookie, treating malformed or expired
// cookies the same as an absent one.
func (h *ProxyHandler) loadContext(c echo.Context) *session.Context {
	cookie, err := c.Cookie(session.CookieName)
	if err != nil || cookie.Value == "" {
		return nil
	}
	sess, err := h.codec.Decode(cookie.Value)
	if err != nil {
		h.logger.Debug("rejected context cookie", "err", err.Error())
		return nil
	}
	return sess
}

// splitLocatorPath decodes "/_d/<token>/rest" into the secondary domain and
// the remaining path.
func splitLocatorPath(path string) (domain, rest string, err error) {
	trimmed := strings.TrimPrefix(path, rewrite.LocatorPathPrefix)
	token, rest, found := strings.Cut(trimmed, "/")
	if !found {
		rest = ""
	}

	domain, err = rewrite.DecodeDomain(token)
	if err != nil {
		return "", "", err
	}
	return domain, "/" + rest, nil
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	h.logger.Error("proxy error",
		"err", err.Error(),
		"path", c.Request().URL.Path,
	)

	switch {
	case errors.Is(err, session.ErrInvalidTarget):
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid target URL in session",
		})
	case errors.Is(err, rewrite.ErrBadDomainToken):
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "malformed domain token in path",
		})
	case errors.Is(err, guard.ErrBlockedAddress), errors.Is(err, guard.ErrResolveFailed):
		return c.JSON(http.StatusForbidden, map[string]string{
			"error": "target is not reachable through this proxy",
		})
	case errors.Is(err, service.ErrUnknownSecondaryDomain):
		return c.JSON(http.StatusForbidden, map[string]string{
			"error": "domain is not in the whitelist for this session",
		})
	case errors.Is(err, context.DeadlineExceeded):
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream request timed out",
		})
	case errors.Is(err, context.Canceled):
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "client disconnected",
		})
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream host unreachable",
		})
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return c.JSON(http.StatusGatewayTimeout, map[string]string{
				"error": "upstream request timed out",
			})
		}
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream connection failed",
		})
	}

	return c.JSON(http.StatusBadGateway, map[string]string{
		"error": "upstream request failed",
	})
}
