// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
)

// ProxyRequest represents a client request to be forwarded upstream.
// TargetDomain is the upstream host the request resolves to: the bound
// origin's host for catch-all requests, or a whitelisted secondary domain
// extracted from the path.
type ProxyRequest struct {
	Ctx          context.Context
	Method       string
	Path         string
	RawQuery     string
	Header       http.Header
	Body         io.ReadCloser
	TargetDomain string
}

// ProxyResponse represents the upstream response to be sent back.
// Rewritten bodies are buffered in memory; passthrough bodies stream
// directly from the upstream connection.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}
