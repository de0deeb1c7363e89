// Package session holds the client-carried browsing context: the origin a
// client is bound to and the domains it opted into having rewritten. The
// context lives in a signed cookie; the server keeps no per-client state.
package session

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// CookieName is the cookie the browsing context is carried in.
const CookieName = "onlinevpn_ctx"

// ErrInvalidTarget is returned when a submitted target URL is missing,
// malformed, or not http(s).
var ErrInvalidTarget = errors.New("invalid target URL")

// ErrBadCookie is returned when a context cookie is malformed, tampered
// with, or expired. Callers treat it the same as an absent cookie.
var ErrBadCookie = errors.New("invalid context cookie")

// Context binds a client to an origin and its whitelisted domains.
type Context struct {
	OriginURL string   `json:"origin_url"`
	Domains   []string `json:"domains"`
}

// Establish validates a submitted target URL and domain list and returns the
// resulting context. domainsInput is newline- or comma-separated; blanks are
// trimmed. An empty list defaults to the target's own host.
func Establish(target, domainsInput string) (*Context, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return nil, fmt.Errorf("%w: target URL is required", ErrInvalidTarget)
	}

	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: scheme must be http or https; got %q", ErrInvalidTarget, u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("%w: missing host in %q", ErrInvalidTarget, target)
	}

	domains := parseDomains(domainsInput)
	if len(domains) == 0 {
		domains = []string{u.Hostname()}
	}

	return &Context{
		OriginURL: u.String(),
		Domains:   domains,
	}, nil
}

// parseDomains splits a newline- or comma-separated domain list, trimming
// blanks and lowercasing entries.
func parseDomains(input string) []string {
	fields := strings.FieldsFunc(input, func(r rune) bool {
		return r == '\n' || r == '\r' || r == ','
	})

	domains := make([]string, 0, len(fields))
	seen := make(map[string]bool)
	for _, f := range fields {
		d := strings.ToLower(strings.TrimSpace(f))
		d = strings.TrimPrefix(d, "https://")
		d = strings.TrimPrefix(d, "http://")
		d = strings.TrimSuffix(d, "/")
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		domains = append(domains, d)
	}
	return domains
}

// Origin parses the bound origin URL.
func (c *Context) Origin() (*url.URL, error) {
	u, err := url.Parse(c.OriginURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	return u, nil
}

// PrimaryHost returns the hostname of the bound origin.
func (c *Context) PrimaryHost() string {
	u, err := url.Parse(c.OriginURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// AllowedDomains returns the whitelist, most specific (longest) domains
// first so that an explicitly whitelisted subdomain wins over its parent
// during rewriting. The origin host enters the list at establish time when
// the submitted list is empty; a non-empty list that excludes the origin
// deliberately leaves same-origin references unrewritten.
func (c *Context) AllowedDomains() []string {
	domains := make([]string, 0, len(c.Domains))
	seen := make(map[string]bool)
	for _, d := range c.Domains {
		if !seen[d] {
			seen[d] = true
			domains = append(domains, d)
		}
	}

	sortByLengthDesc(domains)
	return domains
}

// Allowed reports whether host is covered by the whitelist: an exact match
// or a subdomain relation in either direction. This is a textual boundary,
// not a DNS identity check.
func (c *Context) Allowed(host string) bool {
	host = strings.ToLower(host)
	for _, d := range c.AllowedDomains() {
		if host == d || strings.HasSuffix(host, "."+d) || strings.HasSuffix(d, "."+host) {
			return true
		}
	}
	return false
}

func sortByLengthDesc(domains []string) {
	// Insertion sort keeps the relative order of equal-length entries.
	for i := 1; i < len(domains); i++ {
		for j := i; j > 0 && len(domains[j]) > len(domains[j-1]); j-- {
			domains[j], domains[j-1] = domains[j-1], domains[j]
		}
	}
}

// Codec signs and verifies the context cookie. The payload is base64url
// JSON with an embedded expiry, authenticated with HMAC-SHA256.
type Codec struct {
	key    []byte
	maxAge time.Duration
}

// NewCodec creates a Codec with the given HMAC key and cookie lifetime.
func NewCodec(key []byte, maxAge time.Duration) *Codec {
	return &Codec{key: key, maxAge: maxAge}
}

// MaxAge returns the configured cookie lifetime.
func (c *Codec) MaxAge() time.Duration {
	return c.maxAge
}

type envelope struct {
	Context
	Expires int64 `json:"exp"`
}

// Encode serializes and signs a context for storage in a cookie.
func (c *Codec) Encode(ctx *Context) (string, error) {
	env := envelope{Context: *ctx, Expires: time.Now().Add(c.maxAge).Unix()}
	payload, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("encode context: %w", err)
	}

	encoded := base64.RawURLEncoding.EncodeToString(payload)
	return encoded + "." + c.sign(encoded), nil
}

// Decode verifies and deserializes a cookie value. Tampered, malformed, and
// expired values all return ErrBadCookie.
func (c *Codec) Decode(value string) (*Context, error) {
	encoded, sig, ok := strings.Cut(value, ".")
	if !ok {
		return nil, fmt.Errorf("%w: missing signature", ErrBadCookie)
	}
	if !hmac.Equal([]byte(sig), []byte(c.sign(encoded))) {
		return nil, fmt.Errorf("%w: signature mismatch", ErrBadCookie)
	}

	payload, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCookie, err)
	}

	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCookie, err)
	}
	if time.Now().Unix() > env.Expires {
		return nil, fmt.Errorf("%w: expired", ErrBadCookie)
	}
	if env.OriginURL == "" {
		return nil, fmt.Errorf("%w: empty origin", ErrBadCookie)
	}

	ctx := env.Context
	return &ctx, nil
}

func (c *Codec) sign(payload string) string {
	mac := hmac.New(sha256.New, c.key)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
