// Package rewrite implements the text-pattern URL rewriting that keeps
// navigation inside the proxy. It deliberately operates on raw bytes with
// regular expressions rather than a DOM parse tree; references built by
// string concatenation at script runtime or hidden in malformed markup are
// an accepted limitation, not a bug.
package rewrite

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"onlinevpn/internal/session"
)

// LocatorPathPrefix introduces a secondary-domain sub-locator in the path:
// /_d/<base64url(domain)>/rest. The primary domain maps to the bare proxy
// root instead.
const LocatorPathPrefix = "/_d/"

// ErrBadDomainToken is returned when a sub-locator token does not decode to
// a plausible hostname.
var ErrBadDomainToken = errors.New("malformed domain token")

// hostnamePattern is the shape a decoded sub-locator token must have:
// dot-separated labels, each starting and ending with an alphanumeric.
var hostnamePattern = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]*[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9-]*[a-zA-Z0-9])?)*$`)

// urlTail matches what may follow a whitelisted domain in content: a path
// (stopping at whitespace, quotes, and closing parens), a single character
// that cannot continue a hostname, or end of input. Consuming one boundary
// character keeps the optional-subdomain pattern from firing on the prefix
// of a longer hostname such as example.com.evil.com or example.community;
// the replacement re-emits the captured group unchanged.
const urlTail = `(/[^\s"'\)]*|[^a-zA-Z0-9.\-/]|$)`

// EncodeDomain returns the opaque path token for a domain.
func EncodeDomain(domain string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(domain))
}

// DecodeDomain reverses EncodeDomain, rejecting tokens that do not decode
// to a bare hostname.
func DecodeDomain(token string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadDomainToken, err)
	}
	domain := string(raw)
	if !hostnamePattern.MatchString(domain) {
		return "", fmt.Errorf("%w: %q is not a hostname", ErrBadDomainToken, domain)
	}
	return strings.ToLower(domain), nil
}

// Locator returns the proxy path prefix for a secondary domain.
func Locator(domain string) string {
	return LocatorPathPrefix + EncodeDomain(domain)
}

// domainRule holds the compiled patterns for one whitelisted domain.
type domainRule struct {
	absolute      *regexp.Regexp
	protoRelative *regexp.Regexp
	absoluteRepl  []byte
	protoRepl     []byte
}

// relAttrPattern matches href/src/action/data attribute values; the
// replacement callback decides whether the value is document-relative.
var relAttrPattern = regexp.MustCompile(`(?i)\b(href|src|action|data)\s*=\s*("[^"]*"|'[^']*')`)

// Rewriter rewrites references to whitelisted domains in one response body.
// It is built per response because relative references resolve against the
// domain the content was fetched from, which differs between the primary
// origin and secondary-domain requests.
type Rewriter struct {
	proxyBase      string // scheme://host of the proxy, no trailing slash
	proxyHost      string
	baseLocator    []byte // proxy base for the current domain's relative URLs
	currentAllowed bool
	rules          []domainRule
}

// New builds a Rewriter for content fetched from currentDomain on behalf of
// the given context. proxyBase is the proxy's public scheme://host.
func New(proxyBase *url.URL, ctx *session.Context, currentDomain string) *Rewriter {
	base := strings.TrimSuffix(proxyBase.String(), "/")
	primary := ctx.PrimaryHost()
	if currentDomain == "" {
		currentDomain = primary
	}

	r := &Rewriter{
		proxyBase: base,
		proxyHost: proxyBase.Host,
	}

	// AllowedDomains is sorted most specific first, so an explicitly
	// whitelisted subdomain claims its references before the parent
	// domain's optional-subdomain pattern can.
	for _, d := range ctx.AllowedDomains() {
		if d == proxyBase.Hostname() {
			// Whitelisting the proxy itself would make rewriting
			// non-idempotent.
			continue
		}
		locator := ""
		if d != primary {
			locator = Locator(d)
		}
		quoted := `(?:[a-zA-Z0-9-]+\.)?` + regexp.QuoteMeta(d)
		r.rules = append(r.rules, domainRule{
			absolute:      regexp.MustCompile(`https?://` + quoted + urlTail),
			absoluteRepl:  []byte(base + locator + `${1}`),
			protoRelative: regexp.MustCompile(`(^|[^:])//` + quoted + urlTail),
			protoRepl:     []byte(`${1}//` + proxyBase.Host + locator + `${2}`),
		})
	}

	r.currentAllowed = ctx.Allowed(currentDomain)
	if currentDomain == primary {
		r.baseLocator = []byte(base)
	} else {
		r.baseLocator = []byte(base + Locator(currentDomain))
	}

	return r
}

// Rewrite maps every reference to a whitelisted domain onto the proxy.
// It is a pure function of the content: unmatched input comes back
// unchanged, and output is stable under re-application. Rule order matters:
// document-relative references are rewritten first so the bare-path pattern
// cannot fire on the tail of an already-rewritten absolute URL.
func (r *Rewriter) Rewrite(content []byte) []byte {
	if len(r.rules) == 0 {
		return content
	}

	out := r.rewriteRelative(content)
	for _, rule := range r.rules {
		out = rule.protoRelative.ReplaceAll(out, rule.protoRepl)
	}
	for _, rule := range r.rules {
		out = rule.absolute.ReplaceAll(out, rule.absoluteRepl)
	}
	return out
}

// rewriteRelative maps document-relative href/src/action/data values
// ("/path", "./path") onto the current domain's proxy locator. It fires
// only when the current domain is whitelisted: a same-origin relative URL
// carries no domain token of its own to check.
func (r *Rewriter) rewriteRelative(content []byte) []byte {
	if !r.currentAllowed {
		return content
	}

	return relAttrPattern.ReplaceAllFunc(content, func(match []byte) []byte {
		sub := relAttrPattern.FindSubmatch(match)
		quoted := sub[2]
		quote := quoted[0]
		val := quoted[1 : len(quoted)-1]

		var rest []byte
		switch {
		case bytes.HasPrefix(val, []byte("//")):
			// Protocol-relative; handled by the domain rules.
			return match
		case bytes.HasPrefix(val, []byte("./")):
			rest = val[1:]
		case bytes.HasPrefix(val, []byte("/")):
			rest = val
		default:
			return match
		}

		newVal := make([]byte, 0, len(r.baseLocator)+len(rest)+2)
		newVal = append(newVal, quote)
		newVal = append(newVal, r.baseLocator...)
		newVal = append(newVal, rest...)
		newVal = append(newVal, quote)

		prefix := match[:len(match)-len(quoted)]
		return append(append([]byte{}, prefix...), newVal...)
	})
}

// LocatorForHost maps a hostname onto the locator of the whitelist domain
// covering it: empty string for the primary domain, the sub-locator for a
// secondary, ok=false when no whitelist entry covers the host.
func (r *Rewriter) LocatorForHost(ctx *session.Context, host string) (string, bool) {
	host = strings.ToLower(host)
	primary := ctx.PrimaryHost()
	domains := ctx.AllowedDomains()

	// Exact and subdomain-of-entry matches first: a host must map onto its
	// own entry before a whitelisted subdomain of it can claim the match.
	for _, d := range domains {
		if host == d || strings.HasSuffix(host, "."+d) {
			if d == primary {
				return "", true
			}
			return Locator(d), true
		}
	}
	for _, d := range domains {
		if strings.HasSuffix(d, "."+host) {
			if d == primary {
				return "", true
			}
			return Locator(d), true
		}
	}
	return "", false
}

// RewriteLocation reduces a redirect Location to a proxy-addressable path.
// Already-relative locations and locations on non-whitelisted hosts come
// back unchanged.
func (r *Rewriter) RewriteLocation(ctx *session.Context, location string) string {
	u, err := url.Parse(location)
	if err != nil {
		return location
	}
	if u.Host == "" {
		return location
	}

	locator, ok := r.LocatorForHost(ctx, u.Hostname())
	if !ok {
		return location
	}

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	reduced := locator + path
	if u.RawQuery != "" {
		reduced += "?" + u.RawQuery
	}
	if u.Fragment != "" {
		reduced += "#" + u.Fragment
	}
	return reduced
}
