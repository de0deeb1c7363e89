package rewrite

import (
	"bytes"
	"errors"
	"net/url"
	"strings"
	"testing"

	"onlinevpn/internal/session"
)

const (
	cdnToken = "Y2RuLmV4YW1wbGUuY29t" // cdn.example.com
)

func proxyBase(t *testing.T) *url.URL {
	t.Helper()
	u, err := url.Parse("https://proxy.example.org")
	if err != nil {
		t.Fatal(err)
	}
	return u
}

func newTestRewriter(t *testing.T, origin string, domains []string, current string) *Rewriter {
	t.Helper()
	ctx := &session.Context{OriginURL: origin, Domains: domains}
	return New(proxyBase(t), ctx, current)
}

func TestEncodeDecodeDomain(t *testing.T) {
	tests := []string{"example.com", "cdn.example.com", "a-b.example.co.uk"}
	for _, d := range tests {
		t.Run(d, func(t *testing.T) {
			got, err := DecodeDomain(EncodeDomain(d))
			if err != nil {
				t.Fatalf("DecodeDomain() error = %v", err)
			}
			if got != d {
				t.Errorf("round trip = %q, want %q", got, d)
			}
		})
	}
}

func TestDecodeDomain_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		token string
	}{
		{"not base64", "!!!"},
		{"empty", ""},
		{"decodes to path traversal", EncodeDomain("../../etc/passwd")},
		{"decodes to url", EncodeDomain("https://example.com")},
		{"decodes to empty", EncodeDomain("")},
		{"embedded slash", EncodeDomain("a/b")},
		{"leading dot", EncodeDomain(".example.com")},
		{"consecutive dots", EncodeDomain("a..b")},
		{"trailing dot", EncodeDomain("example.com.")},
		{"label ends with hyphen", EncodeDomain("bad-.example.com")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeDomain(tt.token); !errors.Is(err, ErrBadDomainToken) {
				t.Errorf("DecodeDomain(%q) error = %v, want ErrBadDomainToken", tt.token, err)
			}
		})
	}
}

func TestRewrite_AbsoluteURLs(t *testing.T) {
	rw := newTestRewriter(t, "https://example.com/",
		[]string{"example.com", "cdn.example.com"}, "")

	content := `
	<a href="https://example.com/watch?v=abc">Video</a>
	<a href="http://example.com/page">Plain</a>
	<a href="https://www.example.com/sub">Subdomain</a>
	<img src="https://cdn.example.com/img/logo.png">
	<a href="https://other.com/page">External</a>
	`

	got := string(rw.Rewrite([]byte(content)))

	wants := []string{
		`href="https://proxy.example.org/watch?v=abc"`,
		`href="https://proxy.example.org/page"`,
		`href="https://proxy.example.org/sub"`,
		`src="https://proxy.example.org/_d/` + cdnToken + `/img/logo.png"`,
		`href="https://other.com/page"`,
	}
	for _, w := range wants {
		if !strings.Contains(got, w) {
			t.Errorf("output missing %q\ngot: %s", w, got)
		}
	}

	if strings.Contains(got, "https://example.com") {
		t.Errorf("output still references https://example.com:\n%s", got)
	}
	if strings.Contains(got, "https://cdn.example.com") {
		t.Errorf("output still references https://cdn.example.com:\n%s", got)
	}
}

func TestRewrite_NonWhitelistedUntouched(t *testing.T) {
	rw := newTestRewriter(t, "https://example.com/", []string{"example.com"}, "")

	content := `<a href="https://google.com/search?q=x">G</a> <script src="//unrelated.net/x.js"></script>`
	got := rw.Rewrite([]byte(content))

	if !bytes.Equal(got, []byte(content)) {
		t.Errorf("non-whitelisted content changed:\nin:  %s\nout: %s", content, got)
	}
}

// Hostnames that merely start with a whitelisted domain must stay untouched;
// the domain patterns stop at a character that cannot continue a hostname.
func TestRewrite_LookalikeDomainsUntouched(t *testing.T) {
	rw := newTestRewriter(t, "https://example.com/", []string{"example.com"}, "")

	tests := []struct {
		name    string
		content string
	}{
		{"whitelisted domain as registrable prefix", `<a href="https://example.com.evil.com/steal">E</a>`},
		{"longer tld", `<a href="https://example.community/page">C</a>`},
		{"protocol-relative lookalike", `<script src="//example.com.evil.com/x.js"></script>`},
		{"no label boundary on the left", `<a href="https://notexample.com/x">N</a>`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := rw.Rewrite([]byte(tt.content)); !bytes.Equal(got, []byte(tt.content)) {
				t.Errorf("lookalike domain rewritten:\nin:  %s\nout: %s", tt.content, got)
			}
		})
	}
}

func TestRewrite_BoundaryCharacterPreserved(t *testing.T) {
	rw := newTestRewriter(t, "https://example.com/", []string{"example.com"}, "")

	got := string(rw.Rewrite([]byte(`<a href="https://example.com?q=1">Q</a>`)))
	if !strings.Contains(got, `href="https://proxy.example.org?q=1"`) {
		t.Errorf("query after bare domain mangled: %s", got)
	}
}

func TestRewrite_ProtocolRelative(t *testing.T) {
	rw := newTestRewriter(t, "https://example.com/",
		[]string{"example.com", "cdn.example.com"}, "")

	content := `<script src="//example.com/app.js"></script><link href="//other.com/style.css">`
	got := string(rw.Rewrite([]byte(content)))

	if !strings.Contains(got, `src="//proxy.example.org/app.js"`) {
		t.Errorf("protocol-relative form not preserved, got: %s", got)
	}
	if strings.Contains(got, `src="https://proxy.example.org/app.js"`) {
		t.Errorf("protocol-relative reference was forced onto a scheme: %s", got)
	}
	if !strings.Contains(got, `href="//other.com/style.css"`) {
		t.Errorf("external protocol-relative reference changed: %s", got)
	}
}

func TestRewrite_SecondaryDomainLocator(t *testing.T) {
	// cdn.example.com is whitelisted but the bound origin is
	// example.com; its references must use the secondary locator, not the
	// primary root.
	rw := newTestRewriter(t, "https://example.com/", []string{"cdn.example.com"}, "")

	content := `<a href="//cdn.example.com/s.js">`
	got := string(rw.Rewrite([]byte(content)))

	want := `href="//proxy.example.org/_d/` + cdnToken + `/s.js"`
	if !strings.Contains(got, want) {
		t.Errorf("output = %s, want %s", got, want)
	}
}

func TestRewrite_DocumentRelative(t *testing.T) {
	rw := newTestRewriter(t, "https://example.com/", []string{"example.com"}, "")

	content := `
	<a href="/about">About</a>
	<img src="/images/logo.png">
	<script src="./js/app.js"></script>
	<form action="/submit">
	<object data='/media/movie.swf'>
	<a href="#anchor">Anchor</a>
	<a href="mailto:x@example.com">Mail</a>
	`
	got := string(rw.Rewrite([]byte(content)))

	wants := []string{
		`href="https://proxy.example.org/about"`,
		`src="https://proxy.example.org/images/logo.png"`,
		`src="https://proxy.example.org/js/app.js"`,
		`action="https://proxy.example.org/submit"`,
		`data='https://proxy.example.org/media/movie.swf'`,
		`href="#anchor"`,
		`href="mailto:x@example.com"`,
	}
	for _, w := range wants {
		if !strings.Contains(got, w) {
			t.Errorf("output missing %q\ngot: %s", w, got)
		}
	}
}

func TestRewrite_RelativeGate(t *testing.T) {
	// The bound origin's host is not whitelisted, so relative references
	// must stay untouched.
	rw := newTestRewriter(t, "https://google.com/search", []string{"youtube.com"}, "")

	content := `<a href="/watch?v=123">W</a><img src="/img/pic.jpg">`
	got := rw.Rewrite([]byte(content))

	if !bytes.Equal(got, []byte(content)) {
		t.Errorf("relative references rewritten for non-whitelisted origin:\nin:  %s\nout: %s", content, got)
	}
}

func TestRewrite_RelativeAgainstSecondaryContext(t *testing.T) {
	// Content fetched from a secondary domain resolves its relative
	// references against that domain's locator, not the primary root.
	rw := newTestRewriter(t, "https://example.com/",
		[]string{"example.com", "cdn.example.com"}, "cdn.example.com")

	content := `<img src="/sprites/icon.png">`
	got := string(rw.Rewrite([]byte(content)))

	want := `src="https://proxy.example.org/_d/` + cdnToken + `/sprites/icon.png"`
	if !strings.Contains(got, want) {
		t.Errorf("output = %s, want %s", got, want)
	}
}

func TestRewrite_Idempotent(t *testing.T) {
	rw := newTestRewriter(t, "https://example.com/",
		[]string{"example.com", "cdn.example.com"}, "")

	content := []byte(`
	<a href="https://example.com/watch">A</a>
	<script src="//cdn.example.com/app.js"></script>
	<img src="/logo.png">
	<a href="https://other.com/x">E</a>
	`)

	once := rw.Rewrite(content)
	twice := rw.Rewrite(once)

	if !bytes.Equal(once, twice) {
		t.Errorf("rewrite is not idempotent:\nonce:  %s\ntwice: %s", once, twice)
	}
}

func TestRewrite_InJavaScript(t *testing.T) {
	rw := newTestRewriter(t, "https://example.com/", []string{"example.com"}, "")

	content := `var url = "https://example.com/api/video"; fetch('http://example.com/data');`
	got := string(rw.Rewrite([]byte(content)))

	if !strings.Contains(got, `"https://proxy.example.org/api/video"`) {
		t.Errorf("output missing rewritten double-quoted URL: %s", got)
	}
	if !strings.Contains(got, `'https://proxy.example.org/data'`) {
		t.Errorf("output missing rewritten single-quoted URL: %s", got)
	}
}

func TestRewrite_NoDomains(t *testing.T) {
	rw := newTestRewriter(t, "https://example.com/", nil, "")

	content := []byte(`<a href="https://example.com/x">A</a><img src="/y.png">`)
	if got := rw.Rewrite(content); !bytes.Equal(got, content) {
		t.Errorf("empty whitelist changed content: %s", got)
	}
}

func TestRewrite_SkipsProxyOwnHost(t *testing.T) {
	// Whitelisting the proxy itself must not produce recursive locators.
	rw := newTestRewriter(t, "https://example.com/",
		[]string{"example.com", "proxy.example.org"}, "")

	content := []byte(`<a href="https://proxy.example.org/page">P</a>`)
	if got := rw.Rewrite(content); !bytes.Equal(got, content) {
		t.Errorf("proxy's own host was rewritten: %s", got)
	}
}

func TestRewrite_BareDomainWithoutPath(t *testing.T) {
	rw := newTestRewriter(t, "https://example.com/", []string{"example.com"}, "")

	got := string(rw.Rewrite([]byte(`<a href="https://example.com">Home</a>`)))
	if !strings.Contains(got, `href="https://proxy.example.org"`) {
		t.Errorf("bare domain not rewritten: %s", got)
	}
}

func TestLocatorForHost(t *testing.T) {
	ctx := &session.Context{
		OriginURL: "https://example.com/",
		Domains:   []string{"example.com", "cdn.example.com"},
	}
	rw := New(proxyBase(t), ctx, "")

	tests := []struct {
		host        string
		wantLocator string
		wantOK      bool
	}{
		{"example.com", "", true},
		{"www.example.com", "", true},
		{"cdn.example.com", "/_d/" + cdnToken, true},
		{"evil.org", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			got, ok := rw.LocatorForHost(ctx, tt.host)
			if ok != tt.wantOK || got != tt.wantLocator {
				t.Errorf("LocatorForHost(%q) = (%q, %v), want (%q, %v)",
					tt.host, got, ok, tt.wantLocator, tt.wantOK)
			}
		})
	}
}

func TestRewriteLocation(t *testing.T) {
	ctx := &session.Context{
		OriginURL: "https://example.com/",
		Domains:   []string{"example.com", "cdn.example.com"},
	}
	rw := New(proxyBase(t), ctx, "")

	tests := []struct {
		name     string
		location string
		want     string
	}{
		{"primary absolute", "https://example.com/x", "/x"},
		{"primary with query", "https://example.com/x?a=1&b=2", "/x?a=1&b=2"},
		{"primary root", "https://example.com", "/"},
		{"secondary absolute", "https://cdn.example.com/f.js", "/_d/" + cdnToken + "/f.js"},
		{"already relative", "/next", "/next"},
		{"external untouched", "https://elsewhere.net/x", "https://elsewhere.net/x"},
		{"fragment preserved", "https://example.com/x#top", "/x#top"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := rw.RewriteLocation(ctx, tt.location); got != tt.want {
				t.Errorf("RewriteLocation(%q) = %q, want %q", tt.location, got, tt.want)
			}
		})
	}
}
