// Package guard rejects upstream targets that resolve into reserved,
// private, loopback, or link-local address space.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"net/url"
	"time"
)

// ErrBlockedAddress is returned when a target resolves to a blocked range.
var ErrBlockedAddress = errors.New("target address is in a blocked range")

// ErrResolveFailed is returned when DNS resolution fails; the guard fails closed.
var ErrResolveFailed = errors.New("target hostname did not resolve")

// blockedRanges are the address ranges the proxy refuses to fetch from.
var blockedRanges = []string{
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
}

// Resolver is the subset of net.Resolver the guard needs. Injectable for tests.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Guard validates upstream hosts against the blocked ranges before and at
// connection time.
type Guard struct {
	resolver Resolver
	blocked  []netip.Prefix
	dialer   *net.Dialer
	logger   *slog.Logger
}

// New creates a Guard using the system resolver.
func New(logger *slog.Logger) *Guard {
	return NewWithResolver(net.DefaultResolver, logger)
}

// NewWithResolver creates a Guard with a custom resolver.
func NewWithResolver(r Resolver, logger *slog.Logger) *Guard {
	prefixes := make([]netip.Prefix, 0, len(blockedRanges))
	for _, cidr := range blockedRanges {
		prefixes = append(prefixes, netip.MustParsePrefix(cidr))
	}

	return &Guard{
		resolver: r,
		blocked:  prefixes,
		dialer: &net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		},
		logger: logger.With("component", "guard"),
	}
}

// CheckURL validates that the URL's host does not resolve into a blocked range.
func (g *Guard) CheckURL(ctx context.Context, u *url.URL) error {
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: %q has no host", ErrResolveFailed, u.String())
	}
	_, err := g.CheckHost(ctx, host)
	return err
}

// CheckHost resolves host and validates every returned address. It returns
// the resolved addresses so callers can connect to a validated address
// instead of resolving again. A literal IP address is checked directly.
func (g *Guard) CheckHost(ctx context.Context, host string) ([]net.IPAddr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		if g.isBlocked(addr) {
			return nil, fmt.Errorf("%w: %s", ErrBlockedAddress, host)
		}
		return []net.IPAddr{{IP: addr.AsSlice(), Zone: addr.Zone()}}, nil
	}

	addrs, err := g.resolver.LookupIPAddr(ctx, host)
	if err != nil || len(addrs) == 0 {
		return nil, fmt.Errorf("%w: %s: %v", ErrResolveFailed, host, err)
	}

	// One blocked record poisons the whole name: a resolver that returns a
	// mix of public and private addresses is treated as hostile.
	for _, a := range addrs {
		addr, ok := netip.AddrFromSlice(a.IP)
		if !ok {
			return nil, fmt.Errorf("%w: %s: unparseable address %v", ErrResolveFailed, host, a.IP)
		}
		if g.isBlocked(addr) {
			g.logger.Warn("blocked target", "host", host, "addr", a.IP.String())
			return nil, fmt.Errorf("%w: %s resolves to %s", ErrBlockedAddress, host, a.IP)
		}
	}

	return addrs, nil
}

// DialContext resolves addr's host, validates the result, and dials the
// validated address directly. Using the checked address for the connection
// (rather than resolving a second time) closes the rebinding window between
// the pre-flight check and the fetch.
func (g *Guard) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("guard dial %s: %w", addr, err)
	}

	addrs, err := g.CheckHost(ctx, host)
	if err != nil {
		return nil, err
	}

	var dialErr error
	for _, a := range addrs {
		ipAddr := a.IP.String()
		if a.Zone != "" {
			ipAddr += "%" + a.Zone
		}
		conn, err := g.dialer.DialContext(ctx, network, net.JoinHostPort(ipAddr, port))
		if err == nil {
			return conn, nil
		}
		dialErr = err
	}
	return nil, fmt.Errorf("guard dial %s: %w", addr, dialErr)
}

func (g *Guard) isBlocked(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range g.blocked {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
