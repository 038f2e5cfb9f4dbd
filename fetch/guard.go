package fetch

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"

	"code.dny.dev/ssrf"

	"github.com/becomeliminal/runeai/core"
)

// Resolver looks up the addresses of a host.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// reserved pins ranges that must never be fetched regardless of the special
// purpose registry used by specialPurpose.
var reserved = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("240.0.0.0/4"),
	netip.MustParsePrefix("2001:db8::/32"),
	netip.MustParsePrefix("fc00::/7"),
}

// specialPurpose rejects the IANA special-purpose IPv4 and IPv6 ranges and
// every IPv6 address outside global unicast. Ports are not its concern.
var specialPurpose = ssrf.New(ssrf.WithAnyPort())

// IsPublic reports whether addr is a globally routable unicast address.
func IsPublic(addr netip.Addr) bool {
	addr = addr.Unmap()
	if !addr.IsValid() ||
		addr.IsPrivate() ||
		addr.IsLoopback() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() ||
		addr.IsInterfaceLocalMulticast() ||
		addr.IsMulticast() ||
		addr.IsUnspecified() {
		return false
	}
	for _, p := range reserved {
		if p.Contains(addr) {
			return false
		}
	}
	network := "tcp6"
	if addr.Is4() {
		network = "tcp4"
	}
	return specialPurpose.Safe(network, netip.AddrPortFrom(addr, 443).String(), nil) == nil
}

// Guard decides whether a URL may be fetched.
type Guard struct {
	resolver Resolver
	permit   func(netip.Addr) bool
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithResolver replaces the system resolver.
func WithResolver(r Resolver) GuardOption {
	return func(g *Guard) { g.resolver = r }
}

// WithAddrPolicy replaces IsPublic as the per-address check.
func WithAddrPolicy(permit func(netip.Addr) bool) GuardOption {
	return func(g *Guard) { g.permit = permit }
}

// NewGuard creates a Guard using the system resolver and IsPublic.
func NewGuard(opts ...GuardOption) *Guard {
	g := &Guard{resolver: net.DefaultResolver, permit: IsPublic}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Check validates raw and returns it parsed. Every address the host
// resolves to must pass the address policy; a lookup failure is a rejection.
func (g *Guard) Check(ctx context.Context, raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", core.ErrUnsafeURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("scheme %q: %w", u.Scheme, core.ErrUnsafeURL)
	}
	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("empty host: %w", core.ErrUnsafeURL)
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		if !g.permit(addr) {
			return nil, fmt.Errorf("address %s: %w", addr, core.ErrUnsafeURL)
		}
		return u, nil
	}

	addrs, err := g.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil || len(addrs) == 0 {
		return nil, fmt.Errorf("resolve %s: %w", host, core.ErrUnsafeURL)
	}
	for _, addr := range addrs {
		if !g.permit(addr) {
			return nil, fmt.Errorf("host %s resolves to %s: %w", host, addr, core.ErrUnsafeURL)
		}
	}
	return u, nil
}

// CheckDial validates the address a connection is about to be made to.
func (g *Guard) CheckDial(address string) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("dial address %q: %w", address, core.ErrUnsafeURL)
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return fmt.Errorf("dial address %q: %w", address, core.ErrUnsafeURL)
	}
	if !g.permit(addr) {
		return fmt.Errorf("dial %s: %w", addr, core.ErrUnsafeURL)
	}
	return nil
}
