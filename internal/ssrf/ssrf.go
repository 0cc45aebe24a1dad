// Package ssrf rejects upstream destinations that would let a caller
// steer the gateway into internal networks. Validation runs at call
// time, not only at registration, and the dialer re-validates resolved
// addresses so a DNS record repointed after registration cannot bypass
// the check.
package ssrf

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/svchub/gateway/internal/errors"
)

// blockedPrefixes are the address ranges the gateway refuses to dial:
// loopback, link-local, RFC1918 private, unique-local, carrier-grade
// NAT, documentation, benchmarking, multicast, and reserved space.
var blockedPrefixes = func() []netip.Prefix {
	cidrs := []string{
		"0.0.0.0/8",
		"10.0.0.0/8",
		"100.64.0.0/10",
		"127.0.0.0/8",
		"169.254.0.0/16",
		"172.16.0.0/12",
		"192.0.0.0/24",
		"192.0.2.0/24",
		"192.168.0.0/16",
		"198.18.0.0/15",
		"198.51.100.0/24",
		"203.0.113.0/24",
		"224.0.0.0/4",
		"240.0.0.0/4",
		"::/128",
		"::1/128",
		"fc00::/7",
		"fe80::/10",
		"ff00::/8",
		"2001:db8::/32",
	}
	out := make([]netip.Prefix, len(cidrs))
	for i, c := range cidrs {
		out[i] = netip.MustParsePrefix(c)
	}
	return out
}()

// blockedSuffixes are hostname endings that always resolve inside the
// deployment's own network.
var blockedSuffixes = []string{".local", ".internal", ".localhost"}

// Resolver is the subset of net.Resolver the guard needs; injectable
// for tests.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Guard validates upstream URLs and addresses.
type Guard struct {
	resolver   Resolver
	allowNets  []netip.Prefix
	blockedHit atomic.Int64
}

// New creates a Guard using the system resolver. allowCIDRs exempts
// specific ranges (e.g. a NATed test network) from blocking.
func New(allowCIDRs []string) (*Guard, error) {
	var allow []netip.Prefix
	for _, c := range allowCIDRs {
		p, err := netip.ParsePrefix(c)
		if err != nil {
			return nil, fmt.Errorf("ssrf: invalid allow CIDR %q: %w", c, err)
		}
		allow = append(allow, p)
	}
	return &Guard{resolver: net.DefaultResolver, allowNets: allow}, nil
}

// WithResolver replaces the DNS resolver (tests).
func (g *Guard) WithResolver(r Resolver) *Guard {
	g.resolver = r
	return g
}

// Validate checks a full URL: scheme, hostname rules, and for domain
// names every resolved address. Any blocked resolution rejects the
// whole name, since the gateway cannot control which record a later
// dial would use.
func (g *Guard) Validate(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return errors.ErrBadRequest.WithDetails("invalid URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		g.blockedHit.Add(1)
		return errors.ErrSSRFBlocked.WithDetails("scheme must be http or https")
	}
	return g.ValidateHost(ctx, u.Hostname())
}

// ValidateHost checks a bare hostname or IP literal.
func (g *Guard) ValidateHost(ctx context.Context, host string) error {
	if err := g.checkName(host); err != nil {
		return err
	}
	if _, err := netip.ParseAddr(host); err == nil {
		return nil
	}
	_, err := g.resolveChecked(ctx, canonicalName(host))
	return err
}

// checkName applies the hostname rules and classifies IP literals. It
// does not touch DNS.
func (g *Guard) checkName(host string) error {
	if host == "" {
		return errors.ErrBadRequest.WithDetails("empty host")
	}

	lower := canonicalName(host)
	if lower == "localhost" {
		g.blockedHit.Add(1)
		return errors.ErrSSRFBlocked.WithDetails("localhost is not a valid upstream")
	}
	for _, suffix := range blockedSuffixes {
		if strings.HasSuffix(lower, suffix) {
			g.blockedHit.Add(1)
			return errors.ErrSSRFBlocked.WithDetails("hostname suffix " + suffix + " is blocked")
		}
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		if g.addrBlocked(addr) {
			g.blockedHit.Add(1)
			return errors.ErrSSRFBlocked.WithDetails("address class is blocked: " + addr.String())
		}
	}
	return nil
}

// resolveChecked resolves a domain name once and requires every record
// to be public. Callers that go on to dial must pin an address from the
// returned set; resolving again would reopen the rebinding window.
func (g *Guard) resolveChecked(ctx context.Context, lower string) ([]net.IPAddr, error) {
	ips, err := g.resolver.LookupIPAddr(ctx, lower)
	if err != nil {
		return nil, errors.Wrap(errors.ErrSSRFBlocked.WithDetails("DNS resolution failed for "+lower), err)
	}
	if len(ips) == 0 {
		return nil, errors.ErrSSRFBlocked.WithDetails("no addresses for " + lower)
	}
	for _, ip := range ips {
		addr, ok := netip.AddrFromSlice(ip.IP)
		if !ok {
			continue
		}
		if g.addrBlocked(addr) {
			g.blockedHit.Add(1)
			return nil, errors.ErrSSRFBlocked.WithDetails(lower + " resolves to a blocked address: " + addr.String())
		}
	}
	return ips, nil
}

func canonicalName(host string) string {
	return strings.ToLower(strings.TrimSuffix(host, "."))
}

// addrBlocked classifies an address. IPv4-mapped IPv6 is unwrapped so
// ::ffff:127.0.0.1 is treated as loopback.
func (g *Guard) addrBlocked(addr netip.Addr) bool {
	addr = addr.Unmap()

	for _, p := range g.allowNets {
		if p.Contains(addr) {
			return false
		}
	}
	if addr.IsLoopback() || addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() ||
		addr.IsPrivate() || addr.IsUnspecified() || addr.IsMulticast() {
		return true
	}
	for _, p := range blockedPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// BlockedCount reports how many validations were rejected.
func (g *Guard) BlockedCount() int64 {
	return g.blockedHit.Load()
}

// SafeDialer wraps a net.Dialer so every outbound connection re-checks
// the destination and dials the validated IP directly, closing the
// validate-then-resolve-again rebinding window.
type SafeDialer struct {
	guard *Guard
	inner *net.Dialer
}

// NewSafeDialer creates a SafeDialer around dialer.
func NewSafeDialer(guard *Guard, dialer *net.Dialer) *SafeDialer {
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	return &SafeDialer{guard: guard, inner: dialer}
}

// DialContext validates the host, then dials. Domain names are resolved
// once, all records validated, and the first validated IP is dialed
// directly rather than re-resolving.
func (sd *SafeDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("ssrf: invalid address %q: %w", addr, err)
	}

	if ipAddr, parseErr := netip.ParseAddr(host); parseErr == nil {
		if sd.guard.addrBlocked(ipAddr) {
			sd.guard.blockedHit.Add(1)
			return nil, errors.ErrSSRFBlocked.WithDetails("dial to " + host + " blocked")
		}
		return sd.inner.DialContext(ctx, network, addr)
	}

	if err := sd.guard.checkName(host); err != nil {
		return nil, err
	}
	// One resolution serves both validation and the dial. Validating
	// one lookup and dialing another would let a short-TTL name swap
	// in a blocked address between the two.
	ips, err := sd.guard.resolveChecked(ctx, canonicalName(host))
	if err != nil {
		return nil, err
	}
	pinned := net.JoinHostPort(ips[0].IP.String(), port)
	return sd.inner.DialContext(ctx, network, pinned)
}
