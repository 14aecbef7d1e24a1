// Package guard validates operator-supplied URLs before the gateway
// dereferences them, blocking targets that resolve to private, loopback,
// or link-local addresses (SSRF defense).
package guard

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/sync/errgroup"
)

// Kind classifies why a URL was rejected.
type Kind string

const (
	// KindInvalid means the URL could not be parsed or has no hostname.
	KindInvalid Kind = "invalid"
	// KindScheme means the URL scheme is not http or https.
	KindScheme Kind = "scheme"
	// KindPrivate means the host is, or resolves to, a blocked address.
	KindPrivate Kind = "private"
	// KindUnresolvable means DNS returned no addresses for the host.
	KindUnresolvable Kind = "unresolvable"
)

// Error is a URL rejection with its classification.
type Error struct {
	Kind Kind
	Host string
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindScheme:
		return fmt.Sprintf("url scheme not allowed for %q (must be http or https)", e.Host)
	case KindPrivate:
		return fmt.Sprintf("host %q is private or not allowed", e.Host)
	case KindUnresolvable:
		return fmt.Sprintf("host %q did not resolve to any address", e.Host)
	default:
		return "invalid url"
	}
}

// blockedNetworks contains CIDR ranges that must never be reached from
// user-supplied URLs. Covers RFC 1918, loopback, link-local (cloud metadata
// at 169.254.169.254), the "this network" block, and their IPv6 analogues.
var blockedNetworks []*net.IPNet

func init() {
	cidrs := []string{
		"10.0.0.0/8",
		"127.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"169.254.0.0/16",
		"0.0.0.0/8",
		"::1/128",
		"::/128",
		"fc00::/7",
		"fe80::/10",
	}
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic("invalid CIDR in blockedNetworks: " + cidr)
		}
		blockedNetworks = append(blockedNetworks, network)
	}
}

// blockedHostnames are rejected by name, before any DNS lookup.
var blockedHostnames = map[string]struct{}{
	"localhost":                {},
	"metadata.google.internal": {},
}

// LookupFunc resolves a hostname to addresses for one network family
// ("ip4" or "ip6"). Matches the signature of net.Resolver.LookupIP.
type LookupFunc func(ctx context.Context, network, host string) ([]net.IP, error)

// Guard validates URLs against the blocked ranges, resolving hostnames
// at validation time.
type Guard struct {
	lookup LookupFunc
}

// New returns a Guard backed by the default system resolver.
func New() *Guard {
	return &Guard{lookup: net.DefaultResolver.LookupIP}
}

// NewWithLookup returns a Guard with a custom resolver, used in tests.
func NewWithLookup(lookup LookupFunc) *Guard {
	return &Guard{lookup: lookup}
}

// Validate checks a single user-supplied URL. It returns nil when the URL
// is safe to dereference, or a *Error classifying the rejection.
//
// IP-literal hosts are checked directly without DNS. Hostname targets are
// resolved (A and AAAA in parallel) and rejected if any returned address
// falls in a blocked range. Validation happens at registration time only;
// proxied capability calls use the base URL pinned here.
func (g *Guard) Validate(ctx context.Context, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return &Error{Kind: KindInvalid, Host: raw}
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return &Error{Kind: KindScheme, Host: raw}
	}

	// Hostname() strips surrounding brackets from IPv6 literals.
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return &Error{Kind: KindInvalid, Host: raw}
	}

	if _, blocked := blockedHostnames[host]; blocked {
		return &Error{Kind: KindPrivate, Host: host}
	}

	// IP literal: no DNS needed.
	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return &Error{Kind: KindPrivate, Host: host}
		}
		return nil
	}

	ips, err := g.resolve(ctx, host)
	if err != nil || len(ips) == 0 {
		return &Error{Kind: KindUnresolvable, Host: host}
	}
	// Block if ANY resolved address is private: an attacker controlling
	// DNS must not be able to smuggle one private record among public ones.
	for _, ip := range ips {
		if isBlockedIP(ip) {
			return &Error{Kind: KindPrivate, Host: host}
		}
	}
	return nil
}

// resolve looks up A and AAAA records in parallel, best-effort: a failure
// in one family is ignored as long as the other returns addresses.
func (g *Guard) resolve(ctx context.Context, host string) ([]net.IP, error) {
	var v4, v6 []net.IP

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		if ips, err := g.lookup(ctx, "ip4", host); err == nil {
			v4 = ips
		}
		return nil
	})
	eg.Go(func() error {
		if ips, err := g.lookup(ctx, "ip6", host); err == nil {
			v6 = ips
		}
		return nil
	})
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	return append(v4, v6...), nil
}

// isBlockedIP checks whether an address falls within a blocked range.
// IPv4-mapped IPv6 addresses (both ::ffff:a.b.c.d and the 16-bit hex form)
// normalize to IPv4 via To4 and are checked against the IPv4 ranges.
func isBlockedIP(ip net.IP) bool {
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	for _, network := range blockedNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
