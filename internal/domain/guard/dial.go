package guard

import (
	"context"
	"fmt"
	"net"
	"time"
)

// SafeDialContext returns a DialContext function that refuses connections
// to blocked addresses. The check happens at connection time, after DNS
// resolution, so a hostname that validated cleanly at registration cannot
// be rebound to a private address by the time the gateway fetches from it.
// The connection is made to the first resolved address (pinned).
func SafeDialContext() func(ctx context.Context, network, addr string) (net.Conn, error) {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("guard: invalid address %q: %w", addr, err)
		}

		ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
		if err != nil {
			return nil, fmt.Errorf("guard: DNS resolution failed for %q: %w", host, err)
		}
		if len(ips) == 0 {
			return nil, fmt.Errorf("guard: no addresses resolved for %q", host)
		}

		for _, ip := range ips {
			if isBlockedIP(ip.IP) {
				return nil, fmt.Errorf("guard: blocked connection to private address %s (resolved from %s)", ip.IP, host)
			}
		}

		pinned := net.JoinHostPort(ips[0].IP.String(), port)
		return dialer.DialContext(ctx, network, pinned)
	}
}
