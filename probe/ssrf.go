package probe

import (
	"context"
	"net"
	"net/url"

	"github.com/crmmc/aria2deck/core"
)

// Resolver abstracts DNS resolution so tests can substitute a fixed
// address set without touching the network.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// GuardHost rejects hostnames that resolve to a private, loopback,
// link-local, reserved, or multicast range, applied before a probe and
// before any daemon submission for an HTTP/FTP scheme. Resolution failure
// is fail-open: an unresolvable name is let through, since the daemon will
// surface its own failure.
func GuardHost(ctx context.Context, resolver Resolver, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return core.Wrap(core.KindMalformedURL, err)
	}
	host := u.Hostname()
	if host == "" {
		return core.Errorf(core.KindMalformedURL, "url has no host: %s", rawURL)
	}
	if host == "0.0.0.0" {
		return core.Errorf(core.KindSSRFBlocked, "blocked literal address %s", host)
	}
	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return core.Errorf(core.KindSSRFBlocked, "blocked address %s", host)
		}
		return nil
	}

	addrs, err := resolver.LookupIPAddr(ctx, host)
	if err != nil {
		// Advisory on lookup failure only: fail-open for unresolvable names.
		return nil
	}
	for _, addr := range addrs {
		if isBlockedIP(addr.IP) {
			return core.Errorf(core.KindSSRFBlocked, "host %s resolves to blocked address %s", host, addr.IP)
		}
	}
	return nil
}

func isBlockedIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsMulticast() || ip.IsUnspecified() {
		return true
	}
	for _, block := range reservedBlocks {
		if block.Contains(ip) {
			return true
		}
	}
	return false
}

var reservedBlocks = mustParseCIDRs(
	"100.64.0.0/10",  // carrier-grade NAT
	"192.0.0.0/24",   // IETF protocol assignments
	"192.0.2.0/24",   // TEST-NET-1
	"198.18.0.0/15",  // benchmarking
	"198.51.100.0/24", // TEST-NET-2
	"203.0.113.0/24", // TEST-NET-3
	"::1/128",
	"64:ff9b::/96", // NAT64
	"100::/64",     // discard-only
	"2001:db8::/32", // documentation
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		nets = append(nets, n)
	}
	return nets
}

// DefaultResolver is a Resolver backed by net.DefaultResolver.
var DefaultResolver Resolver = net.DefaultResolver
