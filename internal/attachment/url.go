package attachment

import (
	"context"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"time"
)

// dnsTimeout bounds the resolved-IP check so a slow resolver cannot stall
// the send path.
const dnsTimeout = 5 * time.Second

// blockedHosts are hostnames rejected outright, before any DNS lookup.
var blockedHosts = map[string]struct{}{
	"localhost":                {},
	"127.0.0.1":                {},
	"0.0.0.0":                  {},
	"::1":                      {},
	"[::1]":                    {},
	"169.254.169.254":          {},
	"metadata.google.internal": {},
	"100.100.100.200":          {},
}

// blockedRanges are address ranges an attachment URL must never reach:
// loopback, RFC 1918 private space, and the link-local range used by cloud
// metadata services.
var blockedRanges = []netip.Prefix{
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fe80::/10"),
}

// Resolver looks up host addresses. *net.Resolver satisfies it; tests
// substitute a fake.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// CheckURL validates rawURL against the SSRF gate: it must parse, use
// http(s), avoid the hostname blocklist and blocked ranges, and — when the
// hostname resolves — resolve only to addresses outside those ranges. A
// DNS lookup failure is not fatal; the provider reports unreachability
// later, so a transient resolver blip cannot silently drop a message.
func CheckURL(ctx context.Context, resolver Resolver, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return invalidf("malformed URL %q", rawURL)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return invalidf("URL protocol %q is not allowed, use http or https", u.Scheme)
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return invalidf("URL %q has no host", rawURL)
	}
	if _, blocked := blockedHosts[host]; blocked {
		return invalidf("host %q is not allowed (internal or metadata address)", host)
	}
	if strings.HasSuffix(host, ".localhost") || strings.HasPrefix(host, "127.") {
		return invalidf("host %q is not allowed (loopback address)", host)
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		if blockedAddr(addr) {
			return invalidf("IP %q is not allowed (private or link-local range)", host)
		}
		return nil
	}

	if resolver == nil {
		resolver = net.DefaultResolver
	}
	lookupCtx, cancel := context.WithTimeout(ctx, dnsTimeout)
	defer cancel()

	addrs, err := resolver.LookupIPAddr(lookupCtx, host)
	if err != nil {
		// Not fatal: unresolvable now may be a transient blip.
		return nil
	}
	for _, a := range addrs {
		addr, ok := netip.AddrFromSlice(a.IP)
		if !ok {
			continue
		}
		if blockedAddr(addr.Unmap()) {
			return invalidf("host %q resolves to a blocked address (%s)", host, a.IP)
		}
	}
	return nil
}

func blockedAddr(addr netip.Addr) bool {
	for _, p := range blockedRanges {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
