// Package netguard classifies hostnames and IP addresses that must never be
// contacted by the gateway.
package netguard

import (
	"net/netip"
	"strings"
)

var blockedV4 = mustPrefixes(
	"0.0.0.0/8",
	"10.0.0.0/8",
	"100.64.0.0/10",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"198.18.0.0/15",
	"224.0.0.0/3", // multicast, reserved and broadcast
)

var blockedV6 = mustPrefixes(
	"::/128",
	"::1/128",
	"::/96", // IPv4-compatible
	"fc00::/7",
	"fe80::/10",
	"ff00::/8",
)

// NAT64 well-known prefix; the low 32 bits embed an IPv4 address.
var nat64 = netip.MustParsePrefix("64:ff9b::/96")

func mustPrefixes(cidrs ...string) []netip.Prefix {
	out := make([]netip.Prefix, len(cidrs))
	for i, c := range cidrs {
		out[i] = netip.MustParsePrefix(c)
	}
	return out
}

// IsInternalHostname reports whether host names a local or internal-only
// resource: localhost, *.localhost, *.local and *.internal.
func IsInternalHostname(host string) bool {
	h := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
	switch {
	case h == "localhost":
		return true
	case strings.HasSuffix(h, ".localhost"),
		strings.HasSuffix(h, ".local"),
		strings.HasSuffix(h, ".internal"):
		return true
	}
	return false
}

// IsPrivateOrReservedIP reports whether ip falls in a blocked range.
// Input that does not parse as an IP address is treated as blocked.
func IsPrivateOrReservedIP(ip string) bool {
	s := strings.TrimSpace(ip)
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	if i := strings.IndexByte(s, '%'); i >= 0 {
		s = s[:i]
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return true
	}
	return IsPrivateOrReservedAddr(addr)
}

// IsPrivateOrReservedAddr is IsPrivateOrReservedIP for a parsed address.
func IsPrivateOrReservedAddr(addr netip.Addr) bool {
	if !addr.IsValid() {
		return true
	}
	addr = addr.WithZone("")

	if addr.Is4In6() {
		return isBlockedV4(addr.Unmap())
	}
	if addr.Is4() {
		return isBlockedV4(addr)
	}

	if nat64.Contains(addr) {
		b := addr.As16()
		return isBlockedV4(netip.AddrFrom4([4]byte{b[12], b[13], b[14], b[15]}))
	}
	for _, p := range blockedV6 {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func isBlockedV4(addr netip.Addr) bool {
	for _, p := range blockedV4 {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
