package ip

import (
	"net/netip"
	"strings"
)

const DefaultMask = "/32"

// IsPrivate reports whether address is not globally routable. A trailing
// mask is ignored. Anything that does not parse is treated as public.
func IsPrivate(address string) bool {
	addr, err := netip.ParseAddr(StripMask(strings.TrimSpace(address)))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	return addr.IsPrivate() ||
		addr.IsLoopback() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsUnspecified() ||
		isReserved(addr)
}

// StripMask returns address without its "/len" suffix.
func StripMask(address string) string {
	if i := strings.IndexByte(address, '/'); i >= 0 {
		return address[:i]
	}
	return address
}

// WithDefaultMask appends mask unless address already carries one. An empty
// mask means DefaultMask.
func WithDefaultMask(address string, mask string) string {
	if strings.Contains(address, "/") {
		return address
	}
	if mask == "" {
		mask = DefaultMask
	}
	if !strings.HasPrefix(mask, "/") {
		mask = "/" + mask
	}
	return address + mask
}

var reservedV4 = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("192.0.0.0/29"),
	netip.MustParsePrefix("192.0.0.170/31"),
	netip.MustParsePrefix("192.0.2.0/24"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("198.51.100.0/24"),
	netip.MustParsePrefix("203.0.113.0/24"),
	netip.MustParsePrefix("240.0.0.0/4"),
	netip.MustParsePrefix("255.255.255.255/32"),
}

var reservedV6 = []netip.Prefix{
	netip.MustParsePrefix("2001::/23"),
	netip.MustParsePrefix("2001:db8::/32"),
	netip.MustParsePrefix("100::/64"),
}

func isReserved(addr netip.Addr) bool {
	set := reservedV6
	if addr.Is4() {
		set = reservedV4
	}
	for _, p := range set {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
