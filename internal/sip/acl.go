package sip

import (
	"fmt"
	"net"
	"net/netip"
)

// SourceFilter restricts which addresses may send out-of-dialog requests to
// the phone. An empty filter allows every source.
type SourceFilter struct {
	prefixes []netip.Prefix
}

// NewSourceFilter parses a list of IP addresses and CIDR ranges, e.g.
// ["203.0.113.10", "198.51.100.0/24"].
func NewSourceFilter(hosts []string) (*SourceFilter, error) {
	prefixes := make([]netip.Prefix, 0, len(hosts))
	for _, h := range hosts {
		prefix, err := parseCIDROrIP(h)
		if err != nil {
			return nil, fmt.Errorf("invalid allowed source %q: %w", h, err)
		}
		prefixes = append(prefixes, prefix)
	}
	return &SourceFilter{prefixes: prefixes}, nil
}

// Len returns the number of configured prefixes.
func (f *SourceFilter) Len() int {
	if f == nil {
		return 0
	}
	return len(f.prefixes)
}

// Allowed reports whether source, an address with or without a port, may
// reach the phone.
func (f *SourceFilter) Allowed(source string) bool {
	if f.Len() == 0 {
		return true
	}
	addr, err := parseAddr(source)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range f.prefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// parseCIDROrIP parses a string as either a CIDR prefix or a single IP
// address. Single IPs become /32 (IPv4) or /128 (IPv6) prefixes.
func parseCIDROrIP(s string) (netip.Prefix, error) {
	prefix, err := netip.ParsePrefix(s)
	if err == nil {
		return prefix, nil
	}

	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("not a valid ip or cidr: %s", s)
	}

	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// parseAddr parses an IP string that may include a port, such as
// "192.168.1.1:5060", and returns the address portion.
func parseAddr(ipStr string) (netip.Addr, error) {
	if host, _, err := net.SplitHostPort(ipStr); err == nil {
		return netip.ParseAddr(host)
	}
	return netip.ParseAddr(ipStr)
}
