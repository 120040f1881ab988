package utils

import (
	"fmt"
	"net/netip"
	"strings"
)

// Allowlist is a parsed set of CIDR networks.
type Allowlist struct {
	prefixes []netip.Prefix
}

// NewAllowlist parses cidrs. A bare address is accepted as a single-host network.
func NewAllowlist(cidrs []string) (*Allowlist, error) {
	a := &Allowlist{}
	for _, raw := range cidrs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.Contains(raw, "/") {
			addr, err := netip.ParseAddr(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid address %q: %w", raw, err)
			}
			a.prefixes = append(a.prefixes, netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR %q: %w", raw, err)
		}
		a.prefixes = append(a.prefixes, p.Masked())
	}
	return a, nil
}

// Contains reports whether ip falls in any network. An empty list allows nothing.
func (a *Allowlist) Contains(ip string) bool {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range a.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
