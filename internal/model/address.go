// Package model holds the wire- and storage-level types shared by the
// pool service and its client: addresses, prefixes, statuses, and
// report envelopes.
package model

import (
	"fmt"
	"net"
	"strings"
)

// Address is the canonical lowercase textual form of an IPv6 address.
type Address string

// ParseAddress normalizes s into canonical form and rejects anything
// that isn't a valid IPv6 address.
func ParseAddress(s string) (Address, error) {
	ip := net.ParseIP(strings.TrimSpace(s))
	if ip == nil || ip.To4() != nil {
		return "", fmt.Errorf("not an IPv6 address: %q", s)
	}
	return Address(ip.String()), nil
}

// IP returns the net.IP form of the address.
func (a Address) IP() net.IP {
	return net.ParseIP(string(a))
}

// String implements fmt.Stringer.
func (a Address) String() string {
	return string(a)
}

// Prefix is an IPv6 network reachable on a named interface. Equality is
// by network and bit length, per spec.
type Prefix struct {
	Iface   string
	Network *net.IPNet
	Bits    int
}

// NewPrefix builds a Prefix from an interface name and a 16-byte
// network base address with the given bit length.
func NewPrefix(iface string, base net.IP, bits int) (Prefix, error) {
	base16 := base.To16()
	if base16 == nil || base.To4() != nil {
		return Prefix{}, fmt.Errorf("not an IPv6 network base: %v", base)
	}
	mask := net.CIDRMask(bits, 128)
	return Prefix{
		Iface: iface,
		Network: &net.IPNet{
			IP:   base16.Mask(mask),
			Mask: mask,
		},
		Bits: bits,
	}, nil
}

// Equal reports whether two prefixes describe the same network and bit
// length. Interface name is not part of equality: the same prefix can
// migrate to a different interface without being "changed" for the
// purposes of GlobalDB invalidation, but PoolService compares Iface
// separately where the distinction matters.
func (p Prefix) Equal(o Prefix) bool {
	if p.Network == nil || o.Network == nil {
		return p.Network == o.Network
	}
	return p.Bits == o.Bits && p.Network.IP.Equal(o.Network.IP)
}

// Contains reports whether addr lies within the prefix.
func (p Prefix) Contains(addr Address) bool {
	if p.Network == nil {
		return false
	}
	ip := addr.IP()
	if ip == nil {
		return false
	}
	return p.Network.Contains(ip)
}

// String renders the prefix in CIDR notation, e.g. "2001:db8::/64".
func (p Prefix) String() string {
	if p.Network == nil {
		return ""
	}
	return fmt.Sprintf("%s/%d", p.Network.IP.String(), p.Bits)
}

// IsZero reports whether the prefix has never been set.
func (p Prefix) IsZero() bool {
	return p.Network == nil
}

// Suffix returns the host-bits portion of addr as text, for compact
// logging.
func (p Prefix) Suffix(addr Address) string {
	full := addr.String()
	base := p.String()
	if idx := strings.IndexByte(base, '/'); idx >= 0 {
		base = base[:idx]
	}
	base = strings.TrimRight(base, ":")
	if base != "" && strings.HasPrefix(full, base) {
		return strings.TrimLeft(full[len(base):], ":")
	}
	return full
}

// AddrToSegs decomposes an IPv6 address into its 8 big-endian 16-bit
// hextets, used by the spawner to preserve prefix bits while
// randomizing host bits.
func AddrToSegs(ip net.IP) [8]uint16 {
	var segs [8]uint16
	ip16 := ip.To16()
	for i := 0; i < 8; i++ {
		segs[i] = uint16(ip16[i*2])<<8 | uint16(ip16[i*2+1])
	}
	return segs
}

// SegsToAddr recomposes 8 hextets into an IPv6 address.
func SegsToAddr(segs [8]uint16) net.IP {
	ip := make(net.IP, 16)
	for i, seg := range segs {
		ip[i*2] = byte(seg >> 8)
		ip[i*2+1] = byte(seg)
	}
	return ip
}
