package packet

import (
	"fmt"
	"net/netip"
)

// Subnet is the (address, prefix-length, family) tuple from spec §3
// ("subnet_cidr_mask"). Equality and hashing are defined over the network
// portion only, and prefix lengths are clamped to the family's bit width.
type Subnet struct {
	addr   netip.Addr
	prefix int
	family Family
}

// NewSubnet builds a Subnet from a netip.Prefix, masking the address down
// to its network portion and clamping the prefix length.
func NewSubnet(p netip.Prefix) Subnet {
	fam := FamilyV4
	max := 32
	if p.Addr().Is6() {
		fam = FamilyV6
		max = 128
	}
	bits := p.Bits()
	if bits < 0 {
		bits = 0
	}
	if bits > max {
		bits = max
	}
	network := netip.PrefixFrom(p.Addr(), bits).Masked()
	return Subnet{addr: network.Addr(), prefix: bits, family: fam}
}

// ParseSubnet parses a CIDR string ("10.0.0.0/8", "2001:db8::/32") into a
// Subnet.
func ParseSubnet(cidr string) (Subnet, error) {
	p, err := netip.ParsePrefix(cidr)
	if err != nil {
		// Allow bare addresses to mean a host route.
		addr, aerr := netip.ParseAddr(cidr)
		if aerr != nil {
			return Subnet{}, fmt.Errorf("parsing subnet %q: %w", cidr, err)
		}
		bits := 32
		if addr.Is6() {
			bits = 128
		}
		p = netip.PrefixFrom(addr, bits)
	}
	return NewSubnet(p), nil
}

// Addr returns the masked network address.
func (s Subnet) Addr() netip.Addr { return s.addr }

// Bits returns the clamped prefix length.
func (s Subnet) Bits() int { return s.prefix }

// Family returns the address family.
func (s Subnet) Family() Family { return s.family }

// String renders the subnet in CIDR notation.
func (s Subnet) String() string {
	return fmt.Sprintf("%s/%d", s.addr, s.prefix)
}

// Equal compares two subnets by network portion only.
func (s Subnet) Equal(o Subnet) bool {
	return s.family == o.family && s.prefix == o.prefix && s.addr == o.addr
}

// Contains reports whether addr falls within this subnet.
func (s Subnet) Contains(addr netip.Addr) bool {
	pfx := netip.PrefixFrom(s.addr, s.prefix)
	return pfx.Contains(addr)
}
