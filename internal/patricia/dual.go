package patricia

import "net/netip"

// Dual holds one Tree per address family so resolvers can route a lookup
// to the matching trie without branching on family at every call site.
type Dual struct {
	V4 *Tree
	V6 *Tree
}

// BuildDual partitions entries by family and builds both trees. Entries
// whose Prefix.Addr() is an IPv4-mapped IPv6 address are treated as IPv4.
func BuildDual(entries []Entry) *Dual {
	var v4, v6 []Entry
	for _, e := range entries {
		addr := e.Prefix.Addr()
		if addr.Is4() || addr.Is4In6() {
			v4 = append(v4, e)
		} else {
			v6 = append(v6, e)
		}
	}
	return &Dual{
		V4: Build(v4, 32),
		V6: Build(v6, 128),
	}
}

// SearchBest routes to the tree matching addr's family.
func (d *Dual) SearchBest(addr netip.Addr, inclusive bool) (value any, prefixLen int, ok bool) {
	if d == nil {
		return nil, 0, false
	}
	if addr.Is4() || addr.Is4In6() {
		return d.V4.SearchBest(addr.Unmap(), inclusive)
	}
	return d.V6.SearchBest(addr, inclusive)
}
