// Package hostgroup resolves an address to its configured host group over
// the Patricia trie, and carries the per-group ban_settings threshold bundle
// (spec §3, §4.2).
package hostgroup

import (
	"net/netip"
	"sync/atomic"

	"github.com/fastnetmon/fastnetmon-core/internal/packet"
	"github.com/fastnetmon/fastnetmon-core/internal/patricia"
)

// unknownName is the synthetic group attributed to addresses with no
// matching subnet; its BanSettings are always all-disabled (spec §4.2).
const unknownName = "__unknown"

// BanSettings is the flat per-metric threshold bundle (spec §6). A disabled
// rule never fires regardless of its numeric threshold.
type BanSettings struct {
	EnableTCPPPS    bool
	TCPPPS          uint64
	EnableTCPBPS    bool
	TCPBPS          uint64
	EnableTCPSynPPS bool
	TCPSynPPS       uint64

	EnableUDPPPS bool
	UDPPPS       uint64
	EnableUDPBPS bool
	UDPBPS       uint64

	EnableICMPPPS bool
	ICMPPPS       uint64
	EnableICMPBPS bool
	ICMPBPS       uint64

	EnableOverallPPS   bool
	OverallPPS         uint64
	EnableOverallBPS   bool
	OverallBPS         uint64
	EnableOverallFlows bool
	OverallFlows       uint64

	BanTimeSeconds int
	EnableUnban    bool
}

// disabledBanSettings returns the all-disabled, all-zero bundle used by the
// synthetic __unknown group.
func disabledBanSettings() BanSettings {
	return BanSettings{}
}

// Group is a named set of subnets with an optional parent and its own
// ban_settings (spec §3). Groups form a forest: at most one parent link is
// walked during resolution.
type Group struct {
	Name        string
	Description string
	Parent      string
	Networks    []packet.Subnet
	Settings    BanSettings
}

// Match is the result of a successful resolve: the matched subnet, its
// owning group, and the parent group if one is configured.
type Match struct {
	Subnet      packet.Subnet
	Group       *Group
	ParentGroup *Group
}

// EffectiveSettings returns the group's own ban_settings. The spec's forest
// model does not merge parent settings into the child; the parent group
// exists so operators and the attack manager can report lineage, not so
// thresholds inherit.
func (m Match) EffectiveSettings() BanSettings {
	if m.Group == nil {
		return disabledBanSettings()
	}
	return m.Group.Settings
}

// Resolver wraps a dual-family Patricia trie mapping subnets to groups. The
// trie is swapped atomically on reload (spec §5, §9.1(b)); resolve never
// blocks on a concurrent rebuild.
type Resolver struct {
	trie   atomic.Pointer[patricia.Dual]
	groups atomic.Pointer[map[string]*Group]
}

// NewResolver builds a Resolver with an empty configuration generation.
func NewResolver() *Resolver {
	r := &Resolver{}
	empty := map[string]*Group{}
	r.groups.Store(&empty)
	r.trie.Store(patricia.BuildDual(nil))
	return r
}

// Reload replaces the resolver's trie and group table atomically. Groups
// whose Parent does not name a known group resolve with a nil ParentGroup.
func (r *Resolver) Reload(groups []*Group) {
	byName := make(map[string]*Group, len(groups))
	for _, g := range groups {
		byName[g.Name] = g
	}

	var entries []patricia.Entry
	for _, g := range groups {
		for _, net := range g.Networks {
			entries = append(entries, patricia.Entry{
				Prefix: netip.PrefixFrom(net.Addr(), net.Bits()),
				Value:  g,
			})
		}
	}

	r.groups.Store(&byName)
	r.trie.Store(patricia.BuildDual(entries))
}

// Resolve performs longest-prefix-match lookup for addr and attaches the
// group's parent if configured (spec §4.2). A miss attributes the address
// to the synthetic __unknown group.
func (r *Resolver) Resolve(addr netip.Addr) Match {
	trie := r.trie.Load()
	value, prefixLen, ok := trie.SearchBest(addr, true)
	if !ok {
		return Match{
			Subnet: packet.NewSubnet(netip.PrefixFrom(addr, addrBits(addr))),
			Group:  r.unknownGroup(),
		}
	}

	g := value.(*Group)
	match := Match{
		Subnet: packet.NewSubnet(netip.PrefixFrom(addr, prefixLen)),
		Group:  g,
	}
	if g.Parent != "" {
		groups := r.groups.Load()
		if parent, found := (*groups)[g.Parent]; found {
			match.ParentGroup = parent
		}
	}
	return match
}

// unknownGroup returns a stable synthetic group for misses. It is
// constructed fresh each time rather than cached on Resolver since its
// settings never vary; allocation cost is negligible relative to a
// resolver miss on the hot path.
func (r *Resolver) unknownGroup() *Group {
	return &Group{Name: unknownName, Settings: disabledBanSettings()}
}

func addrBits(addr netip.Addr) int {
	if addr.Is4() || addr.Is4In6() {
		return 32
	}
	return 128
}
