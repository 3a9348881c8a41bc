// Package threshold implements the evaluator that walks a counters
// snapshot once per tick and decides which hosts have crossed their
// effective ban_settings (spec §4.4).
package threshold

import (
	"net/netip"

	"github.com/fastnetmon/fastnetmon-core/internal/counters"
	"github.com/fastnetmon/fastnetmon-core/internal/hostgroup"
)

// Kind identifies which rule fired, in the fixed tie-break order defined
// by spec §4.4. The ordering of these constants IS the tie-break order;
// do not reorder them.
type Kind int

const (
	KindTCPSynPPS Kind = iota
	KindTCPPPS
	KindUDPPPS
	KindICMPPPS
	KindTCPBPS
	KindUDPBPS
	KindICMPBPS
	KindOverallPPS
	KindOverallBPS
	KindOverallFlows
)

// String names a Kind for logging and reporting.
func (k Kind) String() string {
	switch k {
	case KindTCPSynPPS:
		return "tcp_syn_packets_per_second"
	case KindTCPPPS:
		return "tcp_packets_per_second"
	case KindUDPPPS:
		return "udp_packets_per_second"
	case KindICMPPPS:
		return "icmp_packets_per_second"
	case KindTCPBPS:
		return "tcp_bytes_per_second"
	case KindUDPBPS:
		return "udp_bytes_per_second"
	case KindICMPBPS:
		return "icmp_bytes_per_second"
	case KindOverallPPS:
		return "packets_per_second"
	case KindOverallBPS:
		return "bytes_per_second"
	case KindOverallFlows:
		return "flows_per_second"
	default:
		return "unknown"
	}
}

// Direction names which side of the host's counters crossed the threshold.
type Direction int

const (
	DirectionIncoming Direction = iota
	DirectionOutgoing
)

// Breach is one rule crossing, reported for a single host in a single
// tick. Rate is the EMA value that triggered the comparison.
type Breach struct {
	Host      netip.Addr
	Kind      Kind
	Direction Direction
	Rate      float64
	Threshold uint64
}

// rule binds one Kind to the accessor pair needed to test it: whether the
// rule is enabled, its configured threshold, and the incoming/outgoing EMA
// getters from a host's snapshot.
type rule struct {
	kind      Kind
	enabled   func(hostgroup.BanSettings) bool
	threshold func(hostgroup.BanSettings) uint64
	in        func(counters.HostSnapshot) float64
	out       func(counters.HostSnapshot) float64
}

// rules is ordered per spec §4.4's fixed tie-break sequence: TCP-SYN pps,
// TCP pps, UDP pps, ICMP pps, TCP bps, UDP bps, ICMP bps, overall pps,
// overall bps, flows/s.
var rules = []rule{
	{
		kind:      KindTCPSynPPS,
		enabled:   func(b hostgroup.BanSettings) bool { return b.EnableTCPSynPPS },
		threshold: func(b hostgroup.BanSettings) uint64 { return b.TCPSynPPS },
		in:        func(h counters.HostSnapshot) float64 { return h.TCPSyn.PacketsIn.EMA() },
		out:       func(h counters.HostSnapshot) float64 { return h.TCPSyn.PacketsOut.EMA() },
	},
	{
		kind:      KindTCPPPS,
		enabled:   func(b hostgroup.BanSettings) bool { return b.EnableTCPPPS },
		threshold: func(b hostgroup.BanSettings) uint64 { return b.TCPPPS },
		in:        func(h counters.HostSnapshot) float64 { return h.TCP.PacketsIn.EMA() },
		out:       func(h counters.HostSnapshot) float64 { return h.TCP.PacketsOut.EMA() },
	},
	{
		kind:      KindUDPPPS,
		enabled:   func(b hostgroup.BanSettings) bool { return b.EnableUDPPPS },
		threshold: func(b hostgroup.BanSettings) uint64 { return b.UDPPPS },
		in:        func(h counters.HostSnapshot) float64 { return h.UDP.PacketsIn.EMA() },
		out:       func(h counters.HostSnapshot) float64 { return h.UDP.PacketsOut.EMA() },
	},
	{
		kind:      KindICMPPPS,
		enabled:   func(b hostgroup.BanSettings) bool { return b.EnableICMPPPS },
		threshold: func(b hostgroup.BanSettings) uint64 { return b.ICMPPPS },
		in:        func(h counters.HostSnapshot) float64 { return h.ICMP.PacketsIn.EMA() },
		out:       func(h counters.HostSnapshot) float64 { return h.ICMP.PacketsOut.EMA() },
	},
	{
		kind:      KindTCPBPS,
		enabled:   func(b hostgroup.BanSettings) bool { return b.EnableTCPBPS },
		threshold: func(b hostgroup.BanSettings) uint64 { return b.TCPBPS },
		in:        func(h counters.HostSnapshot) float64 { return h.TCP.BytesIn.EMA() },
		out:       func(h counters.HostSnapshot) float64 { return h.TCP.BytesOut.EMA() },
	},
	{
		kind:      KindUDPBPS,
		enabled:   func(b hostgroup.BanSettings) bool { return b.EnableUDPBPS },
		threshold: func(b hostgroup.BanSettings) uint64 { return b.UDPBPS },
		in:        func(h counters.HostSnapshot) float64 { return h.UDP.BytesIn.EMA() },
		out:       func(h counters.HostSnapshot) float64 { return h.UDP.BytesOut.EMA() },
	},
	{
		kind:      KindICMPBPS,
		enabled:   func(b hostgroup.BanSettings) bool { return b.EnableICMPBPS },
		threshold: func(b hostgroup.BanSettings) uint64 { return b.ICMPBPS },
		in:        func(h counters.HostSnapshot) float64 { return h.ICMP.BytesIn.EMA() },
		out:       func(h counters.HostSnapshot) float64 { return h.ICMP.BytesOut.EMA() },
	},
	{
		kind:      KindOverallPPS,
		enabled:   func(b hostgroup.BanSettings) bool { return b.EnableOverallPPS },
		threshold: func(b hostgroup.BanSettings) uint64 { return b.OverallPPS },
		in:        func(h counters.HostSnapshot) float64 { return h.Total.PacketsIn.EMA() },
		out:       func(h counters.HostSnapshot) float64 { return h.Total.PacketsOut.EMA() },
	},
	{
		kind:      KindOverallBPS,
		enabled:   func(b hostgroup.BanSettings) bool { return b.EnableOverallBPS },
		threshold: func(b hostgroup.BanSettings) uint64 { return b.OverallBPS },
		in:        func(h counters.HostSnapshot) float64 { return h.Total.BytesIn.EMA() },
		out:       func(h counters.HostSnapshot) float64 { return h.Total.BytesOut.EMA() },
	},
	{
		kind:      KindOverallFlows,
		enabled:   func(b hostgroup.BanSettings) bool { return b.EnableOverallFlows },
		threshold: func(b hostgroup.BanSettings) uint64 { return b.OverallFlows },
		in:        func(h counters.HostSnapshot) float64 { return h.Total.FlowsIn.EMA() },
		out:       func(h counters.HostSnapshot) float64 { return h.Total.FlowsOut.EMA() },
	},
}

// Evaluate walks hosts and returns the first firing rule for each,
// per the fixed tie-break order. Hosts with no enabled rule exceeding its
// threshold are absent from the result. settingsFor supplies the
// effective ban_settings for a host, typically backed by a hostgroup
// Resolver.
func Evaluate(snap counters.Snapshot, settingsFor func(netip.Addr) hostgroup.BanSettings) []Breach {
	var breaches []Breach
	for addr, hs := range snap.Hosts {
		settings := settingsFor(addr)
		if b, ok := evaluateHost(addr, hs, settings); ok {
			breaches = append(breaches, b)
		}
	}
	return breaches
}

func evaluateHost(addr netip.Addr, hs counters.HostSnapshot, settings hostgroup.BanSettings) (Breach, bool) {
	for _, r := range rules {
		if !r.enabled(settings) {
			continue
		}
		threshold := r.threshold(settings)
		if threshold == 0 {
			continue
		}
		if in := r.in(hs); in > float64(threshold) {
			return Breach{Host: addr, Kind: r.kind, Direction: DirectionIncoming, Rate: in, Threshold: threshold}, true
		}
		if out := r.out(hs); out > float64(threshold) {
			return Breach{Host: addr, Kind: r.kind, Direction: DirectionOutgoing, Rate: out, Threshold: threshold}, true
		}
	}
	return Breach{}, false
}
