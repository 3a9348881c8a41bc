// Package packet defines the canonical normalised packet record produced by
// every telemetry intake source and consumed by the counter engine.
package packet

import (
	"net/netip"
	"time"
)

// Family tags whether an address is IPv4 or IPv6.
type Family uint8

const (
	FamilyV4 Family = 4
	FamilyV6 Family = 6
)

// Protocol is the observed L4 protocol.
type Protocol uint8

const (
	ProtoUnknown Protocol = 0
	ProtoTCP     Protocol = 6
	ProtoUDP     Protocol = 17
	ProtoICMP    Protocol = 1
	ProtoICMPv6  Protocol = 58
)

// Flags carries IP-level observations used by the counter engine's
// sub-section routing (TCP-SYN, fragmented, ...).
type Flags uint16

const (
	FlagFragmented Flags = 1 << iota
	FlagTCPSyn
	FlagTCPAck
	FlagTCPFin
	FlagTCPRst
	FlagTCPPsh
	FlagTCPUrg
)

// Source identifies which intake decoder produced a record, used for
// per-(source,reason) malformed-frame tallying (spec §4.1, §7).
type Source string

const (
	SourceSFlow    Source = "sflow"
	SourceNetFlow5 Source = "netflow5"
	SourceNetFlow9 Source = "netflow9"
	// SourceNetFlow tags the combined v5/v9 listener itself, for malformed-
	// frame tallying before the wire version is even known; decoded records
	// still carry SourceNetFlow5 or SourceNetFlow9.
	SourceNetFlow Source = "netflow"
	SourceIPFIX   Source = "ipfix"
	SourceMirror  Source = "mirror"
)

// maxPayload is the maximum opaque payload capture length (spec §3).
const maxPayload = 128

// Simple is the canonical per-packet record ("simple_packet" in spec §3).
type Simple struct {
	Family Family

	SrcAddr netip.Addr
	DstAddr netip.Addr

	SrcPort uint16
	DstPort uint16

	Protocol Protocol
	Flags    Flags

	InputIfIndex  uint32
	OutputIfIndex uint32

	Bytes   uint64
	Packets uint64

	SampleRatio uint32

	// CaptureTimeNS is a wall-clock Unix timestamp in nanoseconds; it is
	// not monotonic, so a step of the system clock moves it.
	CaptureTimeNS int64

	Source Source

	// Payload is capped at maxPayload bytes by WithPayload. None of the
	// intake decoders sets it.
	Payload []byte
}

// Now stamps CaptureTimeNS with the current wall-clock time in Unix
// nanoseconds; kept as a helper so decoders never call time.Now()
// inconsistently.
func Now() int64 {
	return time.Now().UnixNano()
}

// WithPayload truncates p to maxPayload bytes and attaches it to s,
// returning s for chaining.
func (s Simple) WithPayload(p []byte) Simple {
	if len(p) > maxPayload {
		p = p[:maxPayload]
	}
	if len(p) > 0 {
		s.Payload = append([]byte(nil), p...)
	}
	return s
}

// EffectivePackets returns the packet count scaled by SampleRatio, clamped
// to at least 1 (spec §3: "observed bytes and packets (>=1)").
func (s Simple) EffectivePackets() uint64 {
	pkts := s.Packets
	if pkts == 0 {
		pkts = 1
	}
	if s.SampleRatio > 1 {
		pkts *= uint64(s.SampleRatio)
	}
	return pkts
}

// EffectiveBytes returns the byte count scaled by SampleRatio.
func (s Simple) EffectiveBytes() uint64 {
	b := s.Bytes
	if s.SampleRatio > 1 {
		b *= uint64(s.SampleRatio)
	}
	return b
}

// FiveTuple is the flow key used by the conntrack sketch (spec §4.3).
type FiveTuple struct {
	SrcAddr  netip.Addr
	DstAddr  netip.Addr
	SrcPort  uint16
	DstPort  uint16
	Protocol Protocol
}

// Tuple derives the 5-tuple identifying this packet's flow.
func (s Simple) Tuple() FiveTuple {
	return FiveTuple{
		SrcAddr:  s.SrcAddr,
		DstAddr:  s.DstAddr,
		SrcPort:  s.SrcPort,
		DstPort:  s.DstPort,
		Protocol: s.Protocol,
	}
}

// Sink consumes normalised packets. Intake sources hold one Sink per
// enabled downstream, replacing the C `process_packet_pointer` typedef
// (spec §9 design notes) with an injectable capability.
type Sink interface {
	Consume(Simple)
}

// SinkFunc adapts a plain function to the Sink interface.
type SinkFunc func(Simple)

// Consume implements Sink.
func (f SinkFunc) Consume(p Simple) { f(p) }
