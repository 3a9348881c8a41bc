// Package mirror decodes raw link-layer frames captured off a SPAN/mirror
// port. Unlike the sampled telemetry formats, every mirrored frame is a
// real packet, so sample_ratio is always 1 (spec §4.1). Link-layer
// decoding is delegated to gopacket rather than a hand-rolled parser, the
// way the capture/replay tooling in the wider pack does it.
package mirror

import (
	"net/netip"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"github.com/fastnetmon/fastnetmon-core/internal/intake"
	"github.com/fastnetmon/fastnetmon-core/internal/packet"
)

// Decoder implements intake.Decoder for raw mirrored Ethernet frames.
type Decoder struct{}

// New constructs a mirror Decoder.
func New() *Decoder { return &Decoder{} }

// Source implements intake.Decoder.
func (d *Decoder) Source() packet.Source { return packet.SourceMirror }

// Decode implements intake.Decoder.
func (d *Decoder) Decode(datagram []byte, sourceAddr netip.Addr) ([]packet.Simple, error) {
	pkt := gopacket.NewPacket(datagram, layers.LayerTypeEthernet, gopacket.DecodeOptions{
		Lazy:   true,
		NoCopy: true,
	})
	if err := pkt.ErrorLayer(); err != nil {
		return nil, intake.NewMalformed("link_layer_decode_error")
	}

	p := packet.Simple{
		SampleRatio:   1,
		Packets:       1,
		Source:        packet.SourceMirror,
		CaptureTimeNS: packet.Now(),
	}
	p.Bytes = uint64(len(datagram))

	haveNetwork := false
	if v4 := pkt.Layer(layers.LayerTypeIPv4); v4 != nil {
		ip := v4.(*layers.IPv4)
		src, ok1 := netip.AddrFromSlice(ip.SrcIP.To4())
		dst, ok2 := netip.AddrFromSlice(ip.DstIP.To4())
		if !ok1 || !ok2 {
			return nil, intake.NewMalformed("invalid_ipv4_address")
		}
		p.Family = packet.FamilyV4
		p.SrcAddr = src
		p.DstAddr = dst
		p.Protocol = packet.Protocol(ip.Protocol)
		if ip.Flags&layers.IPv4MoreFragments != 0 || ip.FragOffset != 0 {
			p.Flags |= packet.FlagFragmented
		}
		haveNetwork = true
	} else if v6 := pkt.Layer(layers.LayerTypeIPv6); v6 != nil {
		ip := v6.(*layers.IPv6)
		src, ok1 := netip.AddrFromSlice(ip.SrcIP.To16())
		dst, ok2 := netip.AddrFromSlice(ip.DstIP.To16())
		if !ok1 || !ok2 {
			return nil, intake.NewMalformed("invalid_ipv6_address")
		}
		p.Family = packet.FamilyV6
		p.SrcAddr = src
		p.DstAddr = dst
		p.Protocol = packet.Protocol(ip.NextHeader)
		haveNetwork = true
	}

	if !haveNetwork {
		return nil, nil
	}

	if tcp := pkt.Layer(layers.LayerTypeTCP); tcp != nil {
		t := tcp.(*layers.TCP)
		p.SrcPort = uint16(t.SrcPort)
		p.DstPort = uint16(t.DstPort)
		if t.SYN {
			p.Flags |= packet.FlagTCPSyn
		}
		if t.ACK {
			p.Flags |= packet.FlagTCPAck
		}
		if t.FIN {
			p.Flags |= packet.FlagTCPFin
		}
		if t.RST {
			p.Flags |= packet.FlagTCPRst
		}
		if t.PSH {
			p.Flags |= packet.FlagTCPPsh
		}
		if t.URG {
			p.Flags |= packet.FlagTCPUrg
		}
	} else if udp := pkt.Layer(layers.LayerTypeUDP); udp != nil {
		u := udp.(*layers.UDP)
		p.SrcPort = uint16(u.SrcPort)
		p.DstPort = uint16(u.DstPort)
	}

	return []packet.Simple{p}, nil
}
