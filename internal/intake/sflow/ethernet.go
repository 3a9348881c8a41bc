package sflow

import (
	"encoding/binary"
	"net/netip"

	"github.com/fastnetmon/fastnetmon-core/internal/packet"
)

const (
	etherTypeVLAN = 0x8100
	etherTypeIPv4 = 0x0800
	etherTypeIPv6 = 0x86DD
)

// decodeEthernetHeader parses an Ethernet II frame (MAC src/dst, optional
// single 802.1Q tag, then IPv4 or IPv6) down to the L4 ports and flags
// (spec §4.1).
func decodeEthernetHeader(h []byte) (packet.Simple, bool) {
	if len(h) < 14 {
		return packet.Simple{}, false
	}

	etherType := binary.BigEndian.Uint16(h[12:14])
	offset := 14

	if etherType == etherTypeVLAN {
		if len(h) < offset+4 {
			return packet.Simple{}, false
		}
		etherType = binary.BigEndian.Uint16(h[offset+2 : offset+4])
		offset += 4
	}

	switch etherType {
	case etherTypeIPv4:
		return decodeIPv4(h[offset:])
	case etherTypeIPv6:
		return decodeIPv6(h[offset:])
	default:
		return packet.Simple{}, false
	}
}

func decodeIPv4(b []byte) (packet.Simple, bool) {
	if len(b) < 20 {
		return packet.Simple{}, false
	}
	ihl := int(b[0]&0x0F) * 4
	if ihl < 20 || len(b) < ihl {
		return packet.Simple{}, false
	}

	proto := packet.Protocol(b[9])
	srcAddr, ok := netip.AddrFromSlice(b[12:16])
	if !ok {
		return packet.Simple{}, false
	}
	dstAddr, ok := netip.AddrFromSlice(b[16:20])
	if !ok {
		return packet.Simple{}, false
	}

	p := packet.Simple{
		Family:   packet.FamilyV4,
		SrcAddr:  srcAddr,
		DstAddr:  dstAddr,
		Protocol: proto,
	}

	fragOffset := binary.BigEndian.Uint16(b[6:8]) & 0x1FFF
	moreFragments := b[6]&0x20 != 0
	if fragOffset != 0 || moreFragments {
		p.Flags |= packet.FlagFragmented
	}

	decodeL4(&p, b[ihl:], proto)
	return p, true
}

func decodeIPv6(b []byte) (packet.Simple, bool) {
	if len(b) < 40 {
		return packet.Simple{}, false
	}
	proto := packet.Protocol(b[6])
	srcAddr, ok := netip.AddrFromSlice(b[8:24])
	if !ok {
		return packet.Simple{}, false
	}
	dstAddr, ok := netip.AddrFromSlice(b[24:40])
	if !ok {
		return packet.Simple{}, false
	}

	p := packet.Simple{
		Family:   packet.FamilyV6,
		SrcAddr:  srcAddr,
		DstAddr:  dstAddr,
		Protocol: proto,
	}

	// Extension headers are not walked; next-header is taken at face
	// value, matching the fixed raw-header parse depth used by the
	// sampling agent itself.
	decodeL4(&p, b[40:], proto)
	return p, true
}

func decodeL4(p *packet.Simple, b []byte, proto packet.Protocol) {
	switch proto {
	case packet.ProtoTCP:
		if len(b) < 14 {
			return
		}
		p.SrcPort = binary.BigEndian.Uint16(b[0:2])
		p.DstPort = binary.BigEndian.Uint16(b[2:4])
		flags := b[13]
		if flags&0x02 != 0 {
			p.Flags |= packet.FlagTCPSyn
		}
		if flags&0x10 != 0 {
			p.Flags |= packet.FlagTCPAck
		}
		if flags&0x01 != 0 {
			p.Flags |= packet.FlagTCPFin
		}
		if flags&0x04 != 0 {
			p.Flags |= packet.FlagTCPRst
		}
		if flags&0x08 != 0 {
			p.Flags |= packet.FlagTCPPsh
		}
		if flags&0x20 != 0 {
			p.Flags |= packet.FlagTCPUrg
		}
	case packet.ProtoUDP:
		if len(b) < 4 {
			return
		}
		p.SrcPort = binary.BigEndian.Uint16(b[0:2])
		p.DstPort = binary.BigEndian.Uint16(b[2:4])
	case packet.ProtoICMP, packet.ProtoICMPv6:
		// No port concept; type/code are not modelled in simple_packet.
	}
}
