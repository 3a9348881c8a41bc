package netflow

import (
	"encoding/binary"
	"net/netip"

	"github.com/fastnetmon/fastnetmon-core/internal/packet"
)

// decodeDataRecord walks one data record per tmpl's field layout, reading
// variable-length IPFIX fields inline, and folds recognised fields into a
// packet.Simple. Unrecognised fields are skipped by their declared length.
// Returns the number of bytes consumed and whether the record was fully
// readable.
func decodeDataRecord(b []byte, tmpl *Template, samplingRate uint32, source packet.Source) (packet.Simple, int, bool) {
	p := packet.Simple{SampleRatio: samplingRate, Source: source, Packets: 1}
	pos := 0

	for _, f := range tmpl.Fields {
		length := int(f.Length)
		if f.Length == variableLength {
			if pos >= len(b) {
				return packet.Simple{}, 0, false
			}
			n := int(b[pos])
			pos++
			if n == 255 {
				if pos+2 > len(b) {
					return packet.Simple{}, 0, false
				}
				n = int(binary.BigEndian.Uint16(b[pos : pos+2]))
				pos += 2
			}
			length = n
		}
		if pos+length > len(b) {
			return packet.Simple{}, 0, false
		}
		val := b[pos : pos+length]
		pos += length

		switch f.Type {
		case FieldIPv4SrcAddr:
			if a, ok := netip.AddrFromSlice(val); ok {
				p.SrcAddr = a
				p.Family = packet.FamilyV4
			}
		case FieldIPv4DstAddr:
			if a, ok := netip.AddrFromSlice(val); ok {
				p.DstAddr = a
			}
		case FieldIPv6SrcAddr:
			if a, ok := netip.AddrFromSlice(val); ok {
				p.SrcAddr = a
				p.Family = packet.FamilyV6
			}
		case FieldIPv6DstAddr:
			if a, ok := netip.AddrFromSlice(val); ok {
				p.DstAddr = a
			}
		case FieldL4SrcPort:
			p.SrcPort = beUint(val)
		case FieldL4DstPort:
			p.DstPort = beUint(val)
		case FieldProtocol:
			if len(val) >= 1 {
				p.Protocol = packet.Protocol(val[0])
			}
		case FieldTCPFlags:
			if len(val) >= 1 {
				applyTCPFlags(&p, val[0])
			}
		case FieldInBytes:
			p.Bytes = beUint64(val)
		case FieldInPkts:
			p.Packets = beUint64(val)
			if p.Packets == 0 {
				p.Packets = 1
			}
		case FieldInputSNMP:
			p.InputIfIndex = uint32(beUint64(val))
		case FieldOutputSNMP:
			p.OutputIfIndex = uint32(beUint64(val))
		}
	}

	p.CaptureTimeNS = packet.Now()
	return p, pos, true
}

func applyTCPFlags(p *packet.Simple, flags byte) {
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
}

func beUint(b []byte) uint16 {
	switch len(b) {
	case 1:
		return uint16(b[0])
	case 2:
		return binary.BigEndian.Uint16(b)
	default:
		return 0
	}
}

func beUint64(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}
