package netflow

import (
	"encoding/binary"
	"net/netip"

	"github.com/fastnetmon/fastnetmon-core/internal/intake"
	"github.com/fastnetmon/fastnetmon-core/internal/packet"
)

const (
	v5HeaderSize = 24
	v5RecordSize = 48
)

// DecoderV5 implements intake.Decoder for the fixed-layout NetFlow v5
// header and 48-byte flow records (spec §4.1).
type DecoderV5 struct{}

// NewV5 constructs a NetFlow v5 Decoder.
func NewV5() *DecoderV5 { return &DecoderV5{} }

// Source implements intake.Decoder.
func (d *DecoderV5) Source() packet.Source { return packet.SourceNetFlow5 }

// Decode implements intake.Decoder.
func (d *DecoderV5) Decode(datagram []byte, sourceAddr netip.Addr) ([]packet.Simple, error) {
	if len(datagram) < v5HeaderSize {
		return nil, intake.NewMalformed("short_header")
	}
	version := binary.BigEndian.Uint16(datagram[0:2])
	if version != 5 {
		return nil, intake.NewMalformed("unsupported_version")
	}
	count := int(binary.BigEndian.Uint16(datagram[2:4]))
	samplingInterval := binary.BigEndian.Uint16(datagram[22:24])
	samplingRate := uint32(samplingInterval & 0x3FFF)
	if samplingRate == 0 {
		samplingRate = 1
	}

	expected := v5HeaderSize + count*v5RecordSize
	if len(datagram) < expected {
		return nil, intake.NewMalformed("record_count_mismatch")
	}

	out := make([]packet.Simple, 0, count)
	offset := v5HeaderSize
	for i := 0; i < count; i++ {
		rec := datagram[offset : offset+v5RecordSize]
		offset += v5RecordSize

		srcAddr, ok := netip.AddrFromSlice(rec[0:4])
		if !ok {
			continue
		}
		dstAddr, ok := netip.AddrFromSlice(rec[4:8])
		if !ok {
			continue
		}

		p := packet.Simple{
			Family:        packet.FamilyV4,
			SrcAddr:       srcAddr,
			DstAddr:       dstAddr,
			InputIfIndex:  uint32(binary.BigEndian.Uint16(rec[12:14])),
			OutputIfIndex: uint32(binary.BigEndian.Uint16(rec[14:16])),
			Packets:       uint64(binary.BigEndian.Uint32(rec[16:20])),
			Bytes:         uint64(binary.BigEndian.Uint32(rec[20:24])),
			SrcPort:       binary.BigEndian.Uint16(rec[32:34]),
			DstPort:       binary.BigEndian.Uint16(rec[34:36]),
			Protocol:      packet.Protocol(rec[38]),
			SampleRatio:   samplingRate,
			Source:        packet.SourceNetFlow5,
			CaptureTimeNS: packet.Now(),
		}
		applyTCPFlags(&p, rec[37])
		if p.Packets == 0 {
			p.Packets = 1
		}
		out = append(out, p)
	}
	return out, nil
}
