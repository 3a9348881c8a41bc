// Package sflow decodes sFlow v5 datagrams (sflow.org spec): the sample
// header, enterprise/format samples, and for Flow samples the embedded
// raw packet header (Ethernet II, optional single 802.1Q tag, IPv4/IPv6,
// TCP/UDP/ICMP). Counter samples are discarded (spec §4.1).
package sflow

import (
	"encoding/binary"
	"net/netip"

	"github.com/fastnetmon/fastnetmon-core/internal/intake"
	"github.com/fastnetmon/fastnetmon-core/internal/packet"
)

const (
	formatFlowSample    = 1
	formatCounterSample = 2
	formatFlowSampleExp = 3
	formatCounterExp    = 4
	flowRecordRawPacket = 1
	headerProtoEthernet = 1
)

// Decoder implements intake.Decoder for sFlow v5.
type Decoder struct{}

// New constructs an sFlow v5 Decoder.
func New() *Decoder { return &Decoder{} }

// Source implements intake.Decoder.
func (d *Decoder) Source() packet.Source { return packet.SourceSFlow }

// reader walks a big-endian sFlow byte buffer, tracking position and
// surfacing short-read as a malformed error rather than panicking.
type reader struct {
	buf []byte
	pos int
}

func newReader(buf []byte) *reader { return &reader{buf: buf} }

func (r *reader) u32() (uint32, bool) {
	if r.pos+4 > len(r.buf) {
		return 0, false
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, true
}

func (r *reader) bytes(n int) ([]byte, bool) {
	if n < 0 || r.pos+n > len(r.buf) {
		return nil, false
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, true
}

func (r *reader) skip(n int) bool {
	if r.pos+n > len(r.buf) {
		return false
	}
	r.pos += n
	return true
}

// Decode implements intake.Decoder.
func (d *Decoder) Decode(datagram []byte, sourceAddr netip.Addr) ([]packet.Simple, error) {
	r := newReader(datagram)

	version, ok := r.u32()
	if !ok {
		return nil, intake.NewMalformed("short_header")
	}
	if version != 5 {
		return nil, intake.NewMalformed("unsupported_version")
	}

	addrType, ok := r.u32()
	if !ok {
		return nil, intake.NewMalformed("short_header")
	}
	agentAddrLen := 4
	if addrType == 2 {
		agentAddrLen = 16
	}
	if !r.skip(agentAddrLen) {
		return nil, intake.NewMalformed("short_agent_address")
	}

	// sub_agent_id, sequence_number, uptime.
	if !r.skip(12) {
		return nil, intake.NewMalformed("short_header")
	}

	sampleCount, ok := r.u32()
	if !ok {
		return nil, intake.NewMalformed("short_header")
	}

	var out []packet.Simple
	for i := uint32(0); i < sampleCount; i++ {
		sampleType, ok := r.u32()
		if !ok {
			return out, intake.NewMalformed("short_sample_header")
		}
		sampleLen, ok := r.u32()
		if !ok {
			return out, intake.NewMalformed("short_sample_header")
		}
		sampleBody, ok := r.bytes(int(sampleLen))
		if !ok {
			return out, intake.NewMalformed("truncated_sample")
		}

		switch sampleType {
		case formatFlowSample, formatFlowSampleExp:
			pkts, err := decodeFlowSample(sampleBody, sampleType == formatFlowSampleExp)
			if err == nil {
				out = append(out, pkts...)
			}
		default:
			// Counter samples and anything else are discarded for this
			// core (spec §4.1).
		}
	}
	return out, nil
}

func decodeFlowSample(body []byte, expanded bool) ([]packet.Simple, error) {
	r := newReader(body)

	// sequence_number, source_id (or source_id_type+index for expanded).
	preamble := 8
	if expanded {
		preamble = 12
	}
	if !r.skip(preamble) {
		return nil, intake.NewMalformed("short_flow_sample")
	}

	samplingRate, ok := r.u32()
	if !ok {
		return nil, intake.NewMalformed("short_flow_sample")
	}
	if samplingRate == 0 {
		samplingRate = 1
	}

	// sample_pool, drops.
	if !r.skip(8) {
		return nil, intake.NewMalformed("short_flow_sample")
	}

	if expanded {
		// input/output interface format+value pairs are wider in the
		// expanded encoding.
		if !r.skip(16) {
			return nil, intake.NewMalformed("short_flow_sample")
		}
	} else {
		if !r.skip(8) {
			return nil, intake.NewMalformed("short_flow_sample")
		}
	}

	recordCount, ok := r.u32()
	if !ok {
		return nil, intake.NewMalformed("short_flow_sample")
	}

	var out []packet.Simple
	for i := uint32(0); i < recordCount; i++ {
		recordType, ok := r.u32()
		if !ok {
			return out, nil
		}
		recordLen, ok := r.u32()
		if !ok {
			return out, nil
		}
		recordBody, ok := r.bytes(int(recordLen))
		if !ok {
			return out, nil
		}

		if recordType == flowRecordRawPacket {
			if p, ok := decodeRawPacketRecord(recordBody, samplingRate); ok {
				out = append(out, p)
			}
		}
	}
	return out, nil
}

// decodeRawPacketRecord parses the raw_packet_header flow record: header
// protocol, frame/payload length, stripped count, then the embedded link
// layer frame itself.
func decodeRawPacketRecord(body []byte, samplingRate uint32) (packet.Simple, bool) {
	r := newReader(body)

	headerProtocol, ok := r.u32()
	if !ok || headerProtocol != headerProtoEthernet {
		return packet.Simple{}, false
	}
	frameLength, ok := r.u32()
	if !ok {
		return packet.Simple{}, false
	}
	if !r.skip(4) { // stripped
		return packet.Simple{}, false
	}
	headerLen, ok := r.u32()
	if !ok {
		return packet.Simple{}, false
	}
	header, ok := r.bytes(int(headerLen))
	if !ok {
		return packet.Simple{}, false
	}

	p, ok := decodeEthernetHeader(header)
	if !ok {
		return packet.Simple{}, false
	}
	p.Bytes = uint64(frameLength)
	p.Packets = 1
	p.SampleRatio = samplingRate
	p.Source = packet.SourceSFlow
	p.CaptureTimeNS = packet.Now()
	return p, true
}
