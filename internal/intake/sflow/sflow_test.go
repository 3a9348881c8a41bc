package sflow

import (
	"bytes"
	"encoding/binary"
	"net/netip"
	"testing"

	"github.com/fastnetmon/fastnetmon-core/internal/packet"
)

func be32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func be16(v uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return b
}

// buildEthernetIPv4TCP builds a minimal 14+20+20-byte Ethernet/IPv4/TCP
// header with a SYN flag set, for embedding in a raw_packet_header record.
func buildEthernetIPv4TCP(src, dst netip.Addr, srcPort, dstPort uint16, syn bool) []byte {
	var h bytes.Buffer
	h.Write(make([]byte, 6)) // dst mac
	h.Write(make([]byte, 6)) // src mac
	h.Write(be16(0x0800))    // IPv4

	ip := make([]byte, 20)
	ip[0] = 0x45
	binary.BigEndian.PutUint16(ip[2:4], 40)
	ip[9] = byte(packet.ProtoTCP)
	copy(ip[12:16], src.AsSlice())
	copy(ip[16:20], dst.AsSlice())
	h.Write(ip)

	tcp := make([]byte, 20)
	binary.BigEndian.PutUint16(tcp[0:2], srcPort)
	binary.BigEndian.PutUint16(tcp[2:4], dstPort)
	if syn {
		tcp[13] = 0x02
	}
	h.Write(tcp)

	return h.Bytes()
}

func buildFlowSampleDatagram(header []byte, samplingRate uint32) []byte {
	var rec bytes.Buffer
	rec.Write(be32(headerProtoEthernet))
	rec.Write(be32(uint32(len(header))))
	rec.Write(be32(0)) // stripped
	rec.Write(be32(uint32(len(header))))
	rec.Write(header)

	var flowRecord bytes.Buffer
	flowRecord.Write(be32(flowRecordRawPacket))
	flowRecord.Write(be32(uint32(rec.Len())))
	flowRecord.Write(rec.Bytes())

	var sample bytes.Buffer
	sample.Write(be32(1))            // sequence_number
	sample.Write(be32(1))            // source_id
	sample.Write(be32(samplingRate)) // sampling_rate
	sample.Write(be32(0))            // sample_pool
	sample.Write(be32(0))            // drops
	sample.Write(be32(1))            // input_if
	sample.Write(be32(0))            // output_if
	sample.Write(be32(1))            // num records
	sample.Write(flowRecord.Bytes())

	var datagram bytes.Buffer
	datagram.Write(be32(5)) // version
	datagram.Write(be32(1)) // address type IPv4
	datagram.Write(make([]byte, 4))
	datagram.Write(be32(0)) // sub_agent_id
	datagram.Write(be32(1)) // sequence_number
	datagram.Write(be32(0)) // uptime
	datagram.Write(be32(1)) // num samples
	datagram.Write(be32(formatFlowSample))
	datagram.Write(be32(uint32(sample.Len())))
	datagram.Write(sample.Bytes())

	return datagram.Bytes()
}

func TestDecodeFlowSampleExtractsTCPSyn(t *testing.T) {
	src := netip.MustParseAddr("203.0.113.5")
	dst := netip.MustParseAddr("198.51.100.9")
	header := buildEthernetIPv4TCP(src, dst, 443, 51000, true)
	datagram := buildFlowSampleDatagram(header, 1000)

	d := New()
	packets, err := d.Decode(datagram, netip.MustParseAddr("10.0.0.1"))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(packets) != 1 {
		t.Fatalf("len(packets) = %d, want 1", len(packets))
	}

	p := packets[0]
	if p.SrcAddr != src || p.DstAddr != dst {
		t.Fatalf("addrs = %v -> %v, want %v -> %v", p.SrcAddr, p.DstAddr, src, dst)
	}
	if p.Protocol != packet.ProtoTCP {
		t.Fatalf("protocol = %v, want TCP", p.Protocol)
	}
	if p.Flags&packet.FlagTCPSyn == 0 {
		t.Fatalf("expected TCP SYN flag set")
	}
	if p.SampleRatio != 1000 {
		t.Fatalf("SampleRatio = %d, want 1000", p.SampleRatio)
	}
	if p.Source != packet.SourceSFlow {
		t.Fatalf("Source = %v, want sflow", p.Source)
	}
}

func TestDecodeRejectsWrongVersion(t *testing.T) {
	var datagram bytes.Buffer
	datagram.Write(be32(4))
	d := New()
	if _, err := d.Decode(datagram.Bytes(), netip.Addr{}); err == nil {
		t.Fatalf("expected error for unsupported version")
	}
}

func TestDecodeTruncatedHeaderIsMalformed(t *testing.T) {
	d := New()
	_, err := d.Decode([]byte{0, 0, 0, 5}, netip.Addr{})
	if err == nil {
		t.Fatalf("expected malformed error for truncated datagram")
	}
}

func TestSampleRatioDefaultsToOneWhenZero(t *testing.T) {
	src := netip.MustParseAddr("203.0.113.5")
	dst := netip.MustParseAddr("198.51.100.9")
	header := buildEthernetIPv4TCP(src, dst, 80, 40000, false)
	datagram := buildFlowSampleDatagram(header, 0)

	d := New()
	packets, err := d.Decode(datagram, netip.Addr{})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(packets) != 1 {
		t.Fatalf("len(packets) = %d, want 1", len(packets))
	}
	if packets[0].SampleRatio != 1 {
		t.Fatalf("SampleRatio = %d, want 1", packets[0].SampleRatio)
	}
}
