package netflow

import (
	"bytes"
	"encoding/binary"
	"net/netip"
	"testing"

	"github.com/fastnetmon/fastnetmon-core/internal/packet"
)

func be16(v uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return b
}

func be32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func buildV5Datagram(count uint16) []byte {
	var h bytes.Buffer
	h.Write(be16(5))
	h.Write(be16(count))
	h.Write(be32(0)) // uptime
	h.Write(be32(0)) // unix secs
	h.Write(be32(0)) // unix nsecs
	h.Write(be32(1)) // sequence
	h.WriteByte(0)    // engine type
	h.WriteByte(0)    // engine id
	h.Write(be16(500)) // sampling interval

	for i := uint16(0); i < count; i++ {
		rec := make([]byte, v5RecordSize)
		copy(rec[0:4], []byte{203, 0, 113, byte(i + 1)})
		copy(rec[4:8], []byte{198, 51, 100, 9})
		binary.BigEndian.PutUint32(rec[16:20], 10) // dPkts
		binary.BigEndian.PutUint32(rec[20:24], 1500)
		binary.BigEndian.PutUint16(rec[32:34], 51000)
		binary.BigEndian.PutUint16(rec[34:36], 443)
		rec[37] = 0x02 // SYN
		rec[38] = byte(packet.ProtoTCP)
		h.Write(rec)
	}
	return h.Bytes()
}

func TestV5DecodeExtractsCountersAndSampleRatio(t *testing.T) {
	datagram := buildV5Datagram(2)
	d := NewV5()
	packets, err := d.Decode(datagram, netip.MustParseAddr("10.0.0.1"))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(packets) != 2 {
		t.Fatalf("len(packets) = %d, want 2", len(packets))
	}
	if packets[0].SampleRatio != 500 {
		t.Fatalf("SampleRatio = %d, want 500", packets[0].SampleRatio)
	}
	if packets[0].Flags&packet.FlagTCPSyn == 0 {
		t.Fatalf("expected SYN flag")
	}
	if packets[0].Bytes != 1500 {
		t.Fatalf("Bytes = %d, want 1500", packets[0].Bytes)
	}
}

func TestV5DecodeRejectsShortDatagram(t *testing.T) {
	d := NewV5()
	if _, err := d.Decode([]byte{0, 5}, netip.Addr{}); err == nil {
		t.Fatalf("expected malformed error")
	}
}

// buildV9TemplateThenData builds a v9 datagram with two flowsets: a
// Template FlowSet defining (IPV4_SRC_ADDR, IPV4_DST_ADDR, L4_SRC_PORT,
// L4_DST_PORT, PROTOCOL), followed by a Data FlowSet using it. bytesVal is
// accepted but not encoded.
func buildV9TemplateThenData(templateID uint16, src, dst netip.Addr, srcPort, dstPort uint16, proto byte, bytesVal uint32) []byte {
	var tmplRecord bytes.Buffer
	tmplRecord.Write(be16(templateID))
	tmplRecord.Write(be16(5)) // field count
	fields := []struct {
		t, l uint16
	}{
		{FieldIPv4SrcAddr, 4},
		{FieldIPv4DstAddr, 4},
		{FieldL4SrcPort, 2},
		{FieldL4DstPort, 2},
		{FieldProtocol, 1},
	}
	for _, f := range fields {
		tmplRecord.Write(be16(f.t))
		tmplRecord.Write(be16(f.l))
	}

	var tmplFlowSet bytes.Buffer
	tmplFlowSet.Write(be16(flowSetTemplate))
	tmplFlowSet.Write(be16(uint16(4 + tmplRecord.Len())))
	tmplFlowSet.Write(tmplRecord.Bytes())

	var dataRecord bytes.Buffer
	dataRecord.Write(src.AsSlice())
	dataRecord.Write(dst.AsSlice())
	dataRecord.Write(be16(srcPort))
	dataRecord.Write(be16(dstPort))
	dataRecord.WriteByte(proto)

	var dataFlowSet bytes.Buffer
	dataFlowSet.Write(be16(templateID))
	dataFlowSet.Write(be16(uint16(4 + dataRecord.Len())))
	dataFlowSet.Write(dataRecord.Bytes())

	var h bytes.Buffer
	h.Write(be16(9))
	h.Write(be16(2)) // flowset count
	h.Write(be32(0)) // uptime
	h.Write(be32(0)) // unix secs
	h.Write(be32(1)) // sequence
	h.Write(be32(0)) // source id / domain
	h.Write(tmplFlowSet.Bytes())
	h.Write(dataFlowSet.Bytes())

	_ = bytesVal
	return h.Bytes()
}

func TestV9DiscardsDataBeforeTemplateArrives(t *testing.T) {
	d := NewV9(nil)

	var dataOnly bytes.Buffer
	dataOnly.Write(be16(9))
	dataOnly.Write(be16(1))
	dataOnly.Write(be32(0))
	dataOnly.Write(be32(0))
	dataOnly.Write(be32(1))
	dataOnly.Write(be32(0))
	dataOnly.Write(be16(300)) // flowset id (data, template 300 unknown)
	dataOnly.Write(be16(12))  // length
	dataOnly.Write(make([]byte, 8))

	packets, err := d.Decode(dataOnly.Bytes(), netip.MustParseAddr("10.0.0.1"))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(packets) != 0 {
		t.Fatalf("expected 0 packets before template known, got %d", len(packets))
	}
}

func TestV9LearnsTemplateThenDecodesData(t *testing.T) {
	src := netip.MustParseAddr("203.0.113.7")
	dst := netip.MustParseAddr("198.51.100.20")
	datagram := buildV9TemplateThenData(300, src, dst, 51000, 80, byte(packet.ProtoTCP), 1500)

	d := NewV9(nil)
	exporter := netip.MustParseAddr("10.0.0.1")
	packets, err := d.Decode(datagram, exporter)
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
}

func TestV9TemplateRedefinitionReplacesPrevious(t *testing.T) {
	cache := NewTemplateCache()
	exporter := netip.MustParseAddr("10.0.0.1")
	cache.Set(exporter, 0, 300, &Template{Fields: []FieldSpec{{Type: FieldIPv4SrcAddr, Length: 4}}})
	cache.Set(exporter, 0, 300, &Template{Fields: []FieldSpec{{Type: FieldIPv6SrcAddr, Length: 16}}})

	tmpl, ok := cache.Get(exporter, 0, 300)
	if !ok {
		t.Fatalf("expected template present")
	}
	if len(tmpl.Fields) != 1 || tmpl.Fields[0].Type != FieldIPv6SrcAddr {
		t.Fatalf("expected redefinition to replace fields, got %+v", tmpl.Fields)
	}
}
