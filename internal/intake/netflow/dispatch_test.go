package netflow

import (
	"net/netip"
	"testing"

	"github.com/fastnetmon/fastnetmon-core/internal/packet"
)

func TestCombinedDecoderDispatchesByVersion(t *testing.T) {
	d := New(nil)

	v5packets, err := d.Decode(buildV5Datagram(1), netip.MustParseAddr("10.0.0.1"))
	if err != nil {
		t.Fatalf("Decode v5: %v", err)
	}
	if len(v5packets) != 1 || v5packets[0].Source != packet.SourceNetFlow5 {
		t.Fatalf("expected one v5-tagged packet, got %+v", v5packets)
	}

	src := netip.MustParseAddr("203.0.113.7")
	dst := netip.MustParseAddr("198.51.100.20")
	v9datagram := buildV9TemplateThenData(400, src, dst, 51000, 80, byte(packet.ProtoTCP), 1500)
	v9packets, err := d.Decode(v9datagram, netip.MustParseAddr("10.0.0.2"))
	if err != nil {
		t.Fatalf("Decode v9: %v", err)
	}
	if len(v9packets) != 1 || v9packets[0].Source != packet.SourceNetFlow9 {
		t.Fatalf("expected one v9-tagged packet, got %+v", v9packets)
	}
}

func TestCombinedDecoderRejectsUnknownVersion(t *testing.T) {
	d := New(nil)
	if _, err := d.Decode([]byte{0, 7, 0, 0}, netip.Addr{}); err == nil {
		t.Fatal("expected malformed error for unsupported version")
	}
}
