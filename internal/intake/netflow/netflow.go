package netflow

import (
	"encoding/binary"
	"net/netip"

	"github.com/fastnetmon/fastnetmon-core/internal/intake"
	"github.com/fastnetmon/fastnetmon-core/internal/packet"
)

// Decoder implements intake.Decoder for a single UDP listener that may
// receive either NetFlow v5 or v9 datagrams, as real exporters commonly
// send both to one collector port. It peeks the version field shared by
// both headers and dispatches to DecoderV5 or DecoderV9 accordingly;
// decoded records still carry their own SourceNetFlow5/SourceNetFlow9 tag.
type Decoder struct {
	v5 *DecoderV5
	v9 *DecoderV9
}

// New constructs a combined v5/v9 Decoder. cache is shared with any IPFIX
// decoder listening on a separate source, if desired.
func New(cache *TemplateCache) *Decoder {
	return &Decoder{v5: NewV5(), v9: NewV9(cache)}
}

// Source implements intake.Decoder; used only to label malformed frames
// before the wire version is known.
func (d *Decoder) Source() packet.Source { return packet.SourceNetFlow }

// Decode implements intake.Decoder.
func (d *Decoder) Decode(datagram []byte, sourceAddr netip.Addr) ([]packet.Simple, error) {
	if len(datagram) < 2 {
		return nil, intake.NewMalformed("short_header")
	}
	switch binary.BigEndian.Uint16(datagram[0:2]) {
	case 5:
		return d.v5.Decode(datagram, sourceAddr)
	case 9:
		return d.v9.Decode(datagram, sourceAddr)
	default:
		return nil, intake.NewMalformed("unsupported_version")
	}
}
