package netflow

import (
	"encoding/binary"
	"net/netip"

	"github.com/fastnetmon/fastnetmon-core/internal/intake"
	"github.com/fastnetmon/fastnetmon-core/internal/packet"
)

const (
	v9HeaderSize = 20

	flowSetTemplate        = 0
	flowSetOptionsTmpl     = 1
	flowSetDataIDThreshold = 256
)

// DecoderV9 implements intake.Decoder for NetFlow v9. Template FlowSets
// populate a shared TemplateCache keyed by (exporter, observation domain,
// template ID); Data FlowSets referencing an unknown template are
// discarded until the matching template arrives (spec §4.1).
type DecoderV9 struct {
	cache *TemplateCache
}

// NewV9 constructs a NetFlow v9 Decoder backed by cache. A single cache may
// be shared across Sources if desired; typically each gets its own.
func NewV9(cache *TemplateCache) *DecoderV9 {
	if cache == nil {
		cache = NewTemplateCache()
	}
	return &DecoderV9{cache: cache}
}

// Source implements intake.Decoder.
func (d *DecoderV9) Source() packet.Source { return packet.SourceNetFlow9 }

// Decode implements intake.Decoder.
func (d *DecoderV9) Decode(datagram []byte, sourceAddr netip.Addr) ([]packet.Simple, error) {
	if len(datagram) < v9HeaderSize {
		return nil, intake.NewMalformed("short_header")
	}
	version := binary.BigEndian.Uint16(datagram[0:2])
	if version != 9 {
		return nil, intake.NewMalformed("unsupported_version")
	}
	flowSetCount := int(binary.BigEndian.Uint16(datagram[2:4]))
	domainID := binary.BigEndian.Uint32(datagram[16:20])

	var out []packet.Simple
	offset := v9HeaderSize
	for i := 0; i < flowSetCount && offset+4 <= len(datagram); i++ {
		flowSetID := binary.BigEndian.Uint16(datagram[offset : offset+2])
		length := int(binary.BigEndian.Uint16(datagram[offset+2 : offset+4]))
		if length < 4 || offset+length > len(datagram) {
			return out, intake.NewMalformed("truncated_flowset")
		}
		body := datagram[offset+4 : offset+length]

		switch {
		case flowSetID == flowSetTemplate:
			d.learnTemplates(sourceAddr, domainID, body)
		case flowSetID == flowSetOptionsTmpl:
			// Options templates/data carry exporter metadata, not
			// per-flow traffic; not modelled by simple_packet.
		case int(flowSetID) >= flowSetDataIDThreshold:
			tmpl, ok := d.cache.Get(sourceAddr, domainID, flowSetID)
			if ok {
				out = append(out, DecodeDataSet(body, tmpl, packet.SourceNetFlow9)...)
			}
		}

		offset += length
	}
	return out, nil
}

func (d *DecoderV9) learnTemplates(source netip.Addr, domainID uint32, body []byte) {
	pos := 0
	for pos+4 <= len(body) {
		templateID := binary.BigEndian.Uint16(body[pos : pos+2])
		fieldCount := int(binary.BigEndian.Uint16(body[pos+2 : pos+4]))
		pos += 4

		fields := make([]FieldSpec, 0, fieldCount)
		ok := true
		for f := 0; f < fieldCount; f++ {
			if pos+4 > len(body) {
				ok = false
				break
			}
			fields = append(fields, FieldSpec{
				Type:   binary.BigEndian.Uint16(body[pos : pos+2]),
				Length: binary.BigEndian.Uint16(body[pos+2 : pos+4]),
			})
			pos += 4
		}
		if !ok {
			return
		}
		d.cache.Set(source, domainID, templateID, &Template{Fields: fields})
	}
}

// DecodeDataSet decodes every record packed into one Data FlowSet/Set body
// per tmpl, stopping at the first record too short to fully decode (the
// remainder is alignment padding). Shared by the NetFlow v9 and IPFIX
// decoders, since both frame data records the same way once a template is
// known.
func DecodeDataSet(body []byte, tmpl *Template, source packet.Source) []packet.Simple {
	recLen, fixed := tmpl.FixedLength()
	var out []packet.Simple
	pos := 0
	for {
		if fixed {
			if pos+recLen > len(body) || recLen == 0 {
				return out
			}
			p, _, ok := decodeDataRecord(body[pos:pos+recLen], tmpl, 1, source)
			if !ok {
				return out
			}
			out = append(out, p)
			pos += recLen
		} else {
			p, n, ok := decodeDataRecord(body[pos:], tmpl, 1, source)
			if !ok || n == 0 {
				return out
			}
			out = append(out, p)
			pos += n
		}
	}
}
