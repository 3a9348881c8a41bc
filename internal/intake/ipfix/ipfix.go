// Package ipfix decodes IPFIX (RFC 7011) export packets. IPFIX shares its
// template-driven framing and information-element numbering with NetFlow
// v9 for every field this core cares about, so the template cache and
// field-to-packet mapping are reused from internal/intake/netflow rather
// than reimplemented (spec §4.1).
package ipfix

import (
	"encoding/binary"
	"net/netip"

	"github.com/fastnetmon/fastnetmon-core/internal/intake"
	"github.com/fastnetmon/fastnetmon-core/internal/intake/netflow"
	"github.com/fastnetmon/fastnetmon-core/internal/packet"
)

const (
	headerSize = 16

	setIDTemplate     = 2
	setIDOptionsTmpl  = 3
	setIDDataLowBound = 256
)

// Decoder implements intake.Decoder for IPFIX.
type Decoder struct {
	cache *netflow.TemplateCache
}

// New constructs an IPFIX Decoder backed by cache.
func New(cache *netflow.TemplateCache) *Decoder {
	if cache == nil {
		cache = netflow.NewTemplateCache()
	}
	return &Decoder{cache: cache}
}

// Source implements intake.Decoder.
func (d *Decoder) Source() packet.Source { return packet.SourceIPFIX }

// Decode implements intake.Decoder.
func (d *Decoder) Decode(datagram []byte, sourceAddr netip.Addr) ([]packet.Simple, error) {
	if len(datagram) < headerSize {
		return nil, intake.NewMalformed("short_header")
	}
	version := binary.BigEndian.Uint16(datagram[0:2])
	if version != 10 {
		return nil, intake.NewMalformed("unsupported_version")
	}
	messageLength := int(binary.BigEndian.Uint16(datagram[2:4]))
	domainID := binary.BigEndian.Uint32(datagram[12:16])
	if messageLength > len(datagram) {
		messageLength = len(datagram)
	}

	var out []packet.Simple
	offset := headerSize
	for offset+4 <= messageLength {
		setID := binary.BigEndian.Uint16(datagram[offset : offset+2])
		length := int(binary.BigEndian.Uint16(datagram[offset+2 : offset+4]))
		if length < 4 || offset+length > messageLength {
			return out, intake.NewMalformed("truncated_set")
		}
		body := datagram[offset+4 : offset+length]

		switch {
		case setID == setIDTemplate:
			d.learnTemplates(sourceAddr, domainID, body)
		case setID == setIDOptionsTmpl:
			// Options templates describe exporter/meta records, not
			// per-flow traffic.
		case int(setID) >= setIDDataLowBound:
			tmpl, ok := d.cache.Get(sourceAddr, domainID, setID)
			if ok {
				out = append(out, netflow.DecodeDataSet(body, tmpl, packet.SourceIPFIX)...)
			}
		}

		offset += length
	}
	return out, nil
}

func (d *Decoder) learnTemplates(source netip.Addr, domainID uint32, body []byte) {
	pos := 0
	for pos+4 <= len(body) {
		templateID := binary.BigEndian.Uint16(body[pos : pos+2])
		fieldCount := int(binary.BigEndian.Uint16(body[pos+2 : pos+4]))
		pos += 4

		fields := make([]netflow.FieldSpec, 0, fieldCount)
		ok := true
		for f := 0; f < fieldCount; f++ {
			if pos+4 > len(body) {
				ok = false
				break
			}
			fieldType := binary.BigEndian.Uint16(body[pos : pos+2])
			fieldLen := binary.BigEndian.Uint16(body[pos+2 : pos+4])
			pos += 4
			// Enterprise bit (top bit of field type) carries a 4-byte
			// enterprise number after the field spec; skip it. The type
			// keeps its enterprise bit, so it matches no IANA field and
			// the value is treated as opaque-length-only.
			if fieldType&0x8000 != 0 {
				if pos+4 > len(body) {
					ok = false
					break
				}
				pos += 4
			}
			fields = append(fields, netflow.FieldSpec{Type: fieldType, Length: fieldLen})
		}
		if !ok {
			return
		}
		d.cache.Set(source, domainID, templateID, &netflow.Template{Fields: fields})
	}
}
