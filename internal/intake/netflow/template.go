// Package netflow decodes NetFlow v5 (fixed header/record layout) and
// NetFlow v9 (template-driven). The template cache here is shared with
// the IPFIX decoder, since IPFIX's data-record framing is the same
// template-driven model with a wider field-type space (spec §4.1).
package netflow

import (
	"net/netip"
	"sync"
)

// Common NetFlow v9 / IPFIX information-element identifiers. IPFIX's IANA
// registry is a superset of the NetFlow v9 field-type space and keeps the
// same numbers for every field this core cares about.
const (
	FieldInBytes     uint16 = 1
	FieldInPkts      uint16 = 2
	FieldProtocol    uint16 = 4
	FieldTCPFlags    uint16 = 6
	FieldL4SrcPort   uint16 = 7
	FieldIPv4SrcAddr uint16 = 8
	FieldInputSNMP   uint16 = 10
	FieldL4DstPort   uint16 = 11
	FieldIPv4DstAddr uint16 = 12
	FieldOutputSNMP  uint16 = 14
	FieldIPv6SrcAddr uint16 = 27
	FieldIPv6DstAddr uint16 = 28
)

// variableLength marks an IPFIX field whose per-record length is carried
// inline rather than fixed by the template.
const variableLength uint16 = 0xFFFF

// FieldSpec is one (type, length) pair from a template or options-template
// record.
type FieldSpec struct {
	Type   uint16
	Length uint16
}

// Template is a cached field layout for one (exporter, domain, template ID)
// tuple.
type Template struct {
	Fields []FieldSpec
}

// FixedLength reports the record length this template implies when no
// field uses IPFIX variable-length encoding, and whether that holds.
func (t *Template) FixedLength() (int, bool) {
	total := 0
	for _, f := range t.Fields {
		if f.Length == variableLength {
			return 0, false
		}
		total += int(f.Length)
	}
	return total, true
}

type templateKey struct {
	source     netip.Addr
	domainID   uint32
	templateID uint16
}

// TemplateCache holds the latest template definition per (exporter,
// observation domain, template ID). A redefinition replaces the previous
// template outright (spec §4.1: "replace-on-redefinition"); data flowsets
// referencing an unknown template are discarded until the template
// arrives.
type TemplateCache struct {
	mu        sync.RWMutex
	templates map[templateKey]*Template
}

// NewTemplateCache constructs an empty cache.
func NewTemplateCache() *TemplateCache {
	return &TemplateCache{templates: make(map[templateKey]*Template)}
}

// Set stores or replaces the template for the given key.
func (c *TemplateCache) Set(source netip.Addr, domainID uint32, templateID uint16, tmpl *Template) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.templates[templateKey{source, domainID, templateID}] = tmpl
}

// Get retrieves the template for the given key, if known.
func (c *TemplateCache) Get(source netip.Addr, domainID uint32, templateID uint16) (*Template, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.templates[templateKey{source, domainID, templateID}]
	return t, ok
}
