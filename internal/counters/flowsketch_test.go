package counters

import (
	"net/netip"
	"testing"

	"github.com/fastnetmon/fastnetmon-core/internal/packet"
)

func tupleWithSrcPort(port uint16) packet.FiveTuple {
	return packet.FiveTuple{
		SrcAddr:  netip.MustParseAddr("198.51.100.1"),
		DstAddr:  netip.MustParseAddr("203.0.113.5"),
		SrcPort:  port,
		DstPort:  80,
		Protocol: packet.ProtoTCP,
	}
}

func TestFlowSketchObservesEachTupleOnceUntilEvicted(t *testing.T) {
	s := newFlowSketch(4)
	tuple := tupleWithSrcPort(1000)

	if !s.observe(tuple) {
		t.Fatal("first observation of a tuple must report new")
	}
	if s.observe(tuple) {
		t.Fatal("repeat observation of the same tuple must report not-new")
	}
}

func TestFlowSketchEvictsUnderPressure(t *testing.T) {
	s := newFlowSketch(4)
	for i := 0; i < 4; i++ {
		s.observe(tupleWithSrcPort(uint16(1000 + i)))
	}
	if s.size != 4 {
		t.Fatalf("size = %d, want 4", s.size)
	}

	// Inserting beyond capacity must evict rather than grow unbounded.
	s.observe(tupleWithSrcPort(2000))
	if s.size > 4 {
		t.Fatalf("size = %d, want at most 4 after an over-capacity insert", s.size)
	}
}

func TestFlowSketchRecentlyUsedEntrySurvivesEviction(t *testing.T) {
	s := newFlowSketch(2)
	keep := tupleWithSrcPort(1)
	drop := tupleWithSrcPort(2)
	s.observe(keep)
	s.observe(drop)

	// Simulate a clock sweep having already cleared every reference bit,
	// then touch keep again so only its bit is set before the next
	// insert forces an eviction.
	for i := range s.slots {
		s.slots[i].used = false
	}
	s.observe(keep)

	s.observe(tupleWithSrcPort(3))

	if s.observe(keep) {
		t.Fatal("recently touched entry should have survived the clock sweep")
	}
	if !s.observe(drop) {
		t.Fatal("untouched entry should have been evicted to make room")
	}
}
