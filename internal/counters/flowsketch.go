package counters

import "github.com/fastnetmon/fastnetmon-core/internal/packet"

// flowSketch is a fixed-capacity, approximately-LRU set-membership
// structure used to count distinct 5-tuples per host (spec
// §4.3 "Flow counting"). It is an open-addressed array indexed by tuple
// hash, not a pointer-linked map (spec §9 design notes): entries live in
// a flat slice addressed by linear probing, and eviction sweeps a clock
// hand over a per-slot reference bit rather than walking a doubly linked
// list. Membership is approximate: eviction under pressure can cause a
// returning flow to be recounted as new. Entries are never cleared at tick
// boundaries, so a tuple counts again only after its entry is evicted.
type flowSketch struct {
	capacity int
	slots    []sketchSlot
	hand     int
	size     int
}

type sketchSlot struct {
	occupied bool
	used     bool
	key      packet.FiveTuple
}

// sketchLoadFactor keeps the backing array sized well above the logical
// capacity so linear probing stays short even when the sketch is full.
const sketchLoadFactor = 2

func newFlowSketch(capacity int) *flowSketch {
	if capacity <= 0 {
		capacity = 1
	}
	return &flowSketch{
		capacity: capacity,
		slots:    make([]sketchSlot, capacity*sketchLoadFactor),
	}
}

// observe reports whether tuple is new to the sketch, inserting it (and
// marking it recently used) as a side effect.
func (s *flowSketch) observe(tuple packet.FiveTuple) bool {
	n := len(s.slots)
	start := int(hashTuple(tuple) % uint64(n))

	for i := 0; i < n; i++ {
		idx := (start + i) % n
		slot := &s.slots[idx]
		if slot.occupied && slot.key == tuple {
			slot.used = true
			return false
		}
		if !slot.occupied {
			if s.size >= s.capacity {
				s.evictOne()
			}
			s.slots[idx] = sketchSlot{occupied: true, used: true, key: tuple}
			s.size++
			return true
		}
	}

	// Every physical slot is occupied despite the load factor (heavy hash
	// collision): evict one and retry insertion.
	s.evictOne()
	return s.observe(tuple)
}

// evictOne runs one clock sweep over the table, clearing reference bits
// until it lands on an occupied-but-unreferenced slot, and frees it.
func (s *flowSketch) evictOne() {
	n := len(s.slots)
	for i := 0; i < 2*n; i++ {
		idx := s.hand
		s.hand = (s.hand + 1) % n
		slot := &s.slots[idx]
		if !slot.occupied {
			continue
		}
		if !slot.used {
			*slot = sketchSlot{}
			s.size--
			return
		}
		slot.used = false
	}
}

// hashTuple combines tuple's fields with FNV-1a, grounded on the same
// multiply-accumulate shape as Engine.shardFor's address hash.
func hashTuple(t packet.FiveTuple) uint64 {
	const offsetBasis = 1469598103934665603
	const prime = 1099511628211

	h := uint64(offsetBasis)
	mix := func(b byte) {
		h ^= uint64(b)
		h *= prime
	}

	for _, b := range t.SrcAddr.As16() {
		mix(b)
	}
	for _, b := range t.DstAddr.As16() {
		mix(b)
	}
	mix(byte(t.SrcPort >> 8))
	mix(byte(t.SrcPort))
	mix(byte(t.DstPort >> 8))
	mix(byte(t.DstPort))
	mix(byte(t.Protocol))
	return h
}
