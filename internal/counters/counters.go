// Package counters implements the per-host accounting engine: sharded
// insertion off the ingest path, a single-driver tick that rotates raw
// counters into delta and EMA, and a read-only inspect snapshot safe for
// concurrent exporters and the threshold evaluator (spec §4.3, §5).
package counters

import (
	"math"
	"net/netip"
	"sync"
	"time"

	"github.com/fastnetmon/fastnetmon-core/internal/packet"
)

// Direction distinguishes traffic flowing towards (in) or away from (out)
// the accounted host.
type Direction int

const (
	DirectionIn Direction = iota
	DirectionOut
)

// shardCount is the number of map shards the per-host table is split
// across; insertion only takes the shard lock of the host it touches.
const shardCount = 64

// Section holds one traffic class's independent in/out counters. Each host
// carries six sections: total, TCP, TCP-SYN, UDP, ICMP and fragmented.
type Section struct {
	BytesIn, BytesOut     Gauge
	PacketsIn, PacketsOut Gauge
	FlowsIn, FlowsOut     Gauge
}

// Gauge is one raw/delta/EMA triple. raw is monotonically non-decreasing
// between ticks; delta and ema are computed by tick() alone.
type Gauge struct {
	raw   uint64
	delta uint64
	ema   float64
}

// Delta returns the last computed per-second delta.
func (g Gauge) Delta() uint64 { return g.delta }

// EMA returns the current exponential moving average.
func (g Gauge) EMA() float64 { return g.ema }

// Raw returns the cumulative counter.
func (g Gauge) Raw() uint64 { return g.raw }

// GaugeFromEMA constructs a Gauge carrying only an EMA value, with zero raw
// and delta. Used to assemble synthetic snapshots for tests and for
// reconstructing a frozen triggering metric at attack onset.
func GaugeFromEMA(ema float64) Gauge {
	return Gauge{ema: ema}
}

func (g *Gauge) add(n uint64) {
	g.raw += n
}

// gaugeState tracks the previous raw value out-of-line from Gauge's
// exported fields, so the public struct stays a plain value triple; see
// rotateWith.
type gaugeState struct {
	prevRaw uint64
}

// counterState is the full per-host accounting record.
type counterState struct {
	total       Section
	tcp         Section
	tcpSyn      Section
	udp         Section
	icmp        Section
	fragmented  Section
	totalState  sectionState
	tcpState    sectionState
	synState    sectionState
	udpState    sectionState
	icmpState   sectionState
	fragState   sectionState
	lastSeen    int64 // unix nanoseconds, for idle GC
	flowSketch  *flowSketch
}

type sectionState struct {
	bytesIn, bytesOut     gaugeState
	packetsIn, packetsOut gaugeState
	flowsIn, flowsOut     gaugeState
}

// Snapshot is the immutable, read-only view handed to inspectors after a
// tick. It is safe for concurrent reads from any number of goroutines.
type Snapshot struct {
	Hosts map[netip.Addr]HostSnapshot
}

// HostSnapshot is one host's accounting state as of the last completed tick.
type HostSnapshot struct {
	Total, TCP, TCPSyn, UDP, ICMP, Fragmented Section
}

// Engine is the sharded per-host counter table plus the tick driver state.
// record is safe to call from many ingest goroutines concurrently; tick
// must be called from exactly one goroutine, once per second (spec §4.3,
// §5).
type Engine struct {
	shards      [shardCount]shard
	alpha       float64
	idleTimeout time.Duration
	maxHosts    int
	onOverflow  func()

	mu       sync.RWMutex
	snapshot Snapshot
}

type shard struct {
	mu         sync.Mutex
	hosts      map[netip.Addr]*counterState
	overflowed uint64
}

// Option configures an Engine at construction.
type Option func(*Engine)

// WithHalfLife sets τ (seconds) for the EMA smoothing constant
// α = 1 − exp(−1/τ) (spec §4.3, default 15).
func WithHalfLife(tauSeconds float64) Option {
	return func(e *Engine) {
		if tauSeconds <= 0 {
			tauSeconds = 15
		}
		e.alpha = 1 - math.Exp(-1/tauSeconds)
	}
}

// WithIdleTimeout sets how long a host with no traffic is kept before being
// garbage-collected on tick (spec §3 "Lifecycles").
func WithIdleTimeout(d time.Duration) Option {
	return func(e *Engine) { e.idleTimeout = d }
}

// WithMaxHostsPerShard caps distinct hosts tracked per shard (spec §4.3
// "safety cap"). Once a shard is full, a packet for a host it does not
// already track is not accounted to any host or overflow bucket; the
// Record call only increments the shard's overflow count. This approximates the
// spec's per-host-group ceiling: see DESIGN.md for why a per-shard cap
// is an acceptable substitute.
func WithMaxHostsPerShard(n int) Option {
	return func(e *Engine) { e.maxHosts = n }
}

// WithOverflowHook registers a callback invoked once, synchronously,
// for every Record call dropped by a full shard's host cap (spec §7
// resource-exhaustion row: "increment a gauge"). Called while holding
// the shard's own lock, so it must not block or re-enter the Engine.
func WithOverflowHook(fn func()) Option {
	return func(e *Engine) { e.onOverflow = fn }
}

// New constructs an Engine with sensible defaults, overridden by opts.
func New(opts ...Option) *Engine {
	e := &Engine{alpha: 1 - math.Exp(-1.0/15.0), idleTimeout: 5 * time.Minute, maxHosts: 1 << 20}
	for _, o := range opts {
		o(e)
	}
	for i := range e.shards {
		e.shards[i].hosts = make(map[netip.Addr]*counterState)
	}
	return e
}

func (e *Engine) shardFor(addr netip.Addr) *shard {
	h := addr.As16()
	var x uint32
	for _, b := range h {
		x = x*31 + uint32(b)
	}
	return &e.shards[x%shardCount]
}

// Record updates the subnet_counter for host addr in the given direction
// with one normalised packet's worth of bytes/packets/flow accounting
// (spec §4.3). It is O(1) amortised and safe under concurrent calls for
// distinct or identical addresses.
func (e *Engine) Record(addr netip.Addr, dir Direction, p packet.Simple, isNewFlow bool) {
	sh := e.shardFor(addr)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	cs, ok := sh.hosts[addr]
	if !ok {
		if len(sh.hosts) >= e.maxHosts {
			// Safety cap reached: drop this packet's accounting rather
			// than growing unbounded (spec §4.3), and surface the drop
			// as an observable count (spec §7).
			sh.overflowed++
			if e.onOverflow != nil {
				e.onOverflow()
			}
			return
		}
		cs = &counterState{flowSketch: newFlowSketch(2048)}
		sh.hosts[addr] = cs
	}
	cs.lastSeen = p.CaptureTimeNS

	bytes := p.EffectiveBytes()
	pkts := p.EffectivePackets()

	recordSection(&cs.total, &cs.totalState, dir, bytes, pkts, isNewFlow)

	switch p.Protocol {
	case packet.ProtoTCP:
		recordSection(&cs.tcp, &cs.tcpState, dir, bytes, pkts, isNewFlow)
		if p.Flags&packet.FlagTCPSyn != 0 && p.Flags&packet.FlagTCPAck == 0 {
			recordSection(&cs.tcpSyn, &cs.synState, dir, bytes, pkts, isNewFlow)
		}
	case packet.ProtoUDP:
		recordSection(&cs.udp, &cs.udpState, dir, bytes, pkts, isNewFlow)
	case packet.ProtoICMP, packet.ProtoICMPv6:
		recordSection(&cs.icmp, &cs.icmpState, dir, bytes, pkts, isNewFlow)
	}

	if p.Flags&packet.FlagFragmented != 0 {
		recordSection(&cs.fragmented, &cs.fragState, dir, bytes, pkts, isNewFlow)
	}
}

func recordSection(s *Section, st *sectionState, dir Direction, bytes, pkts uint64, isNewFlow bool) {
	if dir == DirectionIn {
		s.BytesIn.add(bytes)
		s.PacketsIn.add(pkts)
		if isNewFlow {
			s.FlowsIn.add(1)
		}
	} else {
		s.BytesOut.add(bytes)
		s.PacketsOut.add(pkts)
		if isNewFlow {
			s.FlowsOut.add(1)
		}
	}
}

// IsNewFlow reports whether p's 5-tuple is absent from host addr's
// conntrack sketch (never seen, or evicted since), consulting and updating
// the sketch (spec §4.3 "Flow counting"). A host not yet tracked is created
// here, subject to the same per-shard cap as Record, so its first tuple is
// remembered too.
func (e *Engine) IsNewFlow(addr netip.Addr, p packet.Simple) bool {
	sh := e.shardFor(addr)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	cs, ok := sh.hosts[addr]
	if !ok {
		if len(sh.hosts) >= e.maxHosts {
			return true
		}
		cs = &counterState{flowSketch: newFlowSketch(2048), lastSeen: p.CaptureTimeNS}
		sh.hosts[addr] = cs
	}
	return cs.flowSketch.observe(p.Tuple())
}

// Tick rotates every live host's raw counters into delta and EMA, then
// publishes a new Snapshot. Must be called from a single driver goroutine
// exactly once per second (spec §4.3, §5).
func (e *Engine) Tick(now int64) {
	snap := Snapshot{Hosts: make(map[netip.Addr]HostSnapshot)}

	for i := range e.shards {
		sh := &e.shards[i]
		sh.mu.Lock()
		for addr, cs := range sh.hosts {
			if e.idleTimeout > 0 && now-cs.lastSeen > e.idleTimeout.Nanoseconds() {
				delete(sh.hosts, addr)
				continue
			}
			rotateSection(&cs.total, &cs.totalState, e.alpha)
			rotateSection(&cs.tcp, &cs.tcpState, e.alpha)
			rotateSection(&cs.tcpSyn, &cs.synState, e.alpha)
			rotateSection(&cs.udp, &cs.udpState, e.alpha)
			rotateSection(&cs.icmp, &cs.icmpState, e.alpha)
			rotateSection(&cs.fragmented, &cs.fragState, e.alpha)

			snap.Hosts[addr] = HostSnapshot{
				Total:      cs.total,
				TCP:        cs.tcp,
				TCPSyn:     cs.tcpSyn,
				UDP:        cs.udp,
				ICMP:       cs.icmp,
				Fragmented: cs.fragmented,
			}
		}
		sh.mu.Unlock()
	}

	e.mu.Lock()
	e.snapshot = snap
	e.mu.Unlock()
}

func rotateSection(s *Section, st *sectionState, alpha float64) {
	s.BytesIn.rotateWith(&st.bytesIn, alpha)
	s.BytesOut.rotateWith(&st.bytesOut, alpha)
	s.PacketsIn.rotateWith(&st.packetsIn, alpha)
	s.PacketsOut.rotateWith(&st.packetsOut, alpha)
	s.FlowsIn.rotateWith(&st.flowsIn, alpha)
	s.FlowsOut.rotateWith(&st.flowsOut, alpha)
}

func (g *Gauge) rotateWith(st *gaugeState, alpha float64) {
	delta := g.raw - st.prevRaw
	st.prevRaw = g.raw
	g.delta = delta
	g.ema = g.ema + alpha*(float64(delta)-g.ema)
}

// Inspect returns the most recently published Snapshot. Safe to call from
// any goroutine at any time (spec §4.3, §5).
func (e *Engine) Inspect() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snapshot
}

// Overflowed returns the cumulative number of Record calls dropped by a
// full shard's host cap, across every shard since the engine started. A
// host over the cap that sends several packets is counted once per call.
func (e *Engine) Overflowed() uint64 {
	var total uint64
	for i := range e.shards {
		sh := &e.shards[i]
		sh.mu.Lock()
		total += sh.overflowed
		sh.mu.Unlock()
	}
	return total
}
