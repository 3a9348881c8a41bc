package attack

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"

	"github.com/fastnetmon/fastnetmon-core/internal/packet"
)

// captureSnaplen bounds the per-packet length recorded in a flushed pcap
// file's global header; actual captured records are already truncated far
// below this by packet.Simple's own payload cap.
const captureSnaplen = 65535

// Ring is a fixed-capacity buffer of the last N packets matching an
// attacked host (spec §4.5 "Packet capture"). Push never blocks: once
// full, the oldest entry is overwritten. Several ingest sources may share
// one attacked host, so Push and Snapshot take their own lock rather than
// assuming a single producer.
type Ring struct {
	mu    sync.Mutex
	buf   []packet.Simple
	next  int
	count int
}

// NewRing allocates a capture ring holding at most capacity packets.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring{buf: make([]packet.Simple, capacity)}
}

// Push records one packet, overwriting the oldest entry if the ring is
// full. Never blocks and never drops by returning an error — the ingest
// side must never stall on a full capture ring.
func (r *Ring) Push(p packet.Simple) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = p
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// Snapshot returns the captured packets in insertion order, oldest first.
func (r *Ring) Snapshot() []packet.Simple {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count == 0 {
		return nil
	}
	out := make([]packet.Simple, 0, r.count)
	start := (r.next - r.count + len(r.buf)) % len(r.buf)
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}

// Len reports how many packets are currently captured.
func (r *Ring) Len() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// WriteTo dumps the ring's captured packets to w as a pcap file, oldest
// first. Packets with no raw payload carry nothing to write a frame from
// and are skipped. None of the intake decoders (sFlow, NetFlow, IPFIX,
// mirror) attaches a payload, so packets fed in from intake produce a file
// holding only the pcap global header.
func (r *Ring) WriteTo(w io.Writer) error {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(captureSnaplen, layers.LinkTypeEthernet); err != nil {
		return fmt.Errorf("write pcap header: %w", err)
	}
	for _, p := range r.Snapshot() {
		if len(p.Payload) == 0 {
			continue
		}
		ci := gopacket.CaptureInfo{
			Timestamp:     time.Unix(0, p.CaptureTimeNS),
			CaptureLength: len(p.Payload),
			Length:        int(p.EffectiveBytes()),
		}
		if err := pw.WritePacket(ci, p.Payload); err != nil {
			return fmt.Errorf("write pcap packet: %w", err)
		}
	}
	return nil
}

// FlushCapture writes det's capture ring, if any, to
// <dir>/<attack_uuid>.pcap (spec §4.5 "On transition out of
// attack_active, the capture is flushed to a file named by UUID"; spec
// §6 "Capture files are named <attack_uuid>.pcap"). A no-op when dir is
// empty or the attack had no capture ring or captured nothing.
func FlushCapture(dir string, det Details) error {
	if dir == "" || det.Capture.Len() == 0 {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create capture dir: %w", err)
	}
	path := filepath.Join(dir, det.UUID.String()+".pcap")
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create capture file: %w", err)
	}
	defer f.Close()
	return det.Capture.WriteTo(f)
}
