package attack

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fastnetmon/fastnetmon-core/internal/packet"
	"github.com/fastnetmon/fastnetmon-core/internal/threshold"
)

func TestRingWriteToSkipsPacketsWithoutPayload(t *testing.T) {
	r := NewRing(4)
	r.Push(packet.Simple{Bytes: 64, CaptureTimeNS: 1})
	r.Push(packet.Simple{Bytes: 64, CaptureTimeNS: 2}.WithPayload([]byte("hello")))

	f, err := os.CreateTemp(t.TempDir(), "capture-*.pcap")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	defer f.Close()

	if err := r.WriteTo(f); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}

	info, err := f.Stat()
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	// A pcap global header is 24 bytes and each record adds a 16-byte
	// record header plus its data: exactly one record carrying the 5-byte
	// payload means the payload-less packet was skipped.
	if want := int64(24 + 16 + 5); info.Size() != want {
		t.Fatalf("capture file size = %d, want %d (header plus one 5-byte record)", info.Size(), want)
	}
}

func TestFlushCaptureIsANoOpWithoutCapturedPackets(t *testing.T) {
	dir := t.TempDir()
	det := Details{Capture: NewRing(4)}

	if err := FlushCapture(dir, det); err != nil {
		t.Fatalf("FlushCapture: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no file written for an empty capture ring, found %d", len(entries))
	}
}

func TestManagerClearFlushesCaptureToUUIDNamedFile(t *testing.T) {
	host := netip.MustParseAddr("203.0.113.9")
	dir := t.TempDir()
	m := NewManager(WithCapture(4), WithCaptureDir(dir))

	breach := threshold.Breach{Host: host, Kind: threshold.KindOverallPPS, Rate: 5000, Threshold: 1000}
	m.HandleBreach(breach, GroupInfo{EnableUnban: true, BanDuration: time.Hour})

	m.Capture(host, packet.Simple{Bytes: 64}.WithPayload([]byte("payload")))

	det, ok := m.Lookup(host)
	if !ok {
		t.Fatal("expected host to be under attack before unban")
	}

	m.Unban(host)

	path := filepath.Join(dir, det.UUID.String()+".pcap")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected capture flushed to %s: %v", path, err)
	}
}
