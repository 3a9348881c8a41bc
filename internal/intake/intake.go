// Package intake owns every telemetry wire format: sFlow v5, NetFlow
// v5/v9, IPFIX, and raw mirror capture. Each Decoder is the only component
// that knows its wire format; intake's job is to own the UDP socket, tally
// malformed frames by reason, and dispatch successfully parsed records to
// every registered packet.Sink (spec §4.1).
package intake

import (
	"net/netip"

	"github.com/fastnetmon/fastnetmon-core/internal/packet"
)

// Decoder parses one datagram from source into zero or more normalised
// packets, or returns an error tagged with a short, stable reason used for
// the (source, reason) malformed-frame tally (spec §4.1).
type Decoder interface {
	Decode(datagram []byte, sourceAddr netip.Addr) ([]packet.Simple, error)
	Source() packet.Source
}

// MalformedError carries the (source, reason) pair used to tally a
// dropped frame without aborting the intake loop (spec §7 "Malformed
// telemetry").
type MalformedError struct {
	Reason string
}

func (e *MalformedError) Error() string { return e.Reason }

// NewMalformed is the shared constructor every Decoder implementation uses
// to tag a short-read or otherwise invalid datagram with a stable reason.
func NewMalformed(reason string) error {
	return &MalformedError{Reason: reason}
}

// Dispatcher fans out decoded packets to every registered Sink. It
// replaces the C process_packet_pointer typedef (spec §9 design notes)
// with an injectable capability list, kept in the shape of the teacher's
// Handler/OnEvent/dispatch subscribe pattern: decoders are unaware of who
// consumes their output.
type Dispatcher struct {
	sinks []packet.Sink
}

// NewDispatcher constructs a Dispatcher fanning out to sinks.
func NewDispatcher(sinks ...packet.Sink) *Dispatcher {
	return &Dispatcher{sinks: sinks}
}

// Dispatch hands p to every registered sink. Never blocks beyond what a
// sink itself does; sinks that need to buffer are responsible for their
// own non-blocking discipline (spec §4.1 "Intake never blocks ingestion on
// a downstream consumer").
func (d *Dispatcher) Dispatch(p packet.Simple) {
	for _, sink := range d.sinks {
		sink.Consume(p)
	}
}
