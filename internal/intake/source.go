package intake

import (
	"context"
	"errors"
	"net"
	"net/netip"

	"go.uber.org/zap"
)

// Source owns one UDP listener and feeds every received datagram through a
// Decoder, tallying malformed frames and dispatching successes (spec
// §4.1, §5 "N ingest workers ... each owning their own UDP socket; no
// cross-worker synchronisation on the hot path").
type Source struct {
	log         *zap.Logger
	decoder     Decoder
	dispatcher  *Dispatcher
	onMalformed func(source string, reason string)

	conn *net.UDPConn
}

// NewSource constructs a Source bound to addr, decoding with decoder and
// dispatching through dispatcher. onMalformed, if non-nil, is called once
// per dropped frame for metrics purposes.
func NewSource(log *zap.Logger, addr *net.UDPAddr, decoder Decoder, dispatcher *Dispatcher, onMalformed func(source, reason string)) (*Source, error) {
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	return &Source{log: log, decoder: decoder, dispatcher: dispatcher, onMalformed: onMalformed, conn: conn}, nil
}

// maxDatagramSize bounds one read; IPFIX/NetFlow/sFlow datagrams never
// approach typical UDP path MTUs in practice.
const maxDatagramSize = 65535

// Run reads datagrams until ctx is cancelled, decoding and dispatching
// each one. It observes cancellation between recvs, per spec §5
// "Cancellation": ingest workers observe the cancel flag between recvs.
func (s *Source) Run(ctx context.Context) error {
	buf := make([]byte, maxDatagramSize)
	go func() {
		<-ctx.Done()
		s.conn.Close()
	}()

	for {
		n, raddr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		srcAddr, ok := netip.AddrFromSlice(raddr.IP)
		if !ok {
			continue
		}

		packets, derr := s.decoder.Decode(buf[:n], srcAddr.Unmap())
		if derr != nil {
			reason := "unknown"
			var me *MalformedError
			if errors.As(derr, &me) {
				reason = me.Reason
			}
			if s.onMalformed != nil {
				s.onMalformed(string(s.decoder.Source()), reason)
			}
			continue
		}
		for _, p := range packets {
			s.dispatcher.Dispatch(p)
		}
	}
}

// Close releases the underlying socket.
func (s *Source) Close() error {
	return s.conn.Close()
}
