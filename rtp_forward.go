package camaudio

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/rs/zerolog"
)

const defaultRTPMTU = 1200

// RTPForwarder re-packetizes raw voice payloads as PCMA RTP and sends them
// to a UDP address, so the camera audio can be heard with any RTP player.
type RTPForwarder struct {
	conn       net.Conn
	packetizer rtp.Packetizer
	logger     zerolog.Logger

	mu      sync.Mutex
	packets atomic.Uint64
	bytes   atomic.Uint64
	errs    atomic.Uint64
}

// NewRTPForwarder dials addr (host:port) over UDP.
func NewRTPForwarder(addr string, ssrc uint32, logger *zerolog.Logger) (*RTPForwarder, error) {
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial rtp target: %w", err)
	}
	return newRTPForwarder(conn, ssrc, logger), nil
}

func newRTPForwarder(conn net.Conn, ssrc uint32, logger *zerolog.Logger) *RTPForwarder {
	codec := AudioCodecG711A
	return &RTPForwarder{
		conn: conn,
		packetizer: rtp.NewPacketizer(
			defaultRTPMTU,
			codec.DefaultPayloadType(),
			ssrc,
			&codecs.G711Payloader{},
			rtp.NewRandomSequencer(),
			codec.ClockRate(),
		),
		logger: componentLogger(logger, "rtp-forward"),
	}
}

// WritePayload implements PayloadSink. One A-law byte is one sample tick.
func (f *RTPForwarder) WritePayload(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, pkt := range f.packetizer.Packetize(payload, uint32(len(payload))) {
		raw, err := pkt.Marshal()
		if err != nil {
			f.errs.Add(1)
			return fmt.Errorf("marshal rtp: %w", err)
		}
		if _, err := f.conn.Write(raw); err != nil {
			f.errs.Add(1)
			return fmt.Errorf("send rtp: %w", err)
		}
		f.packets.Add(1)
		f.bytes.Add(uint64(len(raw)))
	}
	return nil
}

// Packets returns the number of RTP packets sent.
func (f *RTPForwarder) Packets() uint64 { return f.packets.Load() }

// Close closes the socket.
func (f *RTPForwarder) Close() error {
	f.logger.Info().Uint64("packets", f.packets.Load()).Uint64("errors", f.errs.Load()).Msg("rtp forwarder closed")
	return f.conn.Close()
}
