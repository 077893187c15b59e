package camaudio

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog"
)

// PCMATrackSink publishes raw voice payloads as a WebRTC PCMA track for
// browser monitoring.
type PCMATrackSink struct {
	track  *webrtc.TrackLocalStaticSample
	logger zerolog.Logger

	mu    sync.Mutex
	peers []*webrtc.PeerConnection
}

// NewPCMATrackSink creates the track. It carries nothing until a peer
// connection adds it.
func NewPCMATrackSink(logger *zerolog.Logger) (*PCMATrackSink, error) {
	codec := AudioCodecG711A
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: codec.MimeType(), ClockRate: codec.ClockRate(), Channels: 1},
		"audio", "camaudio-voice",
	)
	if err != nil {
		return nil, fmt.Errorf("create pcma track: %w", err)
	}
	return &PCMATrackSink{track: track, logger: componentLogger(logger, "webrtc-sink")}, nil
}

// Track returns the local track for use with an existing peer connection.
func (s *PCMATrackSink) Track() *webrtc.TrackLocalStaticSample { return s.track }

// WritePayload implements PayloadSink.
func (s *PCMATrackSink) WritePayload(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	return s.track.WriteSample(media.Sample{
		Data:     payload,
		Duration: time.Duration(len(payload)) * time.Second / G711SampleRate,
	})
}

// Answer creates a peer connection carrying the track, applies the remote
// offer, and returns the local answer once ICE gathering completes.
func (s *PCMATrackSink) Answer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("new peer connection: %w", err)
	}
	fail := func(step string, err error) (webrtc.SessionDescription, error) {
		_ = pc.Close()
		return webrtc.SessionDescription{}, fmt.Errorf("%s: %w", step, err)
	}

	if _, err := pc.AddTrack(s.track); err != nil {
		return fail("add track", err)
	}
	if err := pc.SetRemoteDescription(offer); err != nil {
		return fail("set remote description", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fail("create answer", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return fail("set local description", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return fail("ice gathering", ctx.Err())
	}

	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		s.logger.Info().Stringer("state", st).Msg("peer connection state")
		if st == webrtc.PeerConnectionStateFailed || st == webrtc.PeerConnectionStateClosed {
			s.drop(pc)
		}
	})

	s.mu.Lock()
	s.peers = append(s.peers, pc)
	s.mu.Unlock()
	return *pc.LocalDescription(), nil
}

func (s *PCMATrackSink) drop(pc *webrtc.PeerConnection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, p := range s.peers {
		if p == pc {
			s.peers = append(s.peers[:i], s.peers[i+1:]...)
			break
		}
	}
}

// Peers returns the number of live peer connections.
func (s *PCMATrackSink) Peers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// Close closes every peer connection.
func (s *PCMATrackSink) Close() error {
	s.mu.Lock()
	peers := s.peers
	s.peers = nil
	s.mu.Unlock()

	var firstErr error
	for _, pc := range peers {
		if err := pc.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
