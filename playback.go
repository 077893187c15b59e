package camaudio

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/ik5/audpbx/audio"
	"github.com/ik5/audpbx/utils"
)

// PlaybackConfig configures the playback engine.
type PlaybackConfig struct {
	SourceRate  int `mapstructure:"source_rate"`  // ring sample rate
	DeviceRate  int `mapstructure:"device_rate"`  // output device rate
	Channels    int `mapstructure:"channels"`     // output channels; mono is duplicated
	ChunkFrames int `mapstructure:"chunk_frames"` // max frames rendered per Read
}

// DefaultPlaybackConfig renders 16 kHz vendor audio to a 48 kHz stereo
// device.
func DefaultPlaybackConfig() PlaybackConfig {
	return PlaybackConfig{
		SourceRate:  DefaultVendorSampleRate,
		DeviceRate:  48000,
		Channels:    2,
		ChunkFrames: 4096,
	}
}

func (c PlaybackConfig) withDefaults() PlaybackConfig {
	def := DefaultPlaybackConfig()
	if c.SourceRate <= 0 {
		c.SourceRate = def.SourceRate
	}
	if c.DeviceRate <= 0 {
		c.DeviceRate = def.DeviceRate
	}
	if c.Channels <= 0 {
		c.Channels = def.Channels
	}
	if c.ChunkFrames <= 0 {
		c.ChunkFrames = def.ChunkFrames
	}
	return c
}

// ringSource adapts a RingReader to audio.Source. It never ends: an empty
// ring reads as silence.
type ringSource struct {
	ring    RingReader
	rate    int
	scratch []int16
}

func (s *ringSource) SampleRate() int { return s.rate }
func (s *ringSource) Channels() int   { return 1 }
func (s *ringSource) BufSize() int    { return len(s.scratch) }
func (s *ringSource) Close() error    { return nil }

func (s *ringSource) ReadSamples(dst []float32) (int, error) {
	n := len(dst)
	if n > len(s.scratch) {
		n = len(s.scratch)
	}
	pcm := s.scratch[:n]
	s.ring.Read(pcm)
	for i, v := range pcm {
		dst[i] = float32(v) / 32768
	}
	return n, nil
}

// PlaybackStats reports playback progress.
type PlaybackStats struct {
	Reads          uint64
	RenderedFrames uint64
	RingFill       float64
}

// PlaybackEngine renders ring audio as little-endian 16-bit PCM at the
// device rate. Read is the consumer hot path: it never blocks and does not
// allocate after construction.
type PlaybackEngine struct {
	ring   RingReader
	cfg    PlaybackConfig
	stream audio.Source
	fbuf   []float32

	reads    atomic.Uint64
	rendered atomic.Uint64
}

// NewPlaybackEngine creates an engine reading from ring.
func NewPlaybackEngine(ring RingReader, cfg PlaybackConfig) *PlaybackEngine {
	cfg = cfg.withDefaults()
	src := &ringSource{ring: ring, rate: cfg.SourceRate, scratch: make([]int16, cfg.ChunkFrames)}

	var stream audio.Source = src
	if cfg.SourceRate != cfg.DeviceRate {
		stream = audio.NewResampler(src, cfg.DeviceRate)
	}
	return &PlaybackEngine{
		ring:   ring,
		cfg:    cfg,
		stream: stream,
		fbuf:   make([]float32, cfg.ChunkFrames),
	}
}

// Config returns the effective configuration.
func (e *PlaybackEngine) Config() PlaybackConfig { return e.cfg }

// FrameBytes is the size of one output frame.
func (e *PlaybackEngine) FrameBytes() int { return 2 * e.cfg.Channels }

// Read fills p with whole frames, at most ChunkFrames per call.
func (e *PlaybackEngine) Read(p []byte) (int, error) {
	e.reads.Add(1)
	fb := e.FrameBytes()
	frames := len(p) / fb
	if frames > len(e.fbuf) {
		frames = len(e.fbuf)
	}
	if frames == 0 {
		return 0, nil
	}

	n, _ := e.stream.ReadSamples(e.fbuf[:frames])
	for i := n; i < frames; i++ {
		e.fbuf[i] = 0
	}

	off := 0
	for _, f := range e.fbuf[:frames] {
		v := uint16(utils.Float32ToInt16(f))
		for c := 0; c < e.cfg.Channels; c++ {
			binary.LittleEndian.PutUint16(p[off:], v)
			off += 2
		}
	}
	e.rendered.Add(uint64(frames))
	return off, nil
}

// Stats returns playback counters and the current ring level.
func (e *PlaybackEngine) Stats() PlaybackStats {
	return PlaybackStats{
		Reads:          e.reads.Load(),
		RenderedFrames: e.rendered.Load(),
		RingFill:       e.ring.FillLevel(),
	}
}

// Close releases the stream.
func (e *PlaybackEngine) Close() error {
	return e.stream.Close()
}
