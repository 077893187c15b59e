package camaudio

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/rs/zerolog"
)

const recorderFlushInterval = 100 * time.Millisecond

// WAVRecorder dumps captured audio to a mono 16-bit WAV file. It is a
// RingWriter so it can sit next to the playback ring on the producer side;
// writes land in an internal ring drained by a background goroutine.
type WAVRecorder struct {
	path   string
	file   *os.File
	enc    *wav.Encoder
	ring   *SPSCRing
	rate   int
	logger zerolog.Logger

	scratch []int16
	buf     *goaudio.IntBuffer

	samples atomic.Uint64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	closed bool
}

// NewWAVRecorder creates path and prepares a recorder at sampleRate. Call
// Start to begin draining.
func NewWAVRecorder(path string, sampleRate int, logger *zerolog.Logger) (*WAVRecorder, error) {
	if sampleRate <= 0 {
		sampleRate = DefaultVendorSampleRate
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create recording: %w", err)
	}
	chunk := sampleRate / 10
	return &WAVRecorder{
		path:    path,
		file:    f,
		enc:     wav.NewEncoder(f, sampleRate, 16, 1, 1),
		ring:    NewSPSCRing(2 * sampleRate),
		rate:    sampleRate,
		logger:  componentLogger(logger, "wav-recorder"),
		scratch: make([]int16, chunk),
		buf: &goaudio.IntBuffer{
			Format:         &goaudio.Format{NumChannels: 1, SampleRate: sampleRate},
			Data:           make([]int, chunk),
			SourceBitDepth: 16,
		},
	}, nil
}

// Write implements RingWriter.
func (r *WAVRecorder) Write(samples []int16) int {
	return r.ring.Write(samples)
}

// Start drains buffered audio to disk until ctx ends or Close is called.
func (r *WAVRecorder) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done != nil || r.closed {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.run(ctx, r.done)
	r.logger.Info().Str("path", r.path).Int("rate", r.rate).Msg("recording started")
}

func (r *WAVRecorder) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(recorderFlushInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := r.drain(); err != nil {
				r.logger.Error().Err(err).Msg("recording write failed")
				return
			}
		}
	}
}

// drain writes everything currently buffered.
func (r *WAVRecorder) drain() error {
	for {
		n := min(r.ring.Len(), len(r.scratch))
		if n == 0 {
			return nil
		}
		got := r.ring.Read(r.scratch[:n])
		if got == 0 {
			return nil
		}
		data := r.buf.Data[:got]
		for i, s := range r.scratch[:got] {
			data[i] = int(s)
		}
		r.buf.Data = data
		if err := r.enc.Write(r.buf); err != nil {
			return err
		}
		r.buf.Data = r.buf.Data[:cap(r.buf.Data)]
		r.samples.Add(uint64(got))
	}
}

// Samples returns the number of samples written to disk.
func (r *WAVRecorder) Samples() uint64 { return r.samples.Load() }

// Duration returns the recorded length.
func (r *WAVRecorder) Duration() time.Duration {
	return time.Duration(r.Samples()) * time.Second / time.Duration(r.rate)
}

// Path returns the output file path.
func (r *WAVRecorder) Path() string { return r.path }

// Close stops draining, flushes, and finalizes the WAV header.
func (r *WAVRecorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	cancel, done := r.cancel, r.done
	r.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	err := r.drain()
	if cerr := r.enc.Close(); err == nil {
		err = cerr
	}
	if cerr := r.file.Close(); err == nil {
		err = cerr
	}
	r.logger.Info().Str("path", r.path).Dur("duration", r.Duration()).Msg("recording closed")
	return err
}
