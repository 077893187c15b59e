package camaudio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Channel is a numbered P2P sub-channel. Numbering is fixed by the protocol.
type Channel int32

const (
	ChannelVideo Channel = 1
	ChannelVoice Channel = 2
)

func (c Channel) String() string {
	switch c {
	case ChannelVideo:
		return "video"
	case ChannelVoice:
		return "voice"
	default:
		return fmt.Sprintf("channel(%d)", int32(c))
	}
}

// Negative read codes returned by the P2P transport.
const (
	ChannelCodeNotConnected      int32 = -1
	ChannelCodeTimeout           int32 = -3
	ChannelCodeInvalidParameter  int32 = -5
	ChannelCodeInvalidConnection int32 = -11
	ChannelCodeRemoteClosed      int32 = -12
	ChannelCodeTimeoutClosed     int32 = -13
)

// ChannelCodeString describes a channel read code.
func ChannelCodeString(code int32) string {
	switch {
	case code >= 0:
		return "ok"
	case code == ChannelCodeNotConnected:
		return "not connected"
	case code == ChannelCodeTimeout:
		return "timeout"
	case code == ChannelCodeInvalidParameter:
		return "invalid parameter"
	case code == ChannelCodeInvalidConnection:
		return "invalid connection"
	case code == ChannelCodeRemoteClosed:
		return "remote closed"
	case code == ChannelCodeTimeoutClosed:
		return "session closed by timeout"
	default:
		return "unknown error"
	}
}

// ChannelReadResult is the outcome of one channel read. A negative BytesRead
// is an error code and always comes with an empty payload.
type ChannelReadResult struct {
	BytesRead int32
	Payload   []byte
}

// NewChannelReadResult builds a result, dropping the payload for error codes
// and trimming it to n bytes otherwise.
func NewChannelReadResult(n int32, payload []byte) ChannelReadResult {
	if n < 0 {
		return ChannelReadResult{BytesRead: n}
	}
	if int(n) > len(payload) {
		n = int32(len(payload))
	}
	return ChannelReadResult{BytesRead: n, Payload: payload[:n]}
}

// OK reports whether the read returned data (possibly zero bytes).
func (r ChannelReadResult) OK() bool { return r.BytesRead >= 0 }

// Err returns a *ChannelError for negative codes, nil otherwise.
func (r ChannelReadResult) Err(ch Channel) error {
	if r.BytesRead >= 0 {
		return nil
	}
	return &ChannelError{Channel: ch, Code: r.BytesRead}
}

// ChannelClient reads raw transport bytes from an established P2P session.
type ChannelClient interface {
	// ClientRead blocks for at most timeout reading into buf from channel ch
	// of the session identified by client.
	ClientRead(ctx context.Context, client uintptr, ch Channel, buf []byte, timeout time.Duration) ChannelReadResult
}

// PayloadSink receives raw voice payloads (G.711a bytes) as they are read.
// Implementations must not retain the slice.
type PayloadSink interface {
	WritePayload(payload []byte) error
}

// G711SampleRate is the rate of the voice channel's G.711a stream.
const G711SampleRate = 8000

// ChannelReaderConfig configures the voice channel reader.
type ChannelReaderConfig struct {
	Channel           Channel       `mapstructure:"channel"`
	BufferSize        int           `mapstructure:"buffer_size"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	MaxTimeoutRetries int           `mapstructure:"max_timeout_retries"`
	BackoffBase       time.Duration `mapstructure:"backoff_base"`
	BackoffMax        time.Duration `mapstructure:"backoff_max"`
	OutputRate        int           `mapstructure:"output_rate"` // ring sample rate
	SilenceRatio      float64       `mapstructure:"silence_ratio"`
}

// DefaultChannelReaderConfig returns the reader defaults.
func DefaultChannelReaderConfig() ChannelReaderConfig {
	return ChannelReaderConfig{
		Channel:           ChannelVoice,
		BufferSize:        640,
		ReadTimeout:       500 * time.Millisecond,
		MaxTimeoutRetries: 3,
		BackoffBase:       50 * time.Millisecond,
		BackoffMax:        time.Second,
		OutputRate:        DefaultVendorSampleRate,
		SilenceRatio:      DefaultSilenceRatio,
	}
}

func (c ChannelReaderConfig) withDefaults() ChannelReaderConfig {
	def := DefaultChannelReaderConfig()
	if c.Channel == 0 {
		c.Channel = def.Channel
	}
	if c.BufferSize <= 0 {
		c.BufferSize = def.BufferSize
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = def.ReadTimeout
	}
	if c.MaxTimeoutRetries <= 0 {
		c.MaxTimeoutRetries = def.MaxTimeoutRetries
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = def.BackoffBase
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = def.BackoffMax
	}
	if c.OutputRate < G711SampleRate {
		c.OutputRate = def.OutputRate
	}
	if c.SilenceRatio <= 0 {
		c.SilenceRatio = def.SilenceRatio
	}
	return c
}

// ChannelReaderStats are monotonic reader counters.
type ChannelReaderStats struct {
	Reads          uint64
	BytesRead      uint64
	Timeouts       uint64
	Errors         uint64
	SilentPayloads uint64
	SamplesWritten uint64
	SinkErrors     uint64
	LastCode       int32
}

// ChannelReader pulls G.711a bytes from a P2P sub-channel, decodes them and
// writes linear PCM into the ring at the configured output rate.
type ChannelReader struct {
	client ChannelClient
	handle uintptr
	ring   RingWriter
	cfg    ChannelReaderConfig
	dec    G711aDecoder
	sinks  []PayloadSink
	logger zerolog.Logger

	// Hot-path scratch, sized at construction.
	buf    []byte
	pcm    []int16
	out    []int16
	factor int
	prev   int16

	reads    atomic.Uint64
	bytes    atomic.Uint64
	timeouts atomic.Uint64
	errs     atomic.Uint64
	silent   atomic.Uint64
	samples  atomic.Uint64
	sinkErrs atomic.Uint64
	lastCode atomic.Int32

	sinkWarned atomic.Bool

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	lastErr error
}

// NewChannelReader creates a reader for the session handle. Zero config
// fields take defaults.
func NewChannelReader(client ChannelClient, handle uintptr, ring RingWriter, cfg ChannelReaderConfig, logger *zerolog.Logger) *ChannelReader {
	cfg = cfg.withDefaults()
	factor := cfg.OutputRate / G711SampleRate
	r := &ChannelReader{
		client: client,
		handle: handle,
		ring:   ring,
		cfg:    cfg,
		dec:    G711aDecoder{SilenceRatio: cfg.SilenceRatio},
		logger: componentLogger(logger, "channel-reader"),
		buf:    make([]byte, cfg.BufferSize),
		pcm:    make([]int16, cfg.BufferSize),
		out:    make([]int16, cfg.BufferSize*factor),
		factor: factor,
	}
	if cfg.OutputRate%G711SampleRate != 0 {
		r.logger.Warn().Int("output_rate", cfg.OutputRate).Int("factor", factor).
			Msg("output rate is not a multiple of 8 kHz; pitch will be off")
	}
	return r
}

// AddSink registers a raw payload sink. Call before Start.
func (r *ChannelReader) AddSink(s PayloadSink) {
	r.sinks = append(r.sinks, s)
}

// Topology implements CaptureSource.
func (r *ChannelReader) Topology() Topology { return TopologyChannel }

// Config returns the effective configuration.
func (r *ChannelReader) Config() ChannelReaderConfig { return r.cfg }

// Start runs the read loop on a new goroutine.
func (r *ChannelReader) Start(ctx context.Context) error {
	if r.handle == 0 {
		return fmt.Errorf("channel reader: %w", ErrNotConnected)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done != nil {
		select {
		case <-r.done:
		default:
			return nil
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.cancel = cancel
	r.done = done
	r.lastErr = nil

	go func() {
		defer close(done)
		err := r.Run(ctx)
		r.mu.Lock()
		r.lastErr = err
		r.mu.Unlock()
	}()
	return nil
}

// Stop cancels the read loop and waits for it to exit.
func (r *ChannelReader) Stop() error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

// Done is closed when the loop started by Start exits.
func (r *ChannelReader) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// Err returns the error that ended the last run, nil on cancellation.
func (r *ChannelReader) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

// Run reads until ctx is cancelled, a hard error occurs, or timeouts exceed
// MaxTimeoutRetries in a row. Cancellation returns nil.
func (r *ChannelReader) Run(ctx context.Context) error {
	r.logger.Info().Stringer("channel", r.cfg.Channel).Int("buffer", r.cfg.BufferSize).Msg("channel read loop started")
	consecutive := 0
	for {
		if ctx.Err() != nil {
			r.logger.Info().Msg("channel read loop stopped")
			return nil
		}
		err := r.step(ctx)
		if err == nil {
			consecutive = 0
			continue
		}

		var chErr *ChannelError
		if errors.As(err, &chErr) && chErr.IsTimeout() {
			consecutive++
			if consecutive > r.cfg.MaxTimeoutRetries {
				r.logger.Warn().Int("retries", r.cfg.MaxTimeoutRetries).Msg("channel read timeouts exhausted")
				return err
			}
			if !sleepCtx(ctx, r.backoff(consecutive)) {
				return nil
			}
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
		r.logger.Error().Err(err).Msg("channel read failed")
		return err
	}
}

// step performs one read, decode and ring write.
func (r *ChannelReader) step(ctx context.Context) error {
	res := r.client.ClientRead(ctx, r.handle, r.cfg.Channel, r.buf, r.cfg.ReadTimeout)
	r.reads.Add(1)
	r.lastCode.Store(res.BytesRead)

	if err := res.Err(r.cfg.Channel); err != nil {
		if res.BytesRead == ChannelCodeTimeout {
			r.timeouts.Add(1)
		} else {
			r.errs.Add(1)
		}
		return err
	}
	if res.BytesRead == 0 {
		return nil
	}
	r.bytes.Add(uint64(res.BytesRead))

	for _, s := range r.sinks {
		if err := s.WritePayload(res.Payload); err != nil {
			r.sinkErrs.Add(1)
			if r.sinkWarned.CompareAndSwap(false, true) {
				r.logger.Warn().Err(err).Msg("payload sink write failed; further failures are only counted")
			}
		}
	}
	if r.dec.IsSilence(res.Payload) {
		r.silent.Add(1)
	}

	r.pcm = r.dec.Decode(r.pcm[:0], res.Payload)
	out := r.upsample(r.pcm)
	r.ring.Write(out)
	r.samples.Add(uint64(len(out)))
	return nil
}

// upsample linearly interpolates from 8 kHz to the output rate by an
// integer factor, reusing the scratch buffer.
func (r *ChannelReader) upsample(in []int16) []int16 {
	if r.factor <= 1 {
		return in
	}
	k := int32(r.factor)
	out := r.out[:0]
	prev := int32(r.prev)
	for _, s := range in {
		cur := int32(s)
		for j := int32(1); j <= k; j++ {
			out = append(out, int16(prev+(cur-prev)*j/k))
		}
		prev = cur
	}
	r.prev = int16(prev)
	r.out = out
	return out
}

func (r *ChannelReader) backoff(attempt int) time.Duration {
	d := r.cfg.BackoffBase << (attempt - 1)
	if d <= 0 || d > r.cfg.BackoffMax {
		d = r.cfg.BackoffMax
	}
	return d
}

// Stats returns a snapshot of the reader counters.
func (r *ChannelReader) Stats() ChannelReaderStats {
	return ChannelReaderStats{
		Reads:          r.reads.Load(),
		BytesRead:      r.bytes.Load(),
		Timeouts:       r.timeouts.Load(),
		Errors:         r.errs.Load(),
		SilentPayloads: r.silent.Load(),
		SamplesWritten: r.samples.Load(),
		SinkErrors:     r.sinkErrs.Load(),
		LastCode:       r.lastCode.Load(),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// ChannelProbe is the outcome of one diagnostic channel read.
type ChannelProbe struct {
	Channel   Channel `json:"channel"`
	OK        bool    `json:"ok"`
	BytesRead int32   `json:"bytesRead"`
	Code      string  `json:"code"`
	Silent    bool    `json:"silent"`
}

// ChannelStatusReport compares the video and voice channels of a session.
type ChannelStatusReport struct {
	Video ChannelProbe `json:"video"`
	Voice ChannelProbe `json:"voice"`

	// AudioEnableMissing is set when video streams but voice times out: the
	// vendor's internal audio enable step never ran.
	AudioEnableMissing bool   `json:"audioEnableMissing"`
	Conclusion         string `json:"conclusion"`
}

// VerifyChannelStatus reads channel 1 and channel 2 side by side and
// interprets the pair.
func VerifyChannelStatus(ctx context.Context, client ChannelClient, handle uintptr, bufSize int, timeout time.Duration) ChannelStatusReport {
	if bufSize <= 0 {
		bufSize = DefaultChannelReaderConfig().BufferSize
	}
	if timeout <= 0 {
		timeout = DefaultChannelReaderConfig().ReadTimeout
	}

	var rep ChannelStatusReport
	probe := func(ctx context.Context, ch Channel, out *ChannelProbe) {
		buf := make([]byte, bufSize)
		res := client.ClientRead(ctx, handle, ch, buf, timeout)
		*out = ChannelProbe{
			Channel:   ch,
			OK:        res.OK() && res.BytesRead > 0,
			BytesRead: res.BytesRead,
			Code:      ChannelCodeString(res.BytesRead),
			Silent:    res.BytesRead > 0 && SilenceRatio(res.Payload) >= DefaultSilenceRatio,
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { probe(gctx, ChannelVideo, &rep.Video); return nil })
	g.Go(func() error { probe(gctx, ChannelVoice, &rep.Voice); return nil })
	_ = g.Wait()

	switch {
	case rep.Video.OK && rep.Voice.BytesRead == ChannelCodeTimeout:
		rep.AudioEnableMissing = true
		rep.Conclusion = "channel 1 ok, channel 2 timeout: vendor audio enable never ran"
	case rep.Video.OK && rep.Voice.OK && rep.Voice.Silent:
		rep.Conclusion = "both channels open, channel 2 idle (G.711a silence)"
	case rep.Video.OK && rep.Voice.OK:
		rep.Conclusion = "both channels streaming"
	case !rep.Video.OK:
		rep.Conclusion = fmt.Sprintf("channel 1 %s: session not streaming", rep.Video.Code)
	default:
		rep.Conclusion = fmt.Sprintf("channel 2 %s", rep.Voice.Code)
	}
	return rep
}

func init() {
	RegisterCaptureSource(TopologyChannel, func(env *CaptureEnv) (CaptureSource, error) {
		if env.Channels == nil {
			return nil, fmt.Errorf("channel topology: no channel client: %w", ErrNotSupported)
		}
		if env.Client == 0 {
			return nil, fmt.Errorf("channel topology: %w", ErrNotConnected)
		}
		r := NewChannelReader(env.Channels, env.Client, env.Ring, env.Reader, env.Logger)
		for _, s := range env.Sinks {
			r.AddSink(s)
		}
		return r, nil
	})
}
