package camaudio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// RenderFlags are the action flags passed to a render notification.
type RenderFlags uint32

const (
	RenderFlagPreRender  RenderFlags = 1 << 2
	RenderFlagPostRender RenderFlags = 1 << 3
)

// StreamFormat describes a linear PCM stream.
type StreamFormat struct {
	SampleRate     float64
	Channels       uint32
	BitsPerChannel uint32
}

// DefaultStreamFormat is the vendor's mono 16-bit voice format.
func DefaultStreamFormat() StreamFormat {
	return StreamFormat{SampleRate: DefaultVendorSampleRate, Channels: 1, BitsPerChannel: 16}
}

func (f StreamFormat) String() string {
	return fmt.Sprintf("%.0f Hz, %d ch, %d bit", f.SampleRate, f.Channels, f.BitsPerChannel)
}

// RenderNotifyFunc receives one render cycle. samples aliases the unit's
// first channel buffer and is only valid during the call.
type RenderNotifyFunc func(flags RenderFlags, samples []int16)

// AudioUnitHost is the platform audio unit API the render tap needs.
type AudioUnitHost interface {
	// AddRenderNotify registers fn on unit. The returned function
	// deregisters it.
	AddRenderNotify(unit AudioUnitRef, fn RenderNotifyFunc) (remove func() error, err error)

	// NewOutputUnit creates and initializes a locally owned output unit
	// with the given input format.
	NewOutputUnit(format StreamFormat) (AudioUnitRef, error)

	// DisposeUnit releases a unit created by NewOutputUnit.
	DisposeUnit(unit AudioUnitRef) error
}

// tapState is what the render callback sees. It is swapped atomically so
// removal is safe against an in-flight callback.
type tapState struct {
	ring RingWriter
}

// RenderTap copies post-render output of a vendor audio unit into a ring.
type RenderTap struct {
	host   AudioUnitHost
	ring   RingWriter
	logger zerolog.Logger

	mu     sync.Mutex
	unit   AudioUnitRef
	remove func() error

	active    atomic.Pointer[tapState]
	frames    atomic.Uint64
	callbacks atomic.Uint64
}

// NewRenderTap creates a render tap writing into ring.
func NewRenderTap(host AudioUnitHost, ring RingWriter, logger *zerolog.Logger) *RenderTap {
	return &RenderTap{
		host:   host,
		ring:   ring,
		logger: componentLogger(logger, "render-tap"),
	}
}

// Install registers the post-render notification on unit. Installing on the
// unit already tapped is a no-op returning true; a different unit replaces
// the current one.
func (t *RenderTap) Install(unit AudioUnitRef) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if unit == 0 {
		t.logger.Warn().Msg("no audio unit to tap")
		return false
	}
	if t.host == nil {
		t.logger.Warn().Msg("no audio unit host on this platform")
		return false
	}
	if t.remove != nil {
		if t.unit == unit {
			t.logger.Warn().Uint64("unit", uint64(unit)).Msg("render tap already installed")
			return true
		}
		t.removeLocked()
	}

	t.active.Store(&tapState{ring: t.ring})
	remove, err := t.host.AddRenderNotify(unit, t.onRender)
	if err != nil {
		t.active.Store(nil)
		t.logger.Error().Err(err).Uint64("unit", uint64(unit)).Msg("failed to add render notify")
		return false
	}
	t.unit = unit
	t.remove = remove
	t.logger.Info().Uint64("unit", uint64(unit)).Msg("render tap installed")
	return true
}

// onRender runs on the real-time render thread.
func (t *RenderTap) onRender(flags RenderFlags, samples []int16) {
	st := t.active.Load()
	if st == nil {
		return
	}
	t.callbacks.Add(1)
	if flags&RenderFlagPostRender == 0 || len(samples) == 0 {
		return
	}
	st.ring.Write(samples)
	t.frames.Add(uint64(len(samples)))
}

// Remove deregisters the notification. Safe to call repeatedly.
func (t *RenderTap) Remove() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked()
}

func (t *RenderTap) removeLocked() {
	if t.remove == nil {
		return
	}
	t.active.Store(nil)
	if err := t.remove(); err != nil {
		t.logger.Error().Err(err).Uint64("unit", uint64(t.unit)).Msg("failed to remove render notify")
	}
	t.logger.Info().Uint64("unit", uint64(t.unit)).Uint64("frames", t.frames.Load()).Msg("render tap removed")
	t.remove = nil
	t.unit = 0
}

// Installed reports whether a notification is registered.
func (t *RenderTap) Installed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remove != nil
}

// InterceptedUnit returns the tapped unit.
func (t *RenderTap) InterceptedUnit() (AudioUnitRef, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.unit, t.unit != 0
}

// CapturedFrameCount returns the number of samples copied into the ring.
func (t *RenderTap) CapturedFrameCount() uint64 { return t.frames.Load() }

// Callbacks returns the number of render notifications observed.
func (t *RenderTap) Callbacks() uint64 { return t.callbacks.Load() }

// ProbeFormat checks whether the platform accepts format by configuring a
// throwaway output unit with it.
func (t *RenderTap) ProbeFormat(format StreamFormat) error {
	if t.host == nil {
		return ErrNotSupported
	}
	unit, err := t.host.NewOutputUnit(format)
	if err != nil {
		return fmt.Errorf("probe %s: %w", format, err)
	}
	if err := t.host.DisposeUnit(unit); err != nil {
		t.logger.Warn().Err(err).Msg("failed to dispose probe unit")
	}
	return nil
}

// SelfTest installs and removes a tap on a locally created unit. The tap
// already installed on a vendor unit is left alone.
func (t *RenderTap) SelfTest() error {
	if t.host == nil {
		return ErrNotSupported
	}
	unit, err := t.host.NewOutputUnit(DefaultStreamFormat())
	if err != nil {
		return fmt.Errorf("self test: create unit: %w", err)
	}
	defer func() {
		if err := t.host.DisposeUnit(unit); err != nil {
			t.logger.Warn().Err(err).Msg("failed to dispose self-test unit")
		}
	}()

	probe := NewRenderTap(t.host, discardRing{}, &t.logger)
	if !probe.Install(unit) {
		return errors.New("self test: render notify could not be installed")
	}
	probe.Remove()
	if probe.Installed() {
		return errors.New("self test: render notify still installed after removal")
	}
	t.logger.Info().Msg("render tap self test passed")
	return nil
}

// discardRing drops everything written to it.
type discardRing struct{}

func (discardRing) Write(samples []int16) int { return len(samples) }

// tapSource is the discovery -> interception -> render tap topology.
type tapSource struct {
	discoverer  *Discoverer
	interceptor *MethodInterceptor
	tap         *RenderTap
	wait        time.Duration
	logger      zerolog.Logger

	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	ownsHooks bool // Start installed the interception Stop must remove
}

const tapPollInterval = 50 * time.Millisecond

func (s *tapSource) Topology() Topology { return TopologyTap }

// Start discovers the player and installs interception. The render tap is
// installed in the background once the vendor has created its unit.
func (s *tapSource) Start(ctx context.Context) error {
	res, err := s.discoverer.Discover(ctx)
	if err != nil {
		return err
	}
	player, _ := res.Handle()
	preinstalled := s.interceptor.Installed()
	if _, err := s.interceptor.Intercept(player); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !preinstalled {
		s.ownsHooks = true
	}
	if s.done != nil {
		return nil
	}
	wctx, cancel := context.WithTimeout(context.Background(), s.wait)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.awaitUnit(wctx, s.done)
	return nil
}

func (s *tapSource) awaitUnit(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(tapPollInterval)
	defer ticker.Stop()
	for {
		if unit, err := s.interceptor.AudioUnit(); err == nil {
			s.tap.Install(unit)
			return
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				s.logger.Warn().Dur("waited", s.wait).Msg("vendor audio unit never appeared")
			}
			return
		case <-ticker.C:
		}
	}
}

// Stop removes the render tap and, when Start installed it, the method
// interception.
func (s *tapSource) Stop() error {
	s.mu.Lock()
	cancel, done, owns := s.cancel, s.done, s.ownsHooks
	s.cancel, s.done, s.ownsHooks = nil, nil, false
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	s.tap.Remove()
	if owns {
		if err := s.interceptor.Remove(); err != nil && !errors.Is(err, ErrNotInstalled) {
			return err
		}
	}
	return nil
}

func init() {
	RegisterCaptureSource(TopologyTap, func(env *CaptureEnv) (CaptureSource, error) {
		if env.Discoverer == nil || env.Interceptor == nil || env.Tap == nil {
			return nil, fmt.Errorf("tap topology: %w", ErrNotSupported)
		}
		wait := env.TapWait
		if wait <= 0 {
			wait = 5 * time.Second
		}
		return &tapSource{
			discoverer:  env.Discoverer,
			interceptor: env.Interceptor,
			tap:         env.Tap,
			wait:        wait,
			logger:      componentLogger(env.Logger, "tap-source"),
		}, nil
	})
}
