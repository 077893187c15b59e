package camaudio

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Result is what the external boundary sees for every bridge operation.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func okResult(format string, args ...any) Result {
	return Result{Success: true, Message: fmt.Sprintf(format, args...)}
}

func errResult(err error) Result {
	return Result{Success: false, Message: err.Error()}
}

// BridgeConfig configures an AudioBridge.
type BridgeConfig struct {
	SampleRate   int           `mapstructure:"sample_rate"`
	RingCapacity int           `mapstructure:"ring_capacity"`
	LockFree     bool          `mapstructure:"lock_free"`
	Topologies   []Topology    `mapstructure:"-"`
	Strategy     string        `mapstructure:"strategy"`
	Session      SessionConfig `mapstructure:"session"`
	TapWait      time.Duration `mapstructure:"tap_wait"`

	Discovery   DiscoveryConfig     `mapstructure:"-"`
	Interceptor InterceptorConfig   `mapstructure:"-"`
	Reader      ChannelReaderConfig `mapstructure:"-"`
	CGICommands []string            `mapstructure:"-"`

	VoiceBufferInterval time.Duration `mapstructure:"voice_buffer_interval"`
}

// DefaultBridgeConfig taps the vendor unit first and falls back to the voice
// channel.
func DefaultBridgeConfig() BridgeConfig {
	return BridgeConfig{
		SampleRate:   DefaultVendorSampleRate,
		RingCapacity: DefaultRingCapacity,
		Topologies:   []Topology{TopologyTap, TopologyChannel},
		Strategy:     "baseline",
		Session:      DefaultSessionConfig(),
		TapWait:      5 * time.Second,
		Discovery:    DefaultDiscoveryConfig(),
		Interceptor:  DefaultInterceptorConfig(),
		Reader:       DefaultChannelReaderConfig(),
	}
}

func (c BridgeConfig) withDefaults() BridgeConfig {
	d := DefaultBridgeConfig()
	if c.SampleRate <= 0 {
		c.SampleRate = d.SampleRate
	}
	if c.RingCapacity <= 0 {
		c.RingCapacity = d.RingCapacity
	}
	if len(c.Topologies) == 0 {
		c.Topologies = d.Topologies
	}
	if c.Strategy == "" {
		c.Strategy = d.Strategy
	}
	if c.Session.Category == "" {
		c.Session = d.Session
	}
	if c.TapWait <= 0 {
		c.TapWait = d.TapWait
	}
	if c.Discovery.PlayerClass == "" {
		c.Discovery = d.Discovery
	}
	if len(c.Interceptor.Selectors) == 0 {
		c.Interceptor = d.Interceptor
	}
	c.Reader = c.Reader.withDefaults()
	return c
}

// BridgeDeps are the platform adapters the bridge is built from. Every field
// is optional; missing adapters disable the features that need them.
type BridgeDeps struct {
	Symbols   *SymbolBridge
	Runtime   ObjCRuntime
	Hooker    MethodHooker
	UnitHost  AudioUnitHost
	Channels  ChannelClient
	Connector Connector
	Vendor    VendorAudio
	Session   SessionConfigurator

	// Writers receive a copy of every captured sample, e.g. a WAVRecorder.
	Writers []RingWriter
	// Sinks receive raw voice channel payloads, e.g. an RTPForwarder.
	Sinks []PayloadSink

	Logger *zerolog.Logger
}

// StrategyInfo describes one registered strategy.
type StrategyInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Selected    bool   `json:"selected"`
	LastOutcome string `json:"lastOutcome,omitempty"`
}

// BridgeStats is a snapshot of the whole bridge.
type BridgeStats struct {
	Running          bool                `json:"running"`
	Muted            bool                `json:"muted"`
	Topology         string              `json:"topology"`
	Strategy         string              `json:"strategy"`
	State            string              `json:"state"`
	Ring             RingStats           `json:"ring"`
	TapInstalled     bool                `json:"tapInstalled"`
	TapFrames        uint64              `json:"tapFrames"`
	TapCallbacks     uint64              `json:"tapCallbacks"`
	InterceptorCalls uint64              `json:"interceptorCalls"`
	Channel          *ChannelReaderStats `json:"channel,omitempty"`
	Playback         *PlaybackStats      `json:"playback,omitempty"`
	VoiceBuffer      *VoiceBufferStats   `json:"voiceBuffer,omitempty"`
	CaptureError     string              `json:"captureError,omitempty"`
	Attempts         []Attempt           `json:"attempts"`
}

// AudioBridge owns the sample ring and runs one capture topology at a time
// under the strategy negotiator.
type AudioBridge struct {
	cfg    BridgeConfig
	logger zerolog.Logger

	ring   PCMRing
	writer RingWriter
	muted  atomic.Bool

	symbols     *SymbolBridge
	channels    ChannelClient
	connector   Connector
	vendor      VendorAudio
	sinks       []PayloadSink
	discoverer  *Discoverer
	interceptor *MethodInterceptor
	tap         *RenderTap
	tapSource   CaptureSource
	cgi         *CGISender
	voiceBuf    *VoiceBufferMonitor

	strategies map[string]Strategy
	negotiator *Negotiator
	metrics    *MetricsCollector

	client atomic.Uintptr

	mu         sync.Mutex
	running    bool
	source     CaptureSource
	playback   *PlaybackEngine
	runCancel  context.CancelFunc // ends everything started for the session
	monitorEnd chan struct{}
	captureErr error // why the last session's capture ended by itself
}

// NewAudioBridge wires the components. It does not touch the vendor SDK.
func NewAudioBridge(cfg BridgeConfig, deps BridgeDeps) (*AudioBridge, error) {
	cfg = cfg.withDefaults()
	b := &AudioBridge{
		cfg:        cfg,
		logger:     componentLogger(deps.Logger, "bridge"),
		symbols:    deps.Symbols,
		channels:   deps.Channels,
		connector:  deps.Connector,
		sinks:      deps.Sinks,
		strategies: make(map[string]Strategy),
	}

	if cfg.LockFree {
		b.ring = NewSPSCRing(cfg.RingCapacity)
	} else {
		b.ring = NewSampleRing(cfg.RingCapacity)
	}
	b.writer = &muteGate{muted: &b.muted, next: TeeWriter(append([]RingWriter{b.ring}, deps.Writers...)...)}

	if deps.Runtime != nil {
		b.discoverer = NewDiscoverer(deps.Runtime, cfg.Discovery, deps.Logger)
	}
	b.interceptor = NewMethodInterceptor(deps.Hooker, deps.Runtime, cfg.Interceptor, deps.Logger)
	if deps.UnitHost != nil {
		b.tap = NewRenderTap(deps.UnitHost, b.writer, deps.Logger)
	}
	if b.discoverer != nil && b.tap != nil {
		src, err := CreateCaptureSource(TopologyTap, b.env())
		if err != nil {
			return nil, err
		}
		b.tapSource = src
	}
	if deps.Symbols != nil {
		b.cgi = NewCGISender(deps.Symbols, deps.Logger)
		b.voiceBuf = NewVoiceBufferMonitor(deps.Symbols, cfg.VoiceBufferInterval, deps.Logger)
	}

	b.vendor = deps.Vendor
	if b.vendor == nil && deps.Runtime != nil {
		b.vendor = &PlayerVendor{Runtime: deps.Runtime, Interceptor: b.interceptor, Discoverer: b.discoverer}
	}

	session := deps.Session
	if session == nil {
		session = &MemorySession{}
	}
	for _, s := range []Strategy{
		BaselineStrategy{},
		&PreInitializeStrategy{Session: session, Config: cfg.Session},
		&InterceptedStrategy{Source: b.tapSource, Interceptor: b.interceptor},
		&LockedSessionStrategy{Guard: NewSessionGuard(session, deps.Logger), Config: cfg.Session},
	} {
		b.strategies[s.Name()] = s
	}
	initial, ok := b.strategies[cfg.Strategy]
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q", cfg.Strategy)
	}
	b.negotiator = NewNegotiator(initial, deps.Logger)

	b.metrics = NewMetricsCollector(MetricsSources{
		Ring:     b.ring.Stats,
		Tap:      b.tapFrames,
		Channel:  b.channelStats,
		Playback: b.playbackStats,
		Voice:    b.voiceBufferStats,
	})
	b.negotiator.OnTransition(b.metrics.ObserveTransition)
	return b, nil
}

// muteGate drops samples while muted; playback then underflows to silence.
type muteGate struct {
	muted *atomic.Bool
	next  RingWriter
}

func (g *muteGate) Write(samples []int16) int {
	if g.muted.Load() {
		return len(samples)
	}
	return g.next.Write(samples)
}

func (b *AudioBridge) env() *CaptureEnv {
	return &CaptureEnv{
		Ring:        b.writer,
		Symbols:     b.symbols,
		Channels:    b.channels,
		Client:      b.client.Load(),
		Discoverer:  b.discoverer,
		Interceptor: b.interceptor,
		Tap:         b.tap,
		TapWait:     b.cfg.TapWait,
		Reader:      b.cfg.Reader,
		Sinks:       b.sinks,
		Logger:      &b.logger,
	}
}

// Ring returns the consumer view of the bridge ring.
func (b *AudioBridge) Ring() RingReader { return b.ring }

// Metrics returns the Prometheus collector for this bridge.
func (b *AudioBridge) Metrics() *MetricsCollector { return b.metrics }

// AttachPlayback records the engine draining the ring so its counters show
// up in statistics.
func (b *AudioBridge) AttachPlayback(e *PlaybackEngine) {
	b.mu.Lock()
	b.playback = e
	b.mu.Unlock()
}

// SetClient records a P2P client handle established outside the bridge.
func (b *AudioBridge) SetClient(client uintptr) { b.client.Store(client) }

// Client returns the current P2P client handle, or 0.
func (b *AudioBridge) Client() uintptr { return b.client.Load() }

// StartAudio prepares the selected strategy, starts the first capture
// topology that works and calls the vendor start path. Capture outlives ctx:
// it runs on a session context that only StopAudio, or the capture itself
// giving up, ends.
func (b *AudioBridge) StartAudio(ctx context.Context) Result {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return okResult("audio already running via %s", b.source.Topology())
	}

	if err := b.negotiator.Prepare(ctx); err != nil {
		return errResult(err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	src, err := b.startCapture(ctx, runCtx)
	if err != nil {
		cancel()
		_ = b.negotiator.Activate(err)
		return errResult(err)
	}

	vendorNote, startErr := b.startVendor(ctx, src)
	if err := b.negotiator.Activate(startErr); err != nil {
		cancel()
		_ = src.Stop()
		return errResult(fmt.Errorf("vendor start: %w", err))
	}

	b.source = src
	b.running = true
	b.runCancel = cancel
	b.captureErr = nil
	b.watchCapture(runCtx, src)
	b.startVoiceBufferMonitor(runCtx)

	strategy := b.negotiator.Strategy().Name()
	b.logger.Info().Stringer("topology", src.Topology()).Str("strategy", strategy).Msg("audio started")
	switch {
	case b.vendor == nil:
		return okResult("audio capture started via %s (strategy %s, no vendor start path)", src.Topology(), strategy)
	case vendorNote != "":
		return okResult("audio capture started via %s (strategy %s, vendor: %s)", src.Topology(), strategy, vendorNote)
	}
	return okResult("audio started via %s (strategy %s)", src.Topology(), strategy)
}

// startCapture walks the configured topologies in order and returns the
// first source that starts. Sources run on runCtx; ctx only bounds the walk.
func (b *AudioBridge) startCapture(ctx, runCtx context.Context) (CaptureSource, error) {
	var errs []error
	for _, t := range b.cfg.Topologies {
		var (
			src CaptureSource
			err error
		)
		if t == TopologyTap && b.tapSource != nil {
			src = b.tapSource
		} else {
			src, err = CreateCaptureSource(t, b.env())
		}
		if err == nil {
			err = src.Start(runCtx)
		}
		if err == nil {
			return src, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		b.logger.Warn().Err(err).Stringer("topology", t).Msg("capture topology unavailable; trying next")
		errs = append(errs, fmt.Errorf("%s: %w", t, err))
	}
	return nil, fmt.Errorf("no capture topology started: %w", errors.Join(errs...))
}

// startVendor calls the vendor start path. Only the tap topology depends on
// the vendor player; the others keep running when no player can be found
// and the reason comes back as a note.
func (b *AudioBridge) startVendor(ctx context.Context, src CaptureSource) (string, error) {
	if b.vendor == nil {
		return "", nil
	}
	err := b.vendor.StartVoice(ctx)
	if err == nil {
		return "", nil
	}
	if src.Topology() != TopologyTap && (errors.Is(err, ErrNoPlayerInstance) || errors.Is(err, ErrDiscoveryFailed)) {
		b.logger.Warn().Err(err).Stringer("topology", src.Topology()).Msg("vendor start skipped; capture does not need the player")
		return err.Error(), nil
	}
	return "", err
}

// watchCapture fails the session when a source that can end by itself does
// so before StopAudio.
func (b *AudioBridge) watchCapture(runCtx context.Context, src CaptureSource) {
	ts, ok := src.(terminatingSource)
	if !ok {
		return
	}
	done := ts.Done()
	go func() {
		select {
		case <-runCtx.Done():
			return
		case <-done:
		}
		if runCtx.Err() != nil {
			return
		}
		err := ts.Err()
		if err == nil {
			err = errors.New("capture ended")
		}
		b.captureEnded(src, err)
	}()
}

// captureEnded tears the session down after its capture died.
func (b *AudioBridge) captureEnded(src CaptureSource, cause error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running || b.source != src {
		return
	}
	b.logger.Error().Err(cause).Stringer("topology", src.Topology()).Msg("capture ended; session failed")

	b.endSessionLocked(context.Background())
	if err := b.negotiator.Fail(fmt.Errorf("%s capture: %w", src.Topology(), cause)); err != nil {
		b.logger.Warn().Err(err).Msg("could not record capture failure")
	}
	b.captureErr = cause
}

// endSessionLocked stops the vendor, the session context and the source, in
// that order, and waits for the session goroutines. The negotiator is left
// to the caller.
func (b *AudioBridge) endSessionLocked(ctx context.Context) error {
	var stopErr error
	if b.vendor != nil {
		if stopErr = b.vendor.StopVoice(ctx); stopErr != nil {
			b.logger.Warn().Err(stopErr).Msg("vendor stop failed")
		}
	}
	if b.runCancel != nil {
		b.runCancel()
		b.runCancel = nil
	}
	if err := b.source.Stop(); err != nil {
		b.logger.Warn().Err(err).Msg("capture stop failed")
	}
	if b.monitorEnd != nil {
		<-b.monitorEnd
		b.monitorEnd = nil
	}
	// Clear is safe against the playback consumer on both ring kinds.
	b.ring.Clear()
	b.running = false
	b.source = nil
	return stopErr
}

func (b *AudioBridge) startVoiceBufferMonitor(runCtx context.Context) {
	if b.voiceBuf == nil || !b.voiceBuf.Available() {
		return
	}
	done := make(chan struct{})
	b.monitorEnd = done
	go func() {
		defer close(done)
		if err := b.voiceBuf.Run(runCtx); err != nil {
			b.logger.Warn().Err(err).Msg("voice buffer monitor stopped")
		}
	}()
}

// StopAudio calls the vendor stop path, stops capture and cleans up the
// strategy. Stopping when idle succeeds.
func (b *AudioBridge) StopAudio(ctx context.Context) Result {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return okResult("audio not running")
	}

	stopErr := b.endSessionLocked(ctx)
	b.negotiator.Stop()

	if stopErr != nil {
		return okResult("audio stopped (vendor stop: %v)", stopErr)
	}
	return okResult("audio stopped")
}

// SetMute gates the ring and forwards the request to the vendor.
func (b *AudioBridge) SetMute(muted bool) Result {
	b.muted.Store(muted)
	state := "unmuted"
	if muted {
		state = "muted"
	}
	if b.vendor == nil {
		return okResult("%s (bridge only)", state)
	}
	if err := b.vendor.SetMute(muted); err != nil {
		b.logger.Warn().Err(err).Bool("muted", muted).Msg("vendor mute failed")
		return okResult("%s (bridge only, vendor: %v)", state, err)
	}
	return okResult("%s", state)
}

// ConnectWithCredentials opens a P2P session and records its client handle.
func (b *AudioBridge) ConnectWithCredentials(ctx context.Context, creds Credentials) ConnectResult {
	if b.connector == nil {
		return ConnectResult{Message: fmt.Sprintf("connect: %v", ErrNotSupported)}
	}
	client, err := b.connector.Connect(ctx, creds)
	if err != nil {
		return ConnectResult{Message: err.Error()}
	}
	b.client.Store(client)
	return ConnectResult{Success: true, Message: "connected", Client: client}
}

// DiscoverSDKClasses lists the vendor classes seen at runtime.
func (b *AudioBridge) DiscoverSDKClasses(ctx context.Context) []string {
	if b.discoverer == nil {
		return []string{"error: " + ErrNotSupported.Error()}
	}
	return b.discoverer.DiscoverSDKClasses(ctx)
}

// RunDiagnostics reports the vendor symbols present in the binary.
func (b *AudioBridge) RunDiagnostics() DiagnosticsReport {
	return RunDiagnostics(b.symbols)
}

// VerifyChannelStatus probes both P2P channels of client, or of the bridge's
// own client when zero.
func (b *AudioBridge) VerifyChannelStatus(ctx context.Context, client uintptr) ChannelStatusReport {
	if client == 0 {
		client = b.client.Load()
	}
	if b.channels == nil {
		return ChannelStatusReport{Conclusion: "channel client unavailable: " + ErrNotSupported.Error()}
	}
	return VerifyChannelStatus(ctx, b.channels, client, b.cfg.Reader.BufferSize, b.cfg.Reader.ReadTimeout)
}

// ProbeAudioCGI sends the configured audio enable commands to the camera.
func (b *AudioBridge) ProbeAudioCGI(ctx context.Context) []CGIResult {
	if b.cgi == nil {
		return []CGIResult{{Status: ChannelCodeNotConnected, Error: ErrNotSupported.Error()}}
	}
	return b.cgi.ProbeAudioCGI(ctx, b.client.Load(), b.cfg.CGICommands)
}

// SetStrategy selects the strategy used by the next StartAudio.
func (b *AudioBridge) SetStrategy(name string) error {
	s, ok := b.strategies[name]
	if !ok {
		return fmt.Errorf("unknown strategy %q", name)
	}
	return b.negotiator.SetStrategy(s)
}

// Strategies lists the registered strategies, sorted by name.
func (b *AudioBridge) Strategies() []StrategyInfo {
	selected := b.negotiator.Strategy().Name()
	outcomes := b.negotiator.Outcomes()
	out := make([]StrategyInfo, 0, len(b.strategies))
	for name, s := range b.strategies {
		info := StrategyInfo{Name: name, Description: s.Description(), Selected: name == selected}
		if o, ok := outcomes[name]; ok {
			info.LastOutcome = o.String()
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Negotiator returns the strategy negotiator.
func (b *AudioBridge) Negotiator() *Negotiator { return b.negotiator }

// SelfTest exercises the render tap on a locally created unit.
func (b *AudioBridge) SelfTest() Result {
	if b.tap == nil {
		return errResult(fmt.Errorf("self test: %w", ErrNotSupported))
	}
	if err := b.tap.SelfTest(); err != nil {
		return errResult(err)
	}
	return okResult("render tap self test passed")
}

func (b *AudioBridge) tapFrames() uint64 {
	if b.tap == nil {
		return 0
	}
	return b.tap.CapturedFrameCount()
}

func (b *AudioBridge) channelStats() (ChannelReaderStats, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.source.(*ChannelReader); ok {
		return r.Stats(), true
	}
	return ChannelReaderStats{}, false
}

func (b *AudioBridge) voiceBufferStats() (VoiceBufferStats, bool) {
	if b.voiceBuf == nil || !b.voiceBuf.Available() {
		return VoiceBufferStats{}, false
	}
	return b.voiceBuf.Stats(), true
}

func (b *AudioBridge) playbackStats() (PlaybackStats, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.playback == nil {
		return PlaybackStats{}, false
	}
	return b.playback.Stats(), true
}

// Statistics returns a snapshot of every component.
func (b *AudioBridge) Statistics() BridgeStats {
	s := BridgeStats{
		Muted:            b.muted.Load(),
		Topology:         TopologyUnknown.String(),
		Strategy:         b.negotiator.Strategy().Name(),
		State:            b.negotiator.State().String(),
		Ring:             b.ring.Stats(),
		InterceptorCalls: b.interceptor.Calls(),
		Attempts:         b.negotiator.Attempts(),
	}
	if b.tap != nil {
		s.TapInstalled = b.tap.Installed()
		s.TapFrames = b.tap.CapturedFrameCount()
		s.TapCallbacks = b.tap.Callbacks()
	}
	if cs, ok := b.channelStats(); ok {
		s.Channel = &cs
	}
	if ps, ok := b.playbackStats(); ok {
		s.Playback = &ps
	}
	if vs, ok := b.voiceBufferStats(); ok {
		s.VoiceBuffer = &vs
	}

	b.mu.Lock()
	s.Running = b.running
	if b.source != nil {
		s.Topology = b.source.Topology().String()
	}
	if b.captureErr != nil {
		s.CaptureError = b.captureErr.Error()
	}
	b.mu.Unlock()
	return s
}

// StatisticsDescription renders Statistics as human readable lines.
func (b *AudioBridge) StatisticsDescription() string {
	s := b.Statistics()
	var sb strings.Builder
	fmt.Fprintf(&sb, "running: %t (topology %s, strategy %s, state %s)\n", s.Running, s.Topology, s.Strategy, s.State)
	fmt.Fprintf(&sb, "muted: %t\n", s.Muted)
	fmt.Fprintf(&sb, "ring: %s\n", s.Ring)
	fmt.Fprintf(&sb, "tap: installed=%t frames=%d callbacks=%d\n", s.TapInstalled, s.TapFrames, s.TapCallbacks)
	fmt.Fprintf(&sb, "interceptor: calls=%d\n", s.InterceptorCalls)
	if s.Channel != nil {
		c := s.Channel
		fmt.Fprintf(&sb, "channel: reads=%d bytes=%d timeouts=%d errors=%d silent=%d sink_errors=%d last=%s\n",
			c.Reads, c.BytesRead, c.Timeouts, c.Errors, c.SilentPayloads, c.SinkErrors, ChannelCodeString(c.LastCode))
	}
	if s.Playback != nil {
		fmt.Fprintf(&sb, "playback: reads=%d frames=%d fill=%.2f\n", s.Playback.Reads, s.Playback.RenderedFrames, s.Playback.RingFill)
	}
	if s.VoiceBuffer != nil {
		fmt.Fprintf(&sb, "voice buffer: ptr=%#x changes=%d\n", s.VoiceBuffer.Pointer, s.VoiceBuffer.Changes)
	}
	if s.CaptureError != "" {
		fmt.Fprintf(&sb, "capture ended: %s\n", s.CaptureError)
	}
	for _, a := range s.Attempts {
		line := fmt.Sprintf("attempt %s: %s -> %s", a.ID.String()[:8], a.Strategy, a.Outcome)
		if a.Error != "" {
			line += " (" + a.Error + ")"
		}
		sb.WriteString(line + "\n")
	}
	return sb.String()
}

// Close stops audio if it is running.
func (b *AudioBridge) Close() error {
	if r := b.StopAudio(context.Background()); !r.Success {
		return errors.New(r.Message)
	}
	return nil
}
