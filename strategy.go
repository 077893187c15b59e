package camaudio

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Strategy is one way of preparing the platform audio session before the
// vendor start call.
type Strategy interface {
	Name() string
	Description() string
	Prepare(ctx context.Context) error
	Cleanup()
}

// SessionConfig is a platform audio session configuration.
type SessionConfig struct {
	Category         string        `mapstructure:"category" json:"category"`
	Mode             string        `mapstructure:"mode" json:"mode"`
	Options          []string      `mapstructure:"options" json:"options,omitempty"`
	SampleRate       float64       `mapstructure:"sample_rate" json:"sampleRate"`
	IOBufferDuration time.Duration `mapstructure:"io_buffer_duration" json:"ioBufferDuration"`
}

// DefaultSessionConfig is a voice-chat configuration at the vendor rate.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Category:         "playAndRecord",
		Mode:             "voiceChat",
		Options:          []string{"defaultToSpeaker", "allowBluetooth"},
		SampleRate:       DefaultVendorSampleRate,
		IOBufferDuration: 20 * time.Millisecond,
	}
}

// Equal reports whether two configurations are identical.
func (c SessionConfig) Equal(o SessionConfig) bool {
	return reflect.DeepEqual(c, o)
}

// SessionConfigurator applies audio session configurations.
type SessionConfigurator interface {
	Configure(ctx context.Context, cfg SessionConfig) error
	Current() SessionConfig
}

// MemorySession is a SessionConfigurator that only records configurations.
// Hosts without a platform session use it.
type MemorySession struct {
	mu      sync.Mutex
	current SessionConfig
	history []SessionConfig
}

// Configure records cfg.
func (s *MemorySession) Configure(ctx context.Context, cfg SessionConfig) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = cfg
	s.history = append(s.history, cfg)
	return nil
}

// Current returns the last configuration.
func (s *MemorySession) Current() SessionConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// History returns every configuration applied.
func (s *MemorySession) History() []SessionConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SessionConfig(nil), s.history...)
}

// SessionGuard pins a session configuration. While locked, every
// configuration other than the pinned one is refused with ErrSessionLocked.
type SessionGuard struct {
	inner  SessionConfigurator
	logger zerolog.Logger

	mu      sync.Mutex
	locked  bool
	pinned  SessionConfig
	refused uint64
}

// NewSessionGuard wraps inner.
func NewSessionGuard(inner SessionConfigurator, logger *zerolog.Logger) *SessionGuard {
	return &SessionGuard{inner: inner, logger: componentLogger(logger, "session-guard")}
}

// Lock applies cfg and pins it.
func (g *SessionGuard) Lock(ctx context.Context, cfg SessionConfig) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.locked && !g.pinned.Equal(cfg) {
		return fmt.Errorf("lock %s/%s: %w", cfg.Category, cfg.Mode, ErrSessionLocked)
	}
	if err := g.inner.Configure(ctx, cfg); err != nil {
		return fmt.Errorf("apply pinned session: %w", err)
	}
	g.locked = true
	g.pinned = cfg
	g.logger.Info().Str("category", cfg.Category).Str("mode", cfg.Mode).Msg("session configuration pinned")
	return nil
}

// Unlock releases the pin.
func (g *SessionGuard) Unlock() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.locked {
		g.logger.Info().Uint64("refused", g.refused).Msg("session configuration released")
	}
	g.locked = false
}

// Locked reports whether a configuration is pinned.
func (g *SessionGuard) Locked() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.locked
}

// Configure implements SessionConfigurator. Re-applying the pinned
// configuration is allowed.
func (g *SessionGuard) Configure(ctx context.Context, cfg SessionConfig) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.locked && !g.pinned.Equal(cfg) {
		g.refused++
		g.logger.Warn().Str("category", cfg.Category).Str("mode", cfg.Mode).Msg("reconfiguration refused while locked")
		return ErrSessionLocked
	}
	return g.inner.Configure(ctx, cfg)
}

// Current implements SessionConfigurator.
func (g *SessionGuard) Current() SessionConfig {
	return g.inner.Current()
}

// BaselineStrategy leaves the session alone.
type BaselineStrategy struct{}

func (BaselineStrategy) Name() string { return "baseline" }
func (BaselineStrategy) Description() string {
	return "call the vendor start path with no session preparation"
}
func (BaselineStrategy) Prepare(context.Context) error { return nil }
func (BaselineStrategy) Cleanup()                      {}

// PreInitializeStrategy configures the session before the vendor brings up
// its audio engine.
type PreInitializeStrategy struct {
	Session SessionConfigurator
	Config  SessionConfig
}

func (s *PreInitializeStrategy) Name() string { return "pre-initialize" }
func (s *PreInitializeStrategy) Description() string {
	return fmt.Sprintf("configure session %s/%s at %.0f Hz before vendor start", s.Config.Category, s.Config.Mode, s.Config.SampleRate)
}

func (s *PreInitializeStrategy) Prepare(ctx context.Context) error {
	if s.Session == nil {
		return fmt.Errorf("pre-initialize: no session: %w", ErrNotSupported)
	}
	return s.Session.Configure(ctx, s.Config)
}

func (s *PreInitializeStrategy) Cleanup() {}

// InterceptedStrategy installs method interception and the render tap before
// the vendor start call, so the vendor's own unit is observed from its first
// render.
type InterceptedStrategy struct {
	Source      CaptureSource // tap topology source
	Interceptor *MethodInterceptor
}

func (s *InterceptedStrategy) Name() string { return "intercepted" }
func (s *InterceptedStrategy) Description() string {
	return "hook the vendor player and tap its audio unit before vendor start"
}

func (s *InterceptedStrategy) Prepare(ctx context.Context) error {
	if s.Source == nil {
		return fmt.Errorf("intercepted: no tap source: %w", ErrNotSupported)
	}
	return s.Source.Start(ctx)
}

func (s *InterceptedStrategy) Cleanup() {
	if s.Source != nil {
		_ = s.Source.Stop()
	}
	if s.Interceptor != nil {
		_ = s.Interceptor.Remove()
	}
}

// LockedSessionStrategy pins one configuration and refuses every other
// reconfiguration until cleanup.
type LockedSessionStrategy struct {
	Guard  *SessionGuard
	Config SessionConfig
}

func (s *LockedSessionStrategy) Name() string { return "locked-session" }
func (s *LockedSessionStrategy) Description() string {
	return fmt.Sprintf("pin session %s/%s and refuse reconfiguration", s.Config.Category, s.Config.Mode)
}

func (s *LockedSessionStrategy) Prepare(ctx context.Context) error {
	if s.Guard == nil {
		return fmt.Errorf("locked-session: no guard: %w", ErrNotSupported)
	}
	return s.Guard.Lock(ctx, s.Config)
}

func (s *LockedSessionStrategy) Cleanup() {
	if s.Guard != nil {
		s.Guard.Unlock()
	}
}
