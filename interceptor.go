package camaudio

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// MethodHooker replaces instance method implementations at runtime.
type MethodHooker interface {
	// Hook replaces class/selector with a wrapper that calls the original
	// implementation and then onCall with the receiver. onCall runs on the
	// caller's thread and must not block. The returned restore function
	// reinstates the original implementation.
	Hook(class, selector string, onCall func(receiver uintptr)) (restore func() error, err error)
}

// AudioUnitRef is an opaque platform audio unit handle.
type AudioUnitRef uintptr

// InterceptorState is the install state of a MethodInterceptor.
type InterceptorState int32

const (
	InterceptorUninstalled InterceptorState = iota
	InterceptorInstalled
)

func (s InterceptorState) String() string {
	if s == InterceptorInstalled {
		return "installed"
	}
	return "uninstalled"
}

// InterceptorConfig names the selectors to wrap and the ivar holding the
// player's audio unit.
type InterceptorConfig struct {
	Selectors []string
	UnitIvar  string
}

// DefaultInterceptorConfig returns the vendor player's start/stop/mute
// selectors.
func DefaultInterceptorConfig() InterceptorConfig {
	return InterceptorConfig{
		Selectors: []string{"startVoice", "stopVoice", "setMute:"},
		UnitIvar:  "audioUnit",
	}
}

// InterceptionToken describes an active interception. Remove undoes it.
type InterceptionToken struct {
	Class     string
	Selectors []string

	m *MethodInterceptor
}

// Remove restores the original implementations.
func (t *InterceptionToken) Remove() error {
	if t == nil || t.m == nil {
		return ErrNotInstalled
	}
	return t.m.Remove()
}

// MethodInterceptor wraps selected vendor player methods to capture the live
// player instance without changing behavior.
type MethodInterceptor struct {
	hooker MethodHooker
	rt     ObjCRuntime
	cfg    InterceptorConfig
	logger zerolog.Logger

	mu       sync.Mutex
	player   PlayerType
	restores []func() error
	hooked   []string

	// captureMu orders capture against Remove so a late trampoline call
	// cannot resurrect the instance Remove forgot.
	captureMu sync.Mutex
	state     atomic.Int32
	instance  atomic.Uintptr
	calls     atomic.Uint64
}

// NewMethodInterceptor creates an uninstalled interceptor. rt may be nil when
// audio unit lookups are not needed.
func NewMethodInterceptor(hooker MethodHooker, rt ObjCRuntime, cfg InterceptorConfig, logger *zerolog.Logger) *MethodInterceptor {
	def := DefaultInterceptorConfig()
	if len(cfg.Selectors) == 0 {
		cfg.Selectors = def.Selectors
	}
	if cfg.UnitIvar == "" {
		cfg.UnitIvar = def.UnitIvar
	}
	return &MethodInterceptor{
		hooker: hooker,
		rt:     rt,
		cfg:    cfg,
		logger: componentLogger(logger, "interceptor"),
	}
}

// SetPlayer records the player type Install will hook.
func (m *MethodInterceptor) SetPlayer(p PlayerType) {
	m.mu.Lock()
	m.player = p
	m.mu.Unlock()
}

// Install hooks the configured selectors on the recorded player type. It
// returns true when at least one selector is hooked. Installing twice is a
// no-op that logs a warning and returns true.
func (m *MethodInterceptor) Install() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.installLocked() == nil
}

// Intercept records p and installs, returning a token for removal.
func (m *MethodInterceptor) Intercept(p PlayerType) (*InterceptionToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.State() == InterceptorUninstalled {
		m.player = p
	}
	if err := m.installLocked(); err != nil {
		return nil, err
	}
	return &InterceptionToken{
		Class:     m.player.Class,
		Selectors: append([]string(nil), m.hooked...),
		m:         m,
	}, nil
}

func (m *MethodInterceptor) installLocked() error {
	if m.State() == InterceptorInstalled {
		m.logger.Warn().Str("class", m.player.Class).Msg("interception already installed")
		return nil
	}
	if m.hooker == nil {
		return fmt.Errorf("method interception: %w", ErrNotSupported)
	}
	class := m.player.Class
	if class == "" {
		m.logger.Warn().Msg("no player type discovered; nothing to hook")
		return fmt.Errorf("method interception: %w", ErrDiscoveryFailed)
	}

	for _, sel := range m.cfg.Selectors {
		if m.rt != nil && !m.rt.RespondsTo(class, sel) {
			m.logger.Warn().Str("class", class).Str("selector", sel).Msg("selector not implemented; skipping")
			continue
		}
		restore, err := m.hooker.Hook(class, sel, m.capture)
		if err != nil {
			m.logger.Warn().Err(err).Str("class", class).Str("selector", sel).Msg("hook failed")
			continue
		}
		m.restores = append(m.restores, restore)
		m.hooked = append(m.hooked, sel)
	}

	if len(m.hooked) == 0 {
		m.logger.Error().Str("class", class).Msg("no selector could be hooked")
		return fmt.Errorf("method interception of %s: %w", class, ErrNotSupported)
	}
	m.state.Store(int32(InterceptorInstalled))
	m.logger.Info().Str("class", class).Strs("selectors", m.hooked).Msg("interception installed")
	return nil
}

// capture runs on the vendor's thread after the original implementation.
func (m *MethodInterceptor) capture(receiver uintptr) {
	m.calls.Add(1)
	if receiver == 0 {
		return
	}
	m.captureMu.Lock()
	if m.State() == InterceptorInstalled {
		m.instance.Store(receiver)
	}
	m.captureMu.Unlock()
}

// Remove restores every hooked selector and forgets the captured instance.
// Safe to call repeatedly; removing when nothing is installed returns
// ErrNotInstalled.
func (m *MethodInterceptor) Remove() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.State() == InterceptorUninstalled {
		return ErrNotInstalled
	}

	m.captureMu.Lock()
	m.state.Store(int32(InterceptorUninstalled))
	m.instance.Store(0)
	m.captureMu.Unlock()

	for i := len(m.restores) - 1; i >= 0; i-- {
		if err := m.restores[i](); err != nil {
			m.logger.Error().Err(err).Str("selector", m.hooked[i]).Msg("restore failed")
		}
	}
	m.restores = nil
	m.hooked = nil
	m.logger.Info().Str("class", m.player.Class).Msg("interception removed")
	return nil
}

// State returns the current install state.
func (m *MethodInterceptor) State() InterceptorState {
	return InterceptorState(m.state.Load())
}

// Installed reports whether interception is active.
func (m *MethodInterceptor) Installed() bool {
	return m.State() == InterceptorInstalled
}

// Instance returns the most recently captured player instance.
func (m *MethodInterceptor) Instance() (uintptr, bool) {
	p := m.instance.Load()
	return p, p != 0
}

// Calls returns how many hooked invocations were observed.
func (m *MethodInterceptor) Calls() uint64 { return m.calls.Load() }

// HookedSelectors returns the selectors currently wrapped.
func (m *MethodInterceptor) HookedSelectors() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.hooked...)
}

// AudioUnit reads the audio unit ivar from the captured player instance.
func (m *MethodInterceptor) AudioUnit() (AudioUnitRef, error) {
	inst, ok := m.Instance()
	if !ok {
		return 0, ErrNoPlayerInstance
	}
	if m.rt == nil {
		return 0, fmt.Errorf("read %s: %w", m.cfg.UnitIvar, ErrNotSupported)
	}
	p, err := m.rt.ReadIvarPointer(inst, m.cfg.UnitIvar)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", m.cfg.UnitIvar, err)
	}
	if p == 0 {
		return 0, fmt.Errorf("player %#x has no %s yet", inst, m.cfg.UnitIvar)
	}
	return AudioUnitRef(p), nil
}
