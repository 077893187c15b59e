package camaudio

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionGuard_RefusesWhileLocked(t *testing.T) {
	inner := &MemorySession{}
	g := NewSessionGuard(inner, nil)
	ctx := context.Background()

	pinned := DefaultSessionConfig()
	other := pinned
	other.Mode = "default"

	require.NoError(t, g.Configure(ctx, other))
	require.NoError(t, g.Lock(ctx, pinned))
	assert.True(t, g.Locked())

	assert.ErrorIs(t, g.Configure(ctx, other), ErrSessionLocked)
	assert.NoError(t, g.Configure(ctx, pinned))
	assert.ErrorIs(t, g.Lock(ctx, other), ErrSessionLocked)
	assert.True(t, g.Current().Equal(pinned))

	g.Unlock()
	assert.False(t, g.Locked())
	assert.NoError(t, g.Configure(ctx, other))
	assert.Len(t, inner.History(), 4)
}

func TestStrategies_PrepareAndCleanup(t *testing.T) {
	ctx := context.Background()

	t.Run("baseline", func(t *testing.T) {
		s := BaselineStrategy{}
		assert.Equal(t, "baseline", s.Name())
		assert.NoError(t, s.Prepare(ctx))
		s.Cleanup()
	})

	t.Run("pre-initialize", func(t *testing.T) {
		session := &MemorySession{}
		s := &PreInitializeStrategy{Session: session, Config: DefaultSessionConfig()}
		require.NoError(t, s.Prepare(ctx))
		assert.Equal(t, "voiceChat", session.Current().Mode)
		assert.Contains(t, s.Description(), "16000 Hz")

		assert.ErrorIs(t, (&PreInitializeStrategy{}).Prepare(ctx), ErrNotSupported)
	})

	t.Run("locked-session", func(t *testing.T) {
		g := NewSessionGuard(&MemorySession{}, nil)
		s := &LockedSessionStrategy{Guard: g, Config: DefaultSessionConfig()}
		require.NoError(t, s.Prepare(ctx))
		assert.ErrorIs(t, g.Configure(ctx, SessionConfig{Category: "ambient"}), ErrSessionLocked)
		s.Cleanup()
		assert.NoError(t, g.Configure(ctx, SessionConfig{Category: "ambient"}))
	})

	t.Run("intercepted", func(t *testing.T) {
		rt := vendorRuntime()
		env := &CaptureEnv{
			Ring:        NewSampleRing(16),
			Discoverer:  NewDiscoverer(rt, DiscoveryConfig{}, nil),
			Interceptor: NewMethodInterceptor(rt, rt, InterceptorConfig{}, nil),
		}
		env.Tap = NewRenderTap(newFakeUnitHost(), env.Ring, nil)
		src, err := CreateCaptureSource(TopologyTap, env)
		require.NoError(t, err)

		s := &InterceptedStrategy{Source: src, Interceptor: env.Interceptor}
		require.NoError(t, s.Prepare(ctx))
		assert.True(t, env.Interceptor.Installed())
		s.Cleanup()
		assert.False(t, env.Interceptor.Installed())
	})
}

// recordingStrategy counts lifecycle calls.
type recordingStrategy struct {
	name     string
	prepErr  error
	prepares int
	cleanups int
}

func (s *recordingStrategy) Name() string { return s.name }
func (s *recordingStrategy) Description() string { return "test strategy " + s.name }
func (s *recordingStrategy) Prepare(context.Context) error { s.prepares++; return s.prepErr }
func (s *recordingStrategy) Cleanup() { s.cleanups++ }

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to StrategyState
		want     bool
	}{
		{StateIdle, StatePreparing, true},
		{StatePreparing, StateActive, true},
		{StatePreparing, StateFailed, true},
		{StateActive, StateStopped, true},
		{StateFailed, StatePreparing, true},
		{StateStopped, StatePreparing, true},
		{StateActive, StatePreparing, false},
		{StateIdle, StateActive, false},
		{StateActive, StateFailed, true},
		{StateIdle, StateFailed, false},
		{StateStopped, StateActive, false},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestNegotiator_Lifecycle(t *testing.T) {
	s := &recordingStrategy{name: "rec"}
	n := NewNegotiator(s, nil)

	var seen []string
	n.OnTransition(func(name string, from, to StrategyState) {
		seen = append(seen, from.String()+">"+to.String())
	})

	require.NoError(t, n.Run(context.Background(), func(context.Context) error { return nil }))
	assert.Equal(t, StateActive, n.State())

	// active -> preparing is never allowed.
	assert.ErrorIs(t, n.Prepare(context.Background()), ErrInvalidTransition)
	assert.ErrorIs(t, n.SetStrategy(BaselineStrategy{}), ErrInvalidTransition)

	n.Stop()
	n.Stop()
	assert.Equal(t, StateStopped, n.State())
	assert.Equal(t, 1, s.cleanups)
	assert.Equal(t, []string{"idle>preparing", "preparing>active", "active>stopped"}, seen)

	attempts := n.Attempts()
	require.Len(t, attempts, 1)
	assert.Equal(t, "rec", attempts[0].Strategy)
	assert.Equal(t, StateActive, attempts[0].Outcome)
	assert.NotEqual(t, attempts[0].ID.String(), "00000000-0000-0000-0000-000000000000")
	assert.False(t, attempts[0].Finished.IsZero())
}

func TestNegotiator_PrepareFailureAllowsRetry(t *testing.T) {
	s := &recordingStrategy{name: "flaky", prepErr: errors.New("route busy")}
	n := NewNegotiator(s, nil)

	err := n.Prepare(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateFailed, n.State())
	assert.Equal(t, 1, s.cleanups)

	s.prepErr = nil
	require.NoError(t, n.Run(context.Background(), func(context.Context) error { return nil }))
	assert.Equal(t, StateActive, n.State())
	assert.Len(t, n.Attempts(), 2)
	assert.Equal(t, StateActive, n.Outcomes()["flaky"])
}

func TestNegotiator_FormatRejectionNotRetried(t *testing.T) {
	first := &recordingStrategy{name: "first"}
	n := NewNegotiator(first, nil)

	startErr := &FormatNegotiationError{Status: -50}
	err := n.Run(context.Background(), func(context.Context) error { return startErr })
	var fmtErr *FormatNegotiationError
	require.ErrorAs(t, err, &fmtErr)
	assert.Equal(t, "first", fmtErr.Strategy)
	assert.Equal(t, StateFailed, n.State())

	// Same strategy: refused without calling Prepare again.
	err = n.Prepare(context.Background())
	require.ErrorAs(t, err, &fmtErr)
	assert.Equal(t, 1, first.prepares)
	assert.Equal(t, StateFailed, n.State())

	// The negotiator never switches by itself; an explicit switch works.
	assert.Same(t, first, n.Strategy())
	second := &recordingStrategy{name: "second"}
	require.NoError(t, n.SetStrategy(second))
	require.NoError(t, n.Run(context.Background(), func(context.Context) error { return nil }))

	attempts := n.Attempts()
	require.Len(t, attempts, 3)
	assert.True(t, attempts[0].Rejected)
	assert.Equal(t, int32(-50), attempts[0].Status)
	assert.False(t, attempts[0].Retryable)
	assert.Equal(t, StateActive, attempts[2].Outcome)
}

func TestNegotiator_ExplicitSelectClearsRejection(t *testing.T) {
	s := &recordingStrategy{name: "rec"}
	n := NewNegotiator(s, nil)

	err := n.Run(context.Background(), func(context.Context) error { return &FormatNegotiationError{Status: -50} })
	require.Error(t, err)
	assert.ErrorContains(t, n.Prepare(context.Background()), "not retried")

	require.NoError(t, n.SetStrategy(s))
	require.NoError(t, n.Run(context.Background(), func(context.Context) error { return nil }))
	assert.Equal(t, StateActive, n.State())
	assert.Equal(t, 2, s.prepares)
}

func TestNegotiator_FailActiveAttempt(t *testing.T) {
	s := &recordingStrategy{name: "rec"}
	n := NewNegotiator(s, nil)

	assert.ErrorIs(t, n.Fail(errors.New("early")), ErrInvalidTransition)
	require.NoError(t, n.Run(context.Background(), func(context.Context) error { return nil }))

	require.NoError(t, n.Fail(errors.New("reader died")))
	assert.Equal(t, StateFailed, n.State())
	assert.Equal(t, 1, s.cleanups)
	assert.Equal(t, StateFailed, n.Outcomes()["rec"])

	attempts := n.Attempts()
	require.Len(t, attempts, 1)
	assert.Equal(t, "reader died", attempts[0].Error)
	assert.False(t, attempts[0].Finished.IsZero())

	// A failed attempt can be retried.
	require.NoError(t, n.Prepare(context.Background()))
}

func TestNegotiator_ActivateWithoutPrepare(t *testing.T) {
	n := NewNegotiator(nil, nil)
	assert.Equal(t, "baseline", n.Strategy().Name())
	assert.ErrorIs(t, n.Activate(nil), ErrInvalidTransition)
	assert.Error(t, n.SetStrategy(nil))
}
