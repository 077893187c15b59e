package camaudio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// StrategyState is the lifecycle state of the current strategy.
type StrategyState int32

const (
	StateIdle StrategyState = iota
	StatePreparing
	StateActive
	StateStopped
	StateFailed
)

func (s StrategyState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePreparing:
		return "preparing"
	case StateActive:
		return "active"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to StrategyState) bool {
	switch to {
	case StatePreparing:
		return from == StateIdle || from == StateStopped || from == StateFailed
	case StateActive:
		return from == StatePreparing
	case StateStopped:
		return from == StatePreparing || from == StateActive
	case StateFailed:
		return from == StatePreparing || from == StateActive
	default:
		return false
	}
}

// Attempt records one prepare/start cycle of a strategy.
type Attempt struct {
	ID        uuid.UUID     `json:"id"`
	Strategy  string        `json:"strategy"`
	Started   time.Time     `json:"started"`
	Finished  time.Time     `json:"finished,omitzero"`
	Outcome   StrategyState `json:"outcome"`
	Error     string        `json:"error,omitempty"`
	Status    int32         `json:"status,omitempty"` // vendor status on format rejection
	Rejected  bool          `json:"rejected,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
	Retryable bool          `json:"retryable"`
}

// TransitionFunc observes state changes.
type TransitionFunc func(strategy string, from, to StrategyState)

// Negotiator drives one strategy through its lifecycle and keeps the
// outcome of every attempt. It never changes strategy on its own.
type Negotiator struct {
	logger zerolog.Logger

	mu       sync.Mutex
	strategy Strategy
	state    StrategyState
	current  *Attempt
	attempts []Attempt
	rejected map[string]*FormatNegotiationError
	observer TransitionFunc
}

// NewNegotiator creates an idle negotiator. A nil strategy selects
// BaselineStrategy.
func NewNegotiator(s Strategy, logger *zerolog.Logger) *Negotiator {
	if s == nil {
		s = BaselineStrategy{}
	}
	return &Negotiator{
		logger:   componentLogger(logger, "negotiator"),
		strategy: s,
		rejected: make(map[string]*FormatNegotiationError),
	}
}

// OnTransition installs an observer called after every state change.
func (n *Negotiator) OnTransition(fn TransitionFunc) {
	n.mu.Lock()
	n.observer = fn
	n.mu.Unlock()
}

// State returns the current state.
func (n *Negotiator) State() StrategyState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Strategy returns the selected strategy.
func (n *Negotiator) Strategy() Strategy {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.strategy
}

// SetStrategy selects s for the next attempt. Refused while an attempt is
// preparing or active. Selecting a strategy explicitly forgives an earlier
// format rejection of it.
func (n *Negotiator) SetStrategy(s Strategy) error {
	if s == nil {
		return errors.New("nil strategy")
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state == StatePreparing || n.state == StateActive {
		return fmt.Errorf("switch to %s while %s: %w", s.Name(), n.state, ErrInvalidTransition)
	}
	if _, ok := n.rejected[s.Name()]; ok {
		delete(n.rejected, s.Name())
		n.logger.Info().Str("strategy", s.Name()).Msg("format rejection cleared")
	}
	n.logger.Info().Str("from", n.strategy.Name()).Str("to", s.Name()).Msg("strategy selected")
	n.strategy = s
	return nil
}

func (n *Negotiator) transitionLocked(to StrategyState) error {
	from := n.state
	if !CanTransition(from, to) {
		return fmt.Errorf("%s -> %s: %w", from, to, ErrInvalidTransition)
	}
	n.state = to
	n.logger.Debug().Str("strategy", n.strategy.Name()).Stringer("from", from).Stringer("to", to).Msg("state change")
	if n.observer != nil {
		n.observer(n.strategy.Name(), from, to)
	}
	return nil
}

// Prepare starts a new attempt with the selected strategy. A strategy whose
// format was rejected by the vendor is not retried; its recorded error is
// returned instead.
func (n *Negotiator) Prepare(ctx context.Context) error {
	n.mu.Lock()
	if err := n.transitionLocked(StatePreparing); err != nil {
		n.mu.Unlock()
		return err
	}
	s := n.strategy
	n.current = &Attempt{ID: uuid.New(), Strategy: s.Name(), Started: time.Now(), Outcome: StatePreparing}

	if rej, ok := n.rejected[s.Name()]; ok {
		n.finishLocked(StateFailed, rej)
		n.mu.Unlock()
		return fmt.Errorf("strategy %s not retried: %w", s.Name(), rej)
	}
	n.mu.Unlock()

	n.logger.Info().Str("strategy", s.Name()).Msg("preparing")
	err := s.Prepare(ctx)

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state != StatePreparing {
		// Stopped while preparing.
		return fmt.Errorf("prepare %s: stopped", s.Name())
	}
	if err != nil {
		s.Cleanup()
		n.finishLocked(StateFailed, err)
		n.logger.Warn().Err(err).Str("strategy", s.Name()).Msg("prepare failed")
		return fmt.Errorf("prepare %s: %w", s.Name(), err)
	}
	return nil
}

// Activate completes the attempt with the result of the vendor start call.
// A FormatNegotiationError is recorded against the strategy.
func (n *Negotiator) Activate(startErr error) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state != StatePreparing {
		return fmt.Errorf("activate while %s: %w", n.state, ErrInvalidTransition)
	}
	s := n.strategy
	if startErr == nil {
		n.finishLocked(StateActive, nil)
		n.logger.Info().Str("strategy", s.Name()).Msg("audio active")
		return nil
	}

	var fmtErr *FormatNegotiationError
	if errors.As(startErr, &fmtErr) {
		if fmtErr.Strategy == "" {
			fmtErr.Strategy = s.Name()
		}
		n.rejected[s.Name()] = fmtErr
	}
	s.Cleanup()
	n.finishLocked(StateFailed, startErr)
	n.logger.Warn().Err(startErr).Str("strategy", s.Name()).Msg("vendor start failed")
	return startErr
}

// Fail ends an active attempt whose capture died after the vendor started.
// The strategy is cleaned up and the attempt records err.
func (n *Negotiator) Fail(err error) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state != StateActive {
		return fmt.Errorf("fail while %s: %w", n.state, ErrInvalidTransition)
	}
	n.strategy.Cleanup()
	if terr := n.transitionLocked(StateFailed); terr != nil {
		return terr
	}
	if len(n.attempts) > 0 {
		last := &n.attempts[len(n.attempts)-1]
		if last.Outcome == StateActive {
			last.Outcome = StateFailed
			last.Finished = time.Now()
			last.Duration = last.Finished.Sub(last.Started)
			if err != nil {
				last.Error = err.Error()
			}
		}
	}
	n.logger.Warn().Err(err).Str("strategy", n.strategy.Name()).Msg("active attempt failed")
	return nil
}

// Run prepares, calls start and activates.
func (n *Negotiator) Run(ctx context.Context, start func(ctx context.Context) error) error {
	if err := n.Prepare(ctx); err != nil {
		return err
	}
	return n.Activate(start(ctx))
}

// Stop cleans up the strategy and moves to stopped. Stopping when nothing is
// preparing or active is a no-op.
func (n *Negotiator) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state != StatePreparing && n.state != StateActive {
		return
	}
	wasActive := n.state == StateActive
	n.strategy.Cleanup()
	_ = n.transitionLocked(StateStopped)
	if !wasActive && n.current != nil {
		n.finishLocked(StateStopped, nil)
	} else if len(n.attempts) > 0 {
		last := &n.attempts[len(n.attempts)-1]
		if last.Outcome == StateActive {
			last.Finished = time.Now()
			last.Duration = last.Finished.Sub(last.Started)
		}
	}
}

// finishLocked closes the current attempt with outcome and, when it is a
// state change, transitions to it.
func (n *Negotiator) finishLocked(outcome StrategyState, err error) {
	if n.state != outcome {
		_ = n.transitionLocked(outcome)
	}
	a := n.current
	if a == nil {
		return
	}
	a.Outcome = outcome
	if outcome != StateActive {
		a.Finished = time.Now()
		a.Duration = a.Finished.Sub(a.Started)
	}
	a.Retryable = true
	if err != nil {
		a.Error = err.Error()
		var fmtErr *FormatNegotiationError
		if errors.As(err, &fmtErr) {
			a.Rejected = true
			a.Status = fmtErr.Status
			a.Retryable = false
		}
	}
	n.attempts = append(n.attempts, *a)
	n.current = nil
}

// Attempts returns the attempt history, oldest first.
func (n *Negotiator) Attempts() []Attempt {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Attempt(nil), n.attempts...)
}

// Outcomes summarizes the last outcome per strategy name.
func (n *Negotiator) Outcomes() map[string]StrategyState {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make(map[string]StrategyState, len(n.attempts))
	for _, a := range n.attempts {
		out[a.Strategy] = a.Outcome
	}
	return out
}
