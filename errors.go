package camaudio

import (
	"errors"
	"fmt"
)

var (
	// ErrNotSupported is returned when a platform adapter is not available
	// on the running OS.
	ErrNotSupported = errors.New("operation not supported")

	// ErrDiscoveryFailed means the vendor player type or instance could not be
	// found. Recoverable: the bridge falls back to the voice channel reader.
	ErrDiscoveryFailed = errors.New("vendor player discovery failed")

	ErrSymbolNotFound       = errors.New("symbol not found")
	ErrKnownCrash           = errors.New("call shape previously crashed the process")
	ErrExperimentalDisabled = errors.New("experimental native call disabled")
	ErrAlreadyAttempted     = errors.New("call shape already attempted this run")

	ErrSessionLocked     = errors.New("audio session configuration is locked")
	ErrInvalidTransition = errors.New("invalid strategy state transition")
	ErrNotInstalled      = errors.New("interception not installed")
	ErrNoPlayerInstance  = errors.New("no vendor player instance captured")
	ErrNotConnected      = errors.New("no P2P client connected")
)

// FormatNegotiationError is returned when the vendor start-audio call rejects
// the platform audio configuration. It is recorded against the strategy that
// produced it and never retried automatically within that strategy.
type FormatNegotiationError struct {
	Strategy string
	Status   int32
	Err      error
}

func (e *FormatNegotiationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("format negotiation failed (strategy %s, status %d): %v", e.Strategy, e.Status, e.Err)
	}
	return fmt.Sprintf("format negotiation failed (strategy %s, status %d)", e.Strategy, e.Status)
}

func (e *FormatNegotiationError) Unwrap() error { return e.Err }

// ChannelError wraps a negative P2P channel read code.
type ChannelError struct {
	Channel Channel
	Code    int32
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("channel %d read failed: %s (%d)", e.Channel, ChannelCodeString(e.Code), e.Code)
}

// IsTimeout reports whether the read timed out without closing the session.
// Timeouts are retried; every other code is a hard error.
func (e *ChannelError) IsTimeout() bool { return e.Code == ChannelCodeTimeout }
