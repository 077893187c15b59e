package camaudio

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/rs/zerolog"
)

// The vendor keeps a single pcmp2 listener slot, so one Go listener is
// active at a time.
var (
	activePcmp2       atomic.Pointer[Pcmp2Listener]
	pcmp2Callback     uintptr
	pcmp2CallbackOnce sync.Once
)

// pcmp2Handler receives decoded PCM from the vendor. size is in bytes.
func pcmp2Handler(data, size, user uintptr) uintptr {
	l := activePcmp2.Load()
	if l == nil || data == 0 {
		return 0
	}
	n := int(uint32(size)) / 2
	if n == 0 {
		return 0
	}
	l.deliver(unsafe.Slice((*int16)(unsafe.Pointer(data)), n))
	return 0
}

// Pcmp2Listener registers a native PCM listener through the vendor's
// pcmp2 API and writes what it receives into the ring.
type Pcmp2Listener struct {
	symbols *SymbolBridge
	ring    RingWriter
	logger  zerolog.Logger

	frames    atomic.Uint64
	callbacks atomic.Uint64

	mu      sync.Mutex
	running bool
}

// NewPcmp2Listener creates a listener. Nothing is called until Start.
func NewPcmp2Listener(symbols *SymbolBridge, ring RingWriter, logger *zerolog.Logger) *Pcmp2Listener {
	return &Pcmp2Listener{symbols: symbols, ring: ring, logger: componentLogger(logger, "pcmp2")}
}

func (l *Pcmp2Listener) Topology() Topology { return TopologyPcmp2 }

// Available reports whether both pcmp2 symbols resolve.
func (l *Pcmp2Listener) Available() bool {
	return l.symbols.Exists(SymbolPcmp2Init.String()) && l.symbols.Exists(SymbolPcmp2SetListener.String())
}

// Start initializes pcmp2 and registers the listener. Both calls are
// experimental shapes.
func (l *Pcmp2Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var status int32
	initShape := SymbolPcmp2Init.Shape()
	err := l.symbols.Attempt(initShape, func() error {
		r, err := l.symbols.Call(initShape)
		status = int32(r)
		return err
	})
	if err != nil {
		return fmt.Errorf("pcmp2 init: %w", err)
	}
	if status < 0 {
		return fmt.Errorf("pcmp2_init returned %d", status)
	}

	pcmp2CallbackOnce.Do(func() { pcmp2Callback = newNativeCallback(pcmp2Handler) })
	if pcmp2Callback == 0 {
		return fmt.Errorf("pcmp2 callback: %w", ErrNotSupported)
	}

	if prev := activePcmp2.Swap(l); prev != nil && prev != l {
		l.logger.Warn().Msg("replacing another pcmp2 listener")
	}
	setShape := SymbolPcmp2SetListener.Shape()
	err = l.symbols.Attempt(setShape, func() error {
		r, err := l.symbols.Call(setShape, pcmp2Callback, 0)
		status = int32(r)
		return err
	})
	if err == nil && status < 0 {
		err = fmt.Errorf("pcmp2_setListener returned %d", status)
	}
	if err != nil {
		activePcmp2.CompareAndSwap(l, nil)
		return fmt.Errorf("pcmp2 listener: %w", err)
	}

	l.running = true
	l.logger.Info().Msg("pcmp2 listener registered")
	return nil
}

func (l *Pcmp2Listener) deliver(samples []int16) {
	l.callbacks.Add(1)
	l.ring.Write(samples)
	l.frames.Add(uint64(len(samples)))
}

// Stop unregisters the listener. Safe to call repeatedly.
func (l *Pcmp2Listener) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.running {
		return nil
	}
	l.running = false
	activePcmp2.CompareAndSwap(l, nil)

	setShape := SymbolPcmp2SetListener.Shape()
	if l.symbols.Verified(setShape) {
		if _, err := l.symbols.Call(setShape, 0, 0); err != nil {
			l.logger.Warn().Err(err).Msg("failed to clear pcmp2 listener")
		}
	}
	l.logger.Info().Uint64("frames", l.frames.Load()).Uint64("callbacks", l.callbacks.Load()).Msg("pcmp2 listener stopped")
	return nil
}

// Frames returns the number of samples received.
func (l *Pcmp2Listener) Frames() uint64 { return l.frames.Load() }

func init() {
	RegisterCaptureSource(TopologyPcmp2, func(env *CaptureEnv) (CaptureSource, error) {
		if env.Symbols == nil {
			return nil, fmt.Errorf("pcmp2 topology: %w", ErrNotSupported)
		}
		return NewPcmp2Listener(env.Symbols, env.Ring, env.Logger), nil
	})
}
