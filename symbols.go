package camaudio

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/rs/zerolog"
)

// SymbolTable looks a name up in a native symbol table.
type SymbolTable interface {
	Lookup(name string) (uintptr, error)
}

// SymbolHandle is a resolved native symbol.
type SymbolHandle struct {
	Name string
	Addr uintptr
}

// Valid returns true if the handle points somewhere.
func (h SymbolHandle) Valid() bool { return h.Addr != 0 }

// SymbolBridgeConfig configures a SymbolBridge.
type SymbolBridgeConfig struct {
	// LibraryPath loads the vendor library explicitly. Empty searches the
	// process global table, which is where a statically linked SDK lives.
	LibraryPath string

	// AllowExperimental enables call shapes whose signature was never
	// independently verified.
	AllowExperimental bool

	// Ledger records call shape outcomes. Nil uses a memory-only ledger.
	Ledger *CrashLedger

	Logger *zerolog.Logger
}

// SymbolBridge resolves and invokes unexported symbols inside the vendor
// binary. Resolutions are cached for the bridge lifetime; the vendor code is
// never unloaded so the cache is never invalidated.
//
// Every native invocation is unsafe: a wrong argument layout terminates the
// process with no recoverable signal. Unverified call shapes therefore go
// through Attempt, which runs them once per process, logs around the call
// and records the outcome in the crash ledger.
type SymbolBridge struct {
	table  SymbolTable
	ledger *CrashLedger
	logger zerolog.Logger

	allowExperimental bool

	mu    sync.RWMutex
	cache map[string]SymbolHandle

	attemptMu sync.Mutex
	attempted map[string]error

	lookups atomic.Uint64
}

// NewSymbolBridge creates a bridge over an existing symbol table.
func NewSymbolBridge(table SymbolTable, cfg SymbolBridgeConfig) *SymbolBridge {
	ledger := cfg.Ledger
	if ledger == nil {
		ledger = NewMemoryLedger()
	}
	return &SymbolBridge{
		table:             table,
		ledger:            ledger,
		logger:            componentLogger(cfg.Logger, "symbol-bridge"),
		allowExperimental: cfg.AllowExperimental,
		cache:             make(map[string]SymbolHandle),
		attempted:         make(map[string]error),
	}
}

// OpenSymbolBridge opens the platform symbol table and creates a bridge.
func OpenSymbolBridge(cfg SymbolBridgeConfig) (*SymbolBridge, error) {
	table, err := openSymbolTable(cfg.LibraryPath)
	if err != nil {
		return nil, err
	}
	return NewSymbolBridge(table, cfg), nil
}

// Ledger returns the crash ledger used by the bridge.
func (b *SymbolBridge) Ledger() *CrashLedger { return b.ledger }

// ExperimentalAllowed reports whether unverified shapes may run.
func (b *SymbolBridge) ExperimentalAllowed() bool { return b.allowExperimental }

// Resolve returns the cached handle for name, looking it up on first use.
// A failed lookup is not cached, so resolution can be retried.
func (b *SymbolBridge) Resolve(name string) (SymbolHandle, bool) {
	b.mu.RLock()
	h, ok := b.cache[name]
	b.mu.RUnlock()
	if ok {
		return h, true
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if h, ok := b.cache[name]; ok {
		return h, true
	}

	b.lookups.Add(1)
	addr, err := b.table.Lookup(name)
	if err != nil || addr == 0 {
		return SymbolHandle{}, false
	}
	h = SymbolHandle{Name: name, Addr: addr}
	b.cache[name] = h
	b.logger.Debug().Str("symbol", name).Str("addr", fmt.Sprintf("%#x", addr)).Msg("symbol resolved")
	return h, true
}

// Exists looks name up without populating the cache.
func (b *SymbolBridge) Exists(name string) bool {
	b.mu.RLock()
	_, ok := b.cache[name]
	b.mu.RUnlock()
	if ok {
		return true
	}
	addr, err := b.table.Lookup(name)
	return err == nil && addr != 0
}

// Lookups returns how many times the underlying table was consulted by
// Resolve.
func (b *SymbolBridge) Lookups() uint64 { return b.lookups.Load() }

// Capabilities checks every catalog symbol.
func (b *SymbolBridge) Capabilities() Capabilities {
	var c Capabilities
	for _, s := range AllVendorSymbols() {
		c.present[s] = b.Exists(s.String())
	}
	return c
}

// ReadInt32 reads an internal 32-bit integer variable.
func (b *SymbolBridge) ReadInt32(name string) (int32, error) {
	h, ok := b.Resolve(name)
	if !ok {
		return 0, fmt.Errorf("%s: %w", name, ErrSymbolNotFound)
	}
	return *(*int32)(unsafe.Pointer(h.Addr)), nil
}

// WriteInt32 overwrites an internal 32-bit integer variable.
func (b *SymbolBridge) WriteInt32(name string, v int32) error {
	h, ok := b.Resolve(name)
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrSymbolNotFound)
	}
	*(*int32)(unsafe.Pointer(h.Addr)) = v
	b.logger.Info().Str("symbol", name).Int32("value", v).Msg("native variable written")
	return nil
}

// ReadPointer reads an internal pointer-sized variable.
func (b *SymbolBridge) ReadPointer(name string) (uintptr, error) {
	h, ok := b.Resolve(name)
	if !ok {
		return 0, fmt.Errorf("%s: %w", name, ErrSymbolNotFound)
	}
	return *(*uintptr)(unsafe.Pointer(h.Addr)), nil
}

// Bind casts the symbol for shape to the Go function pointed to by fptr.
// Binding does not call anything; calls still go through Attempt until the
// shape is verified.
func (b *SymbolBridge) Bind(shape CallShape, fptr any) error {
	h, ok := b.Resolve(shape.Symbol)
	if !ok {
		return fmt.Errorf("%s: %w", shape.Symbol, ErrSymbolNotFound)
	}
	return bindNative(fptr, h.Addr)
}

// Call invokes the symbol with raw word-sized arguments and returns the
// first return register. The shape must already be verified or the call must
// be wrapped in Attempt.
func (b *SymbolBridge) Call(shape CallShape, args ...uintptr) (uintptr, error) {
	h, ok := b.Resolve(shape.Symbol)
	if !ok {
		return 0, fmt.Errorf("%s: %w", shape.Symbol, ErrSymbolNotFound)
	}
	return callNative(h.Addr, args...)
}

// Verified reports whether the shape completed successfully before.
func (b *SymbolBridge) Verified(shape CallShape) bool {
	return b.ledger.Status(shape.Key()) == ShapeOK
}

// Attempt runs fn as an invocation of shape under the unsafe-call policy:
//
//   - shapes recorded as crashed never run again (ErrKnownCrash);
//   - experimental shapes need AllowExperimental (ErrExperimentalDisabled);
//   - a verified shape runs directly;
//   - an unverified shape runs at most once per process, is marked pending
//     in the ledger first and resolved after.
func (b *SymbolBridge) Attempt(shape CallShape, fn func() error) error {
	key := shape.Key()
	switch b.ledger.Status(key) {
	case ShapeCrashed:
		return fmt.Errorf("%s: %w", key, ErrKnownCrash)
	case ShapeOK:
		if !shape.Experimental || b.allowExperimental {
			return fn()
		}
	}
	if shape.Experimental && !b.allowExperimental {
		return fmt.Errorf("%s: %w", key, ErrExperimentalDisabled)
	}
	if !b.Exists(shape.Symbol) {
		return fmt.Errorf("%s: %w", shape.Symbol, ErrSymbolNotFound)
	}

	b.attemptMu.Lock()
	defer b.attemptMu.Unlock()
	if prev, done := b.attempted[key]; done {
		if prev == nil {
			return fn()
		}
		return fmt.Errorf("%s: %w (last error: %v)", key, ErrAlreadyAttempted, prev)
	}

	if err := b.ledger.MarkPending(key); err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	b.logger.Warn().Str("shape", key).Bool("experimental", shape.Experimental).Msg("attempting native call")

	callErr := fn()
	b.attempted[key] = callErr

	if err := b.ledger.MarkResult(key, callErr); err != nil {
		b.logger.Error().Err(err).Str("shape", key).Msg("failed to record call result")
	}
	if callErr != nil {
		b.logger.Error().Err(callErr).Str("shape", key).Msg("native call attempt failed")
		return callErr
	}
	b.logger.Info().Str("shape", key).Msg("native call attempt succeeded")
	return nil
}

// MapSymbolTable is a SymbolTable backed by a fixed map. It serves tests and
// hosts that register trampolines explicitly.
type MapSymbolTable map[string]uintptr

// Lookup implements SymbolTable.
func (m MapSymbolTable) Lookup(name string) (uintptr, error) {
	if addr, ok := m[name]; ok && addr != 0 {
		return addr, nil
	}
	return 0, errors.New("symbol " + name + " not in table")
}
