package camaudio

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// ShapeStatus is the recorded outcome of a native call shape.
type ShapeStatus string

const (
	ShapeUnknown ShapeStatus = ""
	ShapePending ShapeStatus = "pending" // call in flight; survives only if the process died
	ShapeOK      ShapeStatus = "ok"
	ShapeFailed  ShapeStatus = "failed"  // returned an error, may be attempted again next run
	ShapeCrashed ShapeStatus = "crashed" // never attempted again
)

// LedgerEntry records what happened the last time a call shape ran.
type LedgerEntry struct {
	Key       string      `yaml:"key"`
	Status    ShapeStatus `yaml:"status"`
	Attempts  int         `yaml:"attempts"`
	LastError string      `yaml:"last_error,omitempty"`
	Note      string      `yaml:"note,omitempty"`
	Updated   time.Time   `yaml:"updated"`
}

type ledgerFile struct {
	Shapes []LedgerEntry `yaml:"shapes"`
}

// CrashLedger is the written record of native call shapes and their
// outcomes. A shape is written as pending before the call and resolved
// after; a pending entry found at load time means the call took the process
// down, so it is promoted to crashed.
type CrashLedger struct {
	path    string
	mu      sync.Mutex
	entries map[string]*LedgerEntry
}

// NewMemoryLedger returns a ledger that is never persisted.
func NewMemoryLedger() *CrashLedger {
	return &CrashLedger{entries: make(map[string]*LedgerEntry)}
}

// LoadCrashLedger reads the ledger at path, creating an empty one if the file
// does not exist. An empty path yields a memory-only ledger.
func LoadCrashLedger(path string) (*CrashLedger, error) {
	l := NewMemoryLedger()
	l.path = path
	if path == "" {
		return l, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read crash ledger: %w", err)
	}

	var f ledgerFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse crash ledger %s: %w", path, err)
	}

	promoted := false
	for i := range f.Shapes {
		e := f.Shapes[i]
		if e.Status == ShapePending {
			e.Status = ShapeCrashed
			e.Note = "process exited during call"
			promoted = true
		}
		l.entries[e.Key] = &e
	}
	if promoted {
		if err := l.saveLocked(); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// Status returns the recorded status of a shape.
func (l *CrashLedger) Status(key string) ShapeStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[key]; ok {
		return e.Status
	}
	return ShapeUnknown
}

// MarkKnownBad records a shape as crashed without running it.
func (l *CrashLedger) MarkKnownBad(key, note string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entry(key)
	e.Status = ShapeCrashed
	e.Note = note
	e.Updated = time.Now()
	return l.saveLocked()
}

// MarkPending records that a call is about to run. It is persisted before
// returning so a crash leaves evidence behind.
func (l *CrashLedger) MarkPending(key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entry(key)
	e.Status = ShapePending
	e.Attempts++
	e.Updated = time.Now()
	return l.saveLocked()
}

// MarkResult resolves a pending call.
func (l *CrashLedger) MarkResult(key string, callErr error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entry(key)
	if callErr != nil {
		e.Status = ShapeFailed
		e.LastError = callErr.Error()
	} else {
		e.Status = ShapeOK
		e.LastError = ""
	}
	e.Updated = time.Now()
	return l.saveLocked()
}

// Entries returns a copy of all entries sorted by key.
func (l *CrashLedger) Entries() []LedgerEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]LedgerEntry, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (l *CrashLedger) entry(key string) *LedgerEntry {
	e, ok := l.entries[key]
	if !ok {
		e = &LedgerEntry{Key: key}
		l.entries[key] = e
	}
	return e
}

func (l *CrashLedger) saveLocked() error {
	if l.path == "" {
		return nil
	}

	f := ledgerFile{Shapes: make([]LedgerEntry, 0, len(l.entries))}
	for _, e := range l.entries {
		f.Shapes = append(f.Shapes, *e)
	}
	sort.Slice(f.Shapes, func(i, j int) bool { return f.Shapes[i].Key < f.Shapes[j].Key })

	data, err := yaml.Marshal(&f)
	if err != nil {
		return fmt.Errorf("encode crash ledger: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create ledger dir: %w", err)
	}
	tmp := l.path + ".tmp"
	fh, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("write crash ledger: %w", err)
	}
	if _, err := fh.Write(data); err != nil {
		fh.Close()
		return fmt.Errorf("write crash ledger: %w", err)
	}
	// The pending mark must reach disk before the native call runs.
	if err := fh.Sync(); err != nil {
		fh.Close()
		return fmt.Errorf("sync crash ledger: %w", err)
	}
	if err := fh.Close(); err != nil {
		return fmt.Errorf("close crash ledger: %w", err)
	}
	return os.Rename(tmp, l.path)
}
