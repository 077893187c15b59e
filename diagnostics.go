package camaudio

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DiagnosticsReport summarizes which vendor symbols exist in the running
// binary.
type DiagnosticsReport struct {
	Symbols           map[string]bool `json:"symbols"`
	FoundCount        int             `json:"foundCount"`
	SessionAliveValue int32           `json:"sessionAliveValue"` // -1 when absent
	VoiceBuffer       uintptr         `json:"voiceBuffer,omitempty"`
	Evidence          []string        `json:"evidence"`
}

// RunDiagnostics checks every catalog symbol and reads the session
// keep-alive variable when present. A nil bridge reports nothing found.
func RunDiagnostics(symbols *SymbolBridge) DiagnosticsReport {
	r := DiagnosticsReport{SessionAliveValue: -1}
	if symbols == nil {
		r.Symbols = make(map[string]bool, symbolCount)
		for _, s := range AllVendorSymbols() {
			r.Symbols[s.String()] = false
		}
		r.Evidence = []string{"symbol bridge unavailable"}
		return r
	}

	caps := symbols.Capabilities()
	r.Symbols = caps.Map()
	r.FoundCount = caps.Count()

	names := make([]string, 0, len(r.Symbols))
	for name := range r.Symbols {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		state := "missing"
		if r.Symbols[name] {
			state = "found"
		}
		r.Evidence = append(r.Evidence, fmt.Sprintf("%s: %s", name, state))
	}

	if caps.Has(SymbolSessionAliveInterval) {
		if v, err := symbols.ReadInt32(SymbolSessionAliveInterval.String()); err == nil {
			r.SessionAliveValue = v
		}
	}
	if caps.Has(SymbolVoiceOutBuffer) {
		if p, err := symbols.ReadPointer(SymbolVoiceOutBuffer.String()); err == nil {
			r.VoiceBuffer = p
		}
	}
	r.Evidence = append(r.Evidence, fmt.Sprintf("found %d/%d symbols", r.FoundCount, len(r.Symbols)))
	return r
}

// DefaultAudioCGICommands are the audio enable commands tried by
// ProbeAudioCGI, in order.
var DefaultAudioCGICommands = []string{
	"audiostream.cgi?streamid=1&",
	"audiostream.cgi?streamid=0&",
	"camera_control.cgi?param=25&value=1&",
	"set_audio.cgi?enable=1&",
	"livestream.cgi?streamid=10&substream=0&audio=1&",
}

// CGIResult is the outcome of one CGI command.
type CGIResult struct {
	Command string `json:"command"`
	Status  int32  `json:"status"`
	Error   string `json:"error,omitempty"`
}

// OK reports whether the camera accepted the command.
func (r CGIResult) OK() bool { return r.Error == "" && r.Status >= 0 }

type writeCGIFunc func(client uintptr, cgi string) int32

// CGISender sends CGI commands to the camera over the vendor P2P client.
type CGISender struct {
	symbols *SymbolBridge
	shape   CallShape
	logger  zerolog.Logger

	bindOnce sync.Once
	write    writeCGIFunc
	bindErr  error
}

// NewCGISender creates a sender. The symbol is bound on first use.
func NewCGISender(symbols *SymbolBridge, logger *zerolog.Logger) *CGISender {
	return &CGISender{
		symbols: symbols,
		shape:   SymbolClientWriteCGI.Shape(),
		logger:  componentLogger(logger, "cgi"),
	}
}

func (s *CGISender) bind() error {
	s.bindOnce.Do(func() {
		if s.symbols == nil {
			s.bindErr = ErrNotSupported
			return
		}
		s.bindErr = s.symbols.Bind(s.shape, &s.write)
	})
	return s.bindErr
}

// SendCGI sends one command and returns the vendor status.
func (s *CGISender) SendCGI(client uintptr, cmd string) (int32, error) {
	if client == 0 {
		return ChannelCodeNotConnected, ErrNotConnected
	}
	if err := s.bind(); err != nil {
		return ChannelCodeNotConnected, fmt.Errorf("client_write_cgi: %w", err)
	}
	var status int32
	err := s.symbols.Attempt(s.shape, func() error {
		status = s.write(client, cmd)
		return nil
	})
	if err != nil {
		return ChannelCodeInvalidConnection, err
	}
	s.logger.Debug().Str("cgi", cmd).Int32("status", status).Msg("cgi sent")
	return status, nil
}

// ProbeAudioCGI sends every command in order and reports each outcome. An
// empty list uses DefaultAudioCGICommands.
func (s *CGISender) ProbeAudioCGI(ctx context.Context, client uintptr, cmds []string) []CGIResult {
	if len(cmds) == 0 {
		cmds = DefaultAudioCGICommands
	}
	out := make([]CGIResult, 0, len(cmds))
	for _, cmd := range cmds {
		if err := ctx.Err(); err != nil {
			out = append(out, CGIResult{Command: cmd, Status: ChannelCodeTimeout, Error: err.Error()})
			continue
		}
		status, err := s.SendCGI(client, cmd)
		res := CGIResult{Command: cmd, Status: status}
		if err != nil {
			res.Error = err.Error()
		}
		out = append(out, res)
	}
	return out
}

// VoiceBufferEvent reports a change of the vendor voice output buffer.
type VoiceBufferEvent struct {
	At      time.Time
	Pointer uintptr
}

// VoiceBufferMonitor polls voice_out_buff and reports when it changes. The
// vendor allocates it lazily once its own audio path starts.
type VoiceBufferMonitor struct {
	symbols  *SymbolBridge
	interval time.Duration
	logger   zerolog.Logger

	mu     sync.Mutex
	last   uintptr
	events []VoiceBufferEvent
}

// NewVoiceBufferMonitor creates a monitor polling every interval.
func NewVoiceBufferMonitor(symbols *SymbolBridge, interval time.Duration, logger *zerolog.Logger) *VoiceBufferMonitor {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &VoiceBufferMonitor{symbols: symbols, interval: interval, logger: componentLogger(logger, "voice-buffer")}
}

// Run polls until ctx is done. It returns ErrSymbolNotFound right away when
// the variable does not exist.
func (m *VoiceBufferMonitor) Run(ctx context.Context) error {
	name := SymbolVoiceOutBuffer.String()
	if !m.Available() {
		return fmt.Errorf("%s: %w", name, ErrSymbolNotFound)
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		m.poll(name)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (m *VoiceBufferMonitor) poll(name string) {
	p, err := m.symbols.ReadPointer(name)
	if err != nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if p == m.last {
		return
	}
	m.last = p
	m.events = append(m.events, VoiceBufferEvent{At: time.Now(), Pointer: p})
	m.logger.Info().Str("ptr", fmt.Sprintf("%#x", p)).Msg("voice buffer changed")
}

// VoiceBufferStats summarizes what the monitor has seen.
type VoiceBufferStats struct {
	Pointer uintptr `json:"pointer"`
	Changes uint64  `json:"changes"`
}

// Available reports whether the vendor exports the buffer variable.
func (m *VoiceBufferMonitor) Available() bool {
	return m.symbols != nil && m.symbols.Exists(SymbolVoiceOutBuffer.String())
}

// Stats returns the current buffer pointer and how often it changed.
func (m *VoiceBufferMonitor) Stats() VoiceBufferStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return VoiceBufferStats{Pointer: m.last, Changes: uint64(len(m.events))}
}

// Events returns the changes observed so far.
func (m *VoiceBufferMonitor) Events() []VoiceBufferEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]VoiceBufferEvent(nil), m.events...)
}
