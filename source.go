package camaudio

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Topology identifies the capture path feeding the ring.
type Topology int

const (
	TopologyUnknown Topology = iota
	TopologyTap              // discovery -> interceptor -> render tap
	TopologyChannel          // P2P voice channel -> G.711a decoder
	TopologyPcmp2            // vendor pcmp2 PCM listener callback
)

func (t Topology) String() string {
	switch t {
	case TopologyTap:
		return "tap"
	case TopologyChannel:
		return "channel"
	case TopologyPcmp2:
		return "pcmp2"
	default:
		return "unknown"
	}
}

// ParseTopology maps a configuration name to a Topology.
func ParseTopology(s string) (Topology, error) {
	for _, t := range []Topology{TopologyTap, TopologyChannel, TopologyPcmp2} {
		if t.String() == s {
			return t, nil
		}
	}
	return TopologyUnknown, fmt.Errorf("unknown topology %q", s)
}

// CaptureSource is a producer that writes vendor audio into a ring.
type CaptureSource interface {
	// Start begins capture. It returns once the producer is wired; samples
	// arrive asynchronously. A producer goroutine lives until ctx is done or
	// Stop is called, so ctx must outlive the call that starts it.
	Start(ctx context.Context) error

	// Stop halts capture. Safe to call more than once.
	Stop() error

	// Topology reports which capture path this is.
	Topology() Topology
}

// terminatingSource is a CaptureSource whose producer can end by itself,
// e.g. when the transport gives up.
type terminatingSource interface {
	Done() <-chan struct{}
	Err() error
}

// CaptureEnv carries the shared dependencies a capture source is built from.
type CaptureEnv struct {
	Ring        RingWriter
	Symbols     *SymbolBridge
	Channels    ChannelClient
	Client      uintptr // connected P2P client handle, 0 if none
	Discoverer  *Discoverer
	Interceptor *MethodInterceptor
	Tap         *RenderTap
	TapWait     time.Duration // how long the tap waits for the vendor unit
	Reader      ChannelReaderConfig
	Sinks       []PayloadSink // raw channel payload consumers
	Logger      *zerolog.Logger
}

// CaptureSourceFactory creates a capture source from the shared environment.
type CaptureSourceFactory func(env *CaptureEnv) (CaptureSource, error)

var captureRegistry = struct {
	mu        sync.RWMutex
	factories map[Topology]CaptureSourceFactory
}{
	factories: make(map[Topology]CaptureSourceFactory),
}

// RegisterCaptureSource registers a factory for a topology. Later
// registrations replace earlier ones.
func RegisterCaptureSource(t Topology, factory CaptureSourceFactory) {
	captureRegistry.mu.Lock()
	defer captureRegistry.mu.Unlock()
	captureRegistry.factories[t] = factory
}

// CreateCaptureSource creates a capture source of the given topology.
func CreateCaptureSource(t Topology, env *CaptureEnv) (CaptureSource, error) {
	captureRegistry.mu.RLock()
	factory, ok := captureRegistry.factories[t]
	captureRegistry.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("capture topology not available: %v", t)
	}
	return factory(env)
}

// AvailableTopologies returns the registered topologies in order.
func AvailableTopologies() []Topology {
	captureRegistry.mu.RLock()
	defer captureRegistry.mu.RUnlock()

	types := make([]Topology, 0, len(captureRegistry.factories))
	for t := range captureRegistry.factories {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
