package camaudio

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// DefaultRingCapacity holds one second of audio at the vendor rate.
const DefaultRingCapacity = DefaultVendorSampleRate

// RingReader is the consumer side of a sample ring. The playback path only
// ever holds this view.
type RingReader interface {
	// Read fills dst with up to len(dst) samples and zero-fills the rest.
	// Returns the number of real samples copied.
	Read(dst []int16) int

	// FillLevel returns the occupied fraction of the ring in [0,1].
	FillLevel() float64

	// Capacity returns the ring capacity in samples.
	Capacity() int
}

// RingWriter is the producer side of a sample ring.
type RingWriter interface {
	// Write stores all samples, discarding the oldest unread ones on overflow.
	Write(samples []int16) int
}

// PCMRing carries linear PCM samples from a capture callback to the playback
// callback.
type PCMRing interface {
	RingReader
	RingWriter

	// Clear drops all unread samples.
	Clear()

	// Len returns the number of unread samples.
	Len() int

	// Stats returns the diagnostic counters.
	Stats() RingStats
}

// RingStats are monotonic diagnostic counters. They never drive control flow.
type RingStats struct {
	Capacity       int
	Len            int
	TotalWritten   uint64
	TotalRead      uint64
	OverflowCount  uint64 // samples discarded because the ring was full
	UnderflowCount uint64 // samples zero-filled because the ring was empty
}

// FillLevel returns Len/Capacity.
func (s RingStats) FillLevel() float64 {
	if s.Capacity == 0 {
		return 0
	}
	return float64(s.Len) / float64(s.Capacity)
}

func (s RingStats) String() string {
	return fmt.Sprintf("ring %d/%d (%.0f%%) written=%d read=%d overflow=%d underflow=%d",
		s.Len, s.Capacity, s.FillLevel()*100, s.TotalWritten, s.TotalRead, s.OverflowCount, s.UnderflowCount)
}

type ringCounters struct {
	totalWritten   atomic.Uint64
	totalRead      atomic.Uint64
	overflowCount  atomic.Uint64
	underflowCount atomic.Uint64
}

func (c *ringCounters) snapshot(capacity, length int) RingStats {
	return RingStats{
		Capacity:       capacity,
		Len:            length,
		TotalWritten:   c.totalWritten.Load(),
		TotalRead:      c.totalRead.Load(),
		OverflowCount:  c.overflowCount.Load(),
		UnderflowCount: c.underflowCount.Load(),
	}
}

// SampleRing is a fixed-capacity circular buffer of int16 samples guarded by
// a single short-held mutex. The producer always wins: writes never block and
// overwrite the oldest unread samples when the ring is full.
//
// Invariants: 0 <= count <= len(buf), readIdx < len(buf), writeIdx < len(buf).
type SampleRing struct {
	mu       sync.Mutex
	buf      []int16
	readIdx  int
	writeIdx int
	count    int

	counters ringCounters
}

var _ PCMRing = (*SampleRing)(nil)

// NewSampleRing creates a ring holding capacity samples.
// A non-positive capacity selects DefaultRingCapacity.
func NewSampleRing(capacity int) *SampleRing {
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}
	return &SampleRing{buf: make([]int16, capacity)}
}

// Write stores all samples and returns len(samples).
func (r *SampleRing) Write(samples []int16) int {
	n := len(samples)
	if n == 0 {
		return 0
	}

	r.mu.Lock()
	c := len(r.buf)
	if n >= c {
		// Only the newest c samples survive.
		dropped := r.count + (n - c)
		copy(r.buf, samples[n-c:])
		r.readIdx = 0
		r.writeIdx = 0
		r.count = c
		r.mu.Unlock()
		r.counters.overflowCount.Add(uint64(dropped))
		r.counters.totalWritten.Add(uint64(n))
		return n
	}

	first := min(n, c-r.writeIdx)
	copy(r.buf[r.writeIdx:], samples[:first])
	copy(r.buf, samples[first:])
	r.writeIdx = (r.writeIdx + n) % c

	r.count += n
	var over int
	if r.count > c {
		over = r.count - c
		r.readIdx = (r.readIdx + over) % c
		r.count = c
	}
	r.mu.Unlock()

	if over > 0 {
		r.counters.overflowCount.Add(uint64(over))
	}
	r.counters.totalWritten.Add(uint64(n))
	return n
}

// Read copies min(Len, len(dst)) samples into dst, zero-fills the remainder
// and returns the number of real samples.
func (r *SampleRing) Read(dst []int16) int {
	want := len(dst)
	if want == 0 {
		return 0
	}

	r.mu.Lock()
	c := len(r.buf)
	n := min(r.count, want)
	first := min(n, c-r.readIdx)
	copy(dst, r.buf[r.readIdx:r.readIdx+first])
	copy(dst[first:n], r.buf[:n-first])
	r.readIdx = (r.readIdx + n) % c
	r.count -= n
	r.mu.Unlock()

	clear(dst[n:])
	r.counters.totalRead.Add(uint64(n))
	if n < want {
		r.counters.underflowCount.Add(uint64(want - n))
	}
	return n
}

// Clear drops all unread samples. Counters are kept.
func (r *SampleRing) Clear() {
	r.mu.Lock()
	r.readIdx = 0
	r.writeIdx = 0
	r.count = 0
	r.mu.Unlock()
}

// Len returns the number of unread samples.
func (r *SampleRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Capacity returns the ring capacity in samples.
func (r *SampleRing) Capacity() int { return len(r.buf) }

// FillLevel returns the occupied fraction of the ring in [0,1].
func (r *SampleRing) FillLevel() float64 {
	return float64(r.Len()) / float64(len(r.buf))
}

// Stats returns a snapshot of the diagnostic counters.
func (r *SampleRing) Stats() RingStats {
	return r.counters.snapshot(len(r.buf), r.Len())
}

// teeWriter fans one producer out to several ring writers.
type teeWriter []RingWriter

func (t teeWriter) Write(samples []int16) int {
	for _, w := range t {
		w.Write(samples)
	}
	return len(samples)
}

// TeeWriter returns a RingWriter that writes to every w. Nil writers are
// skipped.
func TeeWriter(w ...RingWriter) RingWriter {
	out := make(teeWriter, 0, len(w))
	for _, x := range w {
		if x != nil {
			out = append(out, x)
		}
	}
	if len(out) == 1 {
		return out[0]
	}
	return out
}
