package camaudio

import "sync/atomic"

// spscReadRetries bounds how often a reader re-copies when the producer laps
// it mid-read. After the last retry the copy is accepted as is: the samples
// are still valid audio, only newer than expected.
const spscReadRetries = 2

// SPSCRing is a lock-free ring for exactly one producer goroutine and one
// consumer goroutine. It has the same overflow and underflow policy as
// SampleRing, but neither side ever waits on the other.
//
// Positions are monotonic sample counts; a slot index is position % size.
// The producer publishes reserve before touching slots and head after, so a
// reader can detect that slots it copied were overwritten.
type SPSCRing struct {
	slots []atomic.Int32
	size  uint64

	reserve atomic.Uint64 // producer: highest position being written
	head    atomic.Uint64 // producer: positions below head are readable
	tail    atomic.Uint64 // consumer: next position to read
	floor   atomic.Uint64 // any goroutine: positions below floor were cleared

	counters ringCounters
}

var _ PCMRing = (*SPSCRing)(nil)

// NewSPSCRing creates a lock-free ring holding capacity samples.
// A non-positive capacity selects DefaultRingCapacity.
func NewSPSCRing(capacity int) *SPSCRing {
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}
	return &SPSCRing{
		slots: make([]atomic.Int32, capacity),
		size:  uint64(capacity),
	}
}

// Write stores all samples. Must only be called from the producer goroutine.
func (r *SPSCRing) Write(samples []int16) int {
	n := uint64(len(samples))
	if n == 0 {
		return 0
	}

	h := r.head.Load()
	r.reserve.Store(h + n)

	start := uint64(0)
	if n > r.size {
		start = n - r.size
	}
	for i := start; i < n; i++ {
		r.slots[(h+i)%r.size].Store(int32(samples[i]))
	}
	r.head.Store(h + n)

	// Account only for samples newly pushed out by this write.
	t := r.readPos()
	before := backlog(h, t, r.size)
	after := backlog(h+n, t, r.size)
	if after > before {
		r.counters.overflowCount.Add(after - before)
	}
	r.counters.totalWritten.Add(n)
	return int(n)
}

func backlog(head, tail, size uint64) uint64 {
	if tail < head && head-tail > size {
		return head - tail - size
	}
	return 0
}

// Read copies up to len(dst) samples and zero-fills the remainder. Must only
// be called from the consumer goroutine.
func (r *SPSCRing) Read(dst []int16) int {
	want := uint64(len(dst))
	if want == 0 {
		return 0
	}

	var t, n uint64
	for attempt := 0; ; attempt++ {
		h := r.head.Load()
		t = r.readPos()
		if h-t > r.size {
			t = h - r.size
		}
		n = min(h-t, want)
		for i := uint64(0); i < n; i++ {
			dst[i] = int16(r.slots[(t+i)%r.size].Load())
		}
		if r.reserve.Load()-t <= r.size || attempt >= spscReadRetries {
			break
		}
	}
	r.tail.Store(t + n)

	clear(dst[n:])
	r.counters.totalRead.Add(n)
	if n < want {
		r.counters.underflowCount.Add(want - n)
	}
	return int(n)
}

// readPos is the next readable position: the consumer cursor, or the last
// clear point when that is ahead of it.
func (r *SPSCRing) readPos() uint64 {
	return max(r.tail.Load(), r.floor.Load())
}

// Clear drops all unread samples. It may be called from any goroutine: it
// only raises the floor, which the consumer applies on its next Read.
func (r *SPSCRing) Clear() {
	h := r.head.Load()
	for {
		f := r.floor.Load()
		if f >= h || r.floor.CompareAndSwap(f, h) {
			return
		}
	}
}

// Len returns the number of unread samples.
func (r *SPSCRing) Len() int {
	// read position first: head only grows, so h >= t.
	t := r.readPos()
	h := r.head.Load()
	return int(min(h-t, r.size))
}

// Capacity returns the ring capacity in samples.
func (r *SPSCRing) Capacity() int { return int(r.size) }

// FillLevel returns the occupied fraction of the ring in [0,1].
func (r *SPSCRing) FillLevel() float64 {
	return float64(r.Len()) / float64(r.size)
}

// Stats returns a snapshot of the diagnostic counters.
func (r *SPSCRing) Stats() RingStats {
	return r.counters.snapshot(int(r.size), r.Len())
}
