// Core sample types shared by both capture topologies.
package camaudio

import (
	"encoding/binary"
	"time"
)

// DefaultVendorSampleRate is the rate the vendor SDK renders its voice
// channel at.
const DefaultVendorSampleRate = 16000

// AudioFrameBatch is a contiguous run of signed 16-bit mono samples at the
// vendor native rate. Produced by either capture topology and consumed only
// by the playback path.
type AudioFrameBatch struct {
	Samples    []int16  // Mono samples
	SampleRate int      // Sample rate (e.g., 16000)
	Timestamp  int64    // Capture timestamp in nanoseconds
	Source     Topology // Which capture path produced the batch
}

// Duration returns the playback duration of the batch.
func (b *AudioFrameBatch) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(b.Samples)) * time.Second / time.Duration(b.SampleRate)
}

// Clone creates a deep copy of the batch.
// Use this when the batch must outlive the buffer it was captured into.
func (b *AudioFrameBatch) Clone() *AudioFrameBatch {
	clone := &AudioFrameBatch{
		SampleRate: b.SampleRate,
		Timestamp:  b.Timestamp,
		Source:     b.Source,
	}
	if b.Samples != nil {
		clone.Samples = make([]int16, len(b.Samples))
		copy(clone.Samples, b.Samples)
	}
	return clone
}

// AppendPCM16 appends the samples as little-endian bytes to dst.
func (b *AudioFrameBatch) AppendPCM16(dst []byte) []byte {
	for _, s := range b.Samples {
		dst = binary.LittleEndian.AppendUint16(dst, uint16(s))
	}
	return dst
}

// PCM16ToSamples decodes little-endian 16-bit PCM into dst, reusing its
// capacity. A trailing odd byte is ignored.
func PCM16ToSamples(dst []int16, src []byte) []int16 {
	n := len(src) / 2
	if cap(dst) < n {
		dst = make([]int16, n)
	}
	dst = dst[:n]
	for i := 0; i < n; i++ {
		dst[i] = int16(binary.LittleEndian.Uint16(src[i*2:]))
	}
	return dst
}
