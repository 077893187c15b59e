package camaudio

import "testing"

// BenchmarkHotPath measures the producer and consumer callbacks that run on
// real-time threads.
func BenchmarkHotPath(b *testing.B) {
	b.Run("G711Decode", func(b *testing.B) {
		var d G711aDecoder
		src := make([]byte, 640)
		for i := range src {
			src[i] = byte(i)
		}
		dst := make([]int16, len(src))
		b.SetBytes(int64(len(src)))
		b.ReportAllocs()
		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			dst = d.Decode(dst, src)
		}
	})

	b.Run("RenderTapCallback", func(b *testing.B) {
		host := newFakeUnitHost()
		tap := NewRenderTap(host, NewSPSCRing(DefaultRingCapacity), nil)
		if !tap.Install(0x10) {
			b.Fatal("install failed")
		}
		defer tap.Remove()

		// 20ms at 16 kHz.
		samples := make([]int16, 320)
		b.ReportAllocs()
		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			tap.onRender(RenderFlagPostRender, samples)
		}
	})

	b.Run("PlaybackRead", func(b *testing.B) {
		ring := NewSampleRing(DefaultRingCapacity)
		e := NewPlaybackEngine(ring, PlaybackConfig{SourceRate: 16000, DeviceRate: 48000, Channels: 2, ChunkFrames: 960})
		defer e.Close()

		in := make([]int16, 320)
		out := make([]byte, 960*e.FrameBytes())
		b.ReportAllocs()
		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			ring.Write(in)
			if _, err := e.Read(out); err != nil {
				b.Fatal(err)
			}
		}
	})
}
