// Package camaudio bridges camera audio out of a vendor P2P SDK whose own
// audio API does not work, and plays it through an independently configured
// output path.
//
// Key pieces include:
//   - SampleRing/SPSCRing: real-time safe sample rings between capture and playback
//   - SymbolBridge: resolution and gated invocation of unexported vendor symbols
//   - Discoverer, MethodInterceptor: runtime discovery and hooking of the vendor player
//   - RenderTap: render notifications on the vendor's own output audio unit
//   - ChannelReader: raw P2P voice channel reads decoded from G.711 A-law
//   - Negotiator and Strategy: audio session policies around the vendor start call
//   - PlaybackEngine: resampled, interleaved PCM for an output device
//   - AudioBridge and ControlServer: the orchestrating facade and its WebSocket API
//
// # Architecture
//
//	Tap:     Discoverer -> MethodInterceptor -> RenderTap -> ring -> PlaybackEngine
//	Channel: ChannelReader -> G711aDecoder -> upsample -> ring -> PlaybackEngine
//	Pcmp2:   vendor PCM listener callback -> ring -> PlaybackEngine
//
// AudioBridge tries the configured topologies in order and wraps the vendor
// start and stop calls in the selected strategy. Raw voice payloads can also
// be forwarded as PCMA over RTP or WebRTC, and captured samples recorded to
// WAV.
//
// # Native Calls
//
// Vendor symbols and platform frameworks are reached through purego
// (CGO_ENABLED=0). Every call shape that was not independently verified runs
// at most once per process and is recorded in a crash ledger; a shape that
// took the process down is never attempted again. Experimental shapes need
// SymbolBridgeConfig.AllowExperimental.
//
// Objective-C discovery, interception and the render tap are only available
// on darwin. Other platforms get ErrNotSupported from the platform
// constructors and fall back to the channel topology.
package camaudio
