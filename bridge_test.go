package camaudio

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testUnit AudioUnitRef = 0x500

type fakeConnector struct {
	client uintptr
	err    error
}

func (c *fakeConnector) Connect(ctx context.Context, creds Credentials) (uintptr, error) {
	if err := creds.Validate(); err != nil {
		return 0, err
	}
	return c.client, c.err
}

// tapBridge wires a bridge to a fake vendor whose start path makes the
// player call startVoice on itself, as the real SDK does.
func tapBridge(t *testing.T, vendorErr error) (*AudioBridge, *fakeObjC, *fakeUnitHost) {
	t.Helper()
	rt := vendorRuntime()
	rt.addObject(testPlayerPtr, map[string]uintptr{"audioUnit": uintptr(testUnit)})
	host := newFakeUnitHost()

	vendor := FuncVendor{Start: func(context.Context) error {
		rt.call(testPlayerPtr, "AppIOSPlayer", "startVoice")
		return vendorErr
	}}
	b, err := NewAudioBridge(BridgeConfig{RingCapacity: 64, TapWait: time.Second}, BridgeDeps{
		Runtime:  rt,
		Hooker:   rt,
		UnitHost: host,
		Vendor:   vendor,
	})
	require.NoError(t, err)
	return b, rt, host
}

func TestAudioBridge_TapTopology(t *testing.T) {
	b, rt, host := tapBridge(t, nil)

	res := b.StartAudio(context.Background())
	require.True(t, res.Success, res.Message)
	assert.Equal(t, "audio started via tap (strategy baseline)", res.Message)
	assert.True(t, rt.hooked("AppIOSPlayer", "startVoice"))

	require.Eventually(t, func() bool { return host.registered(testUnit) }, time.Second, 5*time.Millisecond)
	host.render(testUnit, RenderFlagPostRender, []int16{1, 2, 3})

	out := make([]int16, 3)
	require.Equal(t, 3, b.Ring().Read(out))
	assert.Equal(t, []int16{1, 2, 3}, out)

	s := b.Statistics()
	assert.True(t, s.Running)
	assert.Equal(t, "tap", s.Topology)
	assert.Equal(t, "active", s.State)
	assert.True(t, s.TapInstalled)
	assert.Equal(t, uint64(3), s.TapFrames)

	again := b.StartAudio(context.Background())
	assert.True(t, again.Success)
	assert.Equal(t, "audio already running via tap", again.Message)

	stop := b.StopAudio(context.Background())
	require.True(t, stop.Success, stop.Message)
	assert.False(t, host.registered(testUnit))
	assert.False(t, rt.hooked("AppIOSPlayer", "startVoice"), "stop removes the interception it installed")
	assert.False(t, b.interceptor.Installed())
	assert.Equal(t, StateStopped, b.Negotiator().State())
	assert.Equal(t, "audio not running", b.StopAudio(context.Background()).Message)
}

func TestAudioBridge_FallsBackToChannel(t *testing.T) {
	rt := newFakeObjC()
	rt.addClass("SomethingElse", nil, nil)
	client := newScriptedClient().keepOpen()
	client.push(ChannelVoice, payload(0xD5, 0x55))

	cfg := BridgeConfig{RingCapacity: 64, Reader: fastReaderConfig()}
	b, err := NewAudioBridge(cfg, BridgeDeps{
		Runtime:  rt,
		Hooker:   rt,
		UnitHost: newFakeUnitHost(),
		Channels: client,
		Vendor:   FuncVendor{},
	})
	require.NoError(t, err)
	b.SetClient(0x77)

	res := b.StartAudio(context.Background())
	require.True(t, res.Success, res.Message)
	assert.Equal(t, "channel", b.Statistics().Topology)

	require.Eventually(t, func() bool { return b.ring.Len() == 2 }, time.Second, time.Millisecond)
	out := make([]int16, 2)
	b.Ring().Read(out)
	assert.Equal(t, []int16{8, -8}, out)

	s := b.Statistics()
	require.NotNil(t, s.Channel)
	assert.Equal(t, uint64(2), s.Channel.BytesRead)

	require.True(t, b.StopAudio(context.Background()).Success)
}

func TestAudioBridge_ChannelWithDefaultPlayerVendor(t *testing.T) {
	rt := vendorRuntime()
	cfg := BridgeConfig{Topologies: []Topology{TopologyChannel}, Reader: fastReaderConfig()}
	b, err := NewAudioBridge(cfg, BridgeDeps{Runtime: rt, Hooker: rt, Channels: blockingClient{}})
	require.NoError(t, err)
	b.SetClient(0x77)
	require.IsType(t, &PlayerVendor{}, b.vendor)

	// No player instance anywhere: the channel does not need one.
	res := b.StartAudio(context.Background())
	require.True(t, res.Success, res.Message)
	assert.Contains(t, res.Message, "vendor: startVoice:")
	assert.Equal(t, StateActive, b.Negotiator().State())
	require.Eventually(t, func() bool { return b.ring.Len() > 0 }, time.Second, time.Millisecond)
	require.True(t, b.StopAudio(context.Background()).Success)

	// Once the class hands out its player, the vendor is really started.
	rt.statics["AppIOSPlayer sharedInstance"] = testPlayerPtr
	res = b.StartAudio(context.Background())
	require.True(t, res.Success, res.Message)
	assert.Equal(t, "audio started via channel (strategy baseline)", res.Message)
	require.True(t, b.StopAudio(context.Background()).Success)
	assert.Equal(t, []string{"0xbeef0 startVoice []", "0xbeef0 stopVoice []"}, rt.sent)
}

func TestAudioBridge_TapStillNeedsVendorPlayer(t *testing.T) {
	rt := vendorRuntime()
	b, err := NewAudioBridge(BridgeConfig{Topologies: []Topology{TopologyTap}}, BridgeDeps{
		Runtime:  rt,
		Hooker:   rt,
		UnitHost: newFakeUnitHost(),
	})
	require.NoError(t, err)

	res := b.StartAudio(context.Background())
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, ErrNoPlayerInstance.Error())
	assert.Equal(t, StateFailed, b.Negotiator().State())
	assert.False(t, rt.hooked("AppIOSPlayer", "startVoice"))
}

func TestAudioBridge_CaptureOutlivesStartContext(t *testing.T) {
	cfg := BridgeConfig{Topologies: []Topology{TopologyChannel}, Reader: fastReaderConfig()}
	b, err := NewAudioBridge(cfg, BridgeDeps{Channels: blockingClient{}})
	require.NoError(t, err)
	b.SetClient(0x77)

	ctx, cancel := context.WithCancel(context.Background())
	require.True(t, b.StartAudio(ctx).Success)
	cancel()

	reads := func() uint64 {
		st := b.Statistics()
		if st.Channel == nil {
			return 0
		}
		return st.Channel.Reads
	}
	after := reads()
	require.Eventually(t, func() bool { return reads() > after+5 }, time.Second, time.Millisecond)
	assert.True(t, b.Statistics().Running)

	require.True(t, b.StopAudio(context.Background()).Success)
	assert.Nil(t, b.Statistics().Channel)
}

func TestAudioBridge_CaptureEndFailsSession(t *testing.T) {
	client := newScriptedClient()
	client.push(ChannelVoice, payload(0xD5), NewChannelReadResult(ChannelCodeRemoteClosed, nil))

	cfg := BridgeConfig{Topologies: []Topology{TopologyChannel}, Reader: fastReaderConfig()}
	b, err := NewAudioBridge(cfg, BridgeDeps{Channels: client})
	require.NoError(t, err)
	b.SetClient(0x77)

	require.True(t, b.StartAudio(context.Background()).Success)
	require.Eventually(t, func() bool { return !b.Statistics().Running }, time.Second, time.Millisecond)

	s := b.Statistics()
	assert.Equal(t, "failed", s.State)
	assert.Contains(t, s.CaptureError, "remote closed")
	require.NotEmpty(t, s.Attempts)
	assert.Equal(t, StateFailed, s.Attempts[len(s.Attempts)-1].Outcome)
	assert.Contains(t, b.StatisticsDescription(), "capture ended: ")
	assert.Equal(t, "audio not running", b.StopAudio(context.Background()).Message)

	// The session can be started again.
	client.keepOpen()
	require.True(t, b.StartAudio(context.Background()).Success)
	assert.Empty(t, b.Statistics().CaptureError)
	assert.Equal(t, "active", b.Statistics().State)
	require.True(t, b.StopAudio(context.Background()).Success)
}

func TestAudioBridge_VoiceBufferMonitor(t *testing.T) {
	testVoiceBuffer = 0x8000
	defer func() { testVoiceBuffer = 0 }()

	cfg := BridgeConfig{Topologies: []Topology{TopologyChannel}, Reader: fastReaderConfig(), VoiceBufferInterval: time.Millisecond}
	b, err := NewAudioBridge(cfg, BridgeDeps{
		Symbols:  NewSymbolBridge(testSymbolTable(), SymbolBridgeConfig{}),
		Channels: blockingClient{},
	})
	require.NoError(t, err)
	b.SetClient(0x77)

	require.True(t, b.StartAudio(context.Background()).Success)
	require.Eventually(t, func() bool {
		vb := b.Statistics().VoiceBuffer
		return vb != nil && vb.Changes == 1
	}, time.Second, time.Millisecond)
	assert.Contains(t, b.StatisticsDescription(), "voice buffer: ptr=0x8000 changes=1")
	require.True(t, b.StopAudio(context.Background()).Success)
}

func TestAudioBridge_LockFreeStopClearsRing(t *testing.T) {
	cfg := BridgeConfig{RingCapacity: 64, LockFree: true, Topologies: []Topology{TopologyChannel}, Reader: fastReaderConfig()}
	b, err := NewAudioBridge(cfg, BridgeDeps{Channels: blockingClient{}})
	require.NoError(t, err)
	b.SetClient(0x77)
	require.IsType(t, &SPSCRing{}, b.ring)

	require.True(t, b.StartAudio(context.Background()).Success)
	require.Eventually(t, func() bool { return b.ring.Len() > 0 }, time.Second, time.Millisecond)

	// The playback side keeps reading while the control side stops.
	stop := make(chan struct{})
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		dst := make([]int16, 8)
		for {
			select {
			case <-stop:
				return
			default:
				b.Ring().Read(dst)
			}
		}
	}()
	require.True(t, b.StopAudio(context.Background()).Success)
	close(stop)
	<-readerDone
	assert.Equal(t, 0, b.ring.Len())
}

func TestAudioBridge_NoTopologyStarts(t *testing.T) {
	b, err := NewAudioBridge(BridgeConfig{}, BridgeDeps{Channels: newScriptedClient()})
	require.NoError(t, err)

	res := b.StartAudio(context.Background())
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "no capture topology started")
	assert.Contains(t, res.Message, ErrNotConnected.Error())
	assert.Equal(t, StateFailed, b.Negotiator().State())
}

func TestAudioBridge_FormatRejectionSwitchesStrategy(t *testing.T) {
	rejected := &FormatNegotiationError{Status: -50}
	b, _, _ := tapBridge(t, rejected)

	res := b.StartAudio(context.Background())
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "format negotiation failed (strategy baseline, status -50)")
	assert.False(t, b.Statistics().Running)

	res = b.StartAudio(context.Background())
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "not retried")

	require.NoError(t, b.SetStrategy("pre-initialize"))
	assert.Error(t, b.SetStrategy("bogus"))

	infos := b.Strategies()
	require.Len(t, infos, 4)
	assert.Equal(t, "baseline", infos[0].Name)
	assert.Equal(t, "failed", infos[0].LastOutcome)
	assert.True(t, infos[3].Selected)
	assert.Equal(t, "pre-initialize", infos[3].Name)
}

func TestAudioBridge_InterceptedStrategy(t *testing.T) {
	b, rt, host := tapBridge(t, nil)
	require.NoError(t, b.SetStrategy("intercepted"))

	res := b.StartAudio(context.Background())
	require.True(t, res.Success, res.Message)
	require.Eventually(t, func() bool { return host.registered(testUnit) }, time.Second, 5*time.Millisecond)

	require.True(t, b.StopAudio(context.Background()).Success)
	assert.False(t, rt.hooked("AppIOSPlayer", "startVoice"), "cleanup removes interception")
}

func TestAudioBridge_SetMute(t *testing.T) {
	b, err := NewAudioBridge(BridgeConfig{RingCapacity: 8}, BridgeDeps{})
	require.NoError(t, err)

	res := b.SetMute(true)
	assert.True(t, res.Success)
	assert.Equal(t, "muted (bridge only)", res.Message)
	b.writer.Write([]int16{1, 2})
	assert.Equal(t, 0, b.ring.Len())

	b.SetMute(false)
	b.writer.Write([]int16{1, 2})
	assert.Equal(t, 2, b.ring.Len())

	var vendorMuted bool
	b.vendor = FuncVendor{Mute: func(m bool) error { vendorMuted = m; return nil }}
	assert.Equal(t, "muted", b.SetMute(true).Message)
	assert.True(t, vendorMuted)

	b.vendor = FuncVendor{Mute: func(bool) error { return errors.New("no player") }}
	res = b.SetMute(false)
	assert.True(t, res.Success)
	assert.Equal(t, "unmuted (bridge only, vendor: no player)", res.Message)
}

func TestAudioBridge_ConnectWithCredentials(t *testing.T) {
	creds := Credentials{UID: "OKB0379853SNLJ", Password: "888888"}

	b, err := NewAudioBridge(BridgeConfig{}, BridgeDeps{})
	require.NoError(t, err)
	assert.False(t, b.ConnectWithCredentials(context.Background(), creds).Success)

	b, err = NewAudioBridge(BridgeConfig{}, BridgeDeps{Connector: &fakeConnector{client: 0x99}})
	require.NoError(t, err)
	res := b.ConnectWithCredentials(context.Background(), creds)
	require.True(t, res.Success, res.Message)
	assert.Equal(t, uintptr(0x99), b.Client())

	res = b.ConnectWithCredentials(context.Background(), Credentials{})
	assert.False(t, res.Success)
	assert.Equal(t, uintptr(0x99), b.Client())
}

func TestAudioBridge_Diagnostics(t *testing.T) {
	b, err := NewAudioBridge(BridgeConfig{}, BridgeDeps{})
	require.NoError(t, err)

	r := b.RunDiagnostics()
	assert.Equal(t, 0, r.FoundCount)
	assert.Equal(t, int32(-1), r.SessionAliveValue)

	assert.Equal(t, []string{"error: operation not supported"}, b.DiscoverSDKClasses(context.Background()))
	assert.Contains(t, b.VerifyChannelStatus(context.Background(), 0).Conclusion, "channel client unavailable")
	assert.False(t, b.SelfTest().Success)
	assert.Len(t, b.ProbeAudioCGI(context.Background()), 1)
}

func TestAudioBridge_VerifyChannelStatusUsesOwnClient(t *testing.T) {
	client := newScriptedClient()
	client.push(ChannelVideo, payload(1, 2, 3))
	b, err := NewAudioBridge(BridgeConfig{Reader: fastReaderConfig()}, BridgeDeps{Channels: client})
	require.NoError(t, err)
	b.SetClient(0x42)

	r := b.VerifyChannelStatus(context.Background(), 0)
	assert.True(t, r.Video.OK)
	assert.False(t, r.Voice.OK)
	assert.True(t, r.AudioEnableMissing)
}

func TestAudioBridge_StatisticsDescription(t *testing.T) {
	b, _, _ := tapBridge(t, nil)
	b.AttachPlayback(NewPlaybackEngine(b.Ring(), PlaybackConfig{SourceRate: 16000, DeviceRate: 16000, Channels: 1}))
	require.True(t, b.StartAudio(context.Background()).Success)
	defer b.Close()

	desc := b.StatisticsDescription()
	assert.Contains(t, desc, "running: true (topology tap, strategy baseline, state active)")
	assert.Contains(t, desc, "muted: false")
	assert.Contains(t, desc, "playback: reads=0 frames=0")
	assert.Contains(t, desc, "-> active")
}

func TestNewAudioBridge_UnknownStrategy(t *testing.T) {
	_, err := NewAudioBridge(BridgeConfig{Strategy: "nope"}, BridgeDeps{})
	assert.EqualError(t, err, `unknown strategy "nope"`)
}
