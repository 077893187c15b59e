package camaudio

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func vendorRuntime() *fakeObjC {
	rt := newFakeObjC()
	rt.addClass("AppIOSPlayer", []string{"startVoice", "stopVoice", "setMute:", "audioUnit"}, []string{"audioUnit", "voice_frame"})
	rt.addClass("AppPlayerManager", nil, nil)
	rt.addClass("NSObject", []string{"init"}, nil)
	return rt
}

func TestDiscoverer_FindsPlayer(t *testing.T) {
	d := NewDiscoverer(vendorRuntime(), DiscoveryConfig{}, nil)
	res, err := d.Discover(context.Background())
	require.NoError(t, err)

	p, ok := res.Handle()
	require.True(t, ok)
	assert.Equal(t, "AppIOSPlayer", p.Class)
	assert.Equal(t, []string{"AppIOSPlayer", "AppPlayerManager"}, res.Candidates)
	assert.True(t, res.Symbols["-[AppIOSPlayer startVoice]"])
	assert.True(t, res.Symbols["AppIOSPlayer.audioUnit"])
	assert.False(t, res.Symbols["AppIOSPlayer.voice_out_buff"])
}

func TestDiscoverer_MissingPlayer(t *testing.T) {
	rt := newFakeObjC()
	rt.addClass("VoiceHelper", nil, nil)

	d := NewDiscoverer(rt, DiscoveryConfig{}, nil)
	res, err := d.Discover(context.Background())
	require.ErrorIs(t, err, ErrDiscoveryFailed)

	_, ok := res.Handle()
	assert.False(t, ok)
	assert.Equal(t, []string{"VoiceHelper"}, res.Candidates)
	assert.False(t, res.Symbols["class AppIOSPlayer"])
	assert.False(t, res.Symbols["-[AppIOSPlayer startVoice]"])
}

func TestDiscoverer_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewDiscoverer(vendorRuntime(), DiscoveryConfig{}, nil).Discover(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDiscoverSDKClasses_Evidence(t *testing.T) {
	lines := NewDiscoverer(vendorRuntime(), DiscoveryConfig{}, nil).DiscoverSDKClasses(context.Background())
	require.NotEmpty(t, lines)
	assert.Equal(t, "player class found: AppIOSPlayer", lines[0])
	assert.Contains(t, lines, "candidate class: AppPlayerManager")
	assert.Contains(t, lines, "AppIOSPlayer.voice_frame: present")

	rt := newFakeObjC()
	lines = NewDiscoverer(rt, DiscoveryConfig{}, nil).DiscoverSDKClasses(context.Background())
	assert.Equal(t, "player class not found", lines[0])
	assert.Contains(t, lines[len(lines)-1], "error: ")
}

func TestDiscoverer_FindInstance(t *testing.T) {
	rt := vendorRuntime()
	d := NewDiscoverer(rt, DiscoveryConfig{}, nil)

	_, err := d.FindInstance(context.Background())
	assert.ErrorIs(t, err, ErrNoPlayerInstance)

	// Accessors are tried in order; a nil result moves on to the next one.
	rt.statics["AppIOSPlayer shared"] = 0
	rt.statics["AppIOSPlayer sharedPlayer"] = testPlayerPtr
	inst, err := d.FindInstance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testPlayerPtr, inst)

	_, err = NewDiscoverer(newFakeObjC(), DiscoveryConfig{}, nil).FindInstance(context.Background())
	assert.ErrorIs(t, err, ErrDiscoveryFailed)
}
