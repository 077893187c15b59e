//go:build darwin

package camaudio

import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
)

const audioToolboxPath = "/System/Library/Frameworks/AudioToolbox.framework/AudioToolbox"

// AudioToolbox constants.
const (
	kAudioUnitTypeOutput            = 0x61756F75 // 'auou'
	kAudioUnitSubTypeRemoteIO       = 0x72696F63 // 'rioc'
	kAudioUnitSubTypeDefaultOutput  = 0x64656620 // 'def '
	kAudioUnitManufacturerApple     = 0x6170706C // 'appl'
	kAudioFormatLinearPCM           = 0x6C70636D // 'lpcm'
	kAudioFormatFlagIsSignedInteger = 1 << 2
	kAudioFormatFlagIsPacked        = 1 << 3
	kAudioUnitPropertyStreamFormat  = 8
	kAudioUnitScopeInput            = 1
)

type audioComponentDescription struct {
	Type, SubType, Manufacturer, Flags, FlagsMask uint32
}

type audioStreamBasicDescription struct {
	SampleRate       float64
	FormatID         uint32
	FormatFlags      uint32
	BytesPerPacket   uint32
	FramesPerPacket  uint32
	BytesPerFrame    uint32
	ChannelsPerFrame uint32
	BitsPerChannel   uint32
	Reserved         uint32
}

// audioBufferList mirrors AudioBufferList with its first AudioBuffer.
type audioBufferList struct {
	NumberBuffers  uint32
	NumberChannels uint32 // mBuffers[0]
	DataByteSize   uint32
	_              uint32
	Data           uintptr
}

var (
	atOnce    sync.Once
	atInitErr error

	auAddRenderNotify    func(unit, proc, refCon uintptr) int32
	auRemoveRenderNotify func(unit, proc, refCon uintptr) int32
	acFindNext           func(component uintptr, desc *audioComponentDescription) uintptr
	acInstanceNew        func(component uintptr, out *uintptr) int32
	acInstanceDispose    func(unit uintptr) int32
	auSetProperty        func(unit uintptr, id, scope, element uint32, data unsafe.Pointer, size uint32) int32
	auInitialize         func(unit uintptr) int32
	auUninitialize       func(unit uintptr) int32

	renderCallback     uintptr
	renderCallbackOnce sync.Once

	renderNotifiesMu sync.RWMutex
	renderNotifies   = make(map[uintptr]RenderNotifyFunc)
	renderCounter    uintptr
)

func initAudioToolbox() error {
	atOnce.Do(func() {
		handle, err := purego.Dlopen(audioToolboxPath, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			atInitErr = fmt.Errorf("failed to load AudioToolbox: %w", err)
			return
		}
		purego.RegisterLibFunc(&auAddRenderNotify, handle, "AudioUnitAddRenderNotify")
		purego.RegisterLibFunc(&auRemoveRenderNotify, handle, "AudioUnitRemoveRenderNotify")
		purego.RegisterLibFunc(&acFindNext, handle, "AudioComponentFindNext")
		purego.RegisterLibFunc(&acInstanceNew, handle, "AudioComponentInstanceNew")
		purego.RegisterLibFunc(&acInstanceDispose, handle, "AudioComponentInstanceDispose")
		purego.RegisterLibFunc(&auSetProperty, handle, "AudioUnitSetProperty")
		purego.RegisterLibFunc(&auInitialize, handle, "AudioUnitInitialize")
		purego.RegisterLibFunc(&auUninitialize, handle, "AudioUnitUninitialize")
	})
	return atInitErr
}

func initRenderCallback() {
	renderCallbackOnce.Do(func() {
		renderCallback = purego.NewCallback(renderNotifyHandler)
	})
}

// renderNotifyHandler is the AURenderCallback shared by every tap. Only
// refCon, the flags pointer and ioData are read.
func renderNotifyHandler(refCon, flagsPtr, timestamp, bus, frames, ioData uintptr) uintptr {
	renderNotifiesMu.RLock()
	fn := renderNotifies[refCon]
	renderNotifiesMu.RUnlock()
	if fn == nil || flagsPtr == 0 {
		return 0
	}

	flags := RenderFlags(*(*uint32)(unsafe.Pointer(flagsPtr)))
	var samples []int16
	if ioData != 0 {
		abl := (*audioBufferList)(unsafe.Pointer(ioData))
		if abl.NumberBuffers > 0 && abl.Data != 0 && abl.DataByteSize >= 2 {
			samples = unsafe.Slice((*int16)(unsafe.Pointer(abl.Data)), abl.DataByteSize/2)
		}
	}
	fn(flags, samples)
	return 0
}

// toolboxHost implements AudioUnitHost over AudioToolbox.
type toolboxHost struct{}

// NewPlatformAudioUnitHost returns the AudioToolbox host.
func NewPlatformAudioUnitHost() (AudioUnitHost, error) {
	if err := initAudioToolbox(); err != nil {
		return nil, err
	}
	initRenderCallback()
	return toolboxHost{}, nil
}

func (toolboxHost) AddRenderNotify(unit AudioUnitRef, fn RenderNotifyFunc) (func() error, error) {
	renderNotifiesMu.Lock()
	renderCounter++
	id := renderCounter
	renderNotifies[id] = fn
	renderNotifiesMu.Unlock()

	if st := auAddRenderNotify(uintptr(unit), renderCallback, id); st != 0 {
		renderNotifiesMu.Lock()
		delete(renderNotifies, id)
		renderNotifiesMu.Unlock()
		return nil, fmt.Errorf("AudioUnitAddRenderNotify: OSStatus %d", st)
	}

	return func() error {
		st := auRemoveRenderNotify(uintptr(unit), renderCallback, id)
		renderNotifiesMu.Lock()
		delete(renderNotifies, id)
		renderNotifiesMu.Unlock()
		if st != 0 {
			return fmt.Errorf("AudioUnitRemoveRenderNotify: OSStatus %d", st)
		}
		return nil
	}, nil
}

func (toolboxHost) NewOutputUnit(format StreamFormat) (AudioUnitRef, error) {
	desc := audioComponentDescription{
		Type:         kAudioUnitTypeOutput,
		SubType:      kAudioUnitSubTypeDefaultOutput,
		Manufacturer: kAudioUnitManufacturerApple,
	}
	if runtime.GOOS == "ios" {
		desc.SubType = kAudioUnitSubTypeRemoteIO
	}
	comp := acFindNext(0, &desc)
	if comp == 0 {
		return 0, fmt.Errorf("output audio component: %w", ErrNotSupported)
	}

	var unit uintptr
	if st := acInstanceNew(comp, &unit); st != 0 || unit == 0 {
		return 0, fmt.Errorf("AudioComponentInstanceNew: OSStatus %d", st)
	}

	bytesPerFrame := format.Channels * format.BitsPerChannel / 8
	asbd := audioStreamBasicDescription{
		SampleRate:       format.SampleRate,
		FormatID:         kAudioFormatLinearPCM,
		FormatFlags:      kAudioFormatFlagIsSignedInteger | kAudioFormatFlagIsPacked,
		BytesPerPacket:   bytesPerFrame,
		FramesPerPacket:  1,
		BytesPerFrame:    bytesPerFrame,
		ChannelsPerFrame: format.Channels,
		BitsPerChannel:   format.BitsPerChannel,
	}
	st := auSetProperty(unit, kAudioUnitPropertyStreamFormat, kAudioUnitScopeInput, 0,
		unsafe.Pointer(&asbd), uint32(unsafe.Sizeof(asbd)))
	runtime.KeepAlive(&asbd)
	if st != 0 {
		acInstanceDispose(unit)
		return 0, fmt.Errorf("set stream format %s: OSStatus %d", format, st)
	}
	if st := auInitialize(unit); st != 0 {
		acInstanceDispose(unit)
		return 0, fmt.Errorf("AudioUnitInitialize: OSStatus %d", st)
	}
	return AudioUnitRef(unit), nil
}

func (toolboxHost) DisposeUnit(unit AudioUnitRef) error {
	auUninitialize(uintptr(unit))
	if st := acInstanceDispose(uintptr(unit)); st != 0 {
		return fmt.Errorf("AudioComponentInstanceDispose: OSStatus %d", st)
	}
	return nil
}
