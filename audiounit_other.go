//go:build !darwin

package camaudio

// NewPlatformAudioUnitHost is only available on Apple platforms.
func NewPlatformAudioUnitHost() (AudioUnitHost, error) {
	return nil, ErrNotSupported
}
