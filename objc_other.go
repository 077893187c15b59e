//go:build !darwin

package camaudio

import "github.com/rs/zerolog"

// NewPlatformRuntime is only available on Apple platforms.
func NewPlatformRuntime(logger *zerolog.Logger) (ObjCRuntime, MethodHooker, error) {
	return nil, nil, ErrNotSupported
}
