package camaudio

import (
	"context"
	"fmt"
)

// VendorAudio is the vendor SDK's own start/stop/mute surface.
type VendorAudio interface {
	StartVoice(ctx context.Context) error
	StopVoice(ctx context.Context) error
	SetMute(muted bool) error
}

// PlayerVendor drives the vendor player instance by message send. The
// instance captured by the interceptor wins; before the vendor has touched a
// hooked method, the discoverer's class accessors are asked for one.
type PlayerVendor struct {
	Runtime     ObjCRuntime
	Interceptor *MethodInterceptor
	Discoverer  *Discoverer
}

func (v *PlayerVendor) instance(ctx context.Context) (uintptr, error) {
	if v.Interceptor != nil {
		if inst, ok := v.Interceptor.Instance(); ok {
			return inst, nil
		}
	}
	if v.Discoverer == nil {
		return 0, ErrNoPlayerInstance
	}
	return v.Discoverer.FindInstance(ctx)
}

func (v *PlayerVendor) send(ctx context.Context, selector string, args ...uintptr) error {
	if v.Runtime == nil {
		return fmt.Errorf("%s: %w", selector, ErrNotSupported)
	}
	inst, err := v.instance(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", selector, err)
	}
	_, err = v.Runtime.Send(inst, selector, args...)
	return err
}

func (v *PlayerVendor) StartVoice(ctx context.Context) error { return v.send(ctx, "startVoice") }
func (v *PlayerVendor) StopVoice(ctx context.Context) error  { return v.send(ctx, "stopVoice") }

func (v *PlayerVendor) SetMute(muted bool) error {
	var arg uintptr
	if muted {
		arg = 1
	}
	return v.send(context.Background(), "setMute:", arg)
}

// FuncVendor adapts plain functions, typically a host plugin bridge, to
// VendorAudio. Nil functions succeed without doing anything.
type FuncVendor struct {
	Start func(ctx context.Context) error
	Stop  func(ctx context.Context) error
	Mute  func(muted bool) error
}

func (f FuncVendor) StartVoice(ctx context.Context) error {
	if f.Start == nil {
		return nil
	}
	return f.Start(ctx)
}

func (f FuncVendor) StopVoice(ctx context.Context) error {
	if f.Stop == nil {
		return nil
	}
	return f.Stop(ctx)
}

func (f FuncVendor) SetMute(muted bool) error {
	if f.Mute == nil {
		return nil
	}
	return f.Mute(muted)
}
