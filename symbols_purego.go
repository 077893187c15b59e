//go:build darwin || linux

package camaudio

import (
	"fmt"

	"github.com/ebitengine/purego"
)

// dlSymbolTable resolves names with dlsym.
type dlSymbolTable struct {
	handle uintptr
	path   string
}

func openSymbolTable(path string) (SymbolTable, error) {
	if path == "" {
		// The vendor SDK is statically linked into the host process.
		return &dlSymbolTable{handle: purego.RTLD_DEFAULT}, nil
	}
	handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}
	return &dlSymbolTable{handle: handle, path: path}, nil
}

func (t *dlSymbolTable) Lookup(name string) (uintptr, error) {
	return purego.Dlsym(t.handle, name)
}

func callNative(addr uintptr, args ...uintptr) (uintptr, error) {
	r1, _, _ := purego.SyscallN(addr, args...)
	return r1, nil
}

// bindNative wraps purego.RegisterFunc, which panics on unsupported
// function types.
func bindNative(fptr any, addr uintptr) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("bind native function: %v", r)
		}
	}()
	purego.RegisterFunc(fptr, addr)
	return nil
}

// newNativeCallback returns a C function pointer that calls fn. purego never
// frees callbacks, so callers create each one once.
func newNativeCallback(fn any) uintptr {
	return purego.NewCallback(fn)
}
