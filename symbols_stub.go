//go:build !darwin && !linux

package camaudio

func openSymbolTable(path string) (SymbolTable, error) {
	return nil, ErrNotSupported
}

func callNative(addr uintptr, args ...uintptr) (uintptr, error) {
	return 0, ErrNotSupported
}

func bindNative(fptr any, addr uintptr) error {
	return ErrNotSupported
}

func newNativeCallback(fn any) uintptr {
	return 0
}
