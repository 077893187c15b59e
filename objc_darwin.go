//go:build darwin

package camaudio

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/ebitengine/purego"
	"github.com/rs/zerolog"
)

const libobjcPath = "/usr/lib/libobjc.A.dylib"

var (
	objcOnce    sync.Once
	objcInitErr error
	objcMsgSend uintptr

	objcGetClassList         func(buf *uintptr, count int32) int32
	objcGetClass             func(name string) uintptr
	objcClassGetName         func(cls uintptr) uintptr
	objcSelRegisterName      func(name string) uintptr
	objcClassInstanceMethod  func(cls, sel uintptr) uintptr
	objcClassClassMethod     func(cls, sel uintptr) uintptr
	objcMethodImplementation func(method uintptr) uintptr
	objcMethodSetImpl        func(method, imp uintptr) uintptr
	objcClassInstanceVar     func(cls uintptr, name string) uintptr
	objcIvarOffset           func(ivar uintptr) uintptr
	objcObjectGetClass       func(obj uintptr) uintptr
)

func initObjC() error {
	objcOnce.Do(func() {
		handle, err := purego.Dlopen(libobjcPath, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			objcInitErr = fmt.Errorf("failed to load %s: %w", libobjcPath, err)
			return
		}
		objcMsgSend, err = purego.Dlsym(handle, "objc_msgSend")
		if err != nil {
			objcInitErr = fmt.Errorf("objc_msgSend: %w", err)
			return
		}

		purego.RegisterLibFunc(&objcGetClassList, handle, "objc_getClassList")
		purego.RegisterLibFunc(&objcGetClass, handle, "objc_getClass")
		purego.RegisterLibFunc(&objcClassGetName, handle, "class_getName")
		purego.RegisterLibFunc(&objcSelRegisterName, handle, "sel_registerName")
		purego.RegisterLibFunc(&objcClassInstanceMethod, handle, "class_getInstanceMethod")
		purego.RegisterLibFunc(&objcClassClassMethod, handle, "class_getClassMethod")
		purego.RegisterLibFunc(&objcMethodImplementation, handle, "method_getImplementation")
		purego.RegisterLibFunc(&objcMethodSetImpl, handle, "method_setImplementation")
		purego.RegisterLibFunc(&objcClassInstanceVar, handle, "class_getInstanceVariable")
		purego.RegisterLibFunc(&objcIvarOffset, handle, "ivar_getOffset")
		purego.RegisterLibFunc(&objcObjectGetClass, handle, "object_getClass")
	})
	return objcInitErr
}

// trampoline is the replacement IMP for one class/selector pair. purego
// never frees callbacks, so each pair gets exactly one for the process
// lifetime and re-hooking reuses it.
type trampoline struct {
	imp    uintptr
	orig   atomic.Uintptr
	onCall atomic.Pointer[func(uintptr)]
}

// invoke forwards up to four word-sized arguments to the original
// implementation, then reports the receiver.
func (t *trampoline) invoke(self, cmd, a1, a2, a3, a4 uintptr) uintptr {
	var r1 uintptr
	if orig := t.orig.Load(); orig != 0 {
		r1, _, _ = purego.SyscallN(orig, self, cmd, a1, a2, a3, a4)
	}
	if f := t.onCall.Load(); f != nil {
		(*f)(self)
	}
	return r1
}

// objcBridge implements ObjCRuntime and MethodHooker over libobjc.
type objcBridge struct {
	logger zerolog.Logger

	mu          sync.Mutex
	trampolines map[string]*trampoline
}

// NewPlatformRuntime returns the libobjc runtime adapter and method hooker.
func NewPlatformRuntime(logger *zerolog.Logger) (ObjCRuntime, MethodHooker, error) {
	if err := initObjC(); err != nil {
		return nil, nil, err
	}
	b := &objcBridge{
		logger:      componentLogger(logger, "objc"),
		trampolines: make(map[string]*trampoline),
	}
	return b, b, nil
}

func (b *objcBridge) ClassNames(match func(string) bool) ([]string, error) {
	n := objcGetClassList(nil, 0)
	if n <= 0 {
		return nil, fmt.Errorf("objc_getClassList returned %d", n)
	}
	classes := make([]uintptr, n)
	n = objcGetClassList(&classes[0], n)
	if int(n) < len(classes) {
		classes = classes[:n]
	}

	var out []string
	for _, cls := range classes {
		name := goStringFromPtr(objcClassGetName(cls))
		if name != "" && match(name) {
			out = append(out, name)
		}
	}
	return out, nil
}

func (b *objcBridge) ClassExists(class string) bool {
	return objcGetClass(class) != 0
}

func (b *objcBridge) method(class, selector string) (uintptr, error) {
	cls := objcGetClass(class)
	if cls == 0 {
		return 0, fmt.Errorf("class %s: %w", class, ErrDiscoveryFailed)
	}
	m := objcClassInstanceMethod(cls, objcSelRegisterName(selector))
	if m == 0 {
		return 0, fmt.Errorf("-[%s %s]: %w", class, selector, ErrSymbolNotFound)
	}
	return m, nil
}

func (b *objcBridge) RespondsTo(class, selector string) bool {
	_, err := b.method(class, selector)
	return err == nil
}

func (b *objcBridge) HasIvar(class, ivar string) bool {
	cls := objcGetClass(class)
	return cls != 0 && objcClassInstanceVar(cls, ivar) != 0
}

func (b *objcBridge) ReadIvarPointer(instance uintptr, ivar string) (uintptr, error) {
	if instance == 0 {
		return 0, ErrNoPlayerInstance
	}
	iv := objcClassInstanceVar(objcObjectGetClass(instance), ivar)
	if iv == 0 {
		return 0, fmt.Errorf("ivar %s: %w", ivar, ErrSymbolNotFound)
	}
	off := objcIvarOffset(iv)
	return *(*uintptr)(unsafe.Add(unsafe.Pointer(instance), off)), nil
}

func (b *objcBridge) Send(instance uintptr, selector string, args ...uintptr) (uintptr, error) {
	if instance == 0 {
		return 0, ErrNoPlayerInstance
	}
	all := make([]uintptr, 0, len(args)+2)
	all = append(all, instance, objcSelRegisterName(selector))
	all = append(all, args...)
	r1, _, _ := purego.SyscallN(objcMsgSend, all...)
	return r1, nil
}

func (b *objcBridge) SendClass(class, selector string) (uintptr, error) {
	cls := objcGetClass(class)
	if cls == 0 {
		return 0, fmt.Errorf("class %s: %w", class, ErrDiscoveryFailed)
	}
	sel := objcSelRegisterName(selector)
	if objcClassClassMethod(cls, sel) == 0 {
		return 0, fmt.Errorf("+[%s %s]: %w", class, selector, ErrSymbolNotFound)
	}
	r1, _, _ := purego.SyscallN(objcMsgSend, cls, sel)
	return r1, nil
}

func (b *objcBridge) Hook(class, selector string, onCall func(uintptr)) (func() error, error) {
	m, err := b.method(class, selector)
	if err != nil {
		return nil, err
	}

	key := class + " " + selector
	b.mu.Lock()
	t, ok := b.trampolines[key]
	if !ok {
		t = &trampoline{}
		t.imp = purego.NewCallback(t.invoke)
		b.trampolines[key] = t
	}
	b.mu.Unlock()

	t.onCall.Store(&onCall)
	prev := objcMethodSetImpl(m, t.imp)
	if prev != t.imp {
		t.orig.Store(prev)
	}
	b.logger.Debug().Str("method", key).Msg("implementation swapped")

	return func() error {
		orig := t.orig.Load()
		if orig == 0 {
			return fmt.Errorf("-[%s %s]: no original implementation", class, selector)
		}
		objcMethodSetImpl(m, orig)
		t.onCall.Store(nil)
		return nil
	}, nil
}
