package camaudio

import (
	"errors"
	"fmt"
	"sync"
)

// fakeObjC is an in-memory object model implementing ObjCRuntime and
// MethodHooker. Calling a method runs the installed wrapper, if any.
type fakeObjC struct {
	mu       sync.Mutex
	classes  map[string]map[string]bool // class -> selector set
	ivars    map[string]map[string]bool // class -> ivar set
	objects  map[uintptr]map[string]uintptr
	hooks    map[string]func(uintptr)
	sent     []string
	failHook map[string]bool
	statics  map[string]uintptr // "class selector" -> class method result
}

func newFakeObjC() *fakeObjC {
	return &fakeObjC{
		classes:  make(map[string]map[string]bool),
		ivars:    make(map[string]map[string]bool),
		objects:  make(map[uintptr]map[string]uintptr),
		hooks:    make(map[string]func(uintptr)),
		failHook: make(map[string]bool),
		statics:  make(map[string]uintptr),
	}
}

func (f *fakeObjC) addClass(name string, selectors []string, ivars []string) {
	f.classes[name] = make(map[string]bool)
	for _, s := range selectors {
		f.classes[name][s] = true
	}
	f.ivars[name] = make(map[string]bool)
	for _, iv := range ivars {
		f.ivars[name][iv] = true
	}
}

func (f *fakeObjC) addObject(ptr uintptr, ivars map[string]uintptr) {
	f.objects[ptr] = ivars
}

// call simulates the vendor invoking a method on an instance.
func (f *fakeObjC) call(instance uintptr, class, selector string) {
	f.mu.Lock()
	hook := f.hooks[class+" "+selector]
	f.mu.Unlock()
	if hook != nil {
		hook(instance)
	}
}

func (f *fakeObjC) hooked(class, selector string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.hooks[class+" "+selector]
	return ok
}

func (f *fakeObjC) ClassNames(match func(string) bool) ([]string, error) {
	var out []string
	for name := range f.classes {
		if match(name) {
			out = append(out, name)
		}
	}
	return out, nil
}

func (f *fakeObjC) ClassExists(class string) bool {
	_, ok := f.classes[class]
	return ok
}

func (f *fakeObjC) RespondsTo(class, selector string) bool {
	return f.classes[class][selector]
}

func (f *fakeObjC) HasIvar(class, ivar string) bool {
	return f.ivars[class][ivar]
}

func (f *fakeObjC) ReadIvarPointer(instance uintptr, ivar string) (uintptr, error) {
	obj, ok := f.objects[instance]
	if !ok {
		return 0, ErrNoPlayerInstance
	}
	v, ok := obj[ivar]
	if !ok {
		return 0, fmt.Errorf("ivar %s: %w", ivar, ErrSymbolNotFound)
	}
	return v, nil
}

func (f *fakeObjC) Send(instance uintptr, selector string, args ...uintptr) (uintptr, error) {
	if instance == 0 {
		return 0, ErrNoPlayerInstance
	}
	f.mu.Lock()
	f.sent = append(f.sent, fmt.Sprintf("%#x %s %v", instance, selector, args))
	f.mu.Unlock()
	return 0, nil
}

func (f *fakeObjC) SendClass(class, selector string) (uintptr, error) {
	if _, ok := f.classes[class]; !ok {
		return 0, ErrDiscoveryFailed
	}
	v, ok := f.statics[class+" "+selector]
	if !ok {
		return 0, ErrSymbolNotFound
	}
	return v, nil
}

func (f *fakeObjC) Hook(class, selector string, onCall func(uintptr)) (func() error, error) {
	if f.failHook[selector] {
		return nil, errors.New("swap refused")
	}
	if !f.classes[class][selector] {
		return nil, ErrSymbolNotFound
	}
	key := class + " " + selector
	f.mu.Lock()
	f.hooks[key] = onCall
	f.mu.Unlock()
	return func() error {
		f.mu.Lock()
		delete(f.hooks, key)
		f.mu.Unlock()
		return nil
	}, nil
}
