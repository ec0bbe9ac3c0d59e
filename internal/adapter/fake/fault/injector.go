// Package fault injects failures into fake adapters at named points.
package fault

import "sync"

// Hook inspects the arguments of a call and may fail it.
type Hook func(args ...any) error

type point struct {
	once   []error
	always error
	hook   Hook
}

// Injector holds per-point faults. The zero value is ready to use.
type Injector struct {
	mu     sync.Mutex
	points map[string]*point
}

// FailOnce queues err for the next evaluation of name. Calls stack: two
// FailOnce calls fail the next two evaluations.
func (i *Injector) FailOnce(name string, err error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	p := i.point(name)
	p.once = append(p.once, err)
}

// FailAlways fails every evaluation of name until Clear.
func (i *Injector) FailAlways(name string, err error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.point(name).always = err
}

// SetHook installs an argument-aware hook for name.
func (i *Injector) SetHook(name string, hook Hook) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.point(name).hook = hook
}

func (i *Injector) Clear(name string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.points, name)
}

// Eval reports the fault for this call of name, if any.
// Precedence: hook, then queued one-shot errors, then the persistent error.
// Injected errors are returned unwrapped so callers can match their class.
func (i *Injector) Eval(name string, args ...any) error {
	i.mu.Lock()
	p := i.points[name]
	if p == nil {
		i.mu.Unlock()
		return nil
	}
	hook := p.hook
	var once error
	if len(p.once) > 0 {
		once = p.once[0]
		p.once = p.once[1:]
	}
	always := p.always
	i.mu.Unlock()

	if hook != nil {
		if err := hook(args...); err != nil {
			return err
		}
	}
	if once != nil {
		return once
	}
	return always
}

func (i *Injector) point(name string) *point {
	if i.points == nil {
		i.points = make(map[string]*point)
	}
	p, ok := i.points[name]
	if !ok {
		p = &point{}
		i.points[name] = p
	}
	return p
}

