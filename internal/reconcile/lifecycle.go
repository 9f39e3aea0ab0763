package reconcile

import "sync"

// Lifecycle tracks whether a view is active. Each activation hands out a
// generation token; async work captures it at start and checks IsCurrent
// before applying anything.
type Lifecycle struct {
	mu     sync.Mutex
	active bool
	gen    uint64
}

func NewLifecycle() *Lifecycle {
	return &Lifecycle{}
}

// Activate marks the view active and returns the current generation. Calling
// it while already active returns the same generation.
func (l *Lifecycle) Activate() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.active = true
	return l.gen
}

// Deactivate marks the view inactive and invalidates every outstanding token.
// onDeactivate, if non-nil, runs under the lifecycle lock after the switch,
// so no Activate or Guard can interleave with it. Like Guard's fn it must not
// call back into the Lifecycle.
func (l *Lifecycle) Deactivate(onDeactivate func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active {
		l.active = false
		l.gen++
	}
	if onDeactivate != nil {
		onDeactivate()
	}
}

func (l *Lifecycle) Active() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

func (l *Lifecycle) Generation() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.gen
}

func (l *Lifecycle) IsCurrent(gen uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active && l.gen == gen
}

// Guard runs fn only if gen is still current, holding the lifecycle lock for
// the duration so a concurrent Deactivate cannot interleave between the check
// and the apply. fn must not call back into the Lifecycle.
func (l *Lifecycle) Guard(gen uint64, fn func()) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.active || l.gen != gen {
		return false
	}
	if fn != nil {
		fn()
	}
	return true
}
