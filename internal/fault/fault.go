// Package fault provides keyed fault injection points for tests. Production
// code consults an injector at well-known points (mount, checkout,
// inodeCheckout); with no faults configured every check is a cheap map miss.
package fault

import (
	"sync"
	"time"
)

// Injector holds configured faults keyed by (class, value). Safe for
// concurrent use.
type Injector struct {
	mu     sync.RWMutex
	faults map[string]fault
}

type fault struct {
	err   error
	delay time.Duration
}

// NewInjector returns an injector with no faults configured.
func NewInjector() *Injector {
	return &Injector{faults: make(map[string]fault)}
}

func key(class, value string) string { return class + "\x00" + value }

// InjectError makes Check(class, value) return err.
func (i *Injector) InjectError(class, value string, err error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.faults[key(class, value)] = fault{err: err}
}

// InjectDelay makes Check(class, value) sleep for d before returning nil.
func (i *Injector) InjectDelay(class, value string, d time.Duration) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.faults[key(class, value)] = fault{delay: d}
}

// Remove clears a configured fault.
func (i *Injector) Remove(class, value string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.faults, key(class, value))
}

// Check consults the injector at a named point. A "*" value matches any
// value in the class.
func (i *Injector) Check(class, value string) error {
	i.mu.RLock()
	f, ok := i.faults[key(class, value)]
	if !ok {
		f, ok = i.faults[key(class, "*")]
	}
	i.mu.RUnlock()
	if !ok {
		return nil
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.err
}
