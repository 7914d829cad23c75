package eventbus

import "sync"

// Flight is a single-flight guard with states idle and in-flight. Concurrent
// triggers collapse into the one caller that won TryBegin.
type Flight struct {
	mu       sync.Mutex
	inFlight bool
}

// TryBegin moves the guard to in-flight. It returns false if an operation
// is already in flight.
func (f *Flight) TryBegin() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.inFlight {
		return false
	}
	f.inFlight = true
	return true
}

// End moves the guard back to idle
func (f *Flight) End() {
	f.mu.Lock()
	f.inFlight = false
	f.mu.Unlock()
}

// InFlight reports whether an operation is in flight
func (f *Flight) InFlight() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inFlight
}
