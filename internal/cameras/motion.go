package cameras

import "sync"

// MotionFlags records which cameras currently report motion. The daemon's
// event hooks set the flag; the UI reads it.
type MotionFlags struct {
	mu       sync.RWMutex
	detected map[int]bool
}

// NewMotionFlags returns an empty flag set.
func NewMotionFlags() *MotionFlags {
	return &MotionFlags{detected: make(map[int]bool)}
}

// Set records the motion state for a camera.
func (f *MotionFlags) Set(id int, detected bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if detected {
		f.detected[id] = true
		return
	}
	delete(f.detected, id)
}

// Detected reports the last recorded state; unknown cameras report false.
func (f *MotionFlags) Detected(id int) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.detected[id]
}

// Clear forgets every flag. It runs whenever the daemon is stopped with its
// sessions invalidated.
func (f *MotionFlags) Clear() {
	f.mu.Lock()
	f.detected = make(map[int]bool)
	f.mu.Unlock()
}
