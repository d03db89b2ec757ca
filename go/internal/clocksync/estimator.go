package clocksync

import "sync"

// DefaultWindowSize is the number of round trips collected before an estimate is trusted.
const DefaultWindowSize = 40

// Estimator collects measurements into a bounded window and derives an
// Estimate once the window is full.
type Estimator struct {
	mu       sync.RWMutex
	capacity int
	samples  []Measurement
	estimate Estimate
	synced   bool
}

// NewEstimator creates an estimator with the given window capacity.
func NewEstimator(capacity int) *Estimator {
	if capacity <= 0 {
		capacity = DefaultWindowSize
	}
	return &Estimator{
		capacity: capacity,
		samples:  make([]Measurement, 0, capacity),
	}
}

// Record adds a measurement to the window. It returns true when this
// measurement completed the window and a new estimate was computed.
// Measurements arriving after the window is full are ignored.
func (e *Estimator) Record(m Measurement) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.samples) >= e.capacity {
		return false
	}
	e.samples = append(e.samples, m)
	if len(e.samples) < e.capacity {
		return false
	}

	e.estimate = ComputeEstimate(e.samples)
	e.synced = true
	return true
}

// Reset drops all samples and the current estimate. Used on reconnect.
func (e *Estimator) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.samples = e.samples[:0]
	e.estimate = Estimate{}
	e.synced = false
}

// BeginResync clears the window for a fresh round while the last estimate
// stays in use until the new window fills.
func (e *Estimator) BeginResync() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.samples = e.samples[:0]
}

// Estimate returns the current estimate and whether one exists.
func (e *Estimator) Estimate() (Estimate, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.estimate, e.synced
}

// Synced reports whether a full window has been collected since the last Reset.
func (e *Estimator) Synced() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.synced
}

// Collecting reports whether the current window still needs measurements.
func (e *Estimator) Collecting() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.samples) < e.capacity
}

// Count returns the number of measurements in the current window.
func (e *Estimator) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.samples)
}

// Capacity returns the window size.
func (e *Estimator) Capacity() int {
	return e.capacity
}
