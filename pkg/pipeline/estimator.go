// ABOUTME: Windowed standard deviation of packet arrival delays
// ABOUTME: Feeds the activation delay of new speech sessions
package pipeline

import (
	"math"
	"sync"
	"time"
)

// DefaultEstimatorWindow is the number of arrival samples kept.
const DefaultEstimatorWindow = 128

// JitterEstimator tracks the spread of packet arrival delays for one
// speaker across speech sessions.
type JitterEstimator struct {
	mu      sync.Mutex
	samples []float64 // seconds, ring buffer
	next    int
	count   int
}

// NewJitterEstimator keeps the last window samples.
func NewJitterEstimator(window int) *JitterEstimator {
	if window <= 0 {
		window = DefaultEstimatorWindow
	}
	return &JitterEstimator{samples: make([]float64, window)}
}

// Add records one arrival delay.
func (e *JitterEstimator) Add(delay time.Duration) {
	e.mu.Lock()
	e.samples[e.next] = delay.Seconds()
	e.next = (e.next + 1) % len(e.samples)
	if e.count < len(e.samples) {
		e.count++
	}
	e.mu.Unlock()
}

// StdDev is the standard deviation of the recorded delays.
func (e *JitterEstimator) StdDev() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.count < 2 {
		return 0
	}
	var sum float64
	for _, s := range e.samples[:e.count] {
		sum += s
	}
	mean := sum / float64(e.count)
	var sq float64
	for _, s := range e.samples[:e.count] {
		d := s - mean
		sq += d * d
	}
	return time.Duration(math.Sqrt(sq/float64(e.count)) * float64(time.Second))
}

// Confidence grows from 0 to 1 as the window fills.
func (e *JitterEstimator) Confidence() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return float64(e.count) / float64(len(e.samples))
}

// Clear drops every sample.
func (e *JitterEstimator) Clear() {
	e.mu.Lock()
	e.next = 0
	e.count = 0
	e.mu.Unlock()
}
