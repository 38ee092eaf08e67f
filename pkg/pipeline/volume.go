// ABOUTME: Click-free gain changes for a speaker's stream
// ABOUTME: Interpolates from the current gain to the target across each buffer
package pipeline

import (
	"math"
	"sync/atomic"
)

// VolumeRamp applies a gain that moves smoothly toward its target. The
// target may be set from any goroutine; Apply runs on the audio side.
type VolumeRamp struct {
	target  atomic.Uint32 // float32 bits
	current float32
}

// NewVolumeRamp starts at gain g with no ramp pending.
func NewVolumeRamp(g float32) *VolumeRamp {
	v := &VolumeRamp{current: g}
	v.SetTarget(g)
	return v
}

// SetTarget sets the gain to reach by the end of the next buffer.
func (v *VolumeRamp) SetTarget(g float32) {
	if g < 0 {
		g = 0
	}
	v.target.Store(math.Float32bits(g))
}

// Target returns the requested gain.
func (v *VolumeRamp) Target() float32 {
	return math.Float32frombits(v.target.Load())
}

// Current returns the gain reached at the end of the last buffer.
func (v *VolumeRamp) Current() float32 { return v.current }

// Apply scales buf, interleaved with the given channel count.
func (v *VolumeRamp) Apply(buf []float32, channels int) {
	target := v.Target()
	frames := len(buf) / channels
	if frames == 0 {
		return
	}
	if target == v.current {
		if target == 1 {
			return
		}
		for i := range buf {
			buf[i] *= target
		}
		return
	}
	step := (target - v.current) / float32(frames)
	g := v.current
	for f := 0; f < frames; f++ {
		g += step
		for c := 0; c < channels; c++ {
			buf[f*channels+c] *= g
		}
	}
	v.current = target
}

// Snap jumps straight to g.
func (v *VolumeRamp) Snap(g float32) {
	v.SetTarget(g)
	v.current = v.Target()
}
