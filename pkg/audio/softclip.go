// ABOUTME: Soft clipping limiter for mixed output
// ABOUTME: Linear below the knee, smoothly saturating toward +-1 above it
package audio

import "math"

// SoftClipKnee is where the limiter starts bending the curve.
const SoftClipKnee = 0.8

// SoftClip limits buf in place. Samples inside the knee pass unchanged;
// beyond it the excess is compressed with tanh so the output never
// exceeds 1.
func SoftClip(buf []float32) {
	const headroom = 1 - SoftClipKnee
	for i, s := range buf {
		a := float32(math.Abs(float64(s)))
		if a <= SoftClipKnee {
			continue
		}
		over := float64(a-SoftClipKnee) / headroom
		v := SoftClipKnee + headroom*float32(math.Tanh(over))
		if s < 0 {
			v = -v
		}
		buf[i] = v
	}
}
