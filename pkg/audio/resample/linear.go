// ABOUTME: Variable-ratio linear interpolation resampler
// ABOUTME: Pulls exactly the input frames each output block needs
package resample

import "github.com/Resonate-Protocol/resonate-voice/pkg/audio"

// Linear resamples an upstream source by linear interpolation. Ratio is
// input frames consumed per output frame, so 1.1 plays 10% faster.
type Linear struct {
	src      audio.Source
	channels int
	ratio    float64

	frac     float64
	cur      []float32
	next     []float32
	primed   bool
	scratch  []float32
	consumed uint64
	done     bool
}

// NewLinear wraps src.
func NewLinear(src audio.Source, channels int, ratio float64) *Linear {
	if channels <= 0 {
		channels = 1
	}
	if ratio <= 0 {
		ratio = 1
	}
	return &Linear{
		src:      src,
		channels: channels,
		ratio:    ratio,
		cur:      make([]float32, channels),
		next:     make([]float32, channels),
	}
}

// NewLinearRates wraps src converting from inRate to outRate.
func NewLinearRates(src audio.Source, channels, inRate, outRate int) *Linear {
	return NewLinear(src, channels, float64(inRate)/float64(outRate))
}

// SetRatio changes the ratio from the next Read on.
func (r *Linear) SetRatio(ratio float64) {
	if ratio > 0 {
		r.ratio = ratio
	}
}

// Ratio returns the current ratio.
func (r *Linear) Ratio() float64 { return r.ratio }

// Consumed is the number of upstream frames pulled so far.
func (r *Linear) Consumed() uint64 { return r.consumed }

// InputFramesNeeded reports how many upstream frames the next Read of
// outFrames frames will pull, excluding the initial two priming frames.
func (r *Linear) InputFramesNeeded(outFrames int) int {
	f := r.frac
	need := 0
	for i := 0; i < outFrames; i++ {
		f += r.ratio
		for f >= 1 {
			f--
			need++
		}
	}
	return need
}

func (r *Linear) pull(n int) []float32 {
	size := n * r.channels
	if cap(r.scratch) < size {
		r.scratch = make([]float32, size)
	}
	buf := r.scratch[:size]
	if r.done {
		audio.Silence(buf)
	} else if size > 0 && r.src.Read(buf) {
		r.done = true
	}
	r.consumed += uint64(n)
	return buf
}

// Read fills out and reports completion once upstream has completed.
func (r *Linear) Read(out []float32) bool {
	frames := len(out) / r.channels
	if frames == 0 {
		return r.done
	}
	if !r.primed {
		in := r.pull(2)
		copy(r.cur, in[:r.channels])
		copy(r.next, in[r.channels:])
		r.primed = true
	}

	in := r.pull(r.InputFramesNeeded(frames))
	j := 0
	for i := 0; i < frames; i++ {
		for c := 0; c < r.channels; c++ {
			a, b := r.cur[c], r.next[c]
			out[i*r.channels+c] = a + (b-a)*float32(r.frac)
		}
		r.frac += r.ratio
		for r.frac >= 1 {
			r.frac--
			copy(r.cur, r.next)
			copy(r.next, in[j*r.channels:(j+1)*r.channels])
			j++
		}
	}
	return r.done
}

// Reset forgets interpolation state and counters.
func (r *Linear) Reset() {
	r.frac = 0
	r.primed = false
	r.consumed = 0
	r.done = false
	clear(r.cur)
	clear(r.next)
}
