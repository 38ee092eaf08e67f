// ABOUTME: High-quality fixed-rate resampler backed by go-audio-resampling
// ABOUTME: Converts codec-rate audio to the output device rate
package resample

import (
	"fmt"

	"github.com/Resonate-Protocol/resonate-voice/pkg/audio"
	resampling "github.com/tphakala/go-audio-resampling"
)

// maxEmptyPulls bounds how often Read feeds the filter without getting
// output back while its delay line fills.
const maxEmptyPulls = 16

// HQ converts a source between two fixed rates with a polyphase filter.
type HQ struct {
	src      audio.Source
	channels int
	inRate   int
	outRate  int

	rs      resampling.Resampler
	pending []float32
	in      []float32
	in64    []float64
	done    bool
}

// NewHQ creates a converter from inRate to outRate.
func NewHQ(src audio.Source, channels, inRate, outRate int) (*HQ, error) {
	h := &HQ{src: src, channels: channels, inRate: inRate, outRate: outRate}
	if err := h.init(); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *HQ) init() error {
	rs, err := resampling.New(&resampling.Config{
		InputRate:  float64(h.inRate),
		OutputRate: float64(h.outRate),
		Channels:   h.channels,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return fmt.Errorf("failed to create resampler: %w", err)
	}
	h.rs = rs
	return nil
}

// Read fills out with converted audio. It reports completion once upstream
// has completed and everything converted so far was delivered.
func (h *HQ) Read(out []float32) bool {
	for tries := 0; len(h.pending) < len(out) && !h.done && tries < maxEmptyPulls; tries++ {
		before := len(h.pending)
		if err := h.fill(len(out) - len(h.pending)); err != nil {
			h.done = true
			break
		}
		if len(h.pending) > before {
			tries = 0
		}
	}

	n := copy(out, h.pending)
	audio.Silence(out[n:])
	h.pending = h.pending[:copy(h.pending, h.pending[n:])]
	return h.done && len(h.pending) == 0
}

func (h *HQ) fill(want int) error {
	frames := (want/h.channels)*h.inRate/h.outRate + 1
	size := frames * h.channels
	if cap(h.in) < size {
		h.in = make([]float32, size)
		h.in64 = make([]float64, size)
	}
	in, in64 := h.in[:size], h.in64[:size]

	if h.src.Read(in) {
		h.done = true
	}
	for i, s := range in {
		in64[i] = float64(s)
	}
	out, err := h.rs.Process(in64)
	if err != nil {
		return fmt.Errorf("resample error: %w", err)
	}
	for _, s := range out {
		h.pending = append(h.pending, float32(s))
	}
	return nil
}

// Reset drops buffered audio and rebuilds the filter.
func (h *HQ) Reset() error {
	h.pending = h.pending[:0]
	h.done = false
	return h.init()
}
