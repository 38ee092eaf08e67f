// ABOUTME: Pipelines pooled per codec, frame size and sample rate
// ABOUTME: Checkout is exclusive and always returns a fully reset pipeline
package pipeline

import (
	"fmt"
	"sync"

	"github.com/Resonate-Protocol/resonate-voice/pkg/audio"
	"github.com/Resonate-Protocol/resonate-voice/pkg/pool"
	"github.com/Resonate-Protocol/resonate-voice/pkg/wire"
)

// Key groups interchangeable pipelines.
type Key struct {
	Codec      wire.Codec
	FrameSize  int
	SampleRate int
}

// KeyOf returns the pool key for a format.
func KeyOf(f audio.Format) Key {
	return Key{Codec: f.Codec, FrameSize: f.FrameSize, SampleRate: f.SampleRate}
}

// maxIdlePerKey bounds idle pipelines kept for each key.
const maxIdlePerKey = 8

// Pool hands out pipelines that share one template config.
type Pool struct {
	template Config

	mu    sync.Mutex
	pools map[Key]*pool.Pool[*Pipeline]
}

// NewPool creates a pool. template.Format is replaced on every Get.
func NewPool(template Config) *Pool {
	return &Pool{
		template: template,
		pools:    make(map[Key]*pool.Pool[*Pipeline]),
	}
}

func (p *Pool) poolFor(f audio.Format) *pool.Pool[*Pipeline] {
	key := KeyOf(f)
	p.mu.Lock()
	defer p.mu.Unlock()
	pp, ok := p.pools[key]
	if !ok {
		cfg := p.template
		cfg.Format = f
		pp = pool.New(func() (*Pipeline, error) {
			return New(cfg)
		}, (*Pipeline).Reset, maxIdlePerKey)
		p.pools[key] = pp
	}
	return pp
}

// Get checks out a reset pipeline for f with est attached.
func (p *Pool) Get(f audio.Format, est *JitterEstimator) (*Pipeline, error) {
	pl, err := p.poolFor(f).Get()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline for %s: %w", f, err)
	}
	pl.SetEstimator(est)
	return pl, nil
}

// Put returns a pipeline. Pipelines beyond the idle limit are closed.
func (p *Pool) Put(pl *Pipeline) error {
	dropped, err := p.poolFor(pl.Format()).Put(pl)
	if err != nil {
		return err
	}
	if dropped {
		return pl.Close()
	}
	return nil
}
