// ABOUTME: Offline network simulator for the voice playback chain
// ABOUTME: Runs sender, impaired link, receiver and mixer on a virtual clock
package main

import (
	"container/heap"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/Resonate-Protocol/resonate-voice/internal/source"
	"github.com/Resonate-Protocol/resonate-voice/pkg/audio"
	"github.com/Resonate-Protocol/resonate-voice/pkg/audio/encode"
	"github.com/Resonate-Protocol/resonate-voice/pkg/channel"
	"github.com/Resonate-Protocol/resonate-voice/pkg/pipeline"
	vsync "github.com/Resonate-Protocol/resonate-voice/pkg/sync"
	"github.com/Resonate-Protocol/resonate-voice/pkg/voice"
	"github.com/sirupsen/logrus"
)

const (
	simSession  = 0x51A1
	senderID    = 1
	listenerID  = 2
	sampleEvery = time.Second
)

// Impairment describes the simulated link.
type Impairment struct {
	Delay  time.Duration
	Jitter time.Duration
	// Loss is the probability a packet never arrives.
	Loss float64
	// Duplicate is the probability a packet arrives twice.
	Duplicate float64
}

// SimConfig describes one run.
type SimConfig struct {
	Format   audio.Format
	Duration time.Duration
	Link     Impairment
	// DriftPPM makes the device consume audio faster (positive) or
	// slower than the sender produces it.
	DriftPPM float64
	// TalkFor and PauseFor alternate speech and silence. Zero TalkFor
	// talks for the whole run.
	TalkFor  time.Duration
	PauseFor time.Duration
	Seed     uint64
	Logger   logrus.FieldLogger
}

// Sample is the listener state at one point of virtual time.
type Sample struct {
	At       time.Duration
	Talking  bool
	Playing  bool
	Pending  int
	Loss     float64
	Desync   time.Duration
	Rate     float64
	Skips    uint64
	Received uint64
}

// Result summarises a run.
type Result struct {
	Samples   []Sample
	Sent      uint64
	Lost      uint64
	Delivered uint64
	Events    map[voice.EventType]int
}

type delivery struct {
	at     time.Duration
	order  uint64
	packet []byte
}

// deliveries orders in-flight packets by arrival time.
type deliveries []delivery

func (d deliveries) Len() int { return len(d) }
func (d deliveries) Less(i, j int) bool {
	if d[i].at != d[j].at {
		return d[i].at < d[j].at
	}
	return d[i].order < d[j].order
}
func (d deliveries) Swap(i, j int) { d[i], d[j] = d[j], d[i] }
func (d *deliveries) Push(x any)   { *d = append(*d, x.(delivery)) }
func (d *deliveries) Pop() any {
	old := *d
	n := len(old)
	x := old[n-1]
	*d = old[:n-1]
	return x
}

// link is the sender's transport. It schedules each packet on the
// virtual timeline.
type link struct {
	cfg     Impairment
	rng     *rand.Rand
	now     *time.Duration
	queue   deliveries
	order   uint64
	sent    uint64
	lost    uint64
	flights uint64
}

func (l *link) schedule(p []byte) {
	l.sent++
	if l.rng.Float64() < l.cfg.Loss {
		l.lost++
		return
	}
	copies := 1
	if l.rng.Float64() < l.cfg.Duplicate {
		copies = 2
	}
	for range copies {
		delay := l.cfg.Delay + time.Duration(l.rng.NormFloat64()*float64(l.cfg.Jitter))
		if delay < 0 {
			delay = 0
		}
		l.order++
		heap.Push(&l.queue, delivery{at: *l.now + delay, order: l.order, packet: append([]byte(nil), p...)})
	}
}

func (l *link) SendUnreliable(p []byte, _ []uint16) error {
	l.schedule(p)
	return nil
}

func (l *link) SendReliable(p []byte, _ []uint16) error {
	l.schedule(p)
	return nil
}

// due pops every packet that has arrived by now.
func (l *link) due(now time.Duration, fn func([]byte)) {
	for l.queue.Len() > 0 && l.queue[0].at <= now {
		d := heap.Pop(&l.queue).(delivery)
		l.flights++
		fn(d.packet)
	}
}

// Run simulates cfg and samples the listener once per virtual second.
func Run(cfg SimConfig) (*Result, error) {
	if err := cfg.Format.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}

	var now time.Duration
	epoch := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return epoch.Add(now) }

	net := &link{cfg: cfg.Link, rng: rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9E3779B97F4A7C15)), now: &now}

	sender := voice.NewSender(voice.SenderConfig{
		Transport: net,
		Identity:  func() (uint32, uint16) { return simSession, senderID },
		Logger:    cfg.Logger,
	})
	receiver := voice.NewReceiver(voice.ReceiverConfig{
		Pipeline: pipeline.Config{
			SoftClip: true,
			Sync:     vsync.Config{Clock: clock},
		},
		DefaultFormat: cfg.Format,
		Clock:         clock,
		Logger:        cfg.Logger,
	})
	defer receiver.Close()
	receiver.SetIdentity(simSession, listenerID)
	receiver.SetSpeakerFormat(senderID, cfg.Format)

	res := &Result{Events: make(map[voice.EventType]int)}
	receiver.Subscribe(func(ev voice.Event) { res.Events[ev.Type]++ })

	mixer := voice.NewMixer(receiver, voice.MixerConfig{Channels: 1, SoftClip: true})

	enc, err := encode.New(cfg.Format)
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	tone := source.NewTone(440, cfg.Format.SampleRate)
	pcm := make([]float32, cfg.Format.FrameSamples())

	step := cfg.Format.FrameDuration()
	perStep := float64(cfg.Format.FrameSize) * (1 + cfg.DriftPPM/1e6)
	var owed float64
	out := make([]float32, 0, 2*cfg.Format.FrameSize)

	talking := false
	nextSample := sampleEvery
	for now < cfg.Duration {
		want := cfg.TalkFor == 0 || now%(cfg.TalkFor+cfg.PauseFor) < cfg.TalkFor
		switch {
		case want && !talking:
			sender.Open(channel.Player, listenerID, channel.DefaultOptions())
		case !want && talking:
			sender.CloseAll()
		}
		talking = want

		tone.Read(pcm)
		payload, err := enc.Encode(pcm)
		if err != nil {
			return nil, fmt.Errorf("failed to encode frame: %w", err)
		}
		if err := sender.Send(payload); err != nil {
			return nil, err
		}

		now += step
		net.due(now, func(p []byte) { receiver.HandlePacket(p) })

		owed += perStep
		n := min(int(math.Floor(owed)), cap(out))
		owed -= float64(n)
		mixer.Read(out[:n])

		if now >= nextSample {
			nextSample += sampleEvery
			res.Samples = append(res.Samples, sample(now, receiver))
		}
	}

	res.Sent, res.Lost, res.Delivered = net.sent, net.lost, net.flights
	return res, nil
}

func sample(at time.Duration, r *voice.Receiver) Sample {
	s := Sample{At: at, Received: r.Stats().Received}
	sp, ok := r.Speaker(senderID)
	if !ok {
		return s
	}
	st := sp.Stats()
	s.Talking = st.Talking
	s.Playing = st.Playing
	s.Pending = st.Pending
	s.Loss = st.Pipeline.Jitter.LossRatio
	s.Desync = st.Pipeline.Sync.Desync
	s.Rate = st.Pipeline.Sync.Rate
	s.Skips = st.Pipeline.Sync.Skips
	return s
}
