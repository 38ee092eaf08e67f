// ABOUTME: Per-speaker reorder buffer keyed by sequence number
// ABOUTME: Min-heap with a forward-only cursor, loss tracking and recycling
package jitter

import (
	"container/heap"
	"sync"

	"github.com/sirupsen/logrus"
)

// Packet is one encoded frame waiting to be decoded.
type Packet struct {
	// Sequence is relative to the start of the speech session.
	Sequence uint32
	Payload  []byte
}

// Frame is the result of one Read.
type Frame struct {
	Packet Packet
	// Present is true when Packet holds data. When Lost is also true it is a
	// peek at the next frame, which stays buffered and must not be recycled.
	Present bool
	// Lost is true when the frame at the cursor had not arrived.
	Lost bool
	// Complete is true once Stop was called and nothing is left to read.
	Complete bool
}

// Config tunes a Buffer. Zero fields take defaults.
type Config struct {
	// WarnPending logs when more than this many packets are queued.
	WarnPending int
	// LateWarn logs discarded packets more than this far behind the cursor.
	LateWarn uint32
	// LossWindow is the number of reads the loss ratio averages over.
	LossWindow int
	// StartAtFirst moves the cursor to the lowest queued packet on the first
	// read that finds one, so packets that arrive ahead of earlier frames do
	// not make those frames late.
	StartAtFirst bool
	// Recycle receives every packet the buffer discards and every packet a
	// caller hands back through Buffer.Recycle.
	Recycle func(Packet)
	// Logger defaults to the standard logrus logger.
	Logger logrus.FieldLogger
}

const (
	DefaultWarnPending = 40
	DefaultLateWarn    = 30
	DefaultLossWindow  = 128
)

// Stats is a snapshot of buffer counters.
type Stats struct {
	Pending   int
	Cursor    uint32
	LossRatio float64
	Pushed    uint64
	Delivered uint64
	Lost      uint64
	Late      uint64
}

// Buffer reorders packets for one speaker. Push is called from the network
// side and Read from the audio side; both take the same mutex.
type Buffer struct {
	cfg Config

	mu        sync.Mutex
	queue     packetHeap
	cursor    uint32
	anchored  bool
	stopped   bool
	reads     int
	lossRatio float64
	stats     Stats
}

// NewBuffer creates an empty buffer with its cursor at 0.
func NewBuffer(cfg Config) *Buffer {
	if cfg.WarnPending <= 0 {
		cfg.WarnPending = DefaultWarnPending
	}
	if cfg.LateWarn == 0 {
		cfg.LateWarn = DefaultLateWarn
	}
	if cfg.LossWindow <= 0 {
		cfg.LossWindow = DefaultLossWindow
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Buffer{cfg: cfg}
}

// Push queues a packet. The buffer owns the payload until it is delivered
// by Read or discarded.
func (b *Buffer) Push(p Packet) {
	b.mu.Lock()
	heap.Push(&b.queue, p)
	b.stats.Pushed++
	pending := b.queue.Len()
	b.mu.Unlock()

	if pending == b.cfg.WarnPending+1 {
		b.cfg.Logger.WithField("pending", pending).Warn("Jitter buffer backing up, consumer may be starved")
	}
}

// Read returns the frame at the cursor and advances the cursor by one.
func (b *Buffer) Read() Frame {
	var (
		late     []Packet
		worstGap uint32
		f        Frame
	)

	b.mu.Lock()
	if b.cfg.StartAtFirst && !b.anchored && b.queue.Len() > 0 {
		b.cursor = b.queue[0].Sequence
		b.anchored = true
	}
	for b.queue.Len() > 0 && b.queue[0].Sequence < b.cursor {
		p := heap.Pop(&b.queue).(Packet)
		if gap := b.cursor - p.Sequence; gap > worstGap {
			worstGap = gap
		}
		late = append(late, p)
	}
	b.stats.Late += uint64(len(late))

	switch {
	case b.stopped && b.queue.Len() == 0:
		// Past the end of the stream nothing is expected, so nothing is lost.
		f.Complete = true
		b.cursor++
		b.mu.Unlock()
		b.finishRead(late, worstGap)
		return f
	case b.queue.Len() > 0 && b.queue[0].Sequence == b.cursor:
		f.Packet = heap.Pop(&b.queue).(Packet)
		f.Present = true
		b.stats.Delivered++
	default:
		f.Lost = true
		if b.queue.Len() > 0 && b.queue[0].Sequence == b.cursor+1 {
			f.Packet = b.queue[0]
			f.Present = true
		}
	}

	b.recordLoss(f.Lost)
	b.cursor++
	f.Complete = b.stopped && b.queue.Len() == 0
	b.mu.Unlock()

	b.finishRead(late, worstGap)
	return f
}

// finishRead recycles late packets and logs outside the lock.
func (b *Buffer) finishRead(late []Packet, worstGap uint32) {
	for _, p := range late {
		b.recycle(p)
	}
	if worstGap > b.cfg.LateWarn {
		b.cfg.Logger.WithFields(logrus.Fields{
			"behind":    worstGap,
			"discarded": len(late),
		}).Warn("Discarded very late packets")
	}
}

func (b *Buffer) recordLoss(lost bool) {
	var x float64
	if lost {
		x = 1
		b.stats.Lost++
	}
	if b.reads < b.cfg.LossWindow {
		b.reads++
	}
	b.lossRatio += (x - b.lossRatio) / float64(b.reads)
}

// Stop marks that no more packets will be pushed. Read reports Complete
// once the queue drains.
func (b *Buffer) Stop() {
	b.mu.Lock()
	b.stopped = true
	b.mu.Unlock()
}

// Stopped reports whether Stop was called since the last Reset.
func (b *Buffer) Stopped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopped
}

// Reset recycles everything queued, clears statistics and rewinds the
// cursor to 0.
func (b *Buffer) Reset() {
	b.mu.Lock()
	drained := []Packet(b.queue)
	b.queue = nil
	b.cursor = 0
	b.anchored = false
	b.stopped = false
	b.reads = 0
	b.lossRatio = 0
	b.stats = Stats{}
	b.mu.Unlock()

	for _, p := range drained {
		b.recycle(p)
	}
}

// Skip discards up to n packets from the front of the queue and moves the
// cursor past them. It returns how many packets were dropped.
func (b *Buffer) Skip(n int) int {
	var dropped []Packet

	b.mu.Lock()
	for i := 0; i < n && b.queue.Len() > 0; i++ {
		p := heap.Pop(&b.queue).(Packet)
		dropped = append(dropped, p)
		if p.Sequence >= b.cursor {
			b.cursor = p.Sequence + 1
		}
		b.anchored = true
	}
	b.mu.Unlock()

	for _, p := range dropped {
		b.recycle(p)
	}
	return len(dropped)
}

// Recycle hands a delivered packet back to the configured pool.
func (b *Buffer) Recycle(p Packet) {
	b.recycle(p)
}

func (b *Buffer) recycle(p Packet) {
	if b.cfg.Recycle != nil {
		b.cfg.Recycle(p)
	}
}

// Len reports how many packets are queued.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queue.Len()
}

// LossRatio is the smoothed fraction of reads that found no packet.
func (b *Buffer) LossRatio() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lossRatio
}

// Stats returns a snapshot of the buffer counters.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stats
	s.Pending = b.queue.Len()
	s.Cursor = b.cursor
	s.LossRatio = b.lossRatio
	return s
}

// packetHeap implements heap.Interface ordered by sequence.
type packetHeap []Packet

func (h packetHeap) Len() int           { return len(h) }
func (h packetHeap) Less(i, j int) bool { return h[i].Sequence < h[j].Sequence }
func (h packetHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *packetHeap) Push(x any) {
	*h = append(*h, x.(Packet))
}

func (h *packetHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = Packet{}
	*h = old[:n-1]
	return item
}
