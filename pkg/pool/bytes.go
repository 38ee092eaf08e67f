// ABOUTME: Free-list pool of byte slices for packet payloads
// ABOUTME: Network goroutines borrow payload buffers and the decoder returns them
package pool

import "sync"

// Bytes recycles byte slices of at least a minimum capacity.
type Bytes struct {
	size    int
	maxFree int

	mu   sync.Mutex
	free [][]byte
}

// NewBytes creates a pool of slices with capacity size.
func NewBytes(size, maxFree int) *Bytes {
	return &Bytes{size: size, maxFree: maxFree}
}

// Get returns a slice of length n. Slices larger than the pool size are
// allocated directly and are not kept by Put.
func (b *Bytes) Get(n int) []byte {
	if n > b.size {
		return make([]byte, n)
	}
	b.mu.Lock()
	if k := len(b.free); k > 0 {
		buf := b.free[k-1]
		b.free[k-1] = nil
		b.free = b.free[:k-1]
		b.mu.Unlock()
		return buf[:n]
	}
	b.mu.Unlock()
	return make([]byte, n, b.size)
}

// Copy returns a pooled copy of p.
func (b *Bytes) Copy(p []byte) []byte {
	buf := b.Get(len(p))
	copy(buf, p)
	return buf
}

// Put returns buf to the pool.
func (b *Bytes) Put(buf []byte) {
	if cap(buf) != b.size {
		return
	}
	b.mu.Lock()
	if b.maxFree <= 0 || len(b.free) < b.maxFree {
		b.free = append(b.free, buf[:0])
	}
	b.mu.Unlock()
}

// Free reports how many slices are waiting for reuse.
func (b *Bytes) Free() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.free)
}
