// ABOUTME: Tests for the generic pool and the byte slice pool
// ABOUTME: Checks reset on reuse, exclusive checkout and capacity limits
package pool

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type widget struct {
	dirty bool
}

func TestGetResetsReusedObjects(t *testing.T) {
	created := 0
	resets := 0
	p := New(func() (*widget, error) {
		created++
		return &widget{}, nil
	}, func(w *widget) {
		resets++
		w.dirty = false
	}, 0)

	w, err := p.Get()
	require.NoError(t, err)
	w.dirty = true
	_, err = p.Put(w)
	require.NoError(t, err)

	w2, err := p.Get()
	require.NoError(t, err)
	assert.Same(t, w, w2)
	assert.False(t, w2.dirty)
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, resets)
}

func TestCheckoutIsExclusive(t *testing.T) {
	p := New(func() (*widget, error) { return &widget{}, nil }, nil, 0)
	a, _ := p.Get()
	b, _ := p.Get()
	assert.NotSame(t, a, b)

	_, out := p.Stats()
	assert.Equal(t, 2, out)

	_, err := p.Put(a)
	require.NoError(t, err)
	_, err = p.Put(a)
	assert.ErrorIs(t, err, ErrForeign)

	_, err = p.Put(&widget{})
	assert.ErrorIs(t, err, ErrForeign)
}

func TestMaxFree(t *testing.T) {
	p := New(func() (*widget, error) { return &widget{}, nil }, nil, 1)
	a, _ := p.Get()
	b, _ := p.Get()

	dropped, err := p.Put(a)
	require.NoError(t, err)
	assert.False(t, dropped)
	dropped, err = p.Put(b)
	require.NoError(t, err)
	assert.True(t, dropped)

	free, out := p.Stats()
	assert.Equal(t, 1, free)
	assert.Equal(t, 0, out)
}

func TestNewError(t *testing.T) {
	boom := errors.New("boom")
	p := New(func() (*widget, error) { return nil, boom }, nil, 0)
	_, err := p.Get()
	assert.ErrorIs(t, err, boom)
}

func TestBytesReuse(t *testing.T) {
	b := NewBytes(64, 2)
	buf := b.Copy([]byte{1, 2, 3})
	assert.Equal(t, []byte{1, 2, 3}, buf)
	assert.Equal(t, 64, cap(buf))

	b.Put(buf)
	assert.Equal(t, 1, b.Free())

	again := b.Get(10)
	assert.Len(t, again, 10)
	assert.Equal(t, 0, b.Free())

	big := b.Get(100)
	b.Put(big)
	assert.Equal(t, 0, b.Free())
}
