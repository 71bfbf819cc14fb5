// SPDX-License-Identifier: MIT
/*
Package ring implements the fixed-capacity circular stores shared between
the capture, transform and render sides of the engine.

A Buffer holds capacity rows of width elements, allocated once. Writers
never block on readers and never fail for lack of space: once the ring has
wrapped, each write overwrites the oldest row. Every write is addressed by a
monotonically increasing logical index, and a reader asking for an index
that has been overwritten (or not yet written) gets an explicit "unavailable"
answer instead of stale data.

Thread Safety:
  - Single writer, any number of readers.
  - The write cursor is published atomically after the row has been copied
    into its slot, so a reader that observes cursor c can read any retained
    index < c.
  - Each slot has its own RWMutex; the retention check is repeated under the
    slot lock so a concurrent overwrite is detected rather than returned.
*/
package ring

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"spectrogram/pkg/bitint"
)

var (
	// ErrInvalidSize is returned by New for a non-positive capacity or width.
	ErrInvalidSize = errors.New("ring: capacity and width must be positive")
	// ErrInvalidWidth is returned by Write when the row length does not match the ring width.
	ErrInvalidWidth = errors.New("ring: row length does not match width")
)

type slot[E any] struct {
	mu  sync.RWMutex
	row []E
}

// Buffer is a fixed-capacity ring of fixed-width rows.
type Buffer[E any] struct {
	slots    []slot[E]
	capacity uint64
	width    int

	mask   uint64 // capacity-1 when capacity is a power of 2
	masked bool

	cursor  atomic.Uint64 // Number of rows written; next logical index.
	wrapped atomic.Bool   // Set once cursor >= capacity.
}

// New allocates a ring of capacity rows, each width elements long.
func New[E any](capacity, width int) (*Buffer[E], error) {
	if capacity <= 0 || width <= 0 {
		return nil, fmt.Errorf("%w (capacity %d, width %d)", ErrInvalidSize, capacity, width)
	}

	// One backing array keeps the rows contiguous.
	backing := make([]E, capacity*width)
	slots := make([]slot[E], capacity)
	for i := range slots {
		slots[i].row = backing[i*width : (i+1)*width : (i+1)*width]
	}

	b := &Buffer[E]{
		slots:    slots,
		capacity: uint64(capacity),
		width:    width,
	}
	b.mask, b.masked = bitint.Mask(capacity)
	return b, nil
}

func (b *Buffer[E]) slotFor(index uint64) *slot[E] {
	if b.masked {
		return &b.slots[index&b.mask]
	}
	return &b.slots[index%b.capacity]
}

// Write copies row into the next slot and returns the logical index it was
// stored under.
func (b *Buffer[E]) Write(row []E) (uint64, error) {
	if len(row) != b.width {
		return 0, fmt.Errorf("%w: got %d, want %d", ErrInvalidWidth, len(row), b.width)
	}
	return b.WriteFunc(func(dst []E) { copy(dst, row) }), nil
}

// WriteFunc lets fill populate the next slot in place and returns the logical
// index written. fill must overwrite the whole slot and must not retain it.
func (b *Buffer[E]) WriteFunc(fill func(slot []E)) uint64 {
	index := b.cursor.Load()
	s := b.slotFor(index)

	next := index + 1

	s.mu.Lock()
	fill(s.row)
	if next >= b.capacity {
		b.wrapped.Store(true)
	}
	// Publish while the slot is still held: a reader waiting on this slot
	// for index-capacity must observe the new cursor once it gets the lock.
	b.cursor.Store(next)
	s.mu.Unlock()

	return index
}

// retained reports whether index is readable given cursor.
func (b *Buffer[E]) retained(index, cursor uint64) bool {
	return index < cursor && cursor-index <= b.capacity
}

// Read copies the row at logical index into dst and reports whether it was
// available. It returns false for indexes not yet written, for indexes that
// have been overwritten, and when len(dst) != Width().
func (b *Buffer[E]) Read(index uint64, dst []E) bool {
	if len(dst) != b.width || !b.retained(index, b.cursor.Load()) {
		return false
	}

	s := b.slotFor(index)
	s.mu.RLock()
	defer s.mu.RUnlock()

	// The writer publishes the cursor before releasing the slot lock, so a
	// cursor loaded here tells whether the slot still holds index.
	if !b.retained(index, b.cursor.Load()) {
		return false
	}
	copy(dst, s.row)
	return true
}

// Get returns a copy of the row at logical index.
func (b *Buffer[E]) Get(index uint64) ([]E, bool) {
	dst := make([]E, b.width)
	if !b.Read(index, dst) {
		return nil, false
	}
	return dst, true
}

// Len returns the number of rows written so far, which is also the logical
// index the next write will use.
func (b *Buffer[E]) Len() uint64 {
	return b.cursor.Load()
}

// Oldest returns the lowest logical index that is still retained. It equals
// Len() when the ring is empty.
func (b *Buffer[E]) Oldest() uint64 {
	cursor := b.cursor.Load()
	if cursor <= b.capacity {
		return 0
	}
	return cursor - b.capacity
}

// Cap returns the number of rows the ring retains.
func (b *Buffer[E]) Cap() int {
	return int(b.capacity)
}

// Width returns the row length.
func (b *Buffer[E]) Width() int {
	return b.width
}

// Wrapped reports whether the ring has started overwriting rows.
func (b *Buffer[E]) Wrapped() bool {
	return b.wrapped.Load()
}

// Reset rewinds the cursor to zero. It must not run concurrently with Write.
func (b *Buffer[E]) Reset() {
	for i := range b.slots {
		s := &b.slots[i]
		s.mu.Lock()
		clear(s.row)
		s.mu.Unlock()
	}
	b.wrapped.Store(false)
	b.cursor.Store(0)
}
