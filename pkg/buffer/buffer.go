// Package buffer implements reference-counted binary buffers whose memory
// is made of fixed-size slots drawn from a Pool.
//
// A Buffer is a handle: copying the Go value does NOT take a new reference.
// Use `Duplicate` to share ownership and `Release` to drop it; the slots go
// back to the pool once the last reference is released.
package buffer

import (
	"errors"
	"sync/atomic"
)

var ErrTooSmall = errors.New("buffer: destination is too small")

// Type tags the kind of payload carried by a Buffer.
type Type uint64

const (
	TypeNull Type = iota
	TypeRaw
	TypeEOF
	TypeFirstUser Type = 1000
)

type segment struct {
	slot int
	mem  []byte
	data []byte
}

type record struct {
	pool *Pool
	segs []segment
	typ  atomic.Uint64
	refs atomic.Int32
}

// Buffer is an ownership handle over pooled memory segments.
type Buffer struct {
	rec *record
}

// Null reports whether the handle holds no reference.
func (b *Buffer) Null() bool {
	return b == nil || b.rec == nil
}

// Duplicate returns a new handle sharing the same segments.
// The data is not copied.
func (b *Buffer) Duplicate() Buffer {
	if b.Null() {
		return Buffer{}
	}
	b.rec.refs.Add(1)
	return Buffer{rec: b.rec}
}

// Release drops the reference held by this handle and nulls it. Releasing
// a null handle is a no-op.
func (b *Buffer) Release() {
	if b.Null() {
		return
	}
	rec := b.rec
	b.rec = nil
	if rec.refs.Add(-1) == 0 {
		rec.pool.recycle(rec)
	}
}

// Take moves the reference out of b, leaving b null.
func (b *Buffer) Take() Buffer {
	if b.Null() {
		return Buffer{}
	}
	out := Buffer{rec: b.rec}
	b.rec = nil
	return out
}

// RefCount returns the number of live handles on the underlying segments.
func (b *Buffer) RefCount() int {
	if b.Null() {
		return 0
	}
	return int(b.rec.refs.Load())
}

func (b *Buffer) Pool() *Pool {
	if b.Null() {
		return nil
	}
	return b.rec.pool
}

func (b *Buffer) Type() Type {
	if b.Null() {
		return TypeNull
	}
	return Type(b.rec.typ.Load())
}

func (b *Buffer) SetType(t Type) {
	if !b.Null() {
		b.rec.typ.Store(uint64(t))
	}
}

// Size returns the total number of bytes over all segments.
func (b *Buffer) Size() int {
	if b.Null() {
		return 0
	}
	n := 0
	for _, seg := range b.rec.segs {
		n += len(seg.data)
	}
	return n
}

func (b *Buffer) NumSegments() int {
	if b.Null() {
		return 0
	}
	return len(b.rec.segs)
}

// Segment gives direct access to the memory of the i-th segment. A null
// buffer or an index out of range gives nil.
func (b *Buffer) Segment(i int) []byte {
	if b.Null() || i < 0 || i >= len(b.rec.segs) {
		return nil
	}
	return b.rec.segs[i].data
}

// SetSize shrinks the used part of the buffer to n bytes. It cannot grow
// beyond the allocated slots.
func (b *Buffer) SetSize(n int) error {
	if b.Null() {
		return ErrTooSmall
	}
	capacity := len(b.rec.segs) * b.rec.pool.cfg.SlotSize
	if n < 0 || n > capacity {
		return ErrTooSmall
	}
	for i := range b.rec.segs {
		seg := &b.rec.segs[i]
		l := min(n, b.rec.pool.cfg.SlotSize)
		seg.data = seg.mem[:l]
		n -= l
	}
	return nil
}

// CopyFrom fills the buffer with src, starting at offset zero.
func (b *Buffer) CopyFrom(src []byte) (int, error) {
	if b.Size() < len(src) {
		return 0, ErrTooSmall
	}
	n := 0
	for _, seg := range b.rec.segs {
		if n == len(src) {
			break
		}
		n += copy(seg.data, src[n:])
	}
	return n, nil
}

// Bytes returns a contiguous copy of the buffer content.
func (b *Buffer) Bytes() []byte {
	out := make([]byte, 0, b.Size())
	if b.Null() {
		return out
	}
	for _, seg := range b.rec.segs {
		out = append(out, seg.data...)
	}
	return out
}
