// Package buffer implements the receive buffer used by the connection
// engine: one growable byte slice with separate read and write cursors.
//
// Unread bytes live in [ReadOffset, WriteOffset). Bytes are appended at the
// write cursor and consumed from the read cursor. The buffer grows on demand
// and compacts (moves unread bytes back to offset 0) when the wasted space on
// the left is larger than the free space on the right.
//
// A Buffer is not safe for concurrent use.
package buffer

import (
	"github.com/pkg/errors"
)

// DefaultLimit caps growth when New is called with a non-positive limit.
const DefaultLimit = 64 << 20 // 64MB

var (
	// ErrTooLarge is returned when growing would exceed the buffer limit.
	ErrTooLarge = errors.New("buffer: too large")
	// ErrOutOfRange is returned when a cursor move would break
	// 0 <= read <= write <= capacity.
	ErrOutOfRange = errors.New("buffer: cursor out of range")
)

// Buffer is a growable byte arena with read/write cursors.
type Buffer struct {
	data     []byte
	readOff  int
	writeOff int
	limit    int
}

// New returns an empty buffer with the given initial capacity. limit bounds
// the capacity Grow may reach.
func New(capacity, limit int) *Buffer {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if capacity < 0 {
		capacity = 0
	}
	if capacity > limit {
		capacity = limit
	}
	return &Buffer{data: make([]byte, capacity), limit: limit}
}

// Len returns the number of unread bytes.
func (b *Buffer) Len() int { return b.writeOff - b.readOff }

// Cap returns the current capacity.
func (b *Buffer) Cap() int { return len(b.data) }

// Limit returns the maximum capacity.
func (b *Buffer) Limit() int { return b.limit }

// ReadOffset returns the read cursor.
func (b *Buffer) ReadOffset() int { return b.readOff }

// WriteOffset returns the write cursor.
func (b *Buffer) WriteOffset() int { return b.writeOff }

// Unread returns the unread bytes. The slice aliases the buffer and is only
// valid until the next Grow, Compact or Reset.
func (b *Buffer) Unread() []byte { return b.data[b.readOff:b.writeOff] }

// Free returns the writable region after the write cursor. Bytes written
// into it become visible after Commit.
func (b *Buffer) Free() []byte { return b.data[b.writeOff:] }

// Grow makes room for at least n more bytes after the write cursor. When the
// capacity is insufficient the storage is reallocated to
// max(2*capacity, writeOffset+n), clamped to the limit. Unread bytes are
// preserved.
func (b *Buffer) Grow(n int) error {
	if n < 0 {
		return ErrOutOfRange
	}
	need := b.writeOff + n
	if need <= len(b.data) {
		return nil
	}
	if need > b.limit {
		return errors.Wrapf(ErrTooLarge, "need %d bytes, limit %d", need, b.limit)
	}
	size := max(2*len(b.data), need)
	if size > b.limit {
		size = b.limit
	}
	data := make([]byte, size)
	copy(data, b.data[:b.writeOff])
	b.data = data
	return nil
}

// Commit advances the write cursor by n bytes previously copied into Free.
func (b *Buffer) Commit(n int) error {
	if n < 0 || b.writeOff+n > len(b.data) {
		return ErrOutOfRange
	}
	b.writeOff += n
	return nil
}

// Consume advances the read cursor by n bytes.
func (b *Buffer) Consume(n int) error {
	if n < 0 || b.readOff+n > b.writeOff {
		return ErrOutOfRange
	}
	b.readOff += n
	return nil
}

// Compact moves the unread bytes to offset 0 when the space before the read
// cursor exceeds the space after the write cursor. It reports whether a move
// happened.
func (b *Buffer) Compact() bool {
	if len(b.data)-b.writeOff >= b.readOff {
		return false
	}
	n := copy(b.data, b.data[b.readOff:b.writeOff])
	b.readOff = 0
	b.writeOff = n
	return true
}

// Write appends p, growing the buffer as needed.
func (b *Buffer) Write(p []byte) (int, error) {
	if err := b.Grow(len(p)); err != nil {
		return 0, err
	}
	n := copy(b.data[b.writeOff:], p)
	b.writeOff += n
	return n, nil
}

// Reset drops all unread bytes and rewinds both cursors. Capacity is kept.
func (b *Buffer) Reset() {
	b.readOff = 0
	b.writeOff = 0
}
