// Package builder implements a growable, owning byte buffer with an
// embedded write cursor, matching the mongo::DataBuilder this is grounded
// on (original_source/src/mongo/base/data_builder.h).
package builder

import (
	"github.com/dbbouncer/dbbouncer/pkg/byterange"
)

// Builder owns a heap byte buffer with reserved capacity and an embedded
// write cursor whose position is size. The invariant size <= reserved
// always holds. Growth is geometric: starting from a single byte, reserved
// doubles until it covers the needed additional bytes, keeping amortised
// cost O(1) per byte written.
type Builder struct {
	buf  []byte
	size int
}

// New creates an empty Builder with no backing storage yet.
func New() *Builder {
	return &Builder{}
}

// WithCapacity creates a Builder pre-reserving n bytes.
func WithCapacity(n int) *Builder {
	b := &Builder{}
	if n > 0 {
		b.buf = make([]byte, n)
	}
	return b
}

// Size returns the number of bytes written so far.
func (b *Builder) Size() int { return b.size }

// Reserved returns the current backing capacity.
func (b *Builder) Reserved() int { return len(b.buf) }

// Data returns the written prefix of the buffer.
func (b *Builder) Data() []byte { return b.buf[:b.size] }

// Clear resets size to 0 without releasing capacity.
func (b *Builder) Clear() { b.size = 0 }

// Resize sets reserved exactly to n. If n < size, size is truncated to n.
func (b *Builder) Resize(n int) {
	newBuf := make([]byte, n)
	copy(newBuf, b.buf)
	b.buf = newBuf
	if b.size > n {
		b.size = n
	}
}

// Reserve ensures reserved grows geometrically until reserved >= size+extra.
func (b *Builder) Reserve(extra int) {
	b.growTo(b.size + extra)
}

// growTo doubles reserved, starting from 1, until it is at least minReserved.
func (b *Builder) growTo(minReserved int) {
	newReserved := len(b.buf)
	if newReserved == 0 {
		newReserved = 1
	}
	for newReserved < minReserved {
		newReserved *= 2
	}
	if newReserved != len(b.buf) {
		b.Resize(newReserved)
	}
}

// Write encodes val at offset through codec, forwarding to the positional
// codec. If the current buffer is too small, it grows and retries exactly
// once; growth targets offset plus however many bytes the codec reports it
// needs, not the buffer's current reserved capacity, since offset may sit
// anywhere in the buffer rather than at its current write cursor.
func Write[T any](b *Builder, c byterange.Codec[T], val T, offset int) error {
	if len(b.buf) == 0 {
		b.Resize(1)
	}
	n, err := c.Store(val, b.buf[offset:])
	if err != nil {
		needed := storeSize(c, val, offset, len(b.buf))
		b.growTo(offset + needed)
		n, err = c.Store(val, b.buf[offset:])
		if err != nil {
			return err
		}
	}
	if offset+n > b.size {
		b.size = offset + n
	}
	return nil
}

// WriteAndAdvance writes val at the embedded write cursor (offset=size),
// growing on demand, then advances size by the number of bytes produced.
func WriteAndAdvance[T any](b *Builder, c byterange.Codec[T], val T) error {
	return Write(b, c, val, b.size)
}

// SizeHinter is an optional interface a codec can implement to report
// exactly how many bytes a Store of val will need, sparing Builder the
// probe-doubling fallback below. Native, LittleEndian, BigEndian, and
// FixedSize all implement it.
type SizeHinter[T any] interface {
	SizeHint(val T) int
}

// storeSize reports exactly how many bytes a store of val will occupy,
// preferring the codec's own SizeHint when available and falling back to
// doubling a scratch buffer until the codec accepts it, for codecs that
// don't implement SizeHinter.
func storeSize[T any](c byterange.Codec[T], val T, offset, reserved int) int {
	if hinter, ok := c.(SizeHinter[T]); ok {
		return hinter.SizeHint(val)
	}

	probe := 16
	for {
		scratch := make([]byte, probe)
		if n, err := c.Store(val, scratch); err == nil {
			return n
		}
		probe *= 2
		if probe > 1<<24 {
			// Pathological codec that can never succeed; let the caller's
			// retried Store surface the real error instead of looping.
			return 1 << 24
		}
	}
}

// Cursor returns a mutable cursor over the written prefix [0, size).
func (b *Builder) Cursor() *byterange.Cursor {
	return byterange.NewCursor(b.buf[:b.size])
}

// ConstCursor returns a read-only cursor over the written prefix [0, size).
func (b *Builder) ConstCursor() *byterange.ConstCursor {
	return byterange.NewConstCursor(b.buf[:b.size])
}
