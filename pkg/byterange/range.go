// Package byterange provides bounds-checked, non-owning views over
// contiguous byte slices, plus an advancing cursor form. It is the bottom
// layer of the wire-level stack: typed codecs (pkg/codec) and the growable
// buffer (pkg/builder) are all built on top of the types defined here.
package byterange

import "fmt"

// Kind classifies a byterange/codec failure.
type Kind int

const (
	// KindOverflow means there were not enough bytes to satisfy the operation.
	KindOverflow Kind = iota
	// KindBadValue means the bytes were present but structurally invalid.
	KindBadValue
)

func (k Kind) String() string {
	switch k {
	case KindOverflow:
		return "Overflow"
	case KindBadValue:
		return "BadValue"
	default:
		return "Unknown"
	}
}

// Error is the typed error surfaced by every byterange/codec operation.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

func overflow(format string, args ...any) error {
	return &Error{Kind: KindOverflow, Msg: fmt.Sprintf(format, args...)}
}

func badValue(format string, args ...any) error {
	return &Error{Kind: KindBadValue, Msg: fmt.Sprintf(format, args...)}
}

// OverflowError builds the typed error codecs use when not enough bytes
// remain to satisfy an operation.
func OverflowError(format string, args ...any) error {
	return overflow(format, args...)
}

// BadValueError builds the typed error codecs use when bytes are present
// but structurally invalid.
func BadValueError(format string, args ...any) error {
	return badValue(format, args...)
}

// Codec is the trait every typed layout descriptor implements. Load decodes
// a T from the head of data; when dst is nil, Load only validates. Store
// encodes val into the head of data. Default produces a value-initialised T.
//
// Combinators in pkg/codec are themselves Codec[T] implementations that
// compose other Codec values, so byterange never needs to know about any
// concrete wire type — it only ever calls through this interface.
type Codec[T any] interface {
	Load(dst *T, data []byte) (int, error)
	Store(val T, data []byte) (int, error)
	Default() T
}

// ConstRange is an immutable view into a contiguous byte region. The zero
// value is an empty range. debugOffset is a logical offset used in error
// messages when this range is a subrange of some larger logical buffer.
type ConstRange struct {
	data        []byte
	debugOffset int
}

// NewConstRange wraps b as a ConstRange with no logical offset.
func NewConstRange(b []byte) ConstRange {
	return ConstRange{data: b}
}

// NewConstRangeAt wraps b as a ConstRange whose error messages report
// offsets relative to debugOffset.
func NewConstRangeAt(b []byte, debugOffset int) ConstRange {
	return ConstRange{data: b, debugOffset: debugOffset}
}

// Length returns the number of bytes remaining in the range.
func (r ConstRange) Length() int { return len(r.data) }

// Data returns the full backing slice of the range.
func (r ConstRange) Data() []byte { return r.data }

// DebugOffset returns the logical offset used in error messages.
func (r ConstRange) DebugOffset() int { return r.debugOffset }

// View returns the subslice beginning at offset, failing Overflow if offset
// runs past the end of the range.
func (r ConstRange) View(offset int) ([]byte, error) {
	if offset > len(r.data) {
		return nil, overflow("invalid view(%d) past end of buffer[%d] at offset: %d",
			offset, r.Length(), r.debugOffset)
	}
	return r.data[offset:], nil
}

// Read dispatches to c.Load over the bytes available starting at offset.
func Read[T any](r ConstRange, c Codec[T], offset int) (T, error) {
	var zero T
	if offset > r.Length() {
		return zero, overflow("invalid offset(%d) past end of buffer[%d] at offset: %d",
			offset, r.Length(), r.debugOffset)
	}
	var t T
	if _, err := c.Load(&t, r.data[offset:]); err != nil {
		return zero, err
	}
	return t, nil
}

// Range is the mutable counterpart to ConstRange. It converts implicitly to
// ConstRange via Const().
type Range struct {
	ConstRange
}

// NewRange wraps b as a mutable Range.
func NewRange(b []byte) Range {
	return Range{ConstRange{data: b}}
}

// NewRangeAt wraps b as a mutable Range with a logical debug offset.
func NewRangeAt(b []byte, debugOffset int) Range {
	return Range{ConstRange{data: b, debugOffset: debugOffset}}
}

// Const returns the read-only ConstRange view of r.
func (r Range) Const() ConstRange { return r.ConstRange }

// Write dispatches to c.Store over the bytes available starting at offset.
func Write[T any](r Range, c Codec[T], val T, offset int) (int, error) {
	if offset > r.Length() {
		return 0, overflow("invalid offset(%d) past end of buffer[%d] at offset: %d",
			offset, r.Length(), r.debugOffset)
	}
	return c.Store(val, r.data[offset:])
}
