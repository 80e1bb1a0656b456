package codec

import "github.com/dbbouncer/dbbouncer/pkg/byterange"

// TypedRange is a lazy iterator over a byte range yielding one T per step.
// It tracks the greatest validated prefix of the underlying data as it
// steps. When a declared element count is given (NewTypedRangeN), decoding
// fewer than that many elements before the data is exhausted fails
// Overflow — a pre-declared count that isn't reached is always an error,
// never a safe early end (see DESIGN.md Open Question 1).
type TypedRange[T any] struct {
	data      []byte
	elem      byterange.Codec[T]
	validated int
	count     int // -1 means "consume until exhausted, no declared count"
	yielded   int
}

// NewTypedRange creates an iterator that yields elements of T until the
// range is exhausted (no pre-declared count).
func NewTypedRange[T any](data []byte, elem byterange.Codec[T]) *TypedRange[T] {
	return &TypedRange[T]{data: data, elem: elem, count: -1}
}

// NewTypedRangeN creates an iterator that must yield exactly n elements of
// T; failing to reach n before the data is exhausted is Overflow.
func NewTypedRangeN[T any](data []byte, elem byterange.Codec[T], n int) *TypedRange[T] {
	return &TypedRange[T]{data: data, elem: elem, count: n}
}

// ValidatedBytes returns the length of the greatest validated prefix so far.
func (r *TypedRange[T]) ValidatedBytes() int { return r.validated }

// Next decodes the next element. ok is false when the sequence has been
// safely exhausted — that only happens at a clean boundary, with zero bytes
// left to start a new element and no unmet declared count. A declared count
// that isn't reached by the time bytes run out is always an Overflow error;
// likewise, leftover bytes that are too few (or malformed) for one more
// element are always an error, whether or not a count was declared — a
// partial trailing element is never treated as a safe early end.
func (r *TypedRange[T]) Next() (val T, ok bool, err error) {
	if r.count >= 0 && r.yielded >= r.count {
		return val, false, nil
	}
	if r.validated >= len(r.data) {
		if r.count >= 0 {
			var zero T
			return zero, false, byterange.OverflowError(
				"typed range declared %d elements, only decoded %d before exhausting %d bytes",
				r.count, r.yielded, len(r.data))
		}
		return val, false, nil
	}
	var t T
	n, lerr := r.elem.Load(&t, r.data[r.validated:])
	if lerr != nil {
		return val, false, lerr
	}
	r.validated += n
	r.yielded++
	return t, true, nil
}

// All drains the iterator into a slice, propagating any Overflow error from
// a declared count that wasn't met.
func (r *TypedRange[T]) All() ([]T, error) {
	var out []T
	for {
		v, ok, err := r.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, v)
	}
}

// Remainder returns the unvalidated tail of the underlying data.
func (r *TypedRange[T]) Remainder() []byte {
	return r.data[r.validated:]
}

// CastUnvalidated reinterprets the still-unvalidated tail of r as a new
// TypedRange of a different element type U, using elem to decode it.
func CastUnvalidated[T, U any](r *TypedRange[T], elem byterange.Codec[U]) *TypedRange[U] {
	return NewTypedRange(r.Remainder(), elem)
}

// CastUnvalidatedN is the declared-count form of CastUnvalidated.
func CastUnvalidatedN[T, U any](r *TypedRange[T], elem byterange.Codec[U], n int) *TypedRange[U] {
	return NewTypedRangeN(r.Remainder(), elem, n)
}
