package byterange

// ConstView and View are bare, unchecked views over a byte slice. They exist
// for the narrow case where the caller has already proved the underlying
// region is large enough — typically right after reading a validated
// length-prefix — and wants to avoid paying for a second bounds check.
//
// Reads/writes go through copy(), which in Go is always safe for unaligned
// access (it has no alignment requirement on either side), so there is no
// need for unsafe pointer casts the way the source's mongo::DataView relied
// on memcpy for the same guarantee.
type ConstView struct {
	data []byte
}

// NewConstView wraps b without any bounds checking on subsequent access.
func NewConstView(b []byte) ConstView { return ConstView{data: b} }

// ReadAt decodes a T at offset without checking that offset+size(T) fits in
// data. Panics (slice out-of-range) if offset is past the end of data; if
// offset fits but the value does not, the codec's error is discarded and the
// zero T is returned — that is the contract this type trades safety for.
func ReadAt[T any](v ConstView, c Codec[T], offset int) T {
	var t T
	_, _ = c.Load(&t, v.data[offset:])
	return t
}

// View is the mutable counterpart to ConstView.
type View struct {
	data []byte
}

// NewView wraps b without any bounds checking on subsequent access.
func NewView(b []byte) View { return View{data: b} }

// WriteAt encodes val at offset without checking that it fits in data.
func WriteAt[T any](v View, c Codec[T], val T, offset int) {
	_, _ = c.Store(val, v.data[offset:])
}
