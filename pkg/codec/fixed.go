package codec

import "github.com/dbbouncer/dbbouncer/pkg/byterange"

// FixedSize is an opaque run of exactly N bytes. It loads/stores a []byte of
// length N, copying rather than aliasing the caller's slice.
type FixedSize struct {
	N int
}

func (f FixedSize) Default() []byte { return make([]byte, f.N) }

func (f FixedSize) SizeHint([]byte) int { return f.N }

func (f FixedSize) Load(dst *[]byte, data []byte) (int, error) {
	if f.N > len(data) {
		return 0, byterange.BadValueError("out of range: need %d bytes, have %d", f.N, len(data))
	}
	if dst != nil {
		buf := make([]byte, f.N)
		copy(buf, data[:f.N])
		*dst = buf
	}
	return f.N, nil
}

func (f FixedSize) Store(val []byte, data []byte) (int, error) {
	if f.N > len(data) {
		return 0, byterange.BadValueError("out of range: need %d bytes, have %d", f.N, len(data))
	}
	if len(val) != f.N {
		return 0, byterange.BadValueError("fixed-size value has length %d, want %d", len(val), f.N)
	}
	copy(data[:f.N], val)
	return f.N, nil
}
