package codec

import (
	"bytes"

	"github.com/dbbouncer/dbbouncer/pkg/byterange"
)

// NullTerminated encodes/decodes a T followed by a terminator byte. On
// load, it scans for the terminator first and delegates T's decode to the
// scanned slice; on store, it writes T then the terminator immediately
// after.
type NullTerminated[T any] struct {
	Term byte
	Elem byterange.Codec[T]
}

func (n NullTerminated[T]) Default() T { return n.Elem.Default() }

func (n NullTerminated[T]) Load(dst *T, data []byte) (int, error) {
	idx := bytes.IndexByte(data, n.Term)
	if idx < 0 {
		return 0, byterange.OverflowError("couldn't locate terminal char (%q) in buffer[%d]", n.Term, len(data))
	}
	consumed, err := n.Elem.Load(dst, data[:idx])
	if err != nil {
		return 0, err
	}
	return consumed + 1, nil
}

func (n NullTerminated[T]) Store(val T, data []byte) (int, error) {
	consumed, err := n.Elem.Store(val, data)
	if err != nil {
		return 0, err
	}
	if len(data)-consumed < 1 {
		return 0, byterange.OverflowError("couldn't write terminal char (%q) in buffer[%d]", n.Term, len(data))
	}
	data[consumed] = n.Term
	return consumed + 1, nil
}

// Bytes is the element codec for a NullTerminated[[]byte] — everything up to
// the terminator, taken verbatim.
type Bytes struct{}

func (Bytes) Default() []byte { return nil }

func (Bytes) Load(dst *[]byte, data []byte) (int, error) {
	if dst != nil {
		buf := make([]byte, len(data))
		copy(buf, data)
		*dst = buf
	}
	return len(data), nil
}

func (Bytes) Store(val []byte, data []byte) (int, error) {
	if len(val) > len(data) {
		return 0, byterange.OverflowError("not enough room for %d bytes, have %d", len(val), len(data))
	}
	copy(data, val)
	return len(val), nil
}

// CString is a convenience: a NullTerminated[string] using a verbatim string
// element codec under the hood, the common case for wire protocol identifiers (PG/MySQL field
// names, usernames, auth plugin names, ...).
func CString() NullTerminated[string] {
	return NullTerminated[string]{Term: 0, Elem: stringBytesCodec{}}
}

type stringBytesCodec struct{}

func (stringBytesCodec) Default() string { return "" }

func (stringBytesCodec) Load(dst *string, data []byte) (int, error) {
	if dst != nil {
		*dst = string(data)
	}
	return len(data), nil
}

func (stringBytesCodec) Store(val string, data []byte) (int, error) {
	if len(val) > len(data) {
		return 0, byterange.OverflowError("not enough room for %d bytes, have %d", len(val), len(data))
	}
	copy(data, val)
	return len(val), nil
}
