// Package codec implements the typed layout descriptors ("codecs") that
// transport values in and out of byte ranges defined by pkg/byterange.
// Each codec kind in its own file mirrors the one-header-per-combinator
// layout of the mongo source this design is grounded on.
package codec

import (
	"encoding/binary"

	"github.com/dbbouncer/dbbouncer/pkg/byterange"
)

// Error aliases the shared byterange.Error so callers can switch on Kind
// without importing byterange directly.
type Error = byterange.Error

// Integer is the set of fixed-width integer kinds the built-in codecs cover.
type Integer interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64 | ~int8 | ~int16 | ~int32 | ~int64
}

func widthOf[T Integer]() int {
	var zero T
	switch any(zero).(type) {
	case uint8, int8:
		return 1
	case uint16, int16:
		return 2
	case uint32, int32:
		return 4
	case uint64, int64:
		return 8
	default:
		return 0
	}
}

// Native is the trivially-copyable codec for T: a memory copy of sizeof(T)
// bytes in host byte order.
type Native[T Integer] struct{}

func (Native[T]) Default() T { return T(0) }

func (Native[T]) SizeHint(T) int { return widthOf[T]() }

func (Native[T]) Load(dst *T, data []byte) (int, error) {
	n := widthOf[T]()
	if len(data) < n {
		return 0, byterange.OverflowError("not enough bytes to load %d-byte native value, have %d", n, len(data))
	}
	if dst != nil {
		*dst = decodeNative[T](data[:n])
	}
	return n, nil
}

func (Native[T]) Store(val T, data []byte) (int, error) {
	n := widthOf[T]()
	if len(data) < n {
		return 0, byterange.OverflowError("not enough room to store %d-byte native value, have %d", n, len(data))
	}
	encodeNative(val, data[:n])
	return n, nil
}

func decodeNative[T Integer](b []byte) T {
	var zero T
	switch any(zero).(type) {
	case uint8:
		return T(b[0])
	case int8:
		return T(int8(b[0]))
	case uint16:
		return T(binary.NativeEndian.Uint16(b))
	case int16:
		return T(int16(binary.NativeEndian.Uint16(b)))
	case uint32:
		return T(binary.NativeEndian.Uint32(b))
	case int32:
		return T(int32(binary.NativeEndian.Uint32(b)))
	case uint64:
		return T(binary.NativeEndian.Uint64(b))
	case int64:
		return T(int64(binary.NativeEndian.Uint64(b)))
	}
	return zero
}

func encodeNative[T Integer](val T, b []byte) {
	switch v := any(val).(type) {
	case uint8:
		b[0] = v
	case int8:
		b[0] = byte(v)
	case uint16:
		binary.NativeEndian.PutUint16(b, v)
	case int16:
		binary.NativeEndian.PutUint16(b, uint16(v))
	case uint32:
		binary.NativeEndian.PutUint32(b, v)
	case int32:
		binary.NativeEndian.PutUint32(b, uint32(v))
	case uint64:
		binary.NativeEndian.PutUint64(b, v)
	case int64:
		binary.NativeEndian.PutUint64(b, uint64(v))
	}
}

// LittleEndian wraps Native[T], decoding/encoding in little-endian byte
// order regardless of host order. A no-op swap on little-endian hosts.
type LittleEndian[T Integer] struct{}

func (LittleEndian[T]) Default() T { return T(0) }

func (LittleEndian[T]) SizeHint(T) int { return widthOf[T]() }

func (LittleEndian[T]) Load(dst *T, data []byte) (int, error) {
	n := widthOf[T]()
	if len(data) < n {
		return 0, byterange.OverflowError("not enough bytes to load %d-byte little-endian value, have %d", n, len(data))
	}
	if dst != nil {
		*dst = decodeLE[T](data[:n])
	}
	return n, nil
}

func (LittleEndian[T]) Store(val T, data []byte) (int, error) {
	n := widthOf[T]()
	if len(data) < n {
		return 0, byterange.OverflowError("not enough room to store %d-byte little-endian value, have %d", n, len(data))
	}
	encodeLE(val, data[:n])
	return n, nil
}

func decodeLE[T Integer](b []byte) T {
	var zero T
	switch any(zero).(type) {
	case uint8:
		return T(b[0])
	case int8:
		return T(int8(b[0]))
	case uint16:
		return T(binary.LittleEndian.Uint16(b))
	case int16:
		return T(int16(binary.LittleEndian.Uint16(b)))
	case uint32:
		return T(binary.LittleEndian.Uint32(b))
	case int32:
		return T(int32(binary.LittleEndian.Uint32(b)))
	case uint64:
		return T(binary.LittleEndian.Uint64(b))
	case int64:
		return T(int64(binary.LittleEndian.Uint64(b)))
	}
	return zero
}

func encodeLE[T Integer](val T, b []byte) {
	switch v := any(val).(type) {
	case uint8:
		b[0] = v
	case int8:
		b[0] = byte(v)
	case uint16:
		binary.LittleEndian.PutUint16(b, v)
	case int16:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case uint32:
		binary.LittleEndian.PutUint32(b, v)
	case int32:
		binary.LittleEndian.PutUint32(b, uint32(v))
	case uint64:
		binary.LittleEndian.PutUint64(b, v)
	case int64:
		binary.LittleEndian.PutUint64(b, uint64(v))
	}
}

// BigEndian wraps Native[T], decoding/encoding in big-endian byte order
// regardless of host order.
type BigEndian[T Integer] struct{}

func (BigEndian[T]) Default() T { return T(0) }

func (BigEndian[T]) SizeHint(T) int { return widthOf[T]() }

func (BigEndian[T]) Load(dst *T, data []byte) (int, error) {
	n := widthOf[T]()
	if len(data) < n {
		return 0, byterange.OverflowError("not enough bytes to load %d-byte big-endian value, have %d", n, len(data))
	}
	if dst != nil {
		*dst = decodeBE[T](data[:n])
	}
	return n, nil
}

func (BigEndian[T]) Store(val T, data []byte) (int, error) {
	n := widthOf[T]()
	if len(data) < n {
		return 0, byterange.OverflowError("not enough room to store %d-byte big-endian value, have %d", n, len(data))
	}
	encodeBE(val, data[:n])
	return n, nil
}

func decodeBE[T Integer](b []byte) T {
	var zero T
	switch any(zero).(type) {
	case uint8:
		return T(b[0])
	case int8:
		return T(int8(b[0]))
	case uint16:
		return T(binary.BigEndian.Uint16(b))
	case int16:
		return T(int16(binary.BigEndian.Uint16(b)))
	case uint32:
		return T(binary.BigEndian.Uint32(b))
	case int32:
		return T(int32(binary.BigEndian.Uint32(b)))
	case uint64:
		return T(binary.BigEndian.Uint64(b))
	case int64:
		return T(int64(binary.BigEndian.Uint64(b)))
	}
	return zero
}

func encodeBE[T Integer](val T, b []byte) {
	switch v := any(val).(type) {
	case uint8:
		b[0] = v
	case int8:
		b[0] = byte(v)
	case uint16:
		binary.BigEndian.PutUint16(b, v)
	case int16:
		binary.BigEndian.PutUint16(b, uint16(v))
	case uint32:
		binary.BigEndian.PutUint32(b, v)
	case int32:
		binary.BigEndian.PutUint32(b, uint32(v))
	case uint64:
		binary.BigEndian.PutUint64(b, v)
	case int64:
		binary.BigEndian.PutUint64(b, uint64(v))
	}
}
