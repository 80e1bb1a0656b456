package codec

import "github.com/dbbouncer/dbbouncer/pkg/byterange"

// LengthPrefixed is an integer length L (encoded via LenCodec, typically
// big-endian per spec) followed by a payload of exactly that many bytes,
// decoded by Elem. Elem receives exactly the L-byte payload slice — not the
// rest of the buffer — so an Elem that consumes-all (see ConsumeAll) works
// naturally as the payload decoder.
type LengthPrefixed[L Integer, T any] struct {
	LenCodec byterange.Codec[L]
	Elem     byterange.Codec[T]
}

func (lp LengthPrefixed[L, T]) Default() T { return lp.Elem.Default() }

func (lp LengthPrefixed[L, T]) Load(dst *T, data []byte) (int, error) {
	var length L
	n, err := lp.LenCodec.Load(&length, data)
	if err != nil {
		return 0, err
	}
	payloadLen := int(length)
	if payloadLen < 0 || n+payloadLen > len(data) {
		return 0, byterange.OverflowError("length-prefixed payload of %d bytes exceeds remaining %d", payloadLen, len(data)-n)
	}
	if _, err := lp.Elem.Load(dst, data[n:n+payloadLen]); err != nil {
		return 0, err
	}
	return n + payloadLen, nil
}

func (lp LengthPrefixed[L, T]) Store(val T, data []byte) (int, error) {
	headN, err := lp.LenCodec.Store(L(0), data)
	if err != nil {
		return 0, err
	}
	bodyN, err := lp.Elem.Store(val, data[headN:])
	if err != nil {
		return 0, err
	}
	if _, err := lp.LenCodec.Store(L(bodyN), data); err != nil {
		return 0, err
	}
	return headN + bodyN, nil
}
