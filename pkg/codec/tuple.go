package codec

import "github.com/dbbouncer/dbbouncer/pkg/byterange"

// Tuple2 concatenates two sub-codecs in declaration order. Load/Store
// advance a running offset; on failure the caller-visible consumed count is
// not updated (the combinator simply returns the error).
type Tuple2[A, B any] struct {
	A byterange.Codec[A]
	B byterange.Codec[B]
}

type Pair[A, B any] struct {
	First  A
	Second B
}

func (t Tuple2[A, B]) Default() Pair[A, B] {
	return Pair[A, B]{First: t.A.Default(), Second: t.B.Default()}
}

func (t Tuple2[A, B]) Load(dst *Pair[A, B], data []byte) (int, error) {
	var a A
	var b B
	n1, err := t.A.Load(&a, data)
	if err != nil {
		return 0, err
	}
	n2, err := t.B.Load(&b, data[n1:])
	if err != nil {
		return 0, err
	}
	if dst != nil {
		dst.First, dst.Second = a, b
	}
	return n1 + n2, nil
}

func (t Tuple2[A, B]) Store(val Pair[A, B], data []byte) (int, error) {
	n1, err := t.A.Store(val.First, data)
	if err != nil {
		return 0, err
	}
	n2, err := t.B.Store(val.Second, data[n1:])
	if err != nil {
		return 0, err
	}
	return n1 + n2, nil
}

// Tuple3 concatenates three sub-codecs in declaration order.
type Tuple3[A, B, C any] struct {
	A byterange.Codec[A]
	B byterange.Codec[B]
	C byterange.Codec[C]
}

type Triple[A, B, C any] struct {
	First  A
	Second B
	Third  C
}

func (t Tuple3[A, B, C]) Default() Triple[A, B, C] {
	return Triple[A, B, C]{First: t.A.Default(), Second: t.B.Default(), Third: t.C.Default()}
}

func (t Tuple3[A, B, C]) Load(dst *Triple[A, B, C], data []byte) (int, error) {
	var a A
	var b B
	var c C
	n1, err := t.A.Load(&a, data)
	if err != nil {
		return 0, err
	}
	n2, err := t.B.Load(&b, data[n1:])
	if err != nil {
		return 0, err
	}
	n3, err := t.C.Load(&c, data[n1+n2:])
	if err != nil {
		return 0, err
	}
	if dst != nil {
		dst.First, dst.Second, dst.Third = a, b, c
	}
	return n1 + n2 + n3, nil
}

func (t Tuple3[A, B, C]) Store(val Triple[A, B, C], data []byte) (int, error) {
	n1, err := t.A.Store(val.First, data)
	if err != nil {
		return 0, err
	}
	n2, err := t.B.Store(val.Second, data[n1:])
	if err != nil {
		return 0, err
	}
	n3, err := t.C.Store(val.Third, data[n1+n2:])
	if err != nil {
		return 0, err
	}
	return n1 + n2 + n3, nil
}
