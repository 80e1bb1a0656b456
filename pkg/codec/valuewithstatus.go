package codec

import "github.com/dbbouncer/dbbouncer/pkg/byterange"

// ValueWithStatus decodes a T through Elem, but lets a caller-supplied
// Override function replace a structurally-successful decode with its own
// error — useful when a codec pipeline needs to reject a well-formed value
// on policy grounds (e.g. an offered SASL mechanism list that parses fine
// but doesn't contain the mechanism this client requires) without a second
// ad hoc error path.
type ValueWithStatus[T any] struct {
	Elem     byterange.Codec[T]
	Override func(T) error
}

func (v ValueWithStatus[T]) Default() T { return v.Elem.Default() }

func (v ValueWithStatus[T]) Load(dst *T, data []byte) (int, error) {
	var t T
	n, err := v.Elem.Load(&t, data)
	if err != nil {
		return 0, err
	}
	if v.Override != nil {
		if oerr := v.Override(t); oerr != nil {
			return 0, oerr
		}
	}
	if dst != nil {
		*dst = t
	}
	return n, nil
}

func (v ValueWithStatus[T]) Store(val T, data []byte) (int, error) {
	return v.Elem.Store(val, data)
}
