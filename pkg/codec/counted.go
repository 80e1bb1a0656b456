package codec

import "github.com/dbbouncer/dbbouncer/pkg/byterange"

// Counted reads a length L, then invokes Elem.Load exactly L times,
// collecting a []E. On store, it writes L = len(collection) then each
// element in order.
type Counted[L Integer, E any] struct {
	LenCodec byterange.Codec[L]
	Elem     byterange.Codec[E]
}

func (c Counted[L, E]) Default() []E { return nil }

func (c Counted[L, E]) Load(dst *[]E, data []byte) (int, error) {
	var length L
	n, err := c.LenCodec.Load(&length, data)
	if err != nil {
		return 0, err
	}
	count := int(length)
	if count < 0 {
		return 0, byterange.BadValueError("negative count %d", count)
	}
	elems := make([]E, 0, count)
	for i := 0; i < count; i++ {
		var e E
		en, err := c.Elem.Load(&e, data[n:])
		if err != nil {
			return 0, byterange.OverflowError("counted element %d/%d: %v", i+1, count, err)
		}
		elems = append(elems, e)
		n += en
	}
	if dst != nil {
		*dst = elems
	}
	return n, nil
}

func (c Counted[L, E]) Store(val []E, data []byte) (int, error) {
	n, err := c.LenCodec.Store(L(len(val)), data)
	if err != nil {
		return 0, err
	}
	for _, e := range val {
		en, err := c.Elem.Store(e, data[n:])
		if err != nil {
			return 0, err
		}
		n += en
	}
	return n, nil
}
