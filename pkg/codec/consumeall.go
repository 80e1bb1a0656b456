package codec

import "github.com/dbbouncer/dbbouncer/pkg/byterange"

// ConsumeAll reads elements of E until the remaining window is exhausted;
// any mid-element failure aborts the whole operation. On store it emits
// every element of the collection.
type ConsumeAll[E any] struct {
	Elem byterange.Codec[E]
}

func (c ConsumeAll[E]) Default() []E { return nil }

func (c ConsumeAll[E]) Load(dst *[]E, data []byte) (int, error) {
	var elems []E
	n := 0
	for n < len(data) {
		var e E
		en, err := c.Elem.Load(&e, data[n:])
		if err != nil {
			return 0, err
		}
		if en == 0 {
			return 0, byterange.BadValueError("consume-all element made no progress at offset %d", n)
		}
		elems = append(elems, e)
		n += en
	}
	if dst != nil {
		*dst = elems
	}
	return n, nil
}

func (c ConsumeAll[E]) Store(val []E, data []byte) (int, error) {
	n := 0
	for _, e := range val {
		en, err := c.Elem.Store(e, data[n:])
		if err != nil {
			return 0, err
		}
		n += en
	}
	return n, nil
}
