package byterange

// ConstCursor is a ConstRange whose start can advance. Advancing narrows the
// remaining window monotonically; the invariant begin<=end always holds
// after a successful operation.
type ConstCursor struct {
	r ConstRange
}

// NewConstCursor creates a cursor over b.
func NewConstCursor(b []byte) *ConstCursor {
	return &ConstCursor{r: NewConstRange(b)}
}

// Range returns the cursor's current remaining range.
func (c *ConstCursor) Range() ConstRange { return c.r }

// Length returns the number of unread bytes remaining.
func (c *ConstCursor) Length() int { return c.r.Length() }

// Advance moves the cursor forward by n bytes, failing BadValue if n
// exceeds the remaining length.
func (c *ConstCursor) Advance(n int) error {
	if n > c.r.Length() {
		return badValue("out of range")
	}
	c.r.data = c.r.data[n:]
	c.r.debugOffset += n
	return nil
}

// ReadAndAdvance reads a T at the cursor's current position, then advances
// by the number of bytes the codec reports consumed. On failure the cursor
// position is unchanged.
func ReadAndAdvance[T any](c *ConstCursor, codec Codec[T]) (T, error) {
	var zero T
	var t T
	n, err := codec.Load(&t, c.r.data)
	if err != nil {
		return zero, err
	}
	if err := c.Advance(n); err != nil {
		return zero, err
	}
	return t, nil
}

// SkipAndAdvance validates and advances past a T without materialising it.
func SkipAndAdvance[T any](c *ConstCursor, codec Codec[T]) error {
	n, err := codec.Load(nil, c.r.data)
	if err != nil {
		return err
	}
	return c.Advance(n)
}

// Cursor is the mutable counterpart to ConstCursor, supporting writes.
type Cursor struct {
	r Range
}

// NewCursor creates a mutable cursor over b.
func NewCursor(b []byte) *Cursor {
	return &Cursor{r: NewRange(b)}
}

// Range returns the cursor's current remaining range.
func (c *Cursor) Range() Range { return c.r }

// ConstRange returns the cursor's current remaining range as read-only.
func (c *Cursor) ConstRange() ConstRange { return c.r.ConstRange }

// Length returns the number of unwritten bytes remaining.
func (c *Cursor) Length() int { return c.r.Length() }

// Advance moves the cursor forward by n bytes, failing BadValue if n
// exceeds the remaining length.
func (c *Cursor) Advance(n int) error {
	if n > c.r.Length() {
		return badValue("out of range")
	}
	c.r.data = c.r.data[n:]
	c.r.debugOffset += n
	return nil
}

// WriteAndAdvance writes val at the cursor's current position, then
// advances by the number of bytes produced. On failure the cursor position
// is unchanged.
func WriteAndAdvance[T any](c *Cursor, codec Codec[T], val T) error {
	n, err := codec.Store(val, c.r.data)
	if err != nil {
		return err
	}
	return c.Advance(n)
}

// ReadFromCursor reads a T through a mutable cursor and advances it past the
// bytes consumed, letting read-only codecs operate on a Cursor without
// building a separate ConstCursor first. On failure the cursor is unchanged.
func ReadFromCursor[T any](c *Cursor, codec Codec[T]) (T, error) {
	cc := ConstCursor{r: c.r.ConstRange}
	t, err := ReadAndAdvance(&cc, codec)
	if err != nil {
		return t, err
	}
	c.r.data = cc.r.data
	c.r.debugOffset = cc.r.debugOffset
	return t, nil
}
