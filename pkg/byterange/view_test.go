package byterange

import "testing"

func TestViewReadAtWriteAtRoundTrip(t *testing.T) {
	buf := make([]byte, 4)
	v := NewView(buf)

	WriteAt[byte](v, byteCodec{}, 99, 2)
	if buf[2] != 99 {
		t.Errorf("buf[2] = %d, want 99", buf[2])
	}

	cv := NewConstView(buf)
	got := ReadAt[byte](cv, byteCodec{}, 2)
	if got != 99 {
		t.Errorf("ReadAt = %d, want 99", got)
	}
}
