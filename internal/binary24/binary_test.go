package binary24

import "testing"

func TestRoundTrip(t *testing.T) {
	values := []uint32{0, 1, 300, 0x012345, Max}
	for _, v := range values {
		var b [3]byte
		BigEndian.PutUint24(b[:], v)
		if got := BigEndian.Uint24(b[:]); got != v {
			t.Errorf("big endian: got %d, want %d", got, v)
		}
		LittleEndian.PutUint24(b[:], v)
		if got := LittleEndian.Uint24(b[:]); got != v {
			t.Errorf("little endian: got %d, want %d", got, v)
		}
	}
}

func TestByteOrder(t *testing.T) {
	var b [3]byte
	BigEndian.PutUint24(b[:], 0x012C)
	if b != [3]byte{0x00, 0x01, 0x2C} {
		t.Errorf("big endian layout: got %v", b)
	}
	LittleEndian.PutUint24(b[:], 0x012C)
	if b != [3]byte{0x2C, 0x01, 0x00} {
		t.Errorf("little endian layout: got %v", b)
	}
}
