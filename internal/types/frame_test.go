package types

import "testing"

func TestFrame_CloneDoesNotAlias(t *testing.T) {
	f := Frame{Width: 2, Height: 1, Channels: 3, Data: []byte{1, 2, 3, 4, 5, 6}}
	c := f.Clone()
	c.Data[0] = 99
	if f.Data[0] != 1 {
		t.Error("Clone() shares the pixel buffer")
	}
	if f.Shape().Size() != len(f.Data) {
		t.Errorf("Shape().Size() = %d", f.Shape().Size())
	}
}
