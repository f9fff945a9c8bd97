package cbor

import (
	"bytes"
	"testing"
)

func TestWriteUint(t *testing.T) {
	tests := []struct {
		name string
		in   uint64
		want []byte
	}{
		{"tiny", 0, []byte{0x00}},
		{"direct max", 23, []byte{0x17}},
		{"one byte", 24, []byte{0x18, 0x18}},
		{"one byte max", 0xff, []byte{0x18, 0xff}},
		{"two byte", 0x100, []byte{0x19, 0x01, 0x00}},
		{"four byte", 0x10000, []byte{0x1a, 0x00, 0x01, 0x00, 0x00}},
		{"eight byte", 0x100000000, []byte{0x1b, 0, 0, 0, 1, 0, 0, 0, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := NewWriter()
			w.WriteUint(tt.in)
			if !bytes.Equal(w.Bytes(), tt.want) {
				t.Fatalf("WriteUint(%d) = % x, want % x", tt.in, w.Bytes(), tt.want)
			}
		})
	}
}

func TestWriteNegInt(t *testing.T) {
	tests := []struct {
		name string
		in   int64
		want []byte
	}{
		{"minus one", -1, []byte{0x20}},
		{"minus ten", -10, []byte{0x29}},
		{"minus 24", -24, []byte{0x37}},
		{"minus 25", -25, []byte{0x38, 0x18}},
		{"minus 256", -256, []byte{0x38, 0xff}},
		{"minus 257", -257, []byte{0x39, 0x01, 0x00}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := NewWriter()
			w.WriteNegInt(tt.in)
			if !bytes.Equal(w.Bytes(), tt.want) {
				t.Fatalf("WriteNegInt(%d) = % x, want % x", tt.in, w.Bytes(), tt.want)
			}
		})
	}
}

func TestBytesAndTextRoundTrip(t *testing.T) {
	w := NewWriter()
	w.WriteBytes([]byte("hello"))
	w.WriteText("world")

	r := NewReader(w.Bytes())
	b, err := r.ReadBytes()
	if err != nil || string(b) != "hello" {
		t.Fatalf("ReadBytes() = %q, %v, want hello, nil", b, err)
	}
	s, err := r.ReadText()
	if err != nil || s != "world" {
		t.Fatalf("ReadText() = %q, %v, want world, nil", s, err)
	}
	if r.Remaining() != 0 {
		t.Fatalf("Remaining() = %d, want 0", r.Remaining())
	}
}

func TestMapAndArrayHeaders(t *testing.T) {
	w := NewWriter()
	w.WriteMapHeader(2)
	w.WriteUint(1)
	w.WriteArrayHeader(3)
	w.WriteUint(1)
	w.WriteUint(2)
	w.WriteUint(3)
	w.WriteUint(2)
	w.WriteBool(true)

	r := NewReader(w.Bytes())
	n, err := r.ReadMapHeader()
	if err != nil || n != 2 {
		t.Fatalf("ReadMapHeader() = %d, %v, want 2, nil", n, err)
	}
	k, _ := r.ReadUint()
	if k != 1 {
		t.Fatalf("key = %d, want 1", k)
	}
	arrLen, err := r.ReadArrayHeader()
	if err != nil || arrLen != 3 {
		t.Fatalf("ReadArrayHeader() = %d, %v, want 3, nil", arrLen, err)
	}
	for i := uint64(1); i <= 3; i++ {
		v, err := r.ReadUint()
		if err != nil || v != i {
			t.Fatalf("item %d = %d, %v", i, v, err)
		}
	}
	k, _ = r.ReadUint()
	if k != 2 {
		t.Fatalf("key = %d, want 2", k)
	}
	b, err := r.ReadBool()
	if err != nil || !b {
		t.Fatalf("ReadBool() = %v, %v, want true, nil", b, err)
	}
}

func TestReadIntDispatch(t *testing.T) {
	w := NewWriter()
	w.WriteInt(42)
	w.WriteInt(-42)

	r := NewReader(w.Bytes())
	v, err := r.ReadInt()
	if err != nil || v != 42 {
		t.Fatalf("ReadInt() = %d, %v, want 42, nil", v, err)
	}
	v, err = r.ReadInt()
	if err != nil || v != -42 {
		t.Fatalf("ReadInt() = %d, %v, want -42, nil", v, err)
	}
}

func TestSkipNestedContainer(t *testing.T) {
	w := NewWriter()
	w.WriteMapHeader(1)
	w.WriteUint(99) // unknown key
	w.WriteArrayHeader(2)
	w.WriteBytes([]byte{1, 2, 3})
	w.WriteMapHeader(1)
	w.WriteUint(1)
	w.WriteText("nested")
	w.WriteUint(7) // sentinel after the skipped value

	r := NewReader(w.Bytes())
	n, err := r.ReadMapHeader()
	if err != nil || n != 1 {
		t.Fatalf("ReadMapHeader() = %d, %v", n, err)
	}
	if _, err := r.ReadUint(); err != nil {
		t.Fatalf("ReadUint() key: %v", err)
	}
	if err := r.Skip(); err != nil {
		t.Fatalf("Skip() = %v, want nil", err)
	}
	v, err := r.ReadUint()
	if err != nil || v != 7 {
		t.Fatalf("sentinel = %d, %v, want 7, nil", v, err)
	}
}

func TestTruncatedInput(t *testing.T) {
	r := NewReader([]byte{0x19, 0x01}) // two-byte uint header missing a byte
	if _, err := r.ReadUint(); err != ErrTruncated {
		t.Fatalf("ReadUint() err = %v, want ErrTruncated", err)
	}
}

func TestOverrunLengthRejected(t *testing.T) {
	r := NewReader([]byte{0x44, 0x01, 0x02}) // bstr header claims 4 bytes, only 2 present
	if _, err := r.ReadBytes(); err != ErrOverrun {
		t.Fatalf("ReadBytes() err = %v, want ErrOverrun", err)
	}
}

func TestTypeMismatchRejected(t *testing.T) {
	w := NewWriter()
	w.WriteText("hi")
	r := NewReader(w.Bytes())
	if _, err := r.ReadBytes(); err != ErrUnexpectedType {
		t.Fatalf("ReadBytes() on a text item = %v, want ErrUnexpectedType", err)
	}
}
