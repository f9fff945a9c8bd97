// Package cbor implements the minimal canonical CBOR subset CTAP2 needs:
// unsigned/negative integers, byte/text strings, arrays, maps and the
// simple values false/true/null. It intentionally does not attempt to be
// a general-purpose CBOR library (no reflection, no tagging, no floats).
package cbor

import (
	"errors"
	"fmt"
)

// Major types, as laid out in RFC 8949.
const (
	majorUint = 0
	majorNInt = 1
	majorBstr = 2
	majorTstr = 3
	majorArr  = 4
	majorMap  = 5
	majorSimp = 7
)

const (
	simpleFalse = 20
	simpleTrue  = 21
	simpleNull  = 22
)

// Errors returned by Reader methods. The engine treats all of them the
// same way, ErrUnexpectedType included: abort the request with
// INVALID_CBOR.
var (
	ErrTruncated       = errors.New("cbor: truncated input")
	ErrOverrun         = errors.New("cbor: length exceeds remaining buffer")
	ErrUnexpectedType  = errors.New("cbor: unexpected major type")
	ErrUnsupportedItem = errors.New("cbor: unsupported item")
)

// Writer builds a canonical CBOR encoding into an internal buffer. The zero
// value is ready to use.
type Writer struct {
	buf []byte
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer { return &Writer{} }

// Bytes returns the encoded buffer built so far.
func (w *Writer) Bytes() []byte { return w.buf }

// Len returns the number of bytes written so far.
func (w *Writer) Len() int { return len(w.buf) }

// Raw appends already-encoded CBOR bytes verbatim. Used when a caller has
// pre-built a nested item (e.g. a COSE key) with its own Writer.
func (w *Writer) Raw(b []byte) { w.buf = append(w.buf, b...) }

// writeHeader appends a major-type/argument header using the shortest of
// the 1/2/3/5/9-byte length encodings, as spec.md 4.A requires.
func (w *Writer) writeHeader(major byte, n uint64) {
	switch {
	case n < 24:
		w.buf = append(w.buf, (major<<5)|byte(n))
	case n <= 0xff:
		w.buf = append(w.buf, (major<<5)|24, byte(n))
	case n <= 0xffff:
		w.buf = append(w.buf, (major<<5)|25, byte(n>>8), byte(n))
	case n <= 0xffffffff:
		w.buf = append(w.buf, (major<<5)|26,
			byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
	default:
		w.buf = append(w.buf, (major<<5)|27,
			byte(n>>56), byte(n>>48), byte(n>>40), byte(n>>32),
			byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
	}
}

// WriteUint encodes a non-negative integer (major type 0).
func (w *Writer) WriteUint(v uint64) { w.writeHeader(majorUint, v) }

// WriteNegInt encodes a negative integer (major type 1). n must be < 0;
// the wire value is -1-n.
func (w *Writer) WriteNegInt(n int64) {
	if n >= 0 {
		panic("cbor: WriteNegInt called with a non-negative value")
	}
	w.writeHeader(majorNInt, uint64(-1-n))
}

// WriteInt encodes any signed integer, dispatching to WriteUint or
// WriteNegInt as appropriate.
func (w *Writer) WriteInt(v int64) {
	if v < 0 {
		w.WriteNegInt(v)
		return
	}
	w.WriteUint(uint64(v))
}

// WriteBytes encodes a byte string (major type 2): length prefix then the
// raw payload.
func (w *Writer) WriteBytes(b []byte) {
	w.writeHeader(majorBstr, uint64(len(b)))
	w.buf = append(w.buf, b...)
}

// WriteText encodes a UTF-8 text string (major type 3).
func (w *Writer) WriteText(s string) {
	w.writeHeader(majorTstr, uint64(len(s)))
	w.buf = append(w.buf, s...)
}

// WriteArrayHeader encodes an array header (major type 4) for n items;
// the caller writes the n items immediately after.
func (w *Writer) WriteArrayHeader(n int) { w.writeHeader(majorArr, uint64(n)) }

// WriteMapHeader encodes a map header (major type 5) for n key/value
// pairs; the caller writes 2*n items immediately after. The codec does
// not enforce key ordering on output — callers are responsible for
// emitting keys in ascending order where the protocol requires it.
func (w *Writer) WriteMapHeader(n int) { w.writeHeader(majorMap, uint64(n)) }

// WriteBool encodes a CBOR simple boolean.
func (w *Writer) WriteBool(b bool) {
	if b {
		w.buf = append(w.buf, (majorSimp<<5)|simpleTrue)
	} else {
		w.buf = append(w.buf, (majorSimp<<5)|simpleFalse)
	}
}

// WriteNull encodes the CBOR simple null value.
func (w *Writer) WriteNull() { w.buf = append(w.buf, (majorSimp<<5)|simpleNull) }

// Reader decodes CBOR items from an immutable byte slice, advancing an
// internal cursor. Every method either fully succeeds or returns an error
// with the cursor left in an undefined position — callers must abort the
// whole request on any error rather than try to resume decoding.
type Reader struct {
	buf []byte
	pos int
}

// NewReader wraps b for decoding. b is not copied; returned byte/text
// views borrow from it and are valid only as long as b is.
func NewReader(b []byte) *Reader { return &Reader{buf: b} }

// Remaining reports how many bytes are left to decode.
func (r *Reader) Remaining() int { return len(r.buf) - r.pos }

// readHeader decodes a major-type/argument pair at the cursor without
// validating the major type, returning the argument value and advancing
// past the header bytes (not the payload).
func (r *Reader) readHeader() (major byte, arg uint64, err error) {
	if r.Remaining() < 1 {
		return 0, 0, ErrTruncated
	}
	first := r.buf[r.pos]
	major = first >> 5
	info := first & 0x1f
	r.pos++

	switch {
	case info < 24:
		return major, uint64(info), nil
	case info == 24:
		if r.Remaining() < 1 {
			return 0, 0, ErrTruncated
		}
		arg = uint64(r.buf[r.pos])
		r.pos++
	case info == 25:
		if r.Remaining() < 2 {
			return 0, 0, ErrTruncated
		}
		arg = uint64(r.buf[r.pos])<<8 | uint64(r.buf[r.pos+1])
		r.pos += 2
	case info == 26:
		if r.Remaining() < 4 {
			return 0, 0, ErrTruncated
		}
		for i := 0; i < 4; i++ {
			arg = arg<<8 | uint64(r.buf[r.pos+i])
		}
		r.pos += 4
	case info == 27:
		if r.Remaining() < 8 {
			return 0, 0, ErrTruncated
		}
		for i := 0; i < 8; i++ {
			arg = arg<<8 | uint64(r.buf[r.pos+i])
		}
		r.pos += 8
	default:
		return 0, 0, fmt.Errorf("%w: reserved additional info %d", ErrUnsupportedItem, info)
	}
	return major, arg, nil
}

// PeekMajor returns the major type of the next item without consuming any
// input. Used by map/array decoding loops that branch on what follows.
func (r *Reader) PeekMajor() (byte, error) {
	if r.Remaining() < 1 {
		return 0, ErrTruncated
	}
	return r.buf[r.pos] >> 5, nil
}

// ReadUint decodes an unsigned integer (major type 0).
func (r *Reader) ReadUint() (uint64, error) {
	save := r.pos
	major, v, err := r.readHeader()
	if err != nil {
		return 0, err
	}
	if major != majorUint {
		r.pos = save
		return 0, ErrUnexpectedType
	}
	return v, nil
}

// ReadNegInt decodes a negative integer (major type 1), returning -1-n.
func (r *Reader) ReadNegInt() (int64, error) {
	save := r.pos
	major, v, err := r.readHeader()
	if err != nil {
		return 0, err
	}
	if major != majorNInt {
		r.pos = save
		return 0, ErrUnexpectedType
	}
	return -1 - int64(v), nil
}

// ReadInt decodes either an unsigned or a negative integer, whichever is
// present, returning a signed result.
func (r *Reader) ReadInt() (int64, error) {
	major, err := r.PeekMajor()
	if err != nil {
		return 0, err
	}
	switch major {
	case majorUint:
		v, err := r.ReadUint()
		return int64(v), err
	case majorNInt:
		return r.ReadNegInt()
	default:
		return 0, ErrUnexpectedType
	}
}

// ReadBytes decodes a byte string (major type 2) and returns a view into
// the underlying buffer; the caller must copy it if it needs to outlive r.
func (r *Reader) ReadBytes() ([]byte, error) {
	save := r.pos
	major, n, err := r.readHeader()
	if err != nil {
		return nil, err
	}
	if major != majorBstr {
		r.pos = save
		return nil, ErrUnexpectedType
	}
	if uint64(r.Remaining()) < n {
		return nil, ErrOverrun
	}
	b := r.buf[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return b, nil
}

// ReadText decodes a UTF-8 text string (major type 3) and returns a view
// into the underlying buffer.
func (r *Reader) ReadText() (string, error) {
	save := r.pos
	major, n, err := r.readHeader()
	if err != nil {
		return "", err
	}
	if major != majorTstr {
		r.pos = save
		return "", ErrUnexpectedType
	}
	if uint64(r.Remaining()) < n {
		return "", ErrOverrun
	}
	s := string(r.buf[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s, nil
}

// ReadArrayHeader decodes an array header (major type 4) and returns the
// item count; the caller then decodes that many items.
func (r *Reader) ReadArrayHeader() (int, error) {
	save := r.pos
	major, n, err := r.readHeader()
	if err != nil {
		return 0, err
	}
	if major != majorArr {
		r.pos = save
		return 0, ErrUnexpectedType
	}
	return int(n), nil
}

// ReadMapHeader decodes a map header (major type 5) and returns the pair
// count; the caller then decodes 2*count items.
func (r *Reader) ReadMapHeader() (int, error) {
	save := r.pos
	major, n, err := r.readHeader()
	if err != nil {
		return 0, err
	}
	if major != majorMap {
		r.pos = save
		return 0, ErrUnexpectedType
	}
	return int(n), nil
}

// ReadBool decodes a simple boolean.
func (r *Reader) ReadBool() (bool, error) {
	save := r.pos
	major, v, err := r.readHeader()
	if err != nil {
		return false, err
	}
	if major != majorSimp {
		r.pos = save
		return false, ErrUnexpectedType
	}
	switch v {
	case simpleTrue:
		return true, nil
	case simpleFalse:
		return false, nil
	default:
		r.pos = save
		return false, ErrUnexpectedType
	}
}

// ReadNull consumes a simple null value.
func (r *Reader) ReadNull() error {
	save := r.pos
	major, v, err := r.readHeader()
	if err != nil {
		return err
	}
	if major != majorSimp || v != simpleNull {
		r.pos = save
		return ErrUnexpectedType
	}
	return nil
}

// Skip consumes exactly one complete CBOR item, including every element
// of a nested array or map, without interpreting its value. It is how the
// engine forward-skips unknown map keys (spec.md 4.C).
func (r *Reader) Skip() error {
	save := r.pos
	major, n, err := r.readHeader()
	if err != nil {
		return err
	}
	switch major {
	case majorUint, majorNInt:
		return nil
	case majorBstr, majorTstr:
		if uint64(r.Remaining()) < n {
			return ErrOverrun
		}
		r.pos += int(n)
		return nil
	case majorArr:
		for i := uint64(0); i < n; i++ {
			if err := r.Skip(); err != nil {
				return err
			}
		}
		return nil
	case majorMap:
		for i := uint64(0); i < 2*n; i++ {
			if err := r.Skip(); err != nil {
				return err
			}
		}
		return nil
	case majorSimp:
		return nil
	default:
		r.pos = save
		return ErrUnsupportedItem
	}
}
