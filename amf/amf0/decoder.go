package amf0

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/pkg/errors"
)

var ErrTruncated = errors.New("amf0: truncated value")
var ErrUnknownType = errors.New("amf0: unknown or unsupported type marker")

// Decoder reads a sequence of AMF0 values from a byte slice. It is not safe
// for concurrent use.
type Decoder struct {
	buf    []byte
	pos    int
	strict bool
}

func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

// NewStrictDecoder returns a decoder that fails on reserved/unsupported type
// markers instead of treating them as Null.
func NewStrictDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf, strict: true}
}

// More reports whether any undecoded bytes remain.
func (d *Decoder) More() bool {
	return d.pos < len(d.buf)
}

// Pos returns the offset of the next undecoded byte.
func (d *Decoder) Pos() int {
	return d.pos
}

// Decode returns the next value in the sequence.
// Possible return types: float64, bool, string, Object, ECMAArray,
// StrictArray, Undefined, time.Time, nil.
// Reserved markers (Reference, MovieClip, RecordSet, XMLDocument,
// TypedObject, AVMPlus) decode as nil in lenient mode; resynchronizing past
// them is impossible, so the remainder of the buffer is abandoned and More
// reports false. In strict mode they fail with ErrUnknownType.
func (d *Decoder) Decode() (interface{}, error) {
	marker, err := d.readByte()
	if err != nil {
		return nil, err
	}
	switch marker {
	case TypeNumber:
		return d.readNumber()
	case TypeBoolean:
		b, err := d.readByte()
		if err != nil {
			return nil, err
		}
		return b != 0, nil
	case TypeString:
		return d.readShortString()
	case TypeLongString:
		n, err := d.readUint32()
		if err != nil {
			return nil, err
		}
		return d.readString(int(n))
	case TypeObject:
		return d.readObject()
	case TypeNull:
		return nil, nil
	case TypeUndefined:
		return Undefined{}, nil
	case TypeECMAArray:
		// The associative count is advisory; the terminator is authoritative.
		if _, err := d.readUint32(); err != nil {
			return nil, err
		}
		obj, err := d.readObject()
		if err != nil {
			return nil, err
		}
		return ECMAArray(obj), nil
	case TypeStrictArray:
		return d.readStrictArray()
	case TypeDate:
		return d.readDate()
	default:
		if d.strict {
			return nil, errors.Wrapf(ErrUnknownType, "marker 0x%02x at offset %d", marker, d.pos-1)
		}
		// Lenient: hand back Null and give up on the rest of the buffer.
		d.pos = len(d.buf)
		return nil, nil
	}
}

// DecodeAll decodes values until the buffer is exhausted or an error occurs,
// returning the values decoded so far.
func (d *Decoder) DecodeAll() ([]interface{}, error) {
	var vs []interface{}
	for d.More() {
		v, err := d.Decode()
		if err != nil {
			return vs, err
		}
		vs = append(vs, v)
	}
	return vs, nil
}

// Decode decodes the first AMF0 value in buf.
func Decode(buf []byte) (interface{}, error) {
	return NewDecoder(buf).Decode()
}

func (d *Decoder) readByte() (byte, error) {
	if d.pos >= len(d.buf) {
		return 0, ErrTruncated
	}
	b := d.buf[d.pos]
	d.pos++
	return b, nil
}

func (d *Decoder) take(n int) ([]byte, error) {
	if n < 0 || d.pos+n > len(d.buf) {
		return nil, ErrTruncated
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

func (d *Decoder) readUint16() (uint16, error) {
	b, err := d.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (d *Decoder) readUint32() (uint32, error) {
	b, err := d.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (d *Decoder) readNumber() (float64, error) {
	b, err := d.take(8)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
}

func (d *Decoder) readString(n int) (string, error) {
	b, err := d.take(n)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (d *Decoder) readShortString() (string, error) {
	n, err := d.readUint16()
	if err != nil {
		return "", err
	}
	return d.readString(int(n))
}

func (d *Decoder) readObject() (Object, error) {
	var obj Object
	for {
		keyLen, err := d.readUint16()
		if err != nil {
			return nil, err
		}
		if keyLen == 0 {
			marker, err := d.readByte()
			if err != nil {
				return nil, err
			}
			if marker != TypeObjectEnd {
				return nil, errors.Wrapf(ErrUnknownType, "expected object-end marker, got 0x%02x", marker)
			}
			if obj == nil {
				obj = Object{}
			}
			return obj, nil
		}
		key, err := d.readString(int(keyLen))
		if err != nil {
			return nil, err
		}
		val, err := d.Decode()
		if err != nil {
			return nil, err
		}
		obj = append(obj, Property{Key: key, Value: val})
	}
}

func (d *Decoder) readStrictArray() (StrictArray, error) {
	n, err := d.readUint32()
	if err != nil {
		return nil, err
	}
	arr := make(StrictArray, 0, minInt(int(n), 64))
	for i := uint32(0); i < n; i++ {
		v, err := d.Decode()
		if err != nil {
			return nil, err
		}
		arr = append(arr, v)
	}
	return arr, nil
}

func (d *Decoder) readDate() (time.Time, error) {
	ms, err := d.readNumber()
	if err != nil {
		return time.Time{}, err
	}
	// Time zone offset, ignored. The spec requires encoders to write 0.
	if _, err := d.readUint16(); err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, int64(ms)*int64(time.Millisecond)).UTC(), nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
