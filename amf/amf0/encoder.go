package amf0

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/pkg/errors"
)

const shortStringMax = 65535

// Encode returns the AMF0 representation of v.
// Supported types: float64, int, uint32, bool, string, Object, ECMAArray,
// StrictArray, Undefined, time.Time, nil.
func Encode(v interface{}) ([]byte, error) {
	return appendValue(nil, v)
}

// EncodeAll encodes each value in turn into one buffer, the form command and
// data message bodies take on the wire.
func EncodeAll(vs ...interface{}) ([]byte, error) {
	var buf []byte
	var err error
	for _, v := range vs {
		buf, err = appendValue(buf, v)
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func appendValue(buf []byte, v interface{}) ([]byte, error) {
	switch v := v.(type) {
	case float64:
		return appendNumber(buf, v), nil
	case int:
		return appendNumber(buf, float64(v)), nil
	case uint32:
		return appendNumber(buf, float64(v)), nil
	case bool:
		if v {
			return append(buf, TypeBoolean, 1), nil
		}
		return append(buf, TypeBoolean, 0), nil
	case string:
		return appendString(buf, v), nil
	case Object:
		return appendObject(buf, v)
	case ECMAArray:
		return appendECMAArray(buf, v)
	case StrictArray:
		return appendStrictArray(buf, v)
	case Undefined:
		return append(buf, TypeUndefined), nil
	case time.Time:
		return appendDate(buf, v), nil
	case nil:
		return append(buf, TypeNull), nil
	default:
		return nil, errors.Errorf("amf0: cannot encode type %T", v)
	}
}

func appendNumber(buf []byte, f float64) []byte {
	var b [9]byte
	b[0] = TypeNumber
	binary.BigEndian.PutUint64(b[1:], math.Float64bits(f))
	return append(buf, b[:]...)
}

func appendString(buf []byte, s string) []byte {
	if len(s) <= shortStringMax {
		var hdr [3]byte
		hdr[0] = TypeString
		binary.BigEndian.PutUint16(hdr[1:], uint16(len(s)))
		return append(append(buf, hdr[:]...), s...)
	}
	var hdr [5]byte
	hdr[0] = TypeLongString
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(s)))
	return append(append(buf, hdr[:]...), s...)
}

// appendKey writes an object key, which carries a length prefix but no type
// marker.
func appendKey(buf []byte, key string) []byte {
	var hdr [2]byte
	binary.BigEndian.PutUint16(hdr[:], uint16(len(key)))
	return append(append(buf, hdr[:]...), key...)
}

func appendProperties(buf []byte, props []Property) ([]byte, error) {
	var err error
	for _, p := range props {
		buf = appendKey(buf, p.Key)
		buf, err = appendValue(buf, p.Value)
		if err != nil {
			return nil, err
		}
	}
	// Empty key + object-end marker terminates the property list.
	return append(buf, 0x00, 0x00, TypeObjectEnd), nil
}

func appendObject(buf []byte, obj Object) ([]byte, error) {
	return appendProperties(append(buf, TypeObject), obj)
}

func appendECMAArray(buf []byte, arr ECMAArray) ([]byte, error) {
	var hdr [5]byte
	hdr[0] = TypeECMAArray
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(arr)))
	return appendProperties(append(buf, hdr[:]...), arr)
}

func appendStrictArray(buf []byte, arr StrictArray) ([]byte, error) {
	var hdr [5]byte
	hdr[0] = TypeStrictArray
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(arr)))
	buf = append(buf, hdr[:]...)
	var err error
	for _, v := range arr {
		buf, err = appendValue(buf, v)
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func appendDate(buf []byte, t time.Time) []byte {
	var b [11]byte
	b[0] = TypeDate
	binary.BigEndian.PutUint64(b[1:9], math.Float64bits(float64(t.UnixNano()/int64(time.Millisecond))))
	// Bytes 9-10 are the time zone offset, always zero per the spec.
	return append(buf, b[:]...)
}
