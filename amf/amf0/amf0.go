package amf0

// Type markers, one byte each on the wire.
const (
	TypeNumber      byte = 0x00
	TypeBoolean     byte = 0x01
	TypeString      byte = 0x02
	TypeObject      byte = 0x03
	TypeMovieClip   byte = 0x04 // reserved, not supported
	TypeNull        byte = 0x05
	TypeUndefined   byte = 0x06
	TypeReference   byte = 0x07 // not supported
	TypeECMAArray   byte = 0x08
	TypeObjectEnd   byte = 0x09
	TypeStrictArray byte = 0x0A
	TypeDate        byte = 0x0B
	TypeLongString  byte = 0x0C
	TypeUnsupported byte = 0x0D
	TypeRecordSet   byte = 0x0E // reserved, not supported
	TypeXMLDocument byte = 0x0F // not supported
	TypeTypedObject byte = 0x10 // not supported
	TypeAVMPlus     byte = 0x11 // switch to AMF3, not supported
)

// Property is a single key/value pair of an Object or ECMAArray.
type Property struct {
	Key   string
	Value interface{}
}

// Object is an ordered sequence of properties. RTMP command objects preserve
// insertion order on the wire, so a map cannot represent them faithfully.
type Object []Property

// Get returns the value of the first property with the given key.
func (o Object) Get(key string) (interface{}, bool) {
	for _, p := range o {
		if p.Key == key {
			return p.Value, true
		}
	}
	return nil, false
}

// GetString returns the value of key if it is present and a string.
func (o Object) GetString(key string) (string, bool) {
	v, ok := o.Get(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// GetNumber returns the value of key if it is present and a number.
func (o Object) GetNumber(key string) (float64, bool) {
	v, ok := o.Get(key)
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}

// ECMAArray has the same wire form as Object, preceded by an associative
// count that decoders ignore.
type ECMAArray Object

// Get returns the value of the first property with the given key.
func (a ECMAArray) Get(key string) (interface{}, bool) {
	return Object(a).Get(key)
}

// StrictArray is a dense array: a u32 count followed by that many values.
type StrictArray []interface{}

// Undefined is the AMF0 undefined marker. It is distinct from Null, which
// decodes to nil.
type Undefined struct{}
