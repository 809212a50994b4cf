// Package record implements the node/edge encoding and slotted record
// page layout described in spec sections 4.1 ("Slot operations") and
// 4.4 (versioned payloads), grounded on the tagged-column encoding in
// the teacher's storage package but generalized to a property-graph
// value union instead of a fixed relational column set.
package record

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Kind is the tag byte for a property Value, per spec section 9's
// glossary: "a tagged variant over {Null, Bool, Int64, Float64,
// String, Bytes, Date, Timestamp}".
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt64
	KindFloat64
	KindString
	KindBytes
	KindDate
	KindTimestamp
)

// Value is a single property-map value. Exactly one of the typed
// fields is meaningful, selected by Tag; the zero Value is KindNull.
type Value struct {
	Tag   Kind
	Bool  bool
	Int   int64
	Float float64
	Str   string
	Bytes []byte
	// Date and Timestamp both store a time.Time; DateValue truncates to
	// the day (UTC) when the value is built, and encoding writes Time
	// unchanged, so a Date built with DateValue carries no sub-day
	// component.
	Time time.Time
}

func NullValue() Value             { return Value{Tag: KindNull} }
func BoolValue(b bool) Value       { return Value{Tag: KindBool, Bool: b} }
func IntValue(i int64) Value       { return Value{Tag: KindInt64, Int: i} }
func FloatValue(f float64) Value   { return Value{Tag: KindFloat64, Float: f} }
func StringValue(s string) Value   { return Value{Tag: KindString, Str: s} }
func BytesValue(b []byte) Value    { return Value{Tag: KindBytes, Bytes: b} }
func DateValue(t time.Time) Value  { return Value{Tag: KindDate, Time: t.Truncate(24 * time.Hour).UTC()} }
func TimestampValue(t time.Time) Value {
	return Value{Tag: KindTimestamp, Time: t.UTC()}
}

// encodedSize returns the number of bytes WriteValue will write for v,
// including the 1-byte tag.
func encodedSize(v Value) int {
	switch v.Tag {
	case KindNull:
		return 1
	case KindBool:
		return 2
	case KindInt64, KindFloat64, KindDate, KindTimestamp:
		return 9
	case KindString, KindBytes:
		return 1 + 4 + len(bytesOf(v))
	default:
		return 1
	}
}

func bytesOf(v Value) []byte {
	if v.Tag == KindString {
		return []byte(v.Str)
	}
	return v.Bytes
}

// WriteValue appends the encoded form of v to dst and returns the
// extended slice. Integers and floats use fixed 8-byte big-endian
// encoding; dates and timestamps encode as Unix nanoseconds so the
// round-trip is exact and the two tags only differ in how callers are
// expected to treat the sub-day component.
func WriteValue(dst []byte, v Value) []byte {
	dst = append(dst, byte(v.Tag))
	switch v.Tag {
	case KindNull:
		// no payload
	case KindBool:
		b := byte(0)
		if v.Bool {
			b = 1
		}
		dst = append(dst, b)
	case KindInt64:
		dst = appendUint64(dst, uint64(v.Int))
	case KindFloat64:
		dst = appendUint64(dst, math.Float64bits(v.Float))
	case KindDate, KindTimestamp:
		dst = appendUint64(dst, uint64(v.Time.UnixNano()))
	case KindString:
		s := v.Str
		dst = appendUint32(dst, uint32(len(s)))
		dst = append(dst, s...)
	case KindBytes:
		dst = appendUint32(dst, uint32(len(v.Bytes)))
		dst = append(dst, v.Bytes...)
	}
	return dst
}

// ReadValue decodes one Value from the front of src, returning the
// value and the number of bytes consumed.
func ReadValue(src []byte) (Value, int, error) {
	if len(src) < 1 {
		return Value{}, 0, fmt.Errorf("record: value: empty input")
	}
	tag := Kind(src[0])
	switch tag {
	case KindNull:
		return Value{Tag: KindNull}, 1, nil
	case KindBool:
		if len(src) < 2 {
			return Value{}, 0, fmt.Errorf("record: value: truncated bool")
		}
		return Value{Tag: KindBool, Bool: src[1] != 0}, 2, nil
	case KindInt64:
		if len(src) < 9 {
			return Value{}, 0, fmt.Errorf("record: value: truncated int64")
		}
		return Value{Tag: KindInt64, Int: int64(binary.BigEndian.Uint64(src[1:9]))}, 9, nil
	case KindFloat64:
		if len(src) < 9 {
			return Value{}, 0, fmt.Errorf("record: value: truncated float64")
		}
		return Value{Tag: KindFloat64, Float: math.Float64frombits(binary.BigEndian.Uint64(src[1:9]))}, 9, nil
	case KindDate, KindTimestamp:
		if len(src) < 9 {
			return Value{}, 0, fmt.Errorf("record: value: truncated time")
		}
		nanos := int64(binary.BigEndian.Uint64(src[1:9]))
		return Value{Tag: tag, Time: time.Unix(0, nanos).UTC()}, 9, nil
	case KindString:
		if len(src) < 5 {
			return Value{}, 0, fmt.Errorf("record: value: truncated string length")
		}
		n := binary.BigEndian.Uint32(src[1:5])
		end := 5 + int(n)
		if len(src) < end {
			return Value{}, 0, fmt.Errorf("record: value: truncated string body")
		}
		return Value{Tag: KindString, Str: string(src[5:end])}, end, nil
	case KindBytes:
		if len(src) < 5 {
			return Value{}, 0, fmt.Errorf("record: value: truncated bytes length")
		}
		n := binary.BigEndian.Uint32(src[1:5])
		end := 5 + int(n)
		if len(src) < end {
			return Value{}, 0, fmt.Errorf("record: value: truncated bytes body")
		}
		buf := make([]byte, n)
		copy(buf, src[5:end])
		return Value{Tag: KindBytes, Bytes: buf}, end, nil
	default:
		return Value{}, 0, fmt.Errorf("record: value: unknown tag %d", tag)
	}
}

func appendUint64(dst []byte, v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return append(dst, buf[:]...)
}

func appendUint32(dst []byte, v uint32) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	return append(dst, buf[:]...)
}

// PropertyMap is an ordered-by-insertion property map; insertion order
// is preserved on encode/decode so two structurally identical maps
// compare equal byte-for-byte regardless of how Go iterated them.
type PropertyMap struct {
	keys   []string
	values map[string]Value
}

func NewPropertyMap() *PropertyMap {
	return &PropertyMap{values: make(map[string]Value)}
}

func (m *PropertyMap) Set(key string, v Value) {
	if _, exists := m.values[key]; !exists {
		m.keys = append(m.keys, key)
	}
	m.values[key] = v
}

func (m *PropertyMap) Get(key string) (Value, bool) {
	v, ok := m.values[key]
	return v, ok
}

func (m *PropertyMap) Delete(key string) {
	if _, ok := m.values[key]; !ok {
		return
	}
	delete(m.values, key)
	for i, k := range m.keys {
		if k == key {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			break
		}
	}
}

func (m *PropertyMap) Keys() []string {
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

func (m *PropertyMap) Len() int { return len(m.keys) }

// WritePropertyMap appends a length-prefixed, order-preserving
// encoding of m to dst.
func WritePropertyMap(dst []byte, m *PropertyMap) []byte {
	dst = appendUint32(dst, uint32(m.Len()))
	for _, k := range m.keys {
		dst = appendUint32(dst, uint32(len(k)))
		dst = append(dst, k...)
		dst = WriteValue(dst, m.values[k])
	}
	return dst
}

// ReadPropertyMap decodes a PropertyMap from the front of src,
// returning the map and bytes consumed.
func ReadPropertyMap(src []byte) (*PropertyMap, int, error) {
	if len(src) < 4 {
		return nil, 0, fmt.Errorf("record: property map: truncated count")
	}
	n := binary.BigEndian.Uint32(src[0:4])
	off := 4
	m := NewPropertyMap()
	for i := uint32(0); i < n; i++ {
		if len(src) < off+4 {
			return nil, 0, fmt.Errorf("record: property map: truncated key length")
		}
		klen := int(binary.BigEndian.Uint32(src[off : off+4]))
		off += 4
		if len(src) < off+klen {
			return nil, 0, fmt.Errorf("record: property map: truncated key")
		}
		key := string(src[off : off+klen])
		off += klen

		v, consumed, err := ReadValue(src[off:])
		if err != nil {
			return nil, 0, fmt.Errorf("record: property map: value for key %q: %w", key, err)
		}
		off += consumed
		m.Set(key, v)
	}
	return m, off, nil
}
