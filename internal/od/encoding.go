package od

import (
	"encoding/binary"
	"math"
)

// Width returns the fixed byte width of dt, or 0 for variable-length types
// (VisibleString, OctetString, Domain).
func Width(dt DataType) int {
	switch dt {
	case Boolean, Integer8, Unsigned8:
		return 1
	case Integer16, Unsigned16:
		return 2
	case Integer32, Unsigned32, Real32:
		return 4
	case Integer64, Unsigned64, Real64:
		return 8
	default:
		return 0
	}
}

func isSigned(dt DataType) bool {
	switch dt {
	case Integer8, Integer16, Integer32, Integer64:
		return true
	default:
		return false
	}
}

func isUnsigned(dt DataType) bool {
	switch dt {
	case Boolean, Unsigned8, Unsigned16, Unsigned32, Unsigned64:
		return true
	default:
		return false
	}
}

func isFloat(dt DataType) bool {
	return dt == Real32 || dt == Real64
}

func isBlob(dt DataType) bool {
	return dt == OctetString || dt == Domain
}

// encodeSignedRaw little-endian encodes a signed integer into the type's
// native width.
func encodeSignedRaw(v int64, dt DataType) []byte {
	b := make([]byte, Width(dt))
	switch Width(dt) {
	case 1:
		b[0] = byte(int8(v))
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(int16(v)))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(int32(v)))
	case 8:
		binary.LittleEndian.PutUint64(b, uint64(v))
	}
	return b
}

func encodeUnsignedRaw(v uint64, dt DataType) []byte {
	b := make([]byte, Width(dt))
	switch Width(dt) {
	case 1:
		b[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(v))
	case 8:
		binary.LittleEndian.PutUint64(b, v)
	}
	return b
}

func decodeSignedRaw(b []byte, dt DataType) int64 {
	switch Width(dt) {
	case 1:
		return int64(int8(b[0]))
	case 2:
		return int64(int16(binary.LittleEndian.Uint16(b)))
	case 4:
		return int64(int32(binary.LittleEndian.Uint32(b)))
	case 8:
		return int64(binary.LittleEndian.Uint64(b))
	}
	return 0
}

func decodeUnsignedRaw(b []byte, dt DataType) uint64 {
	switch Width(dt) {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(b))
	case 4:
		return uint64(binary.LittleEndian.Uint32(b))
	case 8:
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func encodeFloatRaw(v float64, dt DataType) []byte {
	b := make([]byte, Width(dt))
	if dt == Real32 {
		binary.LittleEndian.PutUint32(b, math.Float32bits(float32(v)))
	} else {
		binary.LittleEndian.PutUint64(b, math.Float64bits(v))
	}
	return b
}

func decodeFloatRaw(b []byte, dt DataType) float64 {
	if dt == Real32 {
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(b))
}

// toInt64 normalizes any Go integer kind to int64, reporting whether v was
// an integer kind at all.
func toInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case int:
		return int64(t), true
	case int8:
		return int64(t), true
	case int16:
		return int64(t), true
	case int32:
		return int64(t), true
	case int64:
		return t, true
	case uint:
		return int64(t), true
	case uint8:
		return int64(t), true
	case uint16:
		return int64(t), true
	case uint32:
		return int64(t), true
	case uint64:
		return int64(t), true
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

func toFloat64(v any) (float64, bool) {
	switch t := v.(type) {
	case float32:
		return float64(t), true
	case float64:
		return t, true
	default:
		if i, ok := toInt64(v); ok {
			return float64(i), true
		}
		return 0, false
	}
}

// EncodeValue encodes a generic Go value into the raw little-endian bytes of
// dt. It type-checks per spec.md §4.1: integer types require an integer
// input, float types accept an integer or a real, VISIBLE_STRING requires a
// string, OCTET_STRING/DOMAIN require a byte blob.
func EncodeValue(v any, dt DataType) ([]byte, error) {
	switch {
	case dt == VisibleString:
		s, ok := v.(string)
		if !ok {
			return nil, ErrTypeMismatch
		}
		return []byte(s), nil
	case isBlob(dt):
		b, ok := v.([]byte)
		if !ok {
			return nil, ErrTypeMismatch
		}
		return b, nil
	case isFloat(dt):
		f, ok := toFloat64(v)
		if !ok {
			return nil, ErrTypeMismatch
		}
		return encodeFloatRaw(f, dt), nil
	case isSigned(dt):
		i, ok := toInt64(v)
		if !ok {
			return nil, ErrTypeMismatch
		}
		return encodeSignedRaw(i, dt), nil
	case isUnsigned(dt):
		i, ok := toInt64(v)
		if !ok {
			return nil, ErrTypeMismatch
		}
		return encodeUnsignedRaw(uint64(i), dt), nil
	default:
		return nil, ErrTypeMismatch
	}
}

// DecodeValue decodes the raw bytes of dt into a generic Go value: int64 for
// signed integer types, uint64 for unsigned/boolean, float64 for reals,
// string for VISIBLE_STRING, []byte for OCTET_STRING/DOMAIN.
func DecodeValue(data []byte, dt DataType) (any, error) {
	if w := Width(dt); w != 0 && len(data) != w {
		return nil, ErrDataLength
	}
	switch {
	case dt == VisibleString:
		return string(data), nil
	case dt == OctetString, dt == Domain:
		return append([]byte{}, data...), nil
	case isFloat(dt):
		return decodeFloatRaw(data, dt), nil
	case isSigned(dt):
		return decodeSignedRaw(data, dt), nil
	case isUnsigned(dt):
		return decodeUnsignedRaw(data, dt), nil
	default:
		return nil, ErrTypeMismatch
	}
}

// compareRaw returns -1, 0, 1 comparing two same-width raw encodings of dt as
// numeric values (used for range checking against min/max).
func compareRaw(a, b []byte, dt DataType) int {
	switch {
	case isFloat(dt):
		fa, fb := decodeFloatRaw(a, dt), decodeFloatRaw(b, dt)
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		default:
			return 0
		}
	case isSigned(dt):
		ia, ib := decodeSignedRaw(a, dt), decodeSignedRaw(b, dt)
		switch {
		case ia < ib:
			return -1
		case ia > ib:
			return 1
		default:
			return 0
		}
	default:
		ua, ub := decodeUnsignedRaw(a, dt), decodeUnsignedRaw(b, dt)
		switch {
		case ua < ub:
			return -1
		case ua > ub:
			return 1
		default:
			return 0
		}
	}
}
