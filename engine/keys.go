package engine

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Key encoding is order-preserving and prefix-free: comparing two encoded
// keys with bytes.Compare gives the key order, and no encoded key is a prefix
// of another. Index entries rely on the latter to append the primary key to
// the index value.
//
// Type order: number < date < string < binary < array.
const (
	keyTagArrayEnd = 0x00
	keyTagNumber   = 0x10
	keyTagDate     = 0x20
	keyTagString   = 0x30
	keyTagBinary   = 0x40
	keyTagArray    = 0x50
)

const (
	keyEsc     = 0xFF
	maxSafeInt = 1 << 53
)

// EncodeKey returns the binary form of a valid key.
func EncodeKey(key any) ([]byte, error) {
	return appendKey(nil, key)
}

// CompareKeys compares two keys in key order.
func CompareKeys(a, b any) (int, error) {
	ea, err := EncodeKey(a)
	if err != nil {
		return 0, err
	}
	eb, err := EncodeKey(b)
	if err != nil {
		return 0, err
	}
	return bytes.Compare(ea, eb), nil
}

// ValidKey reports whether v can be used as a key.
func ValidKey(v any) bool {
	_, err := appendKey(nil, v)
	return err == nil
}

func appendKey(buf []byte, key any) ([]byte, error) {
	switch v := key.(type) {
	case nil:
		return nil, fmt.Errorf("%w: nil is not a valid key", ErrDataError)
	case int:
		return appendNumberKey(buf, float64(v)), nil
	case int8:
		return appendNumberKey(buf, float64(v)), nil
	case int16:
		return appendNumberKey(buf, float64(v)), nil
	case int32:
		return appendNumberKey(buf, float64(v)), nil
	case int64:
		return appendNumberKey(buf, float64(v)), nil
	case uint:
		return appendNumberKey(buf, float64(v)), nil
	case uint8:
		return appendNumberKey(buf, float64(v)), nil
	case uint16:
		return appendNumberKey(buf, float64(v)), nil
	case uint32:
		return appendNumberKey(buf, float64(v)), nil
	case uint64:
		return appendNumberKey(buf, float64(v)), nil
	case float32:
		if math.IsNaN(float64(v)) {
			return nil, fmt.Errorf("%w: NaN is not a valid key", ErrDataError)
		}
		return appendNumberKey(buf, float64(v)), nil
	case float64:
		if math.IsNaN(v) {
			return nil, fmt.Errorf("%w: NaN is not a valid key", ErrDataError)
		}
		return appendNumberKey(buf, v), nil
	case time.Time:
		buf = append(buf, keyTagDate)
		return binary.BigEndian.AppendUint64(buf, uint64(v.UnixNano())^(1<<63)), nil
	case string:
		buf = append(buf, keyTagString)
		return appendEscaped(buf, []byte(v)), nil
	case []byte:
		buf = append(buf, keyTagBinary)
		return appendEscaped(buf, v), nil
	case []string:
		buf = append(buf, keyTagArray)
		for _, el := range v {
			buf = append(buf, keyTagString)
			buf = appendEscaped(buf, []byte(el))
		}
		return append(buf, keyTagArrayEnd), nil
	case []any:
		buf = append(buf, keyTagArray)
		var err error
		for _, el := range v {
			buf, err = appendKey(buf, el)
			if err != nil {
				return nil, err
			}
		}
		return append(buf, keyTagArrayEnd), nil
	default:
		return nil, fmt.Errorf("%w: %T is not a valid key", ErrDataError, key)
	}
}

func appendNumberKey(buf []byte, f float64) []byte {
	if f == 0 {
		f = 0 // collapse -0
	}
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	buf = append(buf, keyTagNumber)
	return binary.BigEndian.AppendUint64(buf, bits)
}

// appendEscaped writes b with 0x00 escaped as 0x00 0xFF, terminated by 0x00 0x00.
func appendEscaped(buf, b []byte) []byte {
	for _, c := range b {
		buf = append(buf, c)
		if c == 0 {
			buf = append(buf, keyEsc)
		}
	}
	return append(buf, 0, 0)
}

// DecodeKey is the inverse of EncodeKey. Numbers come back as int64 when
// they are integral and within ±2^53, float64 otherwise.
func DecodeKey(raw []byte) (any, error) {
	key, rest, err := decodeKey(raw)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, dataErrf(raw, len(raw)-len(rest), nil, "trailing bytes after key")
	}
	return key, nil
}

func decodeKey(raw []byte) (any, []byte, error) {
	if len(raw) == 0 {
		return nil, nil, dataErrf(raw, 0, nil, "empty key")
	}
	tag, data := raw[0], raw[1:]
	switch tag {
	case keyTagNumber:
		if len(data) < 8 {
			return nil, nil, dataErrf(raw, 1, nil, "truncated number key")
		}
		bits := binary.BigEndian.Uint64(data)
		if bits&(1<<63) != 0 {
			bits &^= 1 << 63
		} else {
			bits = ^bits
		}
		f := math.Float64frombits(bits)
		if f == math.Trunc(f) && math.Abs(f) <= maxSafeInt {
			return int64(f), data[8:], nil
		}
		return f, data[8:], nil
	case keyTagDate:
		if len(data) < 8 {
			return nil, nil, dataErrf(raw, 1, nil, "truncated date key")
		}
		n := int64(binary.BigEndian.Uint64(data) ^ (1 << 63))
		return time.Unix(0, n).UTC(), data[8:], nil
	case keyTagString, keyTagBinary:
		b, rest, ok := decodeEscaped(data)
		if !ok {
			return nil, nil, dataErrf(raw, 1, nil, "unterminated key")
		}
		if tag == keyTagString {
			return string(b), rest, nil
		}
		return b, rest, nil
	case keyTagArray:
		arr := []any{}
		for {
			if len(data) == 0 {
				return nil, nil, dataErrf(raw, len(raw), nil, "unterminated array key")
			}
			if data[0] == keyTagArrayEnd {
				return arr, data[1:], nil
			}
			el, rest, err := decodeKey(data)
			if err != nil {
				return nil, nil, err
			}
			arr = append(arr, el)
			data = rest
		}
	default:
		return nil, nil, dataErrf(raw, 0, nil, "unknown key tag %02x", tag)
	}
}

func decodeEscaped(data []byte) ([]byte, []byte, bool) {
	out := []byte{}
	for i := 0; i < len(data); i++ {
		c := data[i]
		if c != 0 {
			out = append(out, c)
			continue
		}
		if i+1 >= len(data) {
			return nil, nil, false
		}
		switch data[i+1] {
		case 0:
			return out, data[i+2:], true
		case keyEsc:
			out = append(out, 0)
			i++
		default:
			return nil, nil, false
		}
	}
	return nil, nil, false
}

// keyAtPath extracts the key described by a key path from a record. A
// single-field path yields the field value; a compound path yields an array.
// The second result is false if any field is missing.
func keyAtPath(rec Record, path []string) (any, bool) {
	if len(path) == 1 {
		v, ok := rec[path[0]]
		return v, ok && v != nil
	}
	arr := make([]any, len(path))
	for i, f := range path {
		v, ok := rec[f]
		if !ok || v == nil {
			return nil, false
		}
		arr[i] = v
	}
	return arr, true
}
