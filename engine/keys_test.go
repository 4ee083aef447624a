package engine

import (
	"bytes"
	"errors"
	"math"
	"testing"
	"time"
)

func TestKeyOrder(t *testing.T) {
	keys := []any{
		math.Inf(-1),
		-1.5,
		0,
		1,
		2.5,
		int64(1e10),
		time.Unix(0, 0),
		time.Unix(1700000000, 0),
		"",
		"a",
		"a\x00",
		"ab",
		"b",
		[]byte{},
		[]byte{0},
		[]byte{0, 0},
		[]byte{1},
		[]any{},
		[]any{1},
		[]any{1, "a"},
		[]any{1, "b"},
		[]any{2},
		[]any{[]any{}},
	}
	var prev []byte
	for i, k := range keys {
		raw, err := EncodeKey(k)
		if err != nil {
			t.Fatalf("EncodeKey(%v) failed: %v", k, err)
		}
		if i > 0 && bytes.Compare(prev, raw) >= 0 {
			t.Errorf("** %v (%x) does not sort after %v (%x)", k, raw, keys[i-1], prev)
		}
		prev = raw
	}
}

func TestKeyPrefixFree(t *testing.T) {
	keys := []any{0, 1, "", "a", "ab", "a\x00", []byte{}, []byte{0}, []any{}, []any{"a"}, []any{"a", "b"}}
	for _, a := range keys {
		for _, b := range keys {
			ea, eb := must(EncodeKey(a)), must(EncodeKey(b))
			if !bytes.Equal(ea, eb) && bytes.HasPrefix(eb, ea) {
				t.Errorf("** encoding of %v is a prefix of encoding of %v", a, b)
			}
		}
	}
}

func TestKeyRoundTrip(t *testing.T) {
	tests := []struct {
		key  any
		want any
	}{
		{42, int64(42)},
		{int64(-7), int64(-7)},
		{uint8(3), int64(3)},
		{1.5, 1.5},
		{float64(1 << 60), float64(1 << 60)},
		{"hello", "hello"},
		{"nul\x00inside", "nul\x00inside"},
		{[]byte{0, 1, 0xFF, 0}, []byte{0, 1, 0xFF, 0}},
		{time.Unix(100, 5).UTC(), time.Unix(100, 5).UTC()},
		{[]string{"a", "b"}, []any{"a", "b"}},
		{[]any{1, "x", []any{2.5}}, []any{int64(1), "x", []any{2.5}}},
	}
	for _, tt := range tests {
		raw := must(EncodeKey(tt.key))
		got, err := DecodeKey(raw)
		if err != nil {
			t.Errorf("DecodeKey(%x) failed: %v", raw, err)
			continue
		}
		deepEqual(t, got, tt.want)
	}
}

func TestInvalidKeys(t *testing.T) {
	for _, k := range []any{nil, math.NaN(), true, map[string]any{}, struct{}{}, []any{1, nil}} {
		_, err := EncodeKey(k)
		if !errors.Is(err, ErrDataError) {
			t.Errorf("** EncodeKey(%#v) = %v, wanted ErrDataError", k, err)
		}
		if ValidKey(k) {
			t.Errorf("** ValidKey(%#v) = true", k)
		}
	}
}

func TestDecodeKeyCorrupt(t *testing.T) {
	for _, raw := range [][]byte{nil, {0x10, 1, 2}, {0x30, 'a'}, {0x99}, {0x50, 0x10}} {
		if _, err := DecodeKey(raw); !errors.Is(err, ErrDataError) {
			t.Errorf("** DecodeKey(%x) = %v, wanted ErrDataError", raw, err)
		}
	}
}

func TestCompareKeys(t *testing.T) {
	c, err := CompareKeys(1, int64(1))
	if err != nil || c != 0 {
		t.Errorf("** CompareKeys(1, int64(1)) = %d, %v", c, err)
	}
	c, err = CompareKeys(10, "1")
	if err != nil || c != -1 {
		t.Errorf("** CompareKeys(10, \"1\") = %d, %v; numbers sort before strings", c, err)
	}
}

func TestKeyRangeIncludes(t *testing.T) {
	tests := []struct {
		r    *KeyRange
		key  any
		want bool
	}{
		{Only(5), 5, true},
		{Only(5), 6, false},
		{Only("a"), "ab", false},
		{LowerBound(5, false), 5, true},
		{LowerBound(5, true), 5, false},
		{LowerBound(5, true), 5.0001, true},
		{UpperBound(5, false), 5, true},
		{UpperBound(5, true), 5, false},
		{UpperBound("a", false), "a\x00", false},
		{Bound(1, 10, false, true), 10, false},
		{Bound(1, 10, false, true), 1, true},
		{Bound([]any{1}, []any{1, "z"}, false, false), []any{1, "m"}, true},
		{nil, "anything", true},
	}
	for _, tt := range tests {
		got, err := tt.r.Includes(tt.key)
		if err != nil {
			t.Errorf("%v.Includes(%v) failed: %v", tt.r, tt.key, err)
			continue
		}
		if got != tt.want {
			t.Errorf("** %v.Includes(%v) = %v, wanted %v", tt.r, tt.key, got, tt.want)
		}
	}
}

func TestKeyRangeInvalid(t *testing.T) {
	for _, r := range []*KeyRange{Bound(2, 1, false, false), Bound(1, 1, true, false), Bound(1, 1, false, true), Only(math.NaN())} {
		if _, err := r.raw(); !errors.Is(err, ErrDataError) {
			t.Errorf("** %v.raw() = %v, wanted ErrDataError", r, err)
		}
	}
}

func TestValueEnvelope(t *testing.T) {
	rec := Record{"title": "x", "n": 3, "tags": []any{"a", "b"}}
	raw := must(encodeRecord(rec))

	got, err := decodeRecord(raw)
	if err != nil {
		t.Fatal(err)
	}
	deepEqual(t, got, Record{"title": "x", "n": int64(3), "tags": []any{"a", "b"}})

	corrupt := append([]byte(nil), raw...)
	corrupt[len(corrupt)/2] ^= 0x55
	if _, err := decodeRecord(corrupt); !errors.Is(err, ErrDataError) {
		t.Errorf("** decodeRecord(corrupt) = %v, wanted ErrDataError", err)
	}
	var de *DataError
	if _, err := decodeRecord(raw[:3]); !errors.As(err, &de) {
		t.Errorf("** decodeRecord(truncated) = %v, wanted *DataError", err)
	}
}

func TestValueEnvelope_IntegersDecodeAsInt64(t *testing.T) {
	rec := Record{"small": 5, "large": 300, "neg": -300, "i64": int64(1 << 40), "u": uint32(70000), "nested": map[string]any{"n": 1000}, "list": []any{200}}
	got := must(decodeRecord(must(encodeRecord(rec))))
	deepEqual(t, got, Record{
		"small":  int64(5),
		"large":  int64(300),
		"neg":    int64(-300),
		"i64":    int64(1 << 40),
		"u":      int64(70000),
		"nested": map[string]any{"n": int64(1000)},
		"list":   []any{int64(200)},
	})
}
