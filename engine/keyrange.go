package engine

import (
	"bytes"
	"fmt"
)

// KeyRange is a continuous interval over keys. A nil bound is unbounded;
// the Open flags exclude the bound itself.
type KeyRange struct {
	Lower     any
	Upper     any
	LowerOpen bool
	UpperOpen bool
}

// Only returns a range matching exactly one key.
func Only(key any) *KeyRange {
	return &KeyRange{Lower: key, Upper: key}
}

func LowerBound(key any, open bool) *KeyRange {
	return &KeyRange{Lower: key, LowerOpen: open}
}

func UpperBound(key any, open bool) *KeyRange {
	return &KeyRange{Upper: key, UpperOpen: open}
}

func Bound(lower, upper any, lowerOpen, upperOpen bool) *KeyRange {
	return &KeyRange{Lower: lower, Upper: upper, LowerOpen: lowerOpen, UpperOpen: upperOpen}
}

// Includes reports whether key lies within the range.
func (r *KeyRange) Includes(key any) (bool, error) {
	k, err := EncodeKey(key)
	if err != nil {
		return false, err
	}
	rr, err := r.raw()
	if err != nil {
		return false, err
	}
	return rr.contains(k), nil
}

func (r *KeyRange) String() string {
	if r == nil {
		return "(*)"
	}
	var buf bytes.Buffer
	if r.Lower == nil {
		buf.WriteString("(-inf")
	} else if r.LowerOpen {
		fmt.Fprintf(&buf, "(%v", r.Lower)
	} else {
		fmt.Fprintf(&buf, "[%v", r.Lower)
	}
	buf.WriteString(", ")
	if r.Upper == nil {
		buf.WriteString("+inf)")
	} else if r.UpperOpen {
		fmt.Fprintf(&buf, "%v)", r.Upper)
	} else {
		fmt.Fprintf(&buf, "%v]", r.Upper)
	}
	return buf.String()
}

// raw converts the range into a half-open interval over encoded keys. Because
// the key encoding is prefix-free, the interval also covers index entries that
// carry a primary key suffix after the index value.
func (r *KeyRange) raw() (rawRange, error) {
	var rr rawRange
	if r == nil {
		return rr, nil
	}
	if r.Lower != nil {
		l, err := EncodeKey(r.Lower)
		if err != nil {
			return rr, err
		}
		if r.LowerOpen {
			if !inc(l) {
				return rawRange{empty: true}, nil
			}
		}
		rr.Lower = l
	}
	if r.Upper != nil {
		u, err := EncodeKey(r.Upper)
		if err != nil {
			return rr, err
		}
		if !r.UpperOpen {
			if !inc(u) {
				u = nil
			}
		}
		rr.Upper = u
	}
	if r.Lower != nil && r.Upper != nil {
		c, _ := CompareKeys(r.Lower, r.Upper)
		if c > 0 || (c == 0 && (r.LowerOpen || r.UpperOpen)) {
			return rr, fmt.Errorf("%w: invalid key range %v", ErrDataError, r)
		}
	}
	return rr, nil
}
