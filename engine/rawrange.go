package engine

import "bytes"

// rawRange is a half-open interval [Lower, Upper) of encoded keys; nil
// bounds are unbounded.
type rawRange struct {
	Lower []byte
	Upper []byte
	empty bool
}

func (r rawRange) contains(k []byte) bool {
	if r.empty {
		return false
	}
	if r.Lower != nil && bytes.Compare(k, r.Lower) < 0 {
		return false
	}
	if r.Upper != nil && bytes.Compare(k, r.Upper) >= 0 {
		return false
	}
	return true
}

// first positions c on the first key of the range in the given direction.
func (r rawRange) first(c storageCursor, reverse bool) ([]byte, []byte) {
	if r.empty {
		return nil, nil
	}
	var k, v []byte
	if reverse {
		if r.Upper == nil {
			k, v = c.Last()
		} else {
			k, v = seekBefore(c, r.Upper)
		}
	} else {
		if r.Lower == nil {
			k, v = c.First()
		} else {
			k, v = c.Seek(r.Lower)
		}
	}
	return r.check(k, v)
}

// after positions c on the key that follows last in the given direction.
// The cursor is re-seeked, so the bucket may have changed since last was read.
func (r rawRange) after(c storageCursor, last []byte, reverse bool) ([]byte, []byte) {
	if r.empty {
		return nil, nil
	}
	var k, v []byte
	if reverse {
		k, v = seekBefore(c, last)
	} else {
		k, v = c.Seek(last)
		if k != nil && bytes.Equal(k, last) {
			k, v = c.Next()
		}
	}
	return r.check(k, v)
}

// next advances c from its current position.
func (r rawRange) next(c storageCursor, reverse bool) ([]byte, []byte) {
	if reverse {
		return r.check(c.Prev())
	}
	return r.check(c.Next())
}

func (r rawRange) check(k, v []byte) ([]byte, []byte) {
	if k == nil || !r.contains(k) {
		return nil, nil
	}
	return k, v
}

// seekBefore positions c on the last key strictly less than bound.
func seekBefore(c storageCursor, bound []byte) ([]byte, []byte) {
	k, _ := c.Seek(bound)
	if k == nil {
		return c.Last()
	}
	return c.Prev()
}
