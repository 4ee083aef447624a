package engine

import "fmt"

type Direction int

const (
	Next Direction = iota
	Prev
)

// Cursor is a position in an object store or index. Each Continue request
// yields a new Cursor at the following position, or nil at the end.
type Cursor struct {
	store   *ObjectStore
	index   *Index
	rng     rawRange
	reverse bool

	last       []byte
	key        any
	primaryKey any
	value      Record
}

// Key returns the index value for index cursors and the primary key otherwise.
func (c *Cursor) Key() any {
	return c.key
}

func (c *Cursor) PrimaryKey() any {
	return c.primaryKey
}

func (c *Cursor) Value() Record {
	return c.value
}

func (c *Cursor) Source() string {
	if c.index != nil {
		return c.store.name + "." + c.index.name
	}
	return c.store.name
}

// Continue requests the next position. The cursor is re-positioned relative
// to the last key it returned, so writes made in between are observed.
func (c *Cursor) Continue() (*Request, error) {
	return c.store.tx.request(c.step)
}

func (c *Cursor) step(stx storageTx) (any, error) {
	var b storageBucket
	if c.index != nil {
		ib, err := c.index.bucket(stx)
		if err != nil {
			return nil, err
		}
		b = ib
	} else {
		b = stx.Bucket(c.store.bucketName(), dataSubBucket)
		if b == nil {
			return nil, storeErrf(c.store.name, "", nil, ErrNotFound, "object store has no storage")
		}
	}

	bc := b.Cursor()
	var k, v []byte
	if c.last == nil {
		k, v = c.rng.first(bc, c.reverse)
	} else {
		k, v = c.rng.after(bc, c.last, c.reverse)
	}
	if k == nil {
		return nil, nil
	}

	next := &Cursor{
		store:   c.store,
		index:   c.index,
		rng:     c.rng,
		reverse: c.reverse,
		last:    clone(k),
	}
	if c.index == nil {
		key, err := DecodeKey(k)
		if err != nil {
			return nil, dataErrf(k, 0, err, "%s: invalid primary key", c.store.name)
		}
		next.key, next.primaryKey = key, key
		next.value, err = decodeRecord(v)
		if err != nil {
			return nil, storeErrf(c.store.name, "", key, err, "")
		}
		return next, nil
	}

	key, _, err := decodeKey(k)
	if err != nil {
		return nil, dataErrf(k, 0, err, "%s: invalid index key", c.Source())
	}
	pk, err := DecodeKey(v)
	if err != nil {
		return nil, dataErrf(v, 0, err, "%s: invalid primary key in index entry", c.Source())
	}
	raw := stx.Bucket(c.store.bucketName(), dataSubBucket).Get(v)
	if raw == nil {
		return nil, fmt.Errorf("%w: %s: index entry points to a missing record", ErrDataError, c.Source())
	}
	next.key, next.primaryKey = key, pk
	next.value, err = decodeRecord(raw)
	if err != nil {
		return nil, storeErrf(c.store.name, c.index.name, pk, err, "")
	}
	return next, nil
}
