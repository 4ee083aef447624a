package engine

import (
	"go.uber.org/zap"
)

// Index is a handle to a secondary index within one transaction.
type Index struct {
	store *ObjectStore
	name  string
}

func (i *Index) Name() string {
	return i.name
}

func (i *Index) ObjectStore() *ObjectStore {
	return i.store
}

func (i *Index) state() (*indexState, error) {
	ss, err := i.store.tx.storeState(i.store.name)
	if err != nil {
		return nil, err
	}
	i.store.tx.mu.Lock()
	defer i.store.tx.mu.Unlock()
	idx := ss.Indexes[i.name]
	if idx == nil {
		return nil, storeErrf(i.store.name, i.name, nil, ErrNotFound, "no such index")
	}
	return idx, nil
}

func (i *Index) KeyPath() []string {
	if idx, err := i.state(); err == nil {
		return idx.KeyPath
	}
	return nil
}

func (i *Index) Unique() bool {
	if idx, err := i.state(); err == nil {
		return idx.Unique
	}
	return false
}

func (i *Index) bucket(stx storageTx) (storageBucket, error) {
	b := stx.Bucket(i.store.bucketName(), indexBucketName(i.name))
	if b == nil {
		return nil, storeErrf(i.store.name, i.name, nil, ErrNotFound, "index has no storage")
	}
	return b, nil
}

// Get fetches the first record whose index value matches the key (or falls
// in a *KeyRange). The result is a Record, or nil.
func (i *Index) Get(keyOrRange any) (*Request, error) {
	rr, err := rangeOf(keyOrRange)
	if err != nil {
		return nil, storeErrf(i.store.name, i.name, keyOrRange, err, "")
	}
	return i.store.tx.request(func(stx storageTx) (any, error) {
		ib, err := i.bucket(stx)
		if err != nil {
			return nil, err
		}
		k, pk := rr.first(ib.Cursor(), false)
		if k == nil {
			if i.store.tx.db.verbose {
				i.store.tx.logger.Debug("db: LOOKUP.NOTFOUND", zap.String("store", i.store.name), zap.String("index", i.name), zap.Any("key", keyOrRange))
			}
			return nil, nil
		}
		data := stx.Bucket(i.store.bucketName(), dataSubBucket)
		raw := data.Get(pk)
		if raw == nil {
			return nil, dataErrf(k, 0, nil, "%s.%s: index entry points to a missing record", i.store.name, i.name)
		}
		rec, err := decodeRecord(raw)
		if err != nil {
			return nil, storeErrf(i.store.name, i.name, keyOrRange, err, "")
		}
		if i.store.tx.db.verbose {
			i.store.tx.logger.Debug("db: LOOKUP", zap.String("store", i.store.name), zap.String("index", i.name), zap.Any("key", keyOrRange))
		}
		return rec, nil
	})
}

// Count counts index entries in r (all entries if r is nil). Records that
// lack the indexed field are not counted.
func (i *Index) Count(r *KeyRange) (*Request, error) {
	rr, err := r.raw()
	if err != nil {
		return nil, storeErrf(i.store.name, i.name, nil, err, "")
	}
	return i.store.tx.request(func(stx storageTx) (any, error) {
		ib, err := i.bucket(stx)
		if err != nil {
			return nil, err
		}
		return countRange(ib, r, rr), nil
	})
}

// OpenCursor opens a cursor over the index entries in r, ordered by index
// value and then by primary key.
func (i *Index) OpenCursor(r *KeyRange, dir Direction) (*Request, error) {
	rr, err := r.raw()
	if err != nil {
		return nil, storeErrf(i.store.name, i.name, nil, err, "")
	}
	c := &Cursor{store: i.store, index: i, rng: rr, reverse: dir == Prev}
	return i.store.tx.request(c.step)
}
