package engine

import (
	"bytes"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"
)

// ObjectStore is a handle to an object store within one transaction. All
// operations return a Request that fires once the transaction goroutine has
// executed it; an immediate error means the request was not issued.
type ObjectStore struct {
	tx   *Transaction
	name string
}

func (s *ObjectStore) Name() string {
	return s.name
}

func (s *ObjectStore) Transaction() *Transaction {
	return s.tx
}

func (s *ObjectStore) KeyPath() []string {
	if ss, err := s.tx.storeState(s.name); err == nil {
		return ss.KeyPath
	}
	return nil
}

func (s *ObjectStore) AutoIncrement() bool {
	if ss, err := s.tx.storeState(s.name); err == nil {
		return ss.AutoIncrement
	}
	return false
}

func (s *ObjectStore) IndexNames() []string {
	s.tx.mu.Lock()
	defer s.tx.mu.Unlock()
	if ss := s.tx.state.Stores[s.name]; ss != nil {
		return ss.indexNames()
	}
	return nil
}

func (s *ObjectStore) bucketName() string {
	return storeBucketName(s.name)
}

// Put stores value, replacing any existing record with the same key. key must
// be nil for stores with a key path; it may be nil for auto-increment stores.
// The request result is the record key.
func (s *ObjectStore) Put(value Record, key any) (*Request, error) {
	return s.write("PUT", value, key, false)
}

// Add is like Put but fails with ErrConstraint if the key exists.
func (s *ObjectStore) Add(value Record, key any) (*Request, error) {
	return s.write("ADD", value, key, true)
}

func (s *ObjectStore) write(op string, value Record, key any, noOverwrite bool) (*Request, error) {
	if err := s.tx.checkWritable(); err != nil {
		return nil, err
	}
	if value == nil {
		value = Record{}
	} else {
		value = value.Clone()
	}
	return s.tx.request(func(stx storageTx) (any, error) {
		return s.put(stx, op, value, key, noOverwrite)
	})
}

func (s *ObjectStore) put(stx storageTx, op string, value Record, key any, noOverwrite bool) (any, error) {
	ss, err := s.tx.storeState(s.name)
	if err != nil {
		return nil, err
	}
	root := stx.Bucket(s.bucketName(), "")
	data := stx.Bucket(s.bucketName(), dataSubBucket)
	if root == nil || data == nil {
		return nil, storeErrf(s.name, "", nil, ErrNotFound, "object store has no storage")
	}

	inline := len(ss.KeyPath) > 0
	if inline {
		if key != nil {
			return nil, storeErrf(s.name, "", key, ErrDataError, "object store uses in-line keys, key argument must be nil")
		}
		if k, ok := keyAtPath(value, ss.KeyPath); ok {
			key = k
		}
	}
	generated := false
	if key == nil {
		if !ss.AutoIncrement {
			return nil, storeErrf(s.name, "", nil, ErrDataError, "no key provided and object store has no key generator")
		}
		seq, err := root.NextSequence()
		if err != nil {
			return nil, err
		}
		key, generated = int64(seq), true
		if inline {
			value[ss.KeyPath[0]] = key
		}
	}

	keyRaw, err := EncodeKey(key)
	if err != nil {
		return nil, storeErrf(s.name, "", key, err, "invalid key")
	}
	if ss.AutoIncrement && !generated {
		if n, ok := keyNumber(key); ok && n >= 1 {
			n = math.Floor(math.Min(n, maxSafeInt))
			if uint64(n) > root.Sequence() {
				ensure(root.SetSequence(uint64(n)))
			}
		}
	}

	oldRaw := data.Get(keyRaw)
	if oldRaw != nil && noOverwrite {
		return nil, storeErrf(s.name, "", key, ErrConstraint, "key already exists")
	}
	var old Record
	if oldRaw != nil {
		old, err = decodeRecord(oldRaw)
		if err != nil {
			return nil, storeErrf(s.name, "", key, err, "cannot decode old record")
		}
	}

	raw, err := encodeRecord(value)
	if err != nil {
		return nil, storeErrf(s.name, "", key, err, "")
	}

	for _, iname := range ss.indexNames() {
		idx := ss.Indexes[iname]
		if !idx.Unique {
			continue
		}
		ek, ok := indexEntryKey(idx, value, keyRaw)
		if !ok {
			continue
		}
		ib := stx.Bucket(s.bucketName(), indexBucketName(iname))
		if pk := ib.Get(ek); pk != nil && !bytes.Equal(pk, keyRaw) {
			return nil, storeErrf(s.name, iname, key, ErrConstraint, "unique index already has an entry for this value")
		}
	}

	if old != nil {
		if err := s.unindex(stx, ss, old, keyRaw); err != nil {
			return nil, err
		}
	}
	if err := data.Put(keyRaw, raw); err != nil {
		return nil, err
	}
	if err := s.index(stx, ss, value, keyRaw); err != nil {
		return nil, err
	}

	if s.tx.db.verbose {
		s.tx.logger.Debug("db: "+op, zap.String("store", s.name), zap.Any("key", key), zap.Bool("replaced", old != nil))
	}
	return key, nil
}

// indexEntryKey returns the storage key of rec's entry in idx. Records whose
// index value is missing or not a valid key are not indexed.
func indexEntryKey(idx *indexState, rec Record, keyRaw []byte) ([]byte, bool) {
	v, ok := keyAtPath(rec, idx.KeyPath)
	if !ok {
		return nil, false
	}
	ek, err := EncodeKey(v)
	if err != nil {
		return nil, false
	}
	if !idx.Unique {
		ek = append(ek, keyRaw...)
	}
	return ek, true
}

func (s *ObjectStore) index(stx storageTx, ss *storeState, rec Record, keyRaw []byte) error {
	for iname, idx := range ss.Indexes {
		ek, ok := indexEntryKey(idx, rec, keyRaw)
		if !ok {
			continue
		}
		ib := stx.Bucket(s.bucketName(), indexBucketName(iname))
		if ib == nil {
			return storeErrf(s.name, iname, nil, ErrNotFound, "index has no storage")
		}
		if err := ib.Put(ek, keyRaw); err != nil {
			return err
		}
	}
	return nil
}

func (s *ObjectStore) unindex(stx storageTx, ss *storeState, rec Record, keyRaw []byte) error {
	for iname, idx := range ss.Indexes {
		ek, ok := indexEntryKey(idx, rec, keyRaw)
		if !ok {
			continue
		}
		ib := stx.Bucket(s.bucketName(), indexBucketName(iname))
		if ib == nil {
			continue
		}
		// a unique entry may belong to another record already
		if idx.Unique && !bytes.Equal(ib.Get(ek), keyRaw) {
			continue
		}
		if err := ib.Delete(ek); err != nil {
			return err
		}
	}
	return nil
}

// Get fetches the record with the given key, or the first record in a
// *KeyRange. The result is a Record, or nil if nothing matched.
func (s *ObjectStore) Get(keyOrRange any) (*Request, error) {
	rr, err := rangeOf(keyOrRange)
	if err != nil {
		return nil, storeErrf(s.name, "", keyOrRange, err, "")
	}
	return s.tx.request(func(stx storageTx) (any, error) {
		data := stx.Bucket(s.bucketName(), dataSubBucket)
		if data == nil {
			return nil, storeErrf(s.name, "", nil, ErrNotFound, "object store has no storage")
		}
		k, v := rr.first(data.Cursor(), false)
		if k == nil {
			if s.tx.db.verbose {
				s.tx.logger.Debug("db: GET.NOTFOUND", zap.String("store", s.name), zap.Any("key", keyOrRange))
			}
			return nil, nil
		}
		rec, err := decodeRecord(v)
		if err != nil {
			return nil, storeErrf(s.name, "", keyOrRange, err, "")
		}
		if s.tx.db.verbose {
			s.tx.logger.Debug("db: GET", zap.String("store", s.name), zap.Any("key", keyOrRange))
		}
		return rec, nil
	})
}

// Delete removes the record with the given key, or every record in a
// *KeyRange.
func (s *ObjectStore) Delete(keyOrRange any) (*Request, error) {
	if err := s.tx.checkWritable(); err != nil {
		return nil, err
	}
	rr, err := rangeOf(keyOrRange)
	if err != nil {
		return nil, storeErrf(s.name, "", keyOrRange, err, "")
	}
	return s.tx.request(func(stx storageTx) (any, error) {
		ss, err := s.tx.storeState(s.name)
		if err != nil {
			return nil, err
		}
		data := stx.Bucket(s.bucketName(), dataSubBucket)
		if data == nil {
			return nil, storeErrf(s.name, "", nil, ErrNotFound, "object store has no storage")
		}

		type victim struct {
			key []byte
			rec Record
		}
		var victims []victim
		c := data.Cursor()
		for k, v := rr.first(c, false); k != nil; k, v = rr.next(c, false) {
			rec, err := decodeRecord(v)
			if err != nil {
				return nil, storeErrf(s.name, "", keyOrRange, err, "")
			}
			victims = append(victims, victim{clone(k), rec})
		}
		for _, vic := range victims {
			if err := s.unindex(stx, ss, vic.rec, vic.key); err != nil {
				return nil, err
			}
			if err := data.Delete(vic.key); err != nil {
				return nil, err
			}
		}
		if s.tx.db.verbose {
			if len(victims) > 0 {
				s.tx.logger.Debug("db: DELETE", zap.String("store", s.name), zap.Any("key", keyOrRange), zap.Int("count", len(victims)))
			} else {
				s.tx.logger.Debug("db: DELETE.NOOP", zap.String("store", s.name), zap.Any("key", keyOrRange))
			}
		}
		return nil, nil
	})
}

// Clear removes every record. The key generator is not reset.
func (s *ObjectStore) Clear() (*Request, error) {
	if err := s.tx.checkWritable(); err != nil {
		return nil, err
	}
	return s.tx.request(func(stx storageTx) (any, error) {
		ss, err := s.tx.storeState(s.name)
		if err != nil {
			return nil, err
		}
		subs := []string{dataSubBucket}
		for _, iname := range ss.indexNames() {
			subs = append(subs, indexBucketName(iname))
		}
		for _, sub := range subs {
			if err := stx.DeleteBucket(s.bucketName(), sub); err != nil && !errors.Is(err, ErrBucketNotFound) {
				return nil, err
			}
			if _, err := stx.CreateBucket(s.bucketName(), sub); err != nil {
				return nil, err
			}
		}
		if s.tx.db.verbose {
			s.tx.logger.Debug("db: CLEAR", zap.String("store", s.name))
		}
		return nil, nil
	})
}

// Count counts the records in r (all records if r is nil). The result is an int.
func (s *ObjectStore) Count(r *KeyRange) (*Request, error) {
	rr, err := r.raw()
	if err != nil {
		return nil, storeErrf(s.name, "", nil, err, "")
	}
	return s.tx.request(func(stx storageTx) (any, error) {
		data := stx.Bucket(s.bucketName(), dataSubBucket)
		if data == nil {
			return nil, storeErrf(s.name, "", nil, ErrNotFound, "object store has no storage")
		}
		return countRange(data, r, rr), nil
	})
}

// OpenCursor opens a cursor over the records in r. The result is a *Cursor
// positioned on the first record, or nil if the range is empty.
func (s *ObjectStore) OpenCursor(r *KeyRange, dir Direction) (*Request, error) {
	rr, err := r.raw()
	if err != nil {
		return nil, storeErrf(s.name, "", nil, err, "")
	}
	c := &Cursor{store: s, rng: rr, reverse: dir == Prev}
	return s.tx.request(c.step)
}

// Index returns a handle to the named index.
func (s *ObjectStore) Index(name string) (*Index, error) {
	ss, err := s.tx.storeState(s.name)
	if err != nil {
		return nil, err
	}
	s.tx.mu.Lock()
	idx := ss.Indexes[name]
	s.tx.mu.Unlock()
	if idx == nil {
		return nil, storeErrf(s.name, name, nil, ErrNotFound, "no such index")
	}
	return &Index{store: s, name: name}, nil
}

// CreateIndex adds an index and fills it from the existing records. Only
// valid in a version change transaction.
func (s *ObjectStore) CreateIndex(name string, keyPath []string, unique bool) (*Index, error) {
	if s.tx.mode != VersionChange {
		return nil, storeErrf(s.name, name, nil, ErrInvalidState, "indexes can only be created during an upgrade")
	}
	if name == "" || len(keyPath) == 0 {
		return nil, storeErrf(s.name, name, nil, ErrDataError, "index requires a name and a key path")
	}
	_, err := s.tx.exec(func(stx storageTx) (any, error) {
		ss, err := s.tx.storeState(s.name)
		if err != nil {
			return nil, err
		}
		s.tx.mu.Lock()
		exists := ss.Indexes[name] != nil
		s.tx.mu.Unlock()
		if exists {
			return nil, storeErrf(s.name, name, nil, ErrConstraint, "index already exists")
		}
		idx := &indexState{KeyPath: keyPath, Unique: unique}

		data := stx.Bucket(s.bucketName(), dataSubBucket)
		if data == nil {
			return nil, storeErrf(s.name, "", nil, ErrNotFound, "object store has no storage")
		}
		type entry struct{ k, v []byte }
		var entries []entry
		seen := make(map[string]bool)
		c := data.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			rec, err := decodeRecord(v)
			if err != nil {
				return nil, storeErrf(s.name, name, nil, err, "")
			}
			ek, ok := indexEntryKey(idx, rec, k)
			if !ok {
				continue
			}
			if unique {
				if seen[string(ek)] {
					return nil, storeErrf(s.name, name, nil, ErrConstraint, "existing records violate uniqueness")
				}
				seen[string(ek)] = true
			}
			entries = append(entries, entry{ek, clone(k)})
		}

		ib, err := stx.CreateBucket(s.bucketName(), indexBucketName(name))
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if err := ib.Put(e.k, e.v); err != nil {
				return nil, err
			}
		}
		s.tx.mu.Lock()
		ss.Indexes[name] = idx
		s.tx.mu.Unlock()
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	s.tx.logger.Debug("index created", zap.String("store", s.name), zap.String("index", name), zap.Strings("keyPath", keyPath), zap.Bool("unique", unique))
	return &Index{store: s, name: name}, nil
}

// DeleteIndex drops an index. Only valid in a version change transaction.
func (s *ObjectStore) DeleteIndex(name string) error {
	if s.tx.mode != VersionChange {
		return storeErrf(s.name, name, nil, ErrInvalidState, "indexes can only be deleted during an upgrade")
	}
	_, err := s.tx.exec(func(stx storageTx) (any, error) {
		ss, err := s.tx.storeState(s.name)
		if err != nil {
			return nil, err
		}
		s.tx.mu.Lock()
		exists := ss.Indexes[name] != nil
		s.tx.mu.Unlock()
		if !exists {
			return nil, storeErrf(s.name, name, nil, ErrNotFound, "no such index")
		}
		if err := stx.DeleteBucket(s.bucketName(), indexBucketName(name)); err != nil && !errors.Is(err, ErrBucketNotFound) {
			return nil, err
		}
		s.tx.mu.Lock()
		delete(ss.Indexes, name)
		s.tx.mu.Unlock()
		return nil, nil
	})
	return err
}

func rangeOf(keyOrRange any) (rawRange, error) {
	if r, ok := keyOrRange.(*KeyRange); ok {
		return r.raw()
	}
	if keyOrRange == nil {
		return rawRange{}, fmt.Errorf("%w: nil is not a valid key", ErrDataError)
	}
	return Only(keyOrRange).raw()
}

func countRange(b storageBucket, r *KeyRange, rr rawRange) int {
	if r == nil {
		return b.KeyCount()
	}
	var n int
	c := b.Cursor()
	for k, _ := rr.first(c, false); k != nil; k, _ = rr.next(c, false) {
		n++
	}
	return n
}

func keyNumber(v any) (float64, bool) {
	switch v := v.(type) {
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	default:
		return 0, false
	}
}
