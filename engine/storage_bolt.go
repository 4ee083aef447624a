package engine

import (
	"errors"
	"fmt"
	"time"
	"unsafe"

	"go.etcd.io/bbolt"
)

type boltStorage struct {
	bdb *bbolt.DB
}

func openBoltStorage(path string, opt *Options) (storage, error) {
	bopt := &bbolt.Options{}
	*bopt = *bbolt.DefaultOptions
	bopt.Timeout = opt.Timeout
	if bopt.Timeout == 0 {
		bopt.Timeout = 10 * time.Second
	}
	if opt.IsTesting {
		bopt.NoSync = true
		bopt.NoFreelistSync = true
		bopt.InitialMmapSize = 1024 * 1024 * 5
	} else {
		bopt.InitialMmapSize = 1024 * 1024 * 64
		bopt.FreelistType = bbolt.FreelistMapType
	}
	if opt.MmapSize != 0 {
		bopt.InitialMmapSize = opt.MmapSize
	}

	bdb, err := bbolt.Open(path, 0666, bopt)
	if err != nil {
		return nil, fmt.Errorf("bolt: %w", err)
	}
	return &boltStorage{bdb: bdb}, nil
}

func (s *boltStorage) BeginTx(writable bool) (storageTx, error) {
	btx, err := s.bdb.Begin(writable)
	if err != nil {
		return nil, err
	}
	return &boltStorageTx{btx: btx}, nil
}

func (s *boltStorage) Close() error {
	return s.bdb.Close()
}

type boltStorageTx struct {
	btx *bbolt.Tx
}

func (tx *boltStorageTx) Writable() bool { return tx.btx.Writable() }

func (tx *boltStorageTx) Bucket(name, sub string) storageBucket {
	root := tx.btx.Bucket(unsafeBytesFromString(name))
	if root == nil {
		return nil
	}
	if sub == "" {
		return boltBucket{b: root}
	}
	leaf := root.Bucket(unsafeBytesFromString(sub))
	if leaf == nil {
		return nil
	}
	return boltBucket{b: leaf}
}

func (tx *boltStorageTx) CreateBucket(name, sub string) (storageBucket, error) {
	root, err := tx.btx.CreateBucketIfNotExists([]byte(name))
	if err != nil {
		return nil, err
	}
	if sub == "" {
		return boltBucket{b: root}, nil
	}
	leaf, err := root.CreateBucketIfNotExists([]byte(sub))
	if err != nil {
		return nil, err
	}
	return boltBucket{b: leaf}, nil
}

func (tx *boltStorageTx) DeleteBucket(name, sub string) error {
	var err error
	if sub == "" {
		err = tx.btx.DeleteBucket(unsafeBytesFromString(name))
	} else {
		root := tx.btx.Bucket(unsafeBytesFromString(name))
		if root == nil {
			return ErrBucketNotFound
		}
		err = root.DeleteBucket(unsafeBytesFromString(sub))
	}
	if errors.Is(err, bbolt.ErrBucketNotFound) {
		return ErrBucketNotFound
	}
	return err
}

func (tx *boltStorageTx) Commit() error { return tx.btx.Commit() }

func (tx *boltStorageTx) Rollback() error {
	err := tx.btx.Rollback()
	if errors.Is(err, bbolt.ErrTxClosed) {
		return nil
	}
	return err
}

type boltBucket struct {
	b *bbolt.Bucket
}

func (b boltBucket) Get(key []byte) []byte { return b.b.Get(key) }

func (b boltBucket) Put(key, value []byte) error { return b.b.Put(key, value) }

func (b boltBucket) Delete(key []byte) error { return b.b.Delete(key) }

func (b boltBucket) Cursor() storageCursor { return boltCursor{c: b.b.Cursor()} }

func (b boltBucket) KeyCount() int {
	// Stats() walks every page anyway, and also counts nested bucket keys.
	var n int
	c := b.b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		if v != nil {
			n++
		}
	}
	return n
}

func (b boltBucket) NextSequence() (uint64, error) { return b.b.NextSequence() }

func (b boltBucket) Sequence() uint64 { return b.b.Sequence() }

func (b boltBucket) SetSequence(v uint64) error { return b.b.SetSequence(v) }

type boltCursor struct {
	c *bbolt.Cursor
}

func (c boltCursor) First() ([]byte, []byte) { return skipNested(c.c, c.c.First) }

func (c boltCursor) Last() ([]byte, []byte) { return skipNestedBack(c.c, c.c.Last) }

func (c boltCursor) Seek(seek []byte) ([]byte, []byte) {
	return skipNested(c.c, func() ([]byte, []byte) { return c.c.Seek(seek) })
}

func (c boltCursor) Next() ([]byte, []byte) { return skipNested(c.c, c.c.Next) }

func (c boltCursor) Prev() ([]byte, []byte) { return skipNestedBack(c.c, c.c.Prev) }

// skipNested hides nested bucket entries (which Bolt reports with a nil value)
// from forward iteration.
func skipNested(c *bbolt.Cursor, move func() ([]byte, []byte)) ([]byte, []byte) {
	k, v := move()
	for k != nil && v == nil {
		k, v = c.Next()
	}
	return k, v
}

func skipNestedBack(c *bbolt.Cursor, move func() ([]byte, []byte)) ([]byte, []byte) {
	k, v := move()
	for k != nil && v == nil {
		k, v = c.Prev()
	}
	return k, v
}

func unsafeBytesFromString(s string) []byte {
	return unsafe.Slice(unsafe.StringData(s), len(s))
}
