package engine

import "errors"

var ErrBucketNotFound = errors.New("bucket not found")

// storage is the byte-level backend under a database: a Bolt file or an
// in-memory tree. Write transactions are exclusive.
type storage interface {
	BeginTx(writable bool) (storageTx, error)
	Close() error
}

// storageTx is used by one goroutine at a time, though not necessarily the
// one that began it. Each object store is a root bucket; its records and
// each of its indexes live in nested buckets addressed by sub.
type storageTx interface {
	Writable() bool

	// Bucket returns nil when the bucket is missing.
	Bucket(name, sub string) storageBucket
	// CreateBucket also creates the root bucket when sub is set.
	CreateBucket(name, sub string) (storageBucket, error)
	// DeleteBucket with sub == "" drops the root bucket with everything
	// nested under it.
	DeleteBucket(name, sub string) error

	Commit() error
	// Rollback may be called after Commit or more than once.
	Rollback() error
}

type storageBucket interface {
	Get(key []byte) []byte
	Put(key, value []byte) error
	Delete(key []byte) error
	Cursor() storageCursor

	// KeyCount counts plain keys only, not nested buckets.
	KeyCount() int

	NextSequence() (uint64, error)
	Sequence() uint64
	SetSequence(v uint64) error
}

// storageCursor moves over a bucket in key order. Every method returns a nil
// key once it runs off either end.
type storageCursor interface {
	First() (key, value []byte)
	Last() (key, value []byte)
	Seek(seek []byte) (key, value []byte)
	Next() (key, value []byte)
	Prev() (key, value []byte)
}
