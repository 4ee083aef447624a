package engine

import (
	"fmt"
	"strings"
	"sync"

	rbt "github.com/emirpasic/gods/trees/redblacktree"
	"github.com/emirpasic/gods/utils"
)

const memBucketSep = "\x00"

type memStorage struct {
	mu      sync.Mutex
	cond    *sync.Cond
	buckets map[string]*memBucket
	closed  bool
	writer  bool
}

// newMemStorage returns a transient in-memory storage. Every transaction
// works on its own snapshot; a writable transaction publishes its snapshot
// on commit.
func newMemStorage() *memStorage {
	s := &memStorage{buckets: make(map[string]*memBucket)}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *memStorage) BeginTx(writable bool) (storageTx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("storage closed")
	}
	if writable {
		for s.writer && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			return nil, fmt.Errorf("storage closed")
		}
		s.writer = true
	}

	snap := make(map[string]*memBucket, len(s.buckets))
	for k, b := range s.buckets {
		if writable {
			snap[k] = b.clone()
		} else {
			snap[k] = b
		}
	}

	return &memTx{
		writable: writable,
		base:     s,
		buckets:  snap,
	}, nil
}

// Close releases any waiting writers. The contents are kept so that an
// in-memory factory can hand the same storage to the next connection.
func (s *memStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cond.Broadcast()
	return nil
}

// destroy drops all contents; used when the database is deleted.
func (s *memStorage) destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.buckets = nil
	s.cond.Broadcast()
}

type memTx struct {
	base     *memStorage
	writable bool
	buckets  map[string]*memBucket
	closed   bool
}

func (tx *memTx) Writable() bool { return tx.writable }

func (tx *memTx) closeLocked() {
	if tx.closed {
		return
	}
	tx.closed = true
	if tx.writable {
		tx.base.writer = false
		tx.base.cond.Broadcast()
	}
}

func (tx *memTx) Bucket(name, sub string) storageBucket {
	if tx.closed {
		panic("tx is closed")
	}
	b := tx.buckets[memBucketKey(name, sub)]
	if b == nil {
		return nil
	}
	return memBucketHandle{tx: tx, b: b}
}

func (tx *memTx) CreateBucket(name, sub string) (storageBucket, error) {
	if tx.closed {
		panic("tx is closed")
	}
	if !tx.writable {
		return nil, fmt.Errorf("tx not writable")
	}

	rootKey := memBucketKey(name, "")
	if tx.buckets[rootKey] == nil {
		tx.buckets[rootKey] = newMemBucket()
	}

	key := memBucketKey(name, sub)
	b := tx.buckets[key]
	if b == nil {
		b = newMemBucket()
		tx.buckets[key] = b
	}
	return memBucketHandle{tx: tx, b: b}, nil
}

func (tx *memTx) DeleteBucket(name, sub string) error {
	if tx.closed {
		panic("tx is closed")
	}
	if !tx.writable {
		return fmt.Errorf("tx not writable")
	}
	key := memBucketKey(name, sub)
	if tx.buckets[key] == nil {
		return ErrBucketNotFound
	}
	if sub == "" {
		prefix := name + memBucketSep
		for k := range tx.buckets {
			if strings.HasPrefix(k, prefix) {
				delete(tx.buckets, k)
			}
		}
	}
	delete(tx.buckets, key)
	return nil
}

func (tx *memTx) Commit() error {
	if tx.closed {
		return nil
	}
	if !tx.writable {
		return fmt.Errorf("tx not writable")
	}
	tx.base.mu.Lock()
	defer tx.base.mu.Unlock()
	if tx.base.closed {
		tx.closeLocked()
		return fmt.Errorf("storage closed")
	}
	tx.base.buckets = tx.buckets
	tx.closeLocked()
	return nil
}

func (tx *memTx) Rollback() error {
	tx.base.mu.Lock()
	defer tx.base.mu.Unlock()
	tx.closeLocked()
	return nil
}

func memBucketKey(name, sub string) string {
	return name + memBucketSep + sub
}

type memBucket struct {
	tree *rbt.Tree // string key => []byte value
	seq  uint64
}

func newMemBucket() *memBucket {
	return &memBucket{tree: rbt.NewWith(utils.StringComparator)}
}

func (b *memBucket) clone() *memBucket {
	out := newMemBucket()
	out.seq = b.seq
	it := b.tree.Iterator()
	for it.Next() {
		out.tree.Put(it.Key(), it.Value())
	}
	return out
}

type memBucketHandle struct {
	tx *memTx
	b  *memBucket
}

func (b memBucketHandle) Get(key []byte) []byte {
	v, found := b.b.tree.Get(string(key))
	if !found {
		return nil
	}
	return v.([]byte)
}

func (b memBucketHandle) Put(key, value []byte) error {
	if !b.tx.writable {
		return fmt.Errorf("tx not writable")
	}
	b.b.tree.Put(string(key), append([]byte(nil), value...))
	return nil
}

func (b memBucketHandle) Delete(key []byte) error {
	if !b.tx.writable {
		return fmt.Errorf("tx not writable")
	}
	b.b.tree.Remove(string(key))
	return nil
}

func (b memBucketHandle) Cursor() storageCursor {
	return &memCursor{tree: b.b.tree}
}

func (b memBucketHandle) KeyCount() int { return b.b.tree.Size() }

func (b memBucketHandle) NextSequence() (uint64, error) {
	if !b.tx.writable {
		return 0, fmt.Errorf("tx not writable")
	}
	b.b.seq++
	return b.b.seq, nil
}

func (b memBucketHandle) Sequence() uint64 { return b.b.seq }

func (b memBucketHandle) SetSequence(v uint64) error {
	if !b.tx.writable {
		return fmt.Errorf("tx not writable")
	}
	b.b.seq = v
	return nil
}

// memCursor walks red-black tree nodes directly; the tree must not be
// mutated while the cursor is in use.
type memCursor struct {
	tree *rbt.Tree
	node *rbt.Node
	init bool
}

func (c *memCursor) at(n *rbt.Node) ([]byte, []byte) {
	c.init = true
	c.node = n
	if n == nil {
		return nil, nil
	}
	return []byte(n.Key.(string)), n.Value.([]byte)
}

func (c *memCursor) First() ([]byte, []byte) { return c.at(c.tree.Left()) }

func (c *memCursor) Last() ([]byte, []byte) { return c.at(c.tree.Right()) }

func (c *memCursor) Seek(seek []byte) ([]byte, []byte) {
	n, found := c.tree.Ceiling(string(seek))
	if !found {
		n = nil
	}
	return c.at(n)
}

func (c *memCursor) Next() ([]byte, []byte) {
	if !c.init {
		return c.First()
	}
	if c.node == nil {
		return nil, nil
	}
	return c.at(successor(c.node))
}

func (c *memCursor) Prev() ([]byte, []byte) {
	if !c.init {
		return c.Last()
	}
	if c.node == nil {
		return nil, nil
	}
	return c.at(predecessor(c.node))
}

func successor(n *rbt.Node) *rbt.Node {
	if n.Right != nil {
		n = n.Right
		for n.Left != nil {
			n = n.Left
		}
		return n
	}
	p := n.Parent
	for p != nil && n == p.Right {
		n, p = p, p.Parent
	}
	return p
}

func predecessor(n *rbt.Node) *rbt.Node {
	if n.Left != nil {
		n = n.Left
		for n.Right != nil {
			n = n.Right
		}
		return n
	}
	p := n.Parent
	for p != nil && n == p.Left {
		n, p = p, p.Parent
	}
	return p
}
