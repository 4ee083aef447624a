package idbkv

import (
	"github.com/andreyvit/idbkv/engine"
)

type IteratorState int

const (
	// Unstarted iterators have not requested a cursor yet.
	Unstarted IteratorState = iota
	Positioned
	Exhausted
)

func (s IteratorState) String() string {
	switch s {
	case Unstarted:
		return "unstarted"
	case Positioned:
		return "positioned"
	case Exhausted:
		return "exhausted"
	default:
		return "invalid"
	}
}

// RecordIterator walks the records matching a query inside a transaction.
// Each Next issues one cursor request (open or continue) and waits for it, so
// the sequence is lazy, finite and cannot be restarted.
//
//	for it.Next() {
//		rec := it.Record()
//	}
//	if err := it.Err(); err != nil { ... }
type RecordIterator struct {
	t      *txn
	store  string
	query  Query
	cursor *engine.Cursor
	state  IteratorState
	err    error
	steps  int
}

func (t *txn) iterate(store string, q Query) *RecordIterator {
	return &RecordIterator{t: t, store: store, query: q}
}

func (it *RecordIterator) State() IteratorState {
	return it.state
}

// Next advances to the next record, returning false once exhausted or on
// error.
func (it *RecordIterator) Next() bool {
	if it.state == Exhausted {
		return false
	}

	var req *engine.Request
	var err error
	if it.cursor == nil {
		var src recordSource
		src, err = it.t.source(it.store, it.query.Index)
		if err != nil {
			return it.stop(err)
		}
		dir := engine.Next
		if it.query.Reverse {
			dir = engine.Prev
		}
		req, err = src.OpenCursor(it.query.Range, dir)
	} else {
		req, err = it.cursor.Continue()
	}

	result, err := it.t.await("cursor", it.store, nil, req, err)
	if err != nil {
		return it.stop(err)
	}
	it.steps++
	cur, _ := result.(*engine.Cursor)
	if cur == nil {
		return it.stop(nil)
	}
	it.cursor, it.state = cur, Positioned
	return true
}

// Stop moves the iterator to Exhausted without error.
func (it *RecordIterator) Stop() {
	it.stop(nil)
}

func (it *RecordIterator) stop(err error) bool {
	it.state, it.err, it.cursor = Exhausted, err, nil
	return false
}

// Record returns the current record; valid only in the Positioned state.
func (it *RecordIterator) Record() Record {
	if it.state != Positioned {
		return nil
	}
	return it.cursor.Value()
}

// Key returns the current index value, or the primary key when iterating the
// object store itself.
func (it *RecordIterator) Key() any {
	if it.state != Positioned {
		return nil
	}
	return it.cursor.Key()
}

func (it *RecordIterator) PrimaryKey() any {
	if it.state != Positioned {
		return nil
	}
	return it.cursor.PrimaryKey()
}

func (it *RecordIterator) Err() error {
	return it.err
}

// Steps returns how many cursor requests have completed.
func (it *RecordIterator) Steps() int {
	return it.steps
}
