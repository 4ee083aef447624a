package idbkv

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/andreyvit/idbkv/engine"
)

// Outcome tells how Open found the database.
type Outcome int

const (
	// Reopened means the database already existed at the requested version.
	Reopened Outcome = iota
	// Created means the database did not exist and the schema was applied.
	Created
	// Upgraded means the database existed at a lower version and the schema
	// was applied on top of it.
	Upgraded
)

func (o Outcome) String() string {
	switch o {
	case Reopened:
		return "reopened"
	case Created:
		return "created"
	case Upgraded:
		return "upgraded"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Connection owns one open handle to a named, versioned database. All
// operations run in their own transaction.
type Connection struct {
	id      string
	name    string
	logger  *zap.Logger
	verbose bool

	outcome    Outcome
	oldVersion uint64

	// visiting counts Iterate callbacks in progress
	visiting atomic.Int32

	mu       sync.Mutex
	db       *engine.Database
	unlisten func()
}

// Open opens the named database at version, creating it if needed. When the
// stored version is lower, schema is applied in the upgrade transaction;
// with a nil schema the open fails with ErrUnexpectedUpgrade. If other
// connections prevent the upgrade, Open fails with ErrConnectionBlocked.
func Open(ctx context.Context, f *engine.Factory, name string, version uint64, schema Schema) (*Connection, error) {
	if schema != nil {
		if err := schema.Validate(); err != nil {
			return nil, err
		}
	}
	c := &Connection{
		id:      uuid.NewString(),
		name:    name,
		verbose: f.Verbose(),
	}
	c.logger = f.Logger().With(zap.String("db", name), zap.String("conn", c.id))

	var upgrade func(ev engine.Event) error
	if schema != nil {
		upgrade = func(ev engine.Event) error {
			if ev.OldVersion == 0 {
				c.outcome = Created
			} else {
				c.outcome = Upgraded
			}
			c.oldVersion = ev.OldVersion
			c.logger.Info("applying schema", zap.Uint64("old", ev.OldVersion), zap.Uint64("new", ev.NewVersion), zap.Strings("stores", schema.storeNames()))
			return schema.apply(ev.DB, ev.Tx, c.logger)
		}
	}

	db, err := awaitOpen(ctx, f.Open(name, version), upgrade)
	if err != nil {
		return nil, err
	}
	if c.outcome == Reopened {
		c.oldVersion = version
	}
	c.db = db
	c.unlisten = db.OnVersionChange(func(ev engine.Event) {
		c.logger.Info("another connection wants to change the database version", zap.Uint64("old", ev.OldVersion), zap.Uint64("new", ev.NewVersion))
	})
	c.logger.Debug("connection opened", zap.Stringer("outcome", c.outcome))
	return c, nil
}

// DeleteDatabase removes the named database. It fails with
// ErrConnectionBlocked while any connection to it is open.
func DeleteDatabase(ctx context.Context, f *engine.Factory, name string) error {
	err := awaitDelete(ctx, f.DeleteDatabase(name))
	if err == nil {
		f.Logger().Info("database deleted", zap.String("db", name))
	}
	return err
}

func (c *Connection) Name() string {
	return c.name
}

// ID identifies the connection in logs.
func (c *Connection) ID() string {
	return c.id
}

// Outcome reports whether Open created, upgraded or merely reopened the
// database.
func (c *Connection) Outcome() Outcome {
	return c.outcome
}

// OldVersion is the version the database had before Open (0 if created).
func (c *Connection) OldVersion() uint64 {
	return c.oldVersion
}

func (c *Connection) handle() (*engine.Database, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db == nil {
		return nil, ErrConnectionClosed
	}
	return c.db, nil
}

// Close invalidates the connection after its running transactions finish.
// Closing twice is fine.
func (c *Connection) Close() {
	c.mu.Lock()
	db, unlisten := c.db, c.unlisten
	c.db, c.unlisten = nil, nil
	c.mu.Unlock()
	if db == nil {
		return
	}
	unlisten()
	db.Close()
	c.logger.Debug("connection closed")
}

// Get returns the record stored under key, or nil.
func (c *Connection) Get(ctx context.Context, store string, key any) (Record, error) {
	var rec Record
	err := c.run(ctx, []string{store}, engine.ReadOnly, func(t *txn) error {
		s, err := t.store(store)
		if err != nil {
			return err
		}
		req, err := s.Get(key)
		result, err := t.await("get", store, key, req, err)
		if err != nil {
			return err
		}
		rec, _ = result.(Record)
		return nil
	})
	return rec, err
}

// Count returns the number of records matching each query, all computed in
// one read-only transaction.
func (c *Connection) Count(ctx context.Context, store string, queries []Query) ([]int, error) {
	counts := make([]int, len(queries))
	err := c.run(ctx, []string{store}, engine.ReadOnly, func(t *txn) error {
		for i, q := range queries {
			if q.Where != nil {
				n, err := t.countMatching(store, q)
				if err != nil {
					return err
				}
				counts[i] = n
				continue
			}
			src, err := t.source(store, q.Index)
			if err != nil {
				return err
			}
			req, err := src.Count(q.Range)
			if err := t.issue("count", store, nil, req, err, func(result any) {
				counts[i] = result.(int)
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

func (t *txn) countMatching(store string, q Query) (int, error) {
	var n int
	it := t.iterate(store, q)
	for it.Next() {
		if matches(it.Record(), q.Where) {
			n++
		}
	}
	return n, it.Err()
}

// PutBatch writes all records in one read-write transaction and returns
// their keys. Either every record is written or none is.
func (c *Connection) PutBatch(ctx context.Context, store string, records []Record) ([]any, error) {
	keys := make([]any, len(records))
	err := c.run(ctx, []string{store}, engine.ReadWrite, func(t *txn) error {
		s, err := t.store(store)
		if err != nil {
			return err
		}
		for i, rec := range records {
			req, err := s.Put(rec, nil)
			if err := t.issue("put", store, nil, req, err, func(result any) {
				keys[i] = result
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// ReadModifyWrite reads the record at key (nil if absent), passes it to
// mutate and writes back the result, all in one read-write transaction. When
// mutate returns a nil record nothing is written. The record must keep its
// key: changing the key path field fails with engine.ErrDataError. Returns
// the written record.
func (c *Connection) ReadModifyWrite(ctx context.Context, store string, key any, mutate func(old Record) (Record, error)) (Record, error) {
	return c.readModifyWrite(ctx, store, key, false, mutate)
}

// Update is ReadModifyWrite for existing records: it fails with
// ErrKeyNotFound if there is no record at key.
func (c *Connection) Update(ctx context.Context, store string, key any, mutate func(old Record) (Record, error)) (Record, error) {
	return c.readModifyWrite(ctx, store, key, true, mutate)
}

func (c *Connection) readModifyWrite(ctx context.Context, store string, key any, mustExist bool, mutate func(old Record) (Record, error)) (Record, error) {
	var written Record
	err := c.run(ctx, []string{store}, engine.ReadWrite, func(t *txn) error {
		s, err := t.store(store)
		if err != nil {
			return err
		}
		req, err := s.Get(key)
		result, err := t.await("get", store, key, req, err)
		if err != nil {
			return err
		}
		old, _ := result.(Record)
		if old == nil && mustExist {
			return fmt.Errorf("%w: %s/%v", ErrKeyNotFound, store, key)
		}

		next, err := safelyCall("mutate", func() (Record, error) {
			return mutate(old)
		})
		if err != nil {
			return err
		}
		if next == nil {
			return nil
		}

		if kp := s.KeyPath(); len(kp) == 1 {
			if v, ok := next[kp[0]]; !ok {
				next[kp[0]] = key
			} else if !valuesEqual(v, key) {
				return opErr("put", store, key, fmt.Errorf("%w: %s changed to %v", engine.ErrDataError, kp[0], v))
			}
			req, err = s.Put(next, nil)
		} else {
			req, err = s.Put(next, key)
		}
		written = next
		return t.issue("put", store, key, req, err, nil)
	})
	if err != nil {
		return nil, err
	}
	return written, nil
}

// DeleteRecord removes the record at key. Deleting a missing key is not an
// error.
func (c *Connection) DeleteRecord(ctx context.Context, store string, key any) error {
	return c.run(ctx, []string{store}, engine.ReadWrite, func(t *txn) error {
		s, err := t.store(store)
		if err != nil {
			return err
		}
		req, err := s.Delete(key)
		return t.issue("delete", store, key, req, err, nil)
	})
}

// ClearStore removes every record of the store.
func (c *Connection) ClearStore(ctx context.Context, store string) error {
	return c.run(ctx, []string{store}, engine.ReadWrite, func(t *txn) error {
		s, err := t.store(store)
		if err != nil {
			return err
		}
		req, err := s.Clear()
		return t.issue("clear", store, nil, req, err, nil)
	})
}

// Iterate calls visit for each record matching q, in key order of the index
// (or primary key), inside one read-only transaction. visit returns false to
// stop early; an error from visit aborts the transaction and is returned as
// a *CallbackError wrapping it. q.Where is not applied here.
//
// visit may read through c, but must not wait for a write to the same
// database: the read transaction stays open until visit returns. Read-write
// operations started on c while visit runs fail with ErrWriteDuringIteration.
func (c *Connection) Iterate(ctx context.Context, store string, q Query, visit func(rec Record) (bool, error)) error {
	return c.iterate(ctx, store, q, func(rec Record) (bool, error) {
		c.visiting.Add(1)
		defer c.visiting.Add(-1)
		return visit(rec)
	})
}

func (c *Connection) iterate(ctx context.Context, store string, q Query, visit func(rec Record) (bool, error)) error {
	return c.run(ctx, []string{store}, engine.ReadOnly, func(t *txn) error {
		it := t.iterate(store, q)
		for it.Next() {
			rec := it.Record()
			more, err := safelyCall("visit", func() (bool, error) {
				return visit(rec)
			})
			if err != nil {
				return err
			}
			if !more {
				it.Stop()
				break
			}
		}
		return it.Err()
	})
}
