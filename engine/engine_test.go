package engine

import (
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"go.uber.org/zap/zaptest"
)

func TestOpen_CreateUpgradeReopen(t *testing.T) {
	f := setup(t)
	name := dbName()

	db := openDB(t, f, name, 1, func(ev Event) error {
		if ev.OldVersion != 0 || ev.NewVersion != 1 {
			return fmt.Errorf("versions %d -> %d, wanted 0 -> 1", ev.OldVersion, ev.NewVersion)
		}
		s, err := ev.DB.CreateObjectStore("items", ObjectStoreOptions{KeyPath: []string{"id"}})
		if err != nil {
			return err
		}
		_, err = s.CreateIndex("byName", []string{"name"}, false)
		return err
	})
	deepEqual(t, db.Version(), uint64(1))
	deepEqual(t, db.ObjectStoreNames(), []string{"items"})
	db.Close()

	db = openDB(t, f, name, 1, func(ev Event) error {
		return errors.New("upgrade must not run on reopen")
	})
	deepEqual(t, db.ObjectStoreNames(), []string{"items"})
	db.Close()

	db = openDB(t, f, name, 3, func(ev Event) error {
		if ev.OldVersion != 1 {
			return fmt.Errorf("old version %d, wanted 1", ev.OldVersion)
		}
		_, err := ev.DB.CreateObjectStore("other", ObjectStoreOptions{AutoIncrement: true})
		return err
	})
	deepEqual(t, db.Version(), uint64(3))
	deepEqual(t, db.ObjectStoreNames(), []string{"items", "other"})
	db.Close()

	_, err := await(&f.Open(name, 2).Request)
	if !errors.Is(err, ErrVersion) {
		t.Errorf("** open at lower version = %v, wanted ErrVersion", err)
	}
	_, err = await(&f.Open(name, 0).Request)
	if !errors.Is(err, ErrVersion) {
		t.Errorf("** open at version 0 = %v, wanted ErrVersion", err)
	}
}

func TestOpen_FailedUpgradeRollsBack(t *testing.T) {
	f := setup(t)
	name := dbName()
	boom := errors.New("boom")

	_, err := openRaw(f, name, 1, func(ev Event) error {
		if _, err := ev.DB.CreateObjectStore("items", ObjectStoreOptions{}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("** open = %v, wanted boom", err)
	}

	db := openDB(t, f, name, 1, func(ev Event) error {
		if ev.OldVersion != 0 {
			return fmt.Errorf("old version %d, wanted 0", ev.OldVersion)
		}
		return nil
	})
	isempty(t, db.ObjectStoreNames())
}

func TestSchemaChangesOutsideUpgrade(t *testing.T) {
	f := setup(t)
	db := openDB(t, f, dbName(), 1, itemsSchema)

	if _, err := db.CreateObjectStore("x", ObjectStoreOptions{}); !errors.Is(err, ErrInvalidState) {
		t.Errorf("** CreateObjectStore = %v, wanted ErrInvalidState", err)
	}
	if err := db.DeleteObjectStore("items"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("** DeleteObjectStore = %v, wanted ErrInvalidState", err)
	}
	if _, err := db.Transaction([]string{"nope"}, ReadOnly); !errors.Is(err, ErrNotFound) {
		t.Errorf("** Transaction(nope) = %v, wanted ErrNotFound", err)
	}
	if _, err := db.Transaction(nil, ReadOnly); !errors.Is(err, ErrInvalidState) {
		t.Errorf("** Transaction(nil) = %v, wanted ErrInvalidState", err)
	}
	err := update(db, []string{"items"}, ReadWrite, func(tx *Transaction) error {
		s := must(tx.ObjectStore("items"))
		_, err := s.CreateIndex("x", []string{"x"}, false)
		return err
	})
	if !errors.Is(err, ErrInvalidState) {
		t.Errorf("** CreateIndex = %v, wanted ErrInvalidState", err)
	}
}

func TestPutGetAdd(t *testing.T) {
	f := setup(t)
	db := openDB(t, f, dbName(), 1, itemsSchema)

	ensure(update(db, []string{"items"}, ReadWrite, func(tx *Transaction) error {
		s := must(tx.ObjectStore("items"))
		deepEqual(t, must(await(must(s.Put(Record{"id": 1, "name": "a"}, nil)))), any(1))
		deepEqual(t, must(await(must(s.Put(Record{"id": 2, "name": "b"}, nil)))), any(2))
		return nil
	}))

	var got any
	ensure(update(db, []string{"items"}, ReadOnly, func(tx *Transaction) error {
		s := must(tx.ObjectStore("items"))
		got = must(await(must(s.Get(1))))
		if missing := must(await(must(s.Get(99)))); missing != nil {
			t.Errorf("** Get(99) = %v, wanted nil", missing)
		}
		if _, err := s.Put(Record{"id": 3}, nil); !errors.Is(err, ErrReadOnly) {
			t.Errorf("** Put in read-only tx = %v, wanted ErrReadOnly", err)
		}
		return nil
	}))
	deepEqual(t, got, any(Record{"id": int64(1), "name": "a"}))

	err := update(db, []string{"items"}, ReadWrite, func(tx *Transaction) error {
		s := must(tx.ObjectStore("items"))
		must(await(must(s.Put(Record{"id": 3, "name": "c"}, nil))))
		_, err := await(must(s.Add(Record{"id": 1, "name": "dup"}, nil)))
		return err
	})
	if !errors.Is(err, ErrConstraint) {
		t.Fatalf("** Add(dup) = %v, wanted ErrConstraint", err)
	}
	deepEqual(t, countStore(t, db, "items", nil), 2)
}

func TestPut_InvalidKeys(t *testing.T) {
	f := setup(t)
	db := openDB(t, f, dbName(), 1, itemsSchema)

	for _, rec := range []Record{{"name": "no id"}, {"id": true}, {"id": nil}} {
		err := update(db, []string{"items"}, ReadWrite, func(tx *Transaction) error {
			_, err := await(must(must(tx.ObjectStore("items")).Put(rec, nil)))
			return err
		})
		if !errors.Is(err, ErrDataError) {
			t.Errorf("** Put(%v) = %v, wanted ErrDataError", rec, err)
		}
	}
	err := update(db, []string{"items"}, ReadWrite, func(tx *Transaction) error {
		_, err := await(must(must(tx.ObjectStore("items")).Put(Record{"id": 1}, 1)))
		return err
	})
	if !errors.Is(err, ErrDataError) {
		t.Errorf("** Put with explicit key into in-line store = %v, wanted ErrDataError", err)
	}
}

func TestAutoIncrement(t *testing.T) {
	f := setup(t)
	db := openDB(t, f, dbName(), 1, func(ev Event) error {
		if _, err := ev.DB.CreateObjectStore("out", ObjectStoreOptions{AutoIncrement: true}); err != nil {
			return err
		}
		_, err := ev.DB.CreateObjectStore("in", ObjectStoreOptions{KeyPath: []string{"id"}, AutoIncrement: true})
		return err
	})

	var keys []any
	var rec any
	ensure(update(db, []string{"out", "in"}, ReadWrite, func(tx *Transaction) error {
		out := must(tx.ObjectStore("out"))
		keys = append(keys, must(await(must(out.Put(Record{"v": "a"}, nil)))))
		keys = append(keys, must(await(must(out.Put(Record{"v": "b"}, 10)))))
		keys = append(keys, must(await(must(out.Put(Record{"v": "c"}, nil)))))

		in := must(tx.ObjectStore("in"))
		k := must(await(must(in.Put(Record{"title": "x"}, nil))))
		rec = must(await(must(in.Get(k))))
		return nil
	}))
	deepEqual(t, keys, []any{int64(1), 10, int64(11)})
	deepEqual(t, rec, any(Record{"id": int64(1), "title": "x"}))

	ensure(update(db, []string{"out"}, ReadWrite, func(tx *Transaction) error {
		out := must(tx.ObjectStore("out"))
		must(await(must(out.Clear())))
		keys = []any{must(await(must(out.Put(Record{}, nil))))}
		return nil
	}))
	deepEqual(t, keys, []any{int64(12)})
	deepEqual(t, countStore(t, db, "out", nil), 1)
}

func TestCompoundKeyPath(t *testing.T) {
	f := setup(t)
	_, err := openRaw(f, dbName(), 1, func(ev Event) error {
		_, err := ev.DB.CreateObjectStore("x", ObjectStoreOptions{KeyPath: []string{"a", "b"}, AutoIncrement: true})
		return err
	})
	if !errors.Is(err, ErrDataError) {
		t.Errorf("** compound auto-increment store = %v, wanted ErrDataError", err)
	}

	db := openDB(t, f, dbName(), 1, func(ev Event) error {
		_, err := ev.DB.CreateObjectStore("pairs", ObjectStoreOptions{KeyPath: []string{"a", "b"}})
		return err
	})
	var got any
	ensure(update(db, []string{"pairs"}, ReadWrite, func(tx *Transaction) error {
		s := must(tx.ObjectStore("pairs"))
		deepEqual(t, must(await(must(s.Put(Record{"a": 1, "b": "x"}, nil)))), any([]any{1, "x"}))
		got = must(await(must(s.Get([]any{1, "x"}))))
		return nil
	}))
	deepEqual(t, got, any(Record{"a": int64(1), "b": "x"}))
}

func TestUniqueIndex(t *testing.T) {
	f := setup(t)
	db := openDB(t, f, dbName(), 1, func(ev Event) error {
		s, err := ev.DB.CreateObjectStore("users", ObjectStoreOptions{KeyPath: []string{"id"}})
		if err != nil {
			return err
		}
		_, err = s.CreateIndex("byEmail", []string{"email"}, true)
		return err
	})

	ensure(update(db, []string{"users"}, ReadWrite, func(tx *Transaction) error {
		s := must(tx.ObjectStore("users"))
		must(await(must(s.Put(Record{"id": 1, "email": "a@x"}, nil))))
		must(await(must(s.Put(Record{"id": 2, "email": "b@x"}, nil))))
		// rewriting a record with its own value is fine
		must(await(must(s.Put(Record{"id": 1, "email": "a@x", "v": 2}, nil))))
		return nil
	}))

	err := update(db, []string{"users"}, ReadWrite, func(tx *Transaction) error {
		_, err := await(must(must(tx.ObjectStore("users")).Put(Record{"id": 3, "email": "a@x"}, nil)))
		return err
	})
	if !errors.Is(err, ErrConstraint) {
		t.Fatalf("** duplicate email = %v, wanted ErrConstraint", err)
	}

	var got any
	ensure(update(db, []string{"users"}, ReadWrite, func(tx *Transaction) error {
		s := must(tx.ObjectStore("users"))
		// moving the value frees it for another record
		must(await(must(s.Put(Record{"id": 1, "email": "c@x"}, nil))))
		must(await(must(s.Put(Record{"id": 3, "email": "a@x"}, nil))))
		idx := must(s.Index("byEmail"))
		deepEqual(t, idx.Unique(), true)
		got = must(await(must(idx.Get("a@x"))))
		return nil
	}))
	deepEqual(t, got, any(Record{"id": int64(3), "email": "a@x"}))
}

func TestCreateIndex_Backfill(t *testing.T) {
	f := setup(t)
	name := dbName()
	db := openDB(t, f, name, 1, itemsSchema)
	ensure(update(db, []string{"items"}, ReadWrite, func(tx *Transaction) error {
		s := must(tx.ObjectStore("items"))
		for i, tag := range []string{"x", "y", "x"} {
			must(await(must(s.Put(Record{"id": i + 1, "tag": tag}, nil))))
		}
		return nil
	}))
	db.Close()

	_, err := openRaw(f, name, 2, func(ev Event) error {
		_, err := must(ev.Tx.ObjectStore("items")).CreateIndex("byTag", []string{"tag"}, true)
		return err
	})
	if !errors.Is(err, ErrConstraint) {
		t.Fatalf("** unique index over duplicates = %v, wanted ErrConstraint", err)
	}

	db = openDB(t, f, name, 2, func(ev Event) error {
		_, err := must(ev.Tx.ObjectStore("items")).CreateIndex("byTag", []string{"tag"}, false)
		return err
	})
	var n any
	ensure(update(db, []string{"items"}, ReadOnly, func(tx *Transaction) error {
		idx := must(must(tx.ObjectStore("items")).Index("byTag"))
		n = must(await(must(idx.Count(Only("x")))))
		return nil
	}))
	deepEqual(t, n, any(2))
}

func TestCursor(t *testing.T) {
	f := setup(t)
	db := openDB(t, f, dbName(), 1, itemsSchema)
	ensure(update(db, []string{"items"}, ReadWrite, func(tx *Transaction) error {
		s := must(tx.ObjectStore("items"))
		for i, name := range []string{"c", "a", "b", "a", "c"} {
			must(await(must(s.Put(Record{"id": i + 1, "name": name}, nil))))
		}
		return nil
	}))

	ensure(update(db, []string{"items"}, ReadOnly, func(tx *Transaction) error {
		s := must(tx.ObjectStore("items"))
		deepEqual(t, collect(must(s.OpenCursor(nil, Next))), []any{int64(1), int64(2), int64(3), int64(4), int64(5)})
		deepEqual(t, collect(must(s.OpenCursor(nil, Prev))), []any{int64(5), int64(4), int64(3), int64(2), int64(1)})
		deepEqual(t, collect(must(s.OpenCursor(Bound(2, 4, true, false), Next))), []any{int64(3), int64(4)})
		deepEqual(t, collect(must(s.OpenCursor(Only(9), Next))), []any(nil))

		idx := must(s.Index("byName"))
		deepEqual(t, collect(must(idx.OpenCursor(nil, Next))), []any{int64(2), int64(4), int64(3), int64(1), int64(5)})
		deepEqual(t, collect(must(idx.OpenCursor(nil, Prev))), []any{int64(5), int64(1), int64(3), int64(4), int64(2)})
		deepEqual(t, collect(must(idx.OpenCursor(Only("a"), Next))), []any{int64(2), int64(4)})

		c := must(await(must(idx.OpenCursor(LowerBound("b", false), Next)))).(*Cursor)
		deepEqual(t, c.Key(), any("b"))
		deepEqual(t, c.PrimaryKey(), any(int64(3)))
		deepEqual(t, c.Value(), Record{"id": int64(3), "name": "b"})
		deepEqual(t, c.Source(), "items.byName")
		return nil
	}))
}

func TestCursor_SeesWritesMadeBetweenSteps(t *testing.T) {
	f := setup(t)
	db := openDB(t, f, dbName(), 1, itemsSchema)
	ensure(update(db, []string{"items"}, ReadWrite, func(tx *Transaction) error {
		s := must(tx.ObjectStore("items"))
		for i := 1; i <= 3; i++ {
			must(await(must(s.Put(Record{"id": i}, nil))))
		}

		c := must(await(must(s.OpenCursor(nil, Next)))).(*Cursor)
		must(await(must(s.Delete(2))))
		must(await(must(s.Put(Record{"id": 4}, nil))))
		var keys []any
		for c != nil {
			keys = append(keys, c.PrimaryKey())
			res := must(await(must(c.Continue())))
			c, _ = res.(*Cursor)
		}
		deepEqual(t, keys, []any{int64(1), int64(3), int64(4)})
		return nil
	}))
}

func TestDeleteRangeAndCount(t *testing.T) {
	f := setup(t)
	db := openDB(t, f, dbName(), 1, itemsSchema)
	ensure(update(db, []string{"items"}, ReadWrite, func(tx *Transaction) error {
		s := must(tx.ObjectStore("items"))
		for i := 1; i <= 10; i++ {
			must(await(must(s.Put(Record{"id": i, "name": fmt.Sprint(i % 2)}, nil))))
		}
		must(await(must(s.Delete(Bound(3, 6, false, false)))))
		must(await(must(s.Delete(100))))
		return nil
	}))
	deepEqual(t, countStore(t, db, "items", nil), 6)
	deepEqual(t, countStore(t, db, "items", LowerBound(5, false)), 4)

	var n any
	ensure(update(db, []string{"items"}, ReadOnly, func(tx *Transaction) error {
		n = must(await(must(must(must(tx.ObjectStore("items")).Index("byName")).Count(nil))))
		return nil
	}))
	deepEqual(t, n, any(6))
}

func TestAbortRollsBack(t *testing.T) {
	f := setup(t)
	db := openDB(t, f, dbName(), 1, itemsSchema)

	tx := must(db.Transaction([]string{"items"}, ReadWrite))
	s := must(tx.ObjectStore("items"))
	must(await(must(s.Put(Record{"id": 1}, nil))))
	pending := must(s.Put(Record{"id": 2}, nil))
	ensure(tx.Abort(nil))
	<-tx.Done()
	if !errors.Is(tx.Err(), ErrAborted) {
		t.Errorf("** tx.Err() = %v, wanted ErrAborted", tx.Err())
	}
	if _, err := s.Put(Record{"id": 3}, nil); !errors.Is(err, ErrInvalidState) {
		t.Errorf("** Put after abort = %v, wanted ErrInvalidState", err)
	}
	if err := tx.Commit(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("** Commit after abort = %v, wanted ErrInvalidState", err)
	}
	if _, err := await(pending); err != nil && !errors.Is(err, ErrAborted) {
		t.Errorf("** queued request = %v, wanted success or ErrAborted", err)
	}
	deepEqual(t, countStore(t, db, "items", nil), 0)
}

func TestTransaction_Events(t *testing.T) {
	f := setup(t)
	db := openDB(t, f, dbName(), 1, itemsSchema)

	tx := must(db.Transaction([]string{"items"}, ReadWrite))
	events := make(chan Event, 4)
	defer tx.Listen(func(ev Event) { events <- ev })()
	must(tx.ObjectStore("items")).Put(Record{"id": 1}, nil)
	ensure(tx.Commit())
	<-tx.Done()
	ev := <-events
	if ev.Type != EventComplete || ev.Tx != tx {
		t.Errorf("** got %v event, wanted complete", ev.Type)
	}

	tx = must(db.Transaction([]string{"items"}, ReadWrite))
	defer tx.Listen(func(ev Event) { events <- ev })()
	must(tx.ObjectStore("items")).Add(Record{"id": 1}, nil)
	tx.Commit() // may already be aborting
	<-tx.Done()
	ev = <-events
	if ev.Type != EventAbort || !errors.Is(ev.Err, ErrConstraint) {
		t.Errorf("** got %v event with %v, wanted abort with ErrConstraint", ev.Type, ev.Err)
	}
}

func TestDeleteDatabase_BlockedByOpenConnection(t *testing.T) {
	f := setup(t)
	name := dbName()
	db := openDB(t, f, name, 1, itemsSchema)
	deepEqual(t, must(f.DatabaseNames()), []string{name})

	vc := make(chan Event, 1)
	db.OnVersionChange(func(ev Event) { vc <- ev })

	req := f.DeleteDatabase(name)
	events := make(chan Event, 4)
	defer req.Listen(func(ev Event) { events <- ev })()

	ev := nextEvent(t, vc)
	if ev.Type != EventVersionChange || ev.OldVersion != 1 || ev.NewVersion != 0 {
		t.Errorf("** versionchange = %+v", ev)
	}
	if ev := nextEvent(t, events); ev.Type != EventBlocked {
		t.Fatalf("** got %v, wanted blocked", ev.Type)
	}
	select {
	case ev := <-events:
		t.Fatalf("** got %v while still blocked", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}

	db.Close()
	ev = nextEvent(t, events)
	if ev.Type != EventSuccess || ev.OldVersion != 1 {
		t.Fatalf("** got %+v, wanted success", ev)
	}
	isempty(t, must(f.DatabaseNames()))

	db = openDB(t, f, name, 1, nil)
	isempty(t, db.ObjectStoreNames())
}

func TestOpen_AbandonWhileBlocked(t *testing.T) {
	f := setup(t)
	name := dbName()
	db := openDB(t, f, name, 1, itemsSchema)

	req := f.Open(name, 2)
	events := make(chan Event, 4)
	defer req.Listen(func(ev Event) { events <- ev })()
	if ev := nextEvent(t, events); ev.Type != EventBlocked {
		t.Fatalf("** got %v, wanted blocked", ev.Type)
	}
	req.Abandon()
	if ev := nextEvent(t, events); ev.Type != EventError || !errors.Is(ev.Err, ErrAborted) {
		t.Fatalf("** got %v (%v), wanted ErrAborted", ev.Type, ev.Err)
	}
	deepEqual(t, db.Version(), uint64(1))
	db.Close()
}

func TestFactory_DirectoryLocked(t *testing.T) {
	if testing.Short() {
		t.Skip("needs a directory")
	}
	dir := t.TempDir()
	f := must(NewFactory(Options{Dir: dir, IsTesting: true}))
	_, err := NewFactory(Options{Dir: dir, IsTesting: true})
	if !errors.Is(err, ErrDirectoryLocked) {
		t.Errorf("** second factory = %v, wanted ErrDirectoryLocked", err)
	}
	ensure(f.Close())
	f2 := must(NewFactory(Options{Dir: dir, IsTesting: true}))
	ensure(f2.Close())

	if _, err := await(&f.Open("x", 1).Request); !errors.Is(err, ErrInvalidState) {
		t.Errorf("** open on closed factory = %v, wanted ErrInvalidState", err)
	}
}

func TestEmitter_ReplaysUnheardEvents(t *testing.T) {
	var e emitter
	e.emit(Event{Type: EventBlocked})
	d := e.emit(Event{Type: EventSuccess})

	var got []EventType
	unlisten := e.Listen(func(ev Event) { got = append(got, ev.Type) })
	<-d
	e.emit(Event{Type: EventComplete})
	unlisten()
	unlisten()
	e.emit(Event{Type: EventAbort})
	deepEqual(t, got, []EventType{EventBlocked, EventSuccess, EventComplete})

	got = nil
	e.Listen(func(ev Event) { got = append(got, ev.Type) })
	deepEqual(t, got, []EventType{EventAbort})

	drop := emitter{dropUnheard: true}
	<-drop.emit(Event{Type: EventVersionChange})
	got = nil
	drop.Listen(func(ev Event) { got = append(got, ev.Type) })
	isempty(t, got)
}

func TestSafelyCall(t *testing.T) {
	_, err := safelyCall(func() (int, error) { panic(ErrConstraint) })
	var pe *PanicError
	if !errors.As(err, &pe) || !errors.Is(err, ErrConstraint) {
		t.Errorf("** got %v, wanted PanicError wrapping ErrConstraint", err)
	}
}

func TestStoreError(t *testing.T) {
	err := storeErrf("users", "byEmail", 5, ErrConstraint, "duplicate")
	deepEqual(t, err.Error(), "users.byEmail/5: duplicate: constraint violation")
	if !errors.Is(err, ErrConstraint) {
		t.Errorf("** errors.Is(ErrConstraint) = false")
	}
}

func itemsSchema(ev Event) error {
	s, err := ev.DB.CreateObjectStore("items", ObjectStoreOptions{KeyPath: []string{"id"}})
	if err != nil {
		return err
	}
	_, err = s.CreateIndex("byName", []string{"name"}, false)
	return err
}

func setup(t testing.TB) *Factory {
	t.Helper()
	opt := Options{
		Logger:  zaptest.NewLogger(t),
		Verbose: true,
	}
	if testing.Short() {
		opt.InMemory = true
	} else {
		opt.Dir = t.TempDir()
		opt.IsTesting = true
	}
	f := must(NewFactory(opt))
	t.Cleanup(func() { f.Close() })
	return f
}

func dbName() string {
	return "test-" + uuid.NewString()
}

const awaitTimeout = 10 * time.Second

// await waits for req to succeed or fail.
func await(req *Request) (any, error) {
	ch := make(chan Event, 8)
	defer req.Listen(func(ev Event) { ch <- ev })()
	return settled(ch)
}

func settled(ch <-chan Event) (any, error) {
	timeout := time.After(awaitTimeout)
	for {
		select {
		case ev := <-ch:
			switch ev.Type {
			case EventSuccess:
				return ev.Result, nil
			case EventError:
				return nil, ev.Err
			}
		case <-timeout:
			return nil, errors.New("request timed out")
		}
	}
}

// openRaw opens a database, running upgrade for EventUpgradeNeeded. A
// failing upgrade aborts the version change transaction.
func openRaw(f *Factory, name string, version uint64, upgrade func(ev Event) error) (*Database, error) {
	req := f.Open(name, version)
	ch := make(chan Event, 8)
	defer req.Listen(func(ev Event) {
		if ev.Type == EventUpgradeNeeded && upgrade != nil {
			if err := upgrade(ev); err != nil {
				ev.Tx.Abort(err)
			}
		}
		ch <- ev
	})()
	res, err := settled(ch)
	if err != nil {
		return nil, err
	}
	return res.(*Database), nil
}

func openDB(t testing.TB, f *Factory, name string, version uint64, upgrade func(ev Event) error) *Database {
	t.Helper()
	db, err := openRaw(f, name, version, upgrade)
	if err != nil {
		t.Fatalf("open %s v%d: %v", name, version, err)
	}
	t.Cleanup(db.Close)
	return db
}

// update runs fn in a transaction and waits for it to finish. The result is
// the abort cause, or nil if the transaction committed.
func update(db *Database, scope []string, mode TxMode, fn func(tx *Transaction) error) error {
	tx, err := db.Transaction(scope, mode)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Abort(err)
	} else {
		tx.Commit()
	}
	<-tx.Done()
	return tx.Err()
}

func collect(req *Request) []any {
	var keys []any
	for {
		res := must(await(req))
		if res == nil {
			return keys
		}
		c := res.(*Cursor)
		keys = append(keys, c.PrimaryKey())
		req = must(c.Continue())
	}
}

func countStore(t testing.TB, db *Database, store string, r *KeyRange) int {
	t.Helper()
	var n any
	ensure(update(db, []string{store}, ReadOnly, func(tx *Transaction) error {
		n = must(await(must(must(tx.ObjectStore(store)).Count(r))))
		return nil
	}))
	return n.(int)
}

func nextEvent(t testing.TB, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(awaitTimeout):
		t.Fatalf("timed out waiting for event")
		return Event{}
	}
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func deepEqual[T any](t testing.TB, a, e T) {
	if !reflect.DeepEqual(a, e) {
		t.Helper()
		t.Errorf("** got %v, wanted %v\n%s", a, e, cmp.Diff(e, a))
	}
}

func isempty[T any, S ~[]T](t testing.TB, a S) {
	if len(a) > 0 {
		t.Helper()
		t.Errorf("** got %v, wanted empty slice", a)
	}
}
