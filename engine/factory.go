package engine

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"
)

const lockFileName = ".idbkv.lock"

type Options struct {
	// Dir holds one Bolt file per database. Ignored when InMemory is set.
	Dir      string
	InMemory bool

	Logger  *zap.Logger
	Verbose bool

	IsTesting bool
	MmapSize  int
	Timeout   time.Duration
}

// Factory opens and deletes databases by name. All connections to the same
// name share one storage handle, which is released when the last connection
// closes.
type Factory struct {
	opt    Options
	logger *zap.Logger
	lock   *flock.Flock

	mu       sync.Mutex
	closed   bool
	backings map[string]*backing
	mems     map[string]*memStorage
}

type backing struct {
	name string
	// openMu serializes open and delete requests for the name
	openMu sync.Mutex

	// fields below are guarded by Factory.mu
	cond  *sync.Cond
	st    storage
	state *dbState
	conns map[*Database]struct{}
	users int
}

func NewFactory(opt Options) (*Factory, error) {
	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}
	f := &Factory{
		opt:      opt,
		logger:   opt.Logger,
		backings: make(map[string]*backing),
		mems:     make(map[string]*memStorage),
	}
	if !opt.InMemory {
		if opt.Dir == "" {
			return nil, fmt.Errorf("engine: Dir is required unless InMemory is set")
		}
		if err := os.MkdirAll(opt.Dir, 0755); err != nil {
			return nil, fmt.Errorf("engine: %w", err)
		}
		f.lock = flock.New(filepath.Join(opt.Dir, lockFileName))
		ok, err := f.lock.TryLock()
		if err != nil {
			return nil, fmt.Errorf("engine: lock %s: %w", opt.Dir, err)
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrDirectoryLocked, opt.Dir)
		}
	}
	return f, nil
}

// Close releases the directory lock. Open connections keep working; new
// requests fail with ErrInvalidState.
func (f *Factory) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()
	if f.lock != nil {
		return f.lock.Unlock()
	}
	return nil
}

// DatabaseNames lists the databases that currently exist.
func (f *Factory) DatabaseNames() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	if f.opt.InMemory {
		for name := range f.mems {
			names = append(names, name)
		}
	} else {
		matches, err := filepath.Glob(filepath.Join(f.opt.Dir, "*.db"))
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			base := filepath.Base(m)
			name, err := url.PathUnescape(base[:len(base)-len(".db")])
			if err != nil {
				continue
			}
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Open requests a connection to the named database at the given version,
// creating the database if it does not exist. The request fires:
//
//   - EventBlocked if other connections must close before an upgrade;
//   - EventUpgradeNeeded with a version change transaction if the stored
//     version is lower than version; the transaction commits automatically
//     once the event has been delivered, unless a listener aborts it;
//   - EventSuccess with the *Database, or EventError.
func (f *Factory) Open(name string, version uint64) *OpenRequest {
	req := newOpenRequest()
	if version == 0 {
		go req.finish(nil, fmt.Errorf("%w: version must be positive", ErrVersion))
		return req
	}
	b, err := f.acquire(name, req)
	if err != nil {
		go req.finish(nil, err)
		return req
	}
	go f.runOpen(req, b, version)
	return req
}

// DeleteDatabase requests removal of the named database. Other connections
// receive EventVersionChange; while any stays open the request fires
// EventBlocked and waits.
func (f *Factory) DeleteDatabase(name string) *OpenRequest {
	req := newOpenRequest()
	b, err := f.acquire(name, req)
	if err != nil {
		go req.finish(nil, err)
		return req
	}
	go f.runDelete(req, b)
	return req
}

func (f *Factory) acquire(name string, req *OpenRequest) (*backing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, fmt.Errorf("%w: factory closed", ErrInvalidState)
	}
	b := f.backings[name]
	if b == nil {
		b = &backing{
			name:  name,
			cond:  sync.NewCond(&f.mu),
			conns: make(map[*Database]struct{}),
		}
		f.backings[name] = b
	}
	b.users++
	req.wake = func() {
		f.mu.Lock()
		b.cond.Broadcast()
		f.mu.Unlock()
	}
	return b, nil
}

func (f *Factory) release(b *backing) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releaseLocked(b)
}

func (f *Factory) releaseLocked(b *backing) {
	b.users--
	if b.users > 0 {
		return
	}
	if b.st != nil {
		if err := b.st.Close(); err != nil {
			f.logger.Warn("failed to close storage", zap.String("db", b.name), zap.Error(err))
		}
		b.st, b.state = nil, nil
	}
	delete(f.backings, b.name)
}

func (f *Factory) path(name string) string {
	return filepath.Join(f.opt.Dir, url.PathEscape(name)+".db")
}

// ensureStorage opens the storage for b if needed. Must be called with
// b.openMu held.
func (f *Factory) ensureStorage(b *backing) error {
	f.mu.Lock()
	ready := b.st != nil
	f.mu.Unlock()
	if ready {
		return nil
	}

	var st storage
	if f.opt.InMemory {
		f.mu.Lock()
		mem := f.mems[b.name]
		if mem == nil {
			mem = newMemStorage()
			f.mems[b.name] = mem
		}
		f.mu.Unlock()
		st = mem
	} else {
		var err error
		st, err = openBoltStorage(f.path(b.name), &f.opt)
		if err != nil {
			return err
		}
	}

	stx, err := st.BeginTx(false)
	if err != nil {
		st.Close()
		return err
	}
	state, err := loadState(stx)
	stx.Rollback()
	if err != nil {
		st.Close()
		return err
	}

	f.mu.Lock()
	b.st, b.state = st, state
	f.mu.Unlock()
	return nil
}

func (f *Factory) committedState(b *backing) *dbState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return b.state
}

func (f *Factory) publishState(b *backing, state *dbState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b.state = state
}

// waitForOthers notifies open connections about a version change and waits
// until all of them have closed. It fires EventBlocked on req while waiting.
// Returns false if req was abandoned.
func (f *Factory) waitForOthers(req *OpenRequest, b *backing, oldVersion, newVersion uint64) bool {
	f.mu.Lock()
	others := make([]*Database, 0, len(b.conns))
	for db := range b.conns {
		others = append(others, db)
	}
	f.mu.Unlock()

	for _, db := range others {
		db.emit(Event{Type: EventVersionChange, OldVersion: oldVersion, NewVersion: newVersion, DB: db})
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(b.conns) > 0 {
		f.mu.Unlock()
		f.logger.Debug("blocked", zap.String("db", b.name), zap.Uint64("old", oldVersion), zap.Uint64("new", newVersion))
		req.emit(Event{Type: EventBlocked, OldVersion: oldVersion, NewVersion: newVersion})
		f.mu.Lock()
		for len(b.conns) > 0 && !req.isAbandoned() {
			b.cond.Wait()
		}
	}
	return !req.isAbandoned()
}

func (f *Factory) runOpen(req *OpenRequest, b *backing, version uint64) {
	defer f.release(b)
	b.openMu.Lock()
	defer b.openMu.Unlock()

	if err := f.ensureStorage(b); err != nil {
		req.finish(nil, err)
		return
	}
	old := f.committedState(b).Version
	if version < old {
		req.finish(nil, fmt.Errorf("%w: requested version %d is less than the existing version %d", ErrVersion, version, old))
		return
	}
	if version == old {
		req.succeed(f.connect(b))
		return
	}

	if !f.waitForOthers(req, b, old, version) {
		req.finish(nil, ErrAborted)
		return
	}

	db := f.connect(b)
	tx, err := db.beginUpgrade(version)
	if err != nil {
		db.Close()
		req.finish(nil, err)
		return
	}
	db.logger.Debug("upgrade needed", zap.Uint64("old", old), zap.Uint64("new", version))
	delivered := req.emit(Event{Type: EventUpgradeNeeded, OldVersion: old, NewVersion: version, Tx: tx, DB: db})
	select {
	case <-delivered:
		tx.Commit()
	case <-req.abandoned:
		tx.Abort(ErrAborted)
	case <-tx.Done():
	}
	<-tx.Done()

	if err := tx.Err(); err != nil {
		db.Close()
		req.finish(nil, err)
		return
	}
	req.succeed(db)
}

func (f *Factory) runDelete(req *OpenRequest, b *backing) {
	defer f.release(b)
	b.openMu.Lock()
	defer b.openMu.Unlock()

	f.mu.Lock()
	var old uint64
	if b.state != nil {
		old = b.state.Version
	}
	f.mu.Unlock()

	if !f.waitForOthers(req, b, old, 0) {
		req.finish(nil, ErrAborted)
		return
	}

	f.mu.Lock()
	st := b.st
	b.st, b.state = nil, nil
	mem := f.mems[b.name]
	delete(f.mems, b.name)
	f.mu.Unlock()

	if st != nil {
		if err := st.Close(); err != nil {
			req.finish(nil, err)
			return
		}
	}
	if f.opt.InMemory {
		if mem != nil {
			mem.destroy()
		}
	} else {
		if err := os.Remove(f.path(b.name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			req.finish(nil, err)
			return
		}
	}
	f.logger.Debug("deleted", zap.String("db", b.name), zap.Uint64("old", old))

	req.settle(nil, nil, Event{Type: EventSuccess, OldVersion: old})
}

func (f *Factory) connect(b *backing) *Database {
	db := newDatabase(f, b)
	f.mu.Lock()
	b.conns[db] = struct{}{}
	b.users++
	f.mu.Unlock()
	return db
}

func (f *Factory) disconnect(db *Database) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := db.b
	if _, ok := b.conns[db]; !ok {
		return
	}
	delete(b.conns, db)
	b.cond.Broadcast()
	f.releaseLocked(b)
}

func (f *Factory) Logger() *zap.Logger {
	return f.logger
}

// Verbose reports whether per-operation debug logging is enabled.
func (f *Factory) Verbose() bool {
	return f.opt.Verbose
}
