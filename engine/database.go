package engine

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Database is a connection to a named database. It fires EventVersionChange
// when another request wants to upgrade or delete the database; listeners
// are expected to close the connection.
type Database struct {
	emitter
	f       *Factory
	b       *backing
	logger  *zap.Logger
	verbose bool

	mu      sync.Mutex
	closed  bool
	txs     sync.WaitGroup
	upgrade *Transaction
}

// ObjectStoreOptions describe the primary key policy of a new object store.
// An empty KeyPath means keys are supplied out of line on every write.
type ObjectStoreOptions struct {
	KeyPath       []string
	AutoIncrement bool
}

func newDatabase(f *Factory, b *backing) *Database {
	db := &Database{
		f:       f,
		b:       b,
		logger:  f.logger.With(zap.String("db", b.name)),
		verbose: f.opt.Verbose,
	}
	db.dropUnheard = true
	return db
}

func (db *Database) Name() string {
	return db.b.name
}

// Version returns the version of the database as seen by this connection.
func (db *Database) Version() uint64 {
	return db.currentState().Version
}

// ObjectStoreNames returns the sorted names of the object stores.
func (db *Database) ObjectStoreNames() []string {
	return db.currentState().storeNames()
}

// OnVersionChange registers fn for EventVersionChange.
func (db *Database) OnVersionChange(fn func(Event)) (unlisten func()) {
	return db.Listen(func(ev Event) {
		if ev.Type == EventVersionChange {
			fn(ev)
		}
	})
}

func (db *Database) currentState() *dbState {
	db.mu.Lock()
	up := db.upgrade
	db.mu.Unlock()
	if up != nil {
		up.mu.Lock()
		defer up.mu.Unlock()
		return up.state
	}
	return db.f.committedState(db.b)
}

// Transaction starts a transaction over the named object stores. Read-write
// transactions are exclusive; read-only ones run concurrently with each other.
func (db *Database) Transaction(scope []string, mode TxMode) (*Transaction, error) {
	if mode == VersionChange {
		return nil, fmt.Errorf("%w: version change transactions are created by Factory.Open", ErrInvalidState)
	}
	if len(scope) == 0 {
		return nil, fmt.Errorf("%w: empty transaction scope", ErrInvalidState)
	}
	state := db.currentState()
	for _, name := range scope {
		if state == nil || state.Stores[name] == nil {
			return nil, storeErrf(name, "", nil, ErrNotFound, "no such object store")
		}
	}
	return db.begin(scope, mode, state)
}

func (db *Database) beginUpgrade(version uint64) (*Transaction, error) {
	state := db.f.committedState(db.b).clone()
	state.Version = version
	tx, err := db.begin(state.storeNames(), VersionChange, state)
	if err != nil {
		return nil, err
	}
	db.mu.Lock()
	db.upgrade = tx
	db.mu.Unlock()
	return tx, nil
}

func (db *Database) begin(scope []string, mode TxMode, state *dbState) (*Transaction, error) {
	db.f.mu.Lock()
	st := db.b.st
	db.f.mu.Unlock()

	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil, fmt.Errorf("%w: connection is closed", ErrInvalidState)
	}
	if db.upgrade != nil {
		db.mu.Unlock()
		return nil, fmt.Errorf("%w: upgrade in progress", ErrInvalidState)
	}
	db.txs.Add(1)
	db.mu.Unlock()

	tx := newTransaction(db, scope, mode, state)
	go tx.run(st)
	return tx, nil
}

func (db *Database) txFinished(tx *Transaction) {
	db.mu.Lock()
	if db.upgrade == tx {
		db.upgrade = nil
	}
	db.mu.Unlock()
	db.txs.Done()
}

// Close closes the connection once all of its transactions have finished.
// It blocks until then, so it must not be called from an event listener of
// one of those transactions. Closing twice is a no-op.
func (db *Database) Close() {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return
	}
	db.closed = true
	db.mu.Unlock()

	db.txs.Wait()
	db.f.disconnect(db)
	db.logger.Debug("connection closed")
}

func (db *Database) upgradeTx() (*Transaction, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.upgrade == nil {
		return nil, fmt.Errorf("%w: schema changes require a version change transaction", ErrInvalidState)
	}
	return db.upgrade, nil
}

// CreateObjectStore creates an object store. Only valid inside the upgrade
// transaction, from the goroutine handling EventUpgradeNeeded.
func (db *Database) CreateObjectStore(name string, opt ObjectStoreOptions) (*ObjectStore, error) {
	tx, err := db.upgradeTx()
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, fmt.Errorf("%w: empty object store name", ErrDataError)
	}
	if opt.AutoIncrement && len(opt.KeyPath) > 1 {
		return nil, storeErrf(name, "", nil, ErrDataError, "auto-increment requires a single-field key path")
	}
	_, err = tx.exec(func(stx storageTx) (any, error) {
		tx.mu.Lock()
		exists := tx.state.Stores[name] != nil
		tx.mu.Unlock()
		if exists {
			return nil, storeErrf(name, "", nil, ErrConstraint, "object store already exists")
		}
		if _, err := stx.CreateBucket(storeBucketName(name), dataSubBucket); err != nil {
			return nil, err
		}
		tx.mu.Lock()
		tx.state.Stores[name] = &storeState{
			KeyPath:       opt.KeyPath,
			AutoIncrement: opt.AutoIncrement,
			Indexes:       make(map[string]*indexState),
		}
		tx.mu.Unlock()
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	db.logger.Debug("object store created", zap.String("store", name), zap.Strings("keyPath", opt.KeyPath), zap.Bool("autoIncrement", opt.AutoIncrement))
	return &ObjectStore{tx: tx, name: name}, nil
}

// DeleteObjectStore removes an object store with all of its records and
// indexes. Only valid inside the upgrade transaction.
func (db *Database) DeleteObjectStore(name string) error {
	tx, err := db.upgradeTx()
	if err != nil {
		return err
	}
	_, err = tx.exec(func(stx storageTx) (any, error) {
		tx.mu.Lock()
		exists := tx.state.Stores[name] != nil
		tx.mu.Unlock()
		if !exists {
			return nil, storeErrf(name, "", nil, ErrNotFound, "no such object store")
		}
		if err := stx.DeleteBucket(storeBucketName(name), ""); err != nil && !errors.Is(err, ErrBucketNotFound) {
			return nil, err
		}
		tx.mu.Lock()
		delete(tx.state.Stores, name)
		tx.mu.Unlock()
		return nil, nil
	})
	if err == nil {
		db.logger.Debug("object store deleted", zap.String("store", name))
	}
	return err
}
