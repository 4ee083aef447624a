package idbkv

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/andreyvit/idbkv/engine"
)

const (
	DefaultCollection    = "todos"
	DefaultSearchStore   = "search"
	DefaultPopulateCount = 100000
	DefaultPopulateBatch = 2000
	DefaultVersion       = 1
)

// DefaultSchema is the structure of a todo list database: the todos
// collection and a search store used to make the database large.
func DefaultSchema() Schema {
	return Schema{
		DefaultCollection: {PrimaryKey: "id", AutoIncrement: true},
		DefaultSearchStore: {
			PrimaryKey:    "id",
			AutoIncrement: true,
			Indexes: []IndexSchema{
				{Name: "id", KeyFields: []string{"id"}, Unique: true},
				{Name: "messageId", KeyFields: []string{"messageId"}},
				{Name: "itemId", KeyFields: []string{"itemId"}},
				{Name: "timestamp", KeyFields: []string{"timestamp"}},
			},
		},
	}
}

type StoreOptions struct {
	Version uint64
	Schema  Schema
	// Collection is the object store the record operations work on.
	Collection string
	// SearchStore receives the records generated by Populate.
	SearchStore   string
	PopulateCount int
	PopulateBatch int

	Logger *zap.Logger
	// Now is used for generated timestamps.
	Now func() time.Time
}

type OpenOptions struct {
	// Populated fills the search store when the database is first created.
	Populated bool
}

// Store is a record-oriented facade over a Connection to one database. The
// connection is owned by the Store: Open installs it, CloseDatabase drops it.
type Store struct {
	f      *engine.Factory
	name   string
	opt    StoreOptions
	logger *zap.Logger

	mu   sync.Mutex
	conn *Connection
}

func NewStore(f *engine.Factory, name string, opt StoreOptions) *Store {
	if opt.Version == 0 {
		opt.Version = DefaultVersion
	}
	if opt.Schema == nil {
		opt.Schema = DefaultSchema()
	}
	if opt.Collection == "" {
		opt.Collection = DefaultCollection
	}
	if opt.SearchStore == "" {
		opt.SearchStore = DefaultSearchStore
	}
	if opt.PopulateCount == 0 {
		opt.PopulateCount = DefaultPopulateCount
	}
	if opt.PopulateBatch == 0 {
		opt.PopulateBatch = DefaultPopulateBatch
	}
	if opt.Logger == nil {
		opt.Logger = f.Logger()
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	return &Store{
		f:      f,
		name:   name,
		opt:    opt,
		logger: opt.Logger.With(zap.String("db", name), zap.String("store", opt.Collection)),
	}
}

func (s *Store) Name() string {
	return s.name
}

// Open opens the database, closing a connection the Store already held. The
// search store is populated only when the database was just created.
func (s *Store) Open(ctx context.Context, oo OpenOptions) error {
	s.CloseDatabase()
	conn, err := Open(ctx, s.f, s.name, s.opt.Version, s.opt.Schema)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	if oo.Populated && conn.Outcome() == Created {
		if err := s.Populate(ctx, s.opt.PopulateCount, s.opt.PopulateBatch); err != nil {
			return fmt.Errorf("populate: %w", err)
		}
	}
	return nil
}

// Connection returns the open connection, or ErrConnectionClosed.
func (s *Store) Connection() (*Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil, ErrConnectionClosed
	}
	return s.conn, nil
}

func (s *Store) CloseDatabase() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// DeleteDatabase closes the Store's own connection and deletes the database.
func (s *Store) DeleteDatabase(ctx context.Context) error {
	s.CloseDatabase()
	return DeleteDatabase(ctx, s.f, s.name)
}

// Populate tops the search store up to targetCount generated records,
// batchSize records per transaction. A store that already holds targetCount
// records or more is left as it is.
func (s *Store) Populate(ctx context.Context, targetCount, batchSize int) error {
	conn, err := s.Connection()
	if err != nil {
		return err
	}
	if batchSize <= 0 {
		batchSize = DefaultPopulateBatch
	}
	counts, err := conn.Count(ctx, s.opt.SearchStore, []Query{{}})
	if err != nil {
		return err
	}
	existing := counts[0]
	start := time.Now()
	for itemID := existing; itemID < targetCount; {
		n := min(batchSize, targetCount-itemID)
		batch := make([]Record, 0, n)
		for i := 0; i < n; i++ {
			batch = append(batch, Record{
				"name":      fmt.Sprintf("Search %d", itemID),
				"messageId": fmt.Sprintf("Message %d", itemID),
				"itemId":    fmt.Sprintf("Item %d", itemID),
				"timestamp": s.opt.Now().UnixMilli(),
			})
			itemID++
		}
		if _, err := conn.PutBatch(ctx, s.opt.SearchStore, batch); err != nil {
			return err
		}
	}
	s.logger.Info("populated", zap.String("target", s.opt.SearchStore), zap.Int("existing", existing), zap.Int("count", max(targetCount, existing)), zap.Duration("elapsed", time.Since(start)))
	return nil
}

// FindAll collects every record of the collection in key order and calls
// visit once with all of them.
func (s *Store) FindAll(ctx context.Context, visit func(records []Record) error) error {
	return s.Find(ctx, Query{}, visit)
}

// Find collects the records matching q and calls visit once with all of
// them, after the read transaction has completed.
func (s *Store) Find(ctx context.Context, q Query, visit func(records []Record) error) error {
	conn, err := s.Connection()
	if err != nil {
		return err
	}
	records := []Record{}
	err = conn.iterate(ctx, s.opt.Collection, q, func(rec Record) (bool, error) {
		if matches(rec, q.Where) {
			records = append(records, rec)
		}
		return true, nil
	})
	if err != nil {
		return err
	}
	if visit == nil {
		return nil
	}
	_, err = safelyCall("find", func() (struct{}, error) {
		return struct{}{}, visit(records)
	})
	return err
}

// Save inserts patch as a new record when key is nil, otherwise merges the
// fields of patch into the existing record at key (ErrKeyNotFound if none).
// callback, if given, runs after the write has committed. Returns the key.
func (s *Store) Save(ctx context.Context, key any, patch Record, callback func(key any) error) (any, error) {
	conn, err := s.Connection()
	if err != nil {
		return nil, err
	}
	if key == nil {
		keys, err := conn.PutBatch(ctx, s.opt.Collection, []Record{patch})
		if err != nil {
			return nil, err
		}
		key = keys[0]
	} else {
		_, err := conn.Update(ctx, s.opt.Collection, key, func(old Record) (Record, error) {
			for k, v := range patch {
				old[k] = v
			}
			return old, nil
		})
		if err != nil {
			return nil, err
		}
	}
	if callback != nil {
		if _, err := safelyCall("save", func() (struct{}, error) {
			return struct{}{}, callback(key)
		}); err != nil {
			return key, err
		}
	}
	return key, nil
}

// Update reads the record at key, passes it to mutate and writes back the
// result in one read-write transaction. It fails with ErrKeyNotFound when
// there is no such record.
func (s *Store) Update(ctx context.Context, key any, mutate func(old Record) (Record, error)) (Record, error) {
	conn, err := s.Connection()
	if err != nil {
		return nil, err
	}
	return conn.Update(ctx, s.opt.Collection, key, mutate)
}

func (s *Store) Remove(ctx context.Context, key any) error {
	conn, err := s.Connection()
	if err != nil {
		return err
	}
	return conn.DeleteRecord(ctx, s.opt.Collection, key)
}

// Drop removes every record of the collection.
func (s *Store) Drop(ctx context.Context) error {
	conn, err := s.Connection()
	if err != nil {
		return err
	}
	return conn.ClearStore(ctx, s.opt.Collection)
}

// Count counts the collection records matching each query.
func (s *Store) Count(ctx context.Context, queries []Query) ([]int, error) {
	conn, err := s.Connection()
	if err != nil {
		return nil, err
	}
	return conn.Count(ctx, s.opt.Collection, queries)
}

// CountIn is Count over another object store of the database.
func (s *Store) CountIn(ctx context.Context, store string, queries []Query) ([]int, error) {
	conn, err := s.Connection()
	if err != nil {
		return nil, err
	}
	return conn.Count(ctx, store, queries)
}

func matches(rec Record, where map[string]any) bool {
	for field, want := range where {
		got, ok := rec[field]
		if !ok || !valuesEqual(got, want) {
			return false
		}
	}
	return true
}

// valuesEqual compares using key order where both values are valid keys, so
// that an int matches the int64 a record decodes to.
func valuesEqual(a, b any) bool {
	if c, err := engine.CompareKeys(a, b); err == nil {
		return c == 0
	}
	return reflect.DeepEqual(a, b)
}
