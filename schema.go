package idbkv

import (
	"fmt"
	"slices"
	"sort"

	"go.uber.org/zap"

	"github.com/andreyvit/idbkv/engine"
)

type (
	Record   = engine.Record
	KeyRange = engine.KeyRange
)

func Only(key any) *KeyRange { return engine.Only(key) }

func LowerBound(key any, open bool) *KeyRange { return engine.LowerBound(key, open) }

func UpperBound(key any, open bool) *KeyRange { return engine.UpperBound(key, open) }

func Bound(lower, upper any, lowerOpen, upperOpen bool) *KeyRange {
	return engine.Bound(lower, upper, lowerOpen, upperOpen)
}

// Schema maps object store names to their descriptions.
type Schema map[string]StoreSchema

// StoreSchema describes an object store. An empty PrimaryKey means keys are
// supplied explicitly on every write, unless AutoIncrement generates them.
type StoreSchema struct {
	PrimaryKey    string
	AutoIncrement bool
	Indexes       []IndexSchema
}

// IndexSchema describes a secondary index. Several KeyFields make a compound
// index whose keys are arrays of the field values.
type IndexSchema struct {
	Name      string
	KeyFields []string
	Unique    bool
}

// Query selects records of one object store. Index, if set, must name an
// index of the store; records are then ordered by the index value. Where is
// an equality filter applied to the records the cursor yields.
type Query struct {
	Index   string
	Range   *KeyRange
	Reverse bool
	Where   map[string]any
}

func (s Schema) Validate() error {
	for name, ss := range s {
		if name == "" {
			return fmt.Errorf("schema: empty store name")
		}
		seen := make(map[string]bool, len(ss.Indexes))
		for _, idx := range ss.Indexes {
			if idx.Name == "" {
				return fmt.Errorf("schema: store %s: index with empty name", name)
			}
			if seen[idx.Name] {
				return fmt.Errorf("schema: store %s: duplicate index %s", name, idx.Name)
			}
			seen[idx.Name] = true
			if len(idx.KeyFields) == 0 {
				return fmt.Errorf("schema: store %s: index %s has no key fields", name, idx.Name)
			}
		}
	}
	return nil
}

func (s Schema) storeNames() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (ss StoreSchema) keyPath() []string {
	if ss.PrimaryKey == "" {
		return nil
	}
	return []string{ss.PrimaryKey}
}

// apply brings the database structure in line with the schema inside the
// version change transaction: missing stores and indexes are created,
// undeclared ones are deleted, and stores whose key policy changed are
// recreated.
func (s Schema) apply(db *engine.Database, tx *engine.Transaction, logger *zap.Logger) error {
	existing := db.ObjectStoreNames()
	for _, name := range existing {
		if _, ok := s[name]; !ok {
			logger.Info("deleting undeclared object store", zap.String("store", name))
			if err := db.DeleteObjectStore(name); err != nil {
				return opErr("deleteObjectStore", name, nil, err)
			}
		}
	}

	for _, name := range s.storeNames() {
		ss := s[name]
		var store *engine.ObjectStore
		if slices.Contains(existing, name) {
			old, err := tx.ObjectStore(name)
			if err != nil {
				return opErr("objectStore", name, nil, err)
			}
			if slices.Equal(old.KeyPath(), ss.keyPath()) && old.AutoIncrement() == ss.AutoIncrement {
				store = old
			} else {
				logger.Warn("recreating object store with a different key policy", zap.String("store", name))
				if err := db.DeleteObjectStore(name); err != nil {
					return opErr("deleteObjectStore", name, nil, err)
				}
			}
		}
		if store == nil {
			var err error
			store, err = db.CreateObjectStore(name, engine.ObjectStoreOptions{
				KeyPath:       ss.keyPath(),
				AutoIncrement: ss.AutoIncrement,
			})
			if err != nil {
				return opErr("createObjectStore", name, nil, err)
			}
		}
		if err := ss.applyIndexes(store); err != nil {
			return err
		}
	}
	return nil
}

func (ss StoreSchema) applyIndexes(store *engine.ObjectStore) error {
	declared := make(map[string]IndexSchema, len(ss.Indexes))
	for _, idx := range ss.Indexes {
		declared[idx.Name] = idx
	}
	for _, name := range store.IndexNames() {
		want, ok := declared[name]
		if ok {
			idx, err := store.Index(name)
			if err != nil {
				return opErr("index", store.Name(), nil, err)
			}
			if slices.Equal(idx.KeyPath(), want.KeyFields) && idx.Unique() == want.Unique {
				delete(declared, name)
				continue
			}
		}
		if err := store.DeleteIndex(name); err != nil {
			return opErr("deleteIndex", store.Name(), name, err)
		}
	}
	for _, idx := range ss.Indexes {
		if _, ok := declared[idx.Name]; !ok {
			continue
		}
		if _, err := store.CreateIndex(idx.Name, idx.KeyFields, idx.Unique); err != nil {
			return opErr("createIndex", store.Name(), idx.Name, err)
		}
	}
	return nil
}
