package engine

import (
	"fmt"
	"sort"
)

// dbState is the persisted description of a database: its version and the
// object stores and indexes created by upgrade transactions.
type dbState struct {
	Version uint64                 `msgpack:"v"`
	Stores  map[string]*storeState `msgpack:"s"`
}

type storeState struct {
	KeyPath       []string               `msgpack:"kp,omitempty"`
	AutoIncrement bool                   `msgpack:"ai,omitempty"`
	Indexes       map[string]*indexState `msgpack:"i,omitempty"`
}

type indexState struct {
	KeyPath []string `msgpack:"kp"`
	Unique  bool     `msgpack:"u,omitempty"`
}

const (
	metaBucket     = "_meta"
	dataSubBucket  = "data"
	storeBucketPfx = "store/"
	indexBucketPfx = "i/"
)

var stateKey = []byte("state")

func storeBucketName(store string) string {
	return storeBucketPfx + store
}

func indexBucketName(index string) string {
	return indexBucketPfx + index
}

func newDBState() *dbState {
	return &dbState{Stores: make(map[string]*storeState)}
}

func (st *dbState) clone() *dbState {
	out := &dbState{Version: st.Version, Stores: make(map[string]*storeState, len(st.Stores))}
	for name, ss := range st.Stores {
		c := &storeState{
			KeyPath:       ss.KeyPath,
			AutoIncrement: ss.AutoIncrement,
			Indexes:       make(map[string]*indexState, len(ss.Indexes)),
		}
		for iname, is := range ss.Indexes {
			c.Indexes[iname] = &indexState{KeyPath: is.KeyPath, Unique: is.Unique}
		}
		out.Stores[name] = c
	}
	return out
}

func (st *dbState) storeNames() []string {
	names := make([]string, 0, len(st.Stores))
	for name := range st.Stores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (ss *storeState) indexNames() []string {
	names := make([]string, 0, len(ss.Indexes))
	for name := range ss.Indexes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func loadState(stx storageTx) (*dbState, error) {
	st := newDBState()
	b := stx.Bucket(metaBucket, "")
	if b == nil {
		return st, nil
	}
	raw := b.Get(stateKey)
	if raw == nil {
		return st, nil
	}
	if err := decodeMsgPack(raw, st); err != nil {
		return nil, dataErrf(raw, 0, err, "failed to decode database state")
	}
	if st.Stores == nil {
		st.Stores = make(map[string]*storeState)
	}
	for _, ss := range st.Stores {
		if ss.Indexes == nil {
			ss.Indexes = make(map[string]*indexState)
		}
	}
	return st, nil
}

func saveState(stx storageTx, st *dbState) error {
	raw, err := encodeMsgPack(st)
	if err != nil {
		return fmt.Errorf("failed to encode database state: %w", err)
	}
	b, err := stx.CreateBucket(metaBucket, "")
	if err != nil {
		return err
	}
	return b.Put(stateKey, raw)
}
