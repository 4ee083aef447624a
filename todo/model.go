// Package todo is the TodoMVC model: todo items kept in an idbkv.Store.
package todo

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/andreyvit/idbkv"
)

type Item struct {
	ID        int64
	Title     string
	Completed bool
	CreatedAt time.Time
	DueAt     time.Time
}

type Counts struct {
	Active    int
	Completed int
	Total     int
}

type Model struct {
	store *idbkv.Store
	now   func() time.Time
}

func New(store *idbkv.Store) *Model {
	return &Model{store: store, now: time.Now}
}

// Create adds a new, active item and returns it with its assigned ID.
func (m *Model) Create(ctx context.Context, title string) (Item, error) {
	now := m.now()
	rec := idbkv.Record{
		"title":     strings.TrimSpace(title),
		"completed": false,
		"createdAt": now.UnixMilli(),
		"dueAt":     now.UnixMilli(),
	}
	key, err := m.store.Save(ctx, nil, rec, nil)
	if err != nil {
		return Item{}, err
	}
	rec["id"] = key
	return itemFromRecord(rec), nil
}

// Read returns items matching query: all items for nil, the item with that
// ID for an integer or a numeric string, and items whose fields equal the
// given values for a map.
func (m *Model) Read(ctx context.Context, query any) ([]Item, error) {
	var q idbkv.Query
	switch v := query.(type) {
	case nil:
	case int:
		q.Range = idbkv.Only(int64(v))
	case int64:
		q.Range = idbkv.Only(v)
	case string:
		id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("todo: invalid id %q", v)
		}
		q.Range = idbkv.Only(id)
	case map[string]any:
		q.Where = v
	default:
		return nil, fmt.Errorf("todo: unsupported query %T", query)
	}

	var items []Item
	err := m.store.Find(ctx, q, func(records []idbkv.Record) error {
		items = make([]Item, 0, len(records))
		for _, rec := range records {
			items = append(items, itemFromRecord(rec))
		}
		return nil
	})
	return items, err
}

// Update merges data into the item with the given ID.
func (m *Model) Update(ctx context.Context, id int64, data map[string]any) error {
	_, err := m.store.Save(ctx, id, data, nil)
	return err
}

// Toggle flips the completed flag of an item in a single read-modify-write.
func (m *Model) Toggle(ctx context.Context, id int64) (Item, error) {
	rec, err := m.store.Update(ctx, id, func(old idbkv.Record) (idbkv.Record, error) {
		completed, _ := old["completed"].(bool)
		old["completed"] = !completed
		return old, nil
	})
	if err != nil {
		return Item{}, fmt.Errorf("todo %d: %w", id, err)
	}
	return itemFromRecord(rec), nil
}

func (m *Model) Remove(ctx context.Context, id int64) error {
	return m.store.Remove(ctx, id)
}

// RemoveAll deletes every item.
func (m *Model) RemoveAll(ctx context.Context) error {
	return m.store.Drop(ctx)
}

func (m *Model) Count(ctx context.Context) (Counts, error) {
	var c Counts
	err := m.store.FindAll(ctx, func(records []idbkv.Record) error {
		for _, rec := range records {
			if completed, _ := rec["completed"].(bool); completed {
				c.Completed++
			} else {
				c.Active++
			}
			c.Total++
		}
		return nil
	})
	return c, err
}

func itemFromRecord(rec idbkv.Record) Item {
	item := Item{
		ID:        toInt64(rec["id"]),
		CreatedAt: time.UnixMilli(toInt64(rec["createdAt"])),
		DueAt:     time.UnixMilli(toInt64(rec["dueAt"])),
	}
	item.Title, _ = rec["title"].(string)
	item.Completed, _ = rec["completed"].(bool)
	return item
}

func toInt64(v any) int64 {
	switch v := v.(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case uint64:
		return int64(v)
	case uint32:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}
