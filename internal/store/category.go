package store

import (
	"database/sql"
	"sync"
)

// Categories is the append-only name/id registry for listing categories.
// Ids are assigned by the database and never reused within a process or
// across restarts (AUTOINCREMENT). The registry is loaded once at open and
// owned by the Store; new names enter through the order batch and reach the
// cache only when the batch commits, so a rolled-back order can never orphan
// a cached id.
type Categories struct {
	mu     sync.RWMutex
	byName map[string]int64
	byID   map[int64]string
}

func loadCategories(db *sql.DB) (*Categories, error) {
	c := &Categories{
		byName: make(map[string]int64),
		byID:   make(map[int64]string),
	}

	rows, err := db.Query("SELECT category_id, category_value FROM categories")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, err
		}
		c.byName[name] = id
		c.byID[id] = name
	}
	return c, rows.Err()
}

// add caches a committed name/id pair.
func (c *Categories) add(name string, id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byName[name] = id
	c.byID[id] = name
}

// Lookup returns the id for a name without creating it.
func (c *Categories) Lookup(name string) (int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.byName[name]
	return id, ok
}

// Name returns the name for a category id.
func (c *Categories) Name(id int64) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	name, ok := c.byID[id]
	return name, ok
}
