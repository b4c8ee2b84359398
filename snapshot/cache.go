package snapshot

import (
	"sync"

	"github.com/INLOpen/nexusrestore/core"
	"golang.org/x/sync/singleflight"
)

// CachedSchema is what the session cache remembers per table.
type CachedSchema struct {
	Schema core.TableSchema
	Found  bool
}

// Cache remembers, for one restore session, the schema read from each
// table's snapshot manifest. Concurrent lookups of the same table share a
// single load. Failed loads are not cached.
type Cache struct {
	mu      sync.RWMutex
	entries map[core.TableName]CachedSchema
	group   singleflight.Group
}

func NewCache() *Cache {
	return &Cache{entries: make(map[core.TableName]CachedSchema)}
}

// GetOrLoad returns the cached entry for table or runs load once to fill it.
func (c *Cache) GetOrLoad(table core.TableName, load func() (core.TableSchema, bool, error)) (core.TableSchema, bool, error) {
	c.mu.RLock()
	e, ok := c.entries[table]
	c.mu.RUnlock()
	if ok {
		return e.Schema, e.Found, nil
	}

	v, err, _ := c.group.Do(table.String(), func() (interface{}, error) {
		c.mu.RLock()
		e, ok := c.entries[table]
		c.mu.RUnlock()
		if ok {
			return e, nil
		}
		schema, found, err := load()
		if err != nil {
			return nil, err
		}
		e = CachedSchema{Schema: schema, Found: found}
		c.mu.Lock()
		c.entries[table] = e
		c.mu.Unlock()
		return e, nil
	})
	if err != nil {
		return core.TableSchema{}, false, err
	}
	e = v.(CachedSchema)
	return e.Schema, e.Found, nil
}

// Lookup returns a cached entry without loading.
func (c *Cache) Lookup(table core.TableName) (CachedSchema, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[table]
	return e, ok
}

// Len returns the number of cached tables.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
