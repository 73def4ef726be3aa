// Package container holds the node-local in-memory data store.
package container

import (
	"sync"
	"time"

	"github.com/devrev/pairdb/datagrid/internal/model"
)

// DataContainer is the local in-memory data store of a cache. It is shared by command threads and
// the state-transfer paths. Stored entries are treated as immutable; writers replace them.
type DataContainer struct {
	mu   sync.RWMutex
	data *skipList
	size int64
}

// NewDataContainer creates an empty container
func NewDataContainer() *DataContainer {
	return &DataContainer{
		data: newSkipList(time.Now().UnixNano()),
	}
}

// Put inserts or replaces an entry
func (c *DataContainer) Put(entry *model.Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if prev := c.data.insert(entry); prev != nil {
		c.size -= prev.Size()
	}
	c.size += entry.Size()
}

// PutIfAbsent inserts the entry only when its key is not present. It reports whether it was stored.
func (c *DataContainer) PutIfAbsent(entry *model.Entry) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, found := c.data.search(entry.Key); found {
		return false
	}
	c.data.insert(entry)
	c.size += entry.Size()
	return true
}

// Get returns the entry for key
func (c *DataContainer) Get(key string) (*model.Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.data.search(key)
}

// Contains reports whether the key is present
func (c *DataContainer) Contains(key string) bool {
	_, found := c.Get(key)
	return found
}

// Remove deletes the key and returns the removed entry
func (c *DataContainer) Remove(key string) (*model.Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev, found := c.data.delete(key)
	if found {
		c.size -= prev.Size()
	}
	return prev, found
}

// Snapshot returns the entries present at call time, in key order. The container lock is not held
// while the caller works through the result.
func (c *DataContainer) Snapshot() []*model.Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*model.Entry, 0, c.data.size)
	c.data.ascend(func(e *model.Entry) bool {
		out = append(out, e)
		return true
	})
	return out
}

// Keys returns every key present at call time
func (c *DataContainer) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]string, 0, c.data.size)
	c.data.ascend(func(e *model.Entry) bool {
		keys = append(keys, e.Key)
		return true
	})
	return keys
}

// Len returns the number of entries
func (c *DataContainer) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.data.size
}

// SizeBytes returns the approximate memory held by entries
func (c *DataContainer) SizeBytes() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.size
}
